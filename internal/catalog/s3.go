package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Source lists objects from S3_BUCKET when set, otherwise from every
// bucket the credentials can see. Buckets map to containers.
func NewS3Source(ctx context.Context) (Source, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &s3Source{
		client: s3.NewFromConfig(cfg),
		bucket: os.Getenv("S3_BUCKET"),
		prefix: os.Getenv("S3_PREFIX"),
	}, nil
}

func (s *s3Source) Name() string {
	return "s3"
}

func (s *s3Source) List(ctx context.Context) ([]Dataset, error) {
	buckets := []string{s.bucket}
	if s.bucket == "" {
		out, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return nil, fmt.Errorf("list buckets: %w", err)
		}
		buckets = buckets[:0]
		for _, b := range out.Buckets {
			buckets = append(buckets, aws.ToString(b.Name))
		}
	}

	var datasets []Dataset
	for _, bucket := range buckets {
		input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
		if s.prefix != "" {
			input.Prefix = aws.String(s.prefix)
		}
		pager := s3.NewListObjectsV2Paginator(s.client, input)
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list objects in %s: %w", bucket, err)
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if key == "" || key[len(key)-1] == '/' {
					continue
				}
				datasets = append(datasets, Dataset{Name: key, Container: bucket})
			}
		}
	}
	return datasets, nil
}
