package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type azureSource struct {
	client *azblob.Client
}

// NewAzureSource lists every blob of every container in the storage account at
// endpoint. With a nil credential it falls back to the shared key in
// AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_KEY.
func NewAzureSource(endpoint string, cred azcore.TokenCredential) (Source, error) {
	if endpoint == "" {
		account := os.Getenv("AZURE_STORAGE_ACCOUNT")
		if account == "" {
			return nil, fmt.Errorf("blob storage endpoint or AZURE_STORAGE_ACCOUNT required for azure source")
		}
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	if cred != nil {
		client, err := azblob.NewClient(endpoint, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("create blob client: %w", err)
		}
		return &azureSource{client: client}, nil
	}

	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	key := os.Getenv("AZURE_STORAGE_KEY")
	if account == "" || key == "" {
		return nil, fmt.Errorf("AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_KEY required without a token credential")
	}
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("build shared key credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &azureSource{client: client}, nil
}

func (a *azureSource) Name() string {
	return "azure"
}

func (a *azureSource) List(ctx context.Context) ([]Dataset, error) {
	var containers []string
	pager := a.client.NewListContainersPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		for _, item := range page.ContainerItems {
			if item.Name != nil {
				containers = append(containers, *item.Name)
			}
		}
	}

	var datasets []Dataset
	for _, container := range containers {
		blobs := a.client.NewListBlobsFlatPager(container, nil)
		for blobs.More() {
			page, err := blobs.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list blobs in %s: %w", container, err)
			}
			if page.Segment == nil {
				continue
			}
			for _, blob := range page.Segment.BlobItems {
				if blob.Name == nil {
					continue
				}
				datasets = append(datasets, Dataset{Name: *blob.Name, Container: container})
			}
		}
	}
	return datasets, nil
}
