package catalog

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/secsy/goftp"
)

type ftpsSource struct {
	config  goftp.Config
	addr    string
	baseDir string
}

// NewFTPSSource lists FTPS_BASE_DIR on FTPS_HOST over explicit TLS.
func NewFTPSSource() (Source, error) {
	host := os.Getenv("FTPS_HOST")
	user := os.Getenv("FTPS_USER")
	pw := os.Getenv("FTPS_PASSWORD")
	if host == "" || user == "" || pw == "" {
		return nil, fmt.Errorf("FTPS_HOST/FTPS_USER/FTPS_PASSWORD required for ftps source")
	}
	port := os.Getenv("FTPS_PORT")
	if port == "" {
		port = "21"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid ftps port: %w", err)
	}
	return &ftpsSource{
		config: goftp.Config{
			User:               user,
			Password:           pw,
			TLSConfig:          &tls.Config{InsecureSkipVerify: true}, // rely on network ACLs for now
			TLSMode:            goftp.TLSExplicit,
			Timeout:            30 * time.Second,
			ConnectionsPerHost: 1,
		},
		addr:    fmt.Sprintf("%s:%s", host, port),
		baseDir: os.Getenv("FTPS_BASE_DIR"),
	}, nil
}

func (f *ftpsSource) Name() string {
	return "ftps"
}

func (f *ftpsSource) List(ctx context.Context) ([]Dataset, error) {
	client, err := goftp.DialConfig(f.config, f.addr)
	if err != nil {
		return nil, fmt.Errorf("ftps dial: %w", err)
	}
	defer client.Close()

	root := f.baseDir
	if root == "" {
		root = "/"
	}
	var datasets []Dataset
	err = walkFTP(ctx, client, root, func(p string) {
		if d, ok := splitKey(root, p); ok {
			datasets = append(datasets, d)
		}
	})
	if err != nil {
		return nil, err
	}
	return datasets, nil
}

type dirReader interface {
	ReadDir(path string) ([]os.FileInfo, error)
}

func walkFTP(ctx context.Context, client dirReader, dir string, visit func(string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := client.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("ftps list %s: %w", dir, err)
	}
	for _, entry := range entries {
		p := path.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			if err := walkFTP(ctx, client, p, visit); err != nil {
				return err
			}
		case entry.Mode().IsRegular():
			visit(p)
		}
	}
	return nil
}
