package catalog

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/rs/zerolog"
)

// Settings carries the values LoadSources cannot read from the environment.
type Settings struct {
	// BlobEndpoint is the storage account URL used by the azure source.
	BlobEndpoint string
	Credential   azcore.TokenCredential
}

// LoadSources instantiates the named sources. Unknown or misconfigured sources
// are logged and skipped; an error is returned only when none could be built.
func LoadSources(ctx context.Context, names []string, settings Settings, logger zerolog.Logger) ([]Source, error) {
	var sources []Source
	for _, token := range names {
		token = strings.TrimSpace(strings.ToLower(token))
		if token == "" {
			continue
		}
		var (
			src Source
			err error
		)
		switch token {
		case "azure":
			src, err = NewAzureSource(settings.BlobEndpoint, settings.Credential)
		case "s3":
			src, err = NewS3Source(ctx)
		case "sftp":
			src, err = NewSFTPSource()
		case "ftps":
			src, err = NewFTPSSource()
		default:
			err = fmt.Errorf("unknown dataset source %q", token)
		}
		if err != nil {
			logger.Error().Err(err).Str("source", token).Msg("failed to init dataset source")
			continue
		}
		logger.Info().Str("source", src.Name()).Msg("initialized dataset source")
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	return sources, nil
}

// splitKey maps a slash separated object key below root onto a container (its
// first segment) and a dataset name (the remainder).
func splitKey(root, key string) (Dataset, bool) {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if root = strings.Trim(path.Clean("/"+root), "/"); root != "" {
		if !strings.HasPrefix(key, root+"/") {
			return Dataset{}, false
		}
		key = strings.TrimPrefix(key, root+"/")
	}
	container, name, ok := strings.Cut(key, "/")
	if !ok || container == "" || name == "" {
		return Dataset{}, false
	}
	return Dataset{Container: container, Name: name}, true
}
