package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

// FileFetcher reads exports dropped on disk by the ingestion gateway.
// Locations are plain paths or file:// URLs.
type FileFetcher struct {
	// BaseDir resolves relative paths.
	BaseDir string
}

// NewFileFetcher creates a file fetcher resolving relative paths against baseDir.
func NewFileFetcher(baseDir string) *FileFetcher {
	return &FileFetcher{BaseDir: baseDir}
}

func (f *FileFetcher) Fetch(ctx context.Context, src domain.SourceDescriptor) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, transient(src, 0, err)
	}

	path, err := f.resolve(src.Location)
	if err != nil {
		return Response{}, permanent(src, 0, err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return Response{Body: data}, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return Response{}, permanent(src, 0, err)
	default:
		return Response{}, transient(src, 0, err)
	}
}

func (f *FileFetcher) resolve(location string) (string, error) {
	path := location
	if strings.HasPrefix(location, "file://") {
		u, err := url.Parse(location)
		if err != nil {
			return "", fmt.Errorf("parse location: %w", err)
		}
		path = u.Path
	}
	if path == "" {
		return "", errors.New("empty file location")
	}
	if !filepath.IsAbs(path) && f.BaseDir != "" {
		path = filepath.Join(f.BaseDir, path)
	}
	return path, nil
}

// ByScheme sends http and https locations to remote and everything else to
// local, so tabular exports can be either downloaded or dropped on disk.
func ByScheme(remote, local Fetcher) Fetcher {
	return FetcherFunc(func(ctx context.Context, src domain.SourceDescriptor) (Response, error) {
		loc := strings.ToLower(src.Location)
		if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
			return remote.Fetch(ctx, src)
		}
		return local.Fetch(ctx, src)
	})
}
