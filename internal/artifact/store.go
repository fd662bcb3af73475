// Package artifact reads model artifacts and their side documents from the
// local filesystem, S3 or MongoDB.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/classify-api/internal/config"
)

// ErrNotFound is returned when an artifact or document does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store provides raw access to model artifacts and JSON documents.
type Store interface {
	// Resolve maps a configured model path to the concrete artifact path.
	Resolve(ctx context.Context, p string) (string, error)
	ReadArtifact(ctx context.Context, p string) ([]byte, error)
	// ReadDocument returns ErrNotFound when the document is absent.
	ReadDocument(ctx context.Context, p string) ([]byte, error)
}

// MetadataSource yields the metadata document for a model artifact.
type MetadataSource interface {
	Metadata(ctx context.Context, artifactPath string) ([]byte, error)
}

// DocumentMetadata reads the metadata document from a fixed path, or from
// model_metadata.json next to the artifact when Path is empty. Only the
// implicit sibling document is optional: a missing Path is an error that
// does not match ErrNotFound.
type DocumentMetadata struct {
	Store Store
	Path  string
}

func (d DocumentMetadata) Metadata(ctx context.Context, artifactPath string) ([]byte, error) {
	if d.Path == "" {
		return d.Store.ReadDocument(ctx, Sibling(artifactPath, "model_metadata.json"))
	}
	data, err := d.Store.ReadDocument(ctx, d.Path)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("configured metadata document %s does not exist", d.Path)
	}
	return data, err
}

// Open returns the store matching the scheme of the configured model path.
func Open(ctx context.Context, cfg config.ModelConfig) (Store, error) {
	if strings.HasPrefix(cfg.Path, s3Scheme) {
		return NewS3Store(ctx, S3Config{Region: cfg.S3Region, Endpoint: cfg.S3Endpoint})
	}
	return FileStore{}, nil
}

// Sibling returns the path of name in the same directory as p.
func Sibling(p, name string) string {
	if strings.HasPrefix(p, s3Scheme) {
		return s3Scheme + path.Join(path.Dir(strings.TrimPrefix(p, s3Scheme)), name)
	}
	return filepath.Join(filepath.Dir(p), name)
}

// Stem returns the artifact file name without its extension.
func Stem(p string) string {
	base := path.Base(filepath.ToSlash(p))
	return strings.TrimSuffix(base, path.Ext(base))
}

func notFound(p string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return fmt.Errorf("%w: %s: %v", ErrNotFound, p, err)
}
