package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FileStore reads artifacts from the local filesystem.
type FileStore struct{}

// Resolve returns p itself for files. For a directory it picks the first
// *.onnx file in lexical order.
func (FileStore) Resolve(_ context.Context, p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", notFound(p, nil)
		}
		return "", fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if !info.IsDir() {
		return p, nil
	}
	matches, err := filepath.Glob(filepath.Join(p, "*.onnx"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", notFound(p, errors.New("no ONNX models in directory"))
	}
	sort.Strings(matches)
	return matches[0], nil
}

func (FileStore) ReadArtifact(_ context.Context, p string) ([]byte, error) {
	return readFile(p)
}

func (FileStore) ReadDocument(_ context.Context, p string) ([]byte, error) {
	return readFile(p)
}

func readFile(p string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(p, nil)
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}
