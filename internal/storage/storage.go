package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
)

// FileStore resolves stored filenames to bytes.
type FileStore interface {
	Save(ctx context.Context, name string, r io.Reader) (int64, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// ReadAll opens name and reads it fully, refusing files larger than limit when limit > 0.
func ReadAll(ctx context.Context, files FileStore, name string, limit int64) ([]byte, error) {
	rc, err := files.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, apperr.Validation("file %s exceeds %d bytes", name, limit)
	}
	return body, nil
}

// Local keeps files under a base directory.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "data/uploads"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) path(name string) (string, error) {
	key := sanitizeKey(name)
	if key == "" || key == "." || strings.HasPrefix(key, "..") {
		return "", apperr.Validation("invalid file name %q", name)
	}
	return filepath.Join(l.baseDir, key), nil
}

func (l *Local) Save(_ context.Context, name string, r io.Reader) (int64, error) {
	path, err := l.path(name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write file: %w", err)
	}
	return n, nil
}

func (l *Local) Open(_ context.Context, name string) (io.ReadCloser, error) {
	path, err := l.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFound("file %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}
