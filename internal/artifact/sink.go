package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/matteoLorenzini/dataset-utils/internal/objstore"
)

// ErrExists is returned when an artifact would overwrite an existing file.
var ErrExists = errors.New("artifact already exists")

// Sink stores a named artifact and returns where it went.
type Sink interface {
	Put(ctx context.Context, name string, body []byte, contentType string, meta map[string]string) (string, error)
}

// DirSink writes artifacts into a local directory. Existing files are kept
// unless Overwrite is set.
type DirSink struct {
	Dir       string
	Overwrite bool
}

func (s DirSink) Put(_ context.Context, name string, body []byte, _ string, _ map[string]string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	p := filepath.Join(s.Dir, name)

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !s.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if errors.Is(err, os.ErrExist) {
		return "", fmt.Errorf("%s: %w", p, ErrExists)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", p, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", p, err)
	}
	return p, nil
}

// S3Sink uploads artifacts under Prefix in Bucket.
type S3Sink struct {
	Client *objstore.Client
	Bucket string
	Prefix string
}

func (s S3Sink) Put(ctx context.Context, name string, body []byte, contentType string, meta map[string]string) (string, error) {
	key := path.Join(s.Prefix, name)
	if err := s.Client.Put(ctx, s.Bucket, key, body, contentType, meta); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}

// MultiSink writes to every sink in order and returns the first location.
type MultiSink []Sink

func (m MultiSink) Put(ctx context.Context, name string, body []byte, contentType string, meta map[string]string) (string, error) {
	var first string
	for i, s := range m {
		loc, err := s.Put(ctx, name, body, contentType, meta)
		if err != nil {
			return "", err
		}
		if i == 0 {
			first = loc
		}
	}
	return first, nil
}
