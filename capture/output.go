package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hazyhaar/scrollshot/artifact"
)

// FileOutput is an Uploader writing the artifact to one fixed path and
// discarding metadata. The storage key is ignored.
type FileOutput struct {
	Path string
}

func (f FileOutput) Put(ctx context.Context, data []byte, _, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(f.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", artifact.ErrUpload, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", artifact.ErrUpload, err)
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", artifact.ErrUpload, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", artifact.ErrUpload, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (FileOutput) WriteMetadata(context.Context, artifact.Metadata) error { return nil }
