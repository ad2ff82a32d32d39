// Package refimage decodes and classifies reference screenshots.
package refimage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
)

// MaxSize caps the bytes read for one reference image.
const MaxSize = 20 << 20

const fetchTimeout = 10 * time.Second

// ErrInvalid is returned for references that cannot be read or decoded.
var ErrInvalid = errors.New("refimage: invalid reference")

// ErrOutsideRoot is returned for local references outside the allowed
// directory.
var ErrOutsideRoot = errors.New("refimage: reference outside the reference root")

func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Resolve checks that src is an http(s) URL or a file inside root and
// returns it with local paths made absolute. Relative paths are taken
// from root; symlinks are followed before the check. An empty root admits
// no local file.
func Resolve(src, root string) (string, error) {
	if src == "" {
		return "", fmt.Errorf("%w: empty source", ErrInvalid)
	}
	if isRemote(src) {
		return src, nil
	}
	if root == "" {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, src)
	}
	base, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("refimage: reference root: %w", err)
	}
	if b, err := filepath.EvalSymlinks(base); err == nil {
		base = b
	}
	p := src
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	rel, err := filepath.Rel(base, filepath.Clean(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, src)
	}
	return p, nil
}

// LoadWithin returns a loader that reads http(s) URLs and files inside
// root only.
func LoadWithin(root string) func(ctx context.Context, src string) ([]byte, error) {
	return func(ctx context.Context, src string) ([]byte, error) {
		p, err := Resolve(src, root)
		if err != nil {
			return nil, err
		}
		return Load(ctx, p)
	}
}

// Load reads a reference from a local path or an http(s) URL.
func Load(ctx context.Context, src string) ([]byte, error) {
	if src == "" {
		return nil, fmt.Errorf("%w: empty source", ErrInvalid)
	}
	if isRemote(src) {
		return fetch(ctx, src)
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer f.Close()
	return readCapped(f)
}

func fetch(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrInvalid, u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch %s: status %d", ErrInvalid, u, resp.StatusCode)
	}
	return readCapped(resp.Body)
}

func readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrInvalid, err)
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalid, MaxSize)
	}
	return data, nil
}

// Dimensions reads width and height from the image header only.
func Dimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return 0, 0, fmt.Errorf("%w: empty image", ErrInvalid)
	}
	return cfg.Width, cfg.Height, nil
}

// Decode decodes a full raster and returns its format name.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return img, format, nil
}
