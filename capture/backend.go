package capture

import (
	"context"
	"errors"
	"fmt"
)

// Capabilities lists what a Session can do.
type Capabilities struct {
	Viewport bool `json:"viewport"`
	Navigate bool `json:"navigate"`
	FullPage bool `json:"full_page"`
}

// Session is exclusive access to one capture surface, typically one
// browser tab. Close releases it and undoes any viewport emulation; it
// is safe to call more than once.
type Session interface {
	// Key identifies the surface. Jobs on the same key never overlap.
	Key() string
	Capabilities() Capabilities
	SetViewport(ctx context.Context, width, height int) error
	// Navigate loads url. confirmed is false when the page never
	// signalled load within the ceiling; that is not an error.
	Navigate(ctx context.Context, url string) (confirmed bool, err error)
	// Screenshot returns encoded pixels of the viewport, or of the whole
	// document from its top when fullPage is set.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Close() error
}

// Backend opens sessions on one kind of capture surface.
type Backend interface {
	Name() string
	// Check reports whether the backend can serve captures now.
	Check(ctx context.Context) error
	Open(ctx context.Context) (Session, error)
}

// SelectBackend checks backends in order and returns the first usable
// one. When all fail the check errors are joined under ErrNoBackend.
func SelectBackend(ctx context.Context, backends ...Backend) (Backend, error) {
	var errs []error
	for _, b := range backends {
		if b == nil {
			continue
		}
		err := b.Check(ctx)
		if err == nil {
			return b, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, ErrNoBackend
	}
	return nil, fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}
