// Package screen grabs the pixels of an attached display.
package screen

import (
	"errors"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// ErrNoDisplay is returned when no active display can be captured.
var ErrNoDisplay = errors.New("screen: no active display")

// Displays returns the number of active displays.
func Displays() int { return screenshot.NumActiveDisplays() }

// Bounds returns the rectangle of display i in virtual screen space.
func Bounds(i int) image.Rectangle { return screenshot.GetDisplayBounds(i) }

// Grab captures display i.
func Grab(i int) (*image.RGBA, error) {
	if i < 0 || i >= Displays() {
		return nil, fmt.Errorf("%w: index %d", ErrNoDisplay, i)
	}
	img, err := screenshot.CaptureRect(Bounds(i))
	if err != nil {
		return nil, fmt.Errorf("screen: capture display %d: %w", i, err)
	}
	return img, nil
}
