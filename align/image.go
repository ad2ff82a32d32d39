package align

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// ScaledHeight is the height of a wt x ht image scaled to width wf with
// its aspect ratio kept: round(ht·wf/wt), at least 1.
func ScaledHeight(wt, ht, wf int) int {
	if wt == 0 {
		return 0
	}
	return max(1, int(math.Round(float64(ht)*float64(wf)/float64(wt))))
}

// Resize scales img to width x height with bilinear interpolation.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ResizeToWidth scales img to width, keeping its aspect ratio.
func ResizeToWidth(img image.Image, width int) *image.RGBA {
	b := img.Bounds()
	return Resize(img, width, ScaledHeight(b.Dx(), b.Dy(), width))
}

// ToRGBA returns img as an *image.RGBA anchored at the origin, copying
// only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Crop copies rows [offsetY, offsetY+height) of full into a new raster.
// The band is clamped to the bottom of full.
func Crop(full image.Image, offsetY, height int) (*image.RGBA, error) {
	b := full.Bounds()
	if offsetY < 0 || offsetY >= b.Dy() || height <= 0 {
		return nil, fmt.Errorf("align: crop rows [%d,%d) outside %dx%d", offsetY, offsetY+height, b.Dx(), b.Dy())
	}
	height = min(height, b.Dy()-offsetY)
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), height))
	draw.Draw(dst, dst.Bounds(), full, image.Pt(b.Min.X, b.Min.Y+offsetY), draw.Src)
	return dst, nil
}
