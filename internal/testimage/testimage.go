// Package testimage builds deterministic rasters for tests.
package testimage

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
)

// Page renders a w x h page whose content changes smoothly but never
// repeats vertically: a red ramp over the full height plus two
// sinusoids with incommensurate periods. Any crop of it is found at one
// offset only, and the match score grows with the distance from it.
func Page(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		r := uint8(float64(y) * 255 / float64(max(h-1, 1)))
		for x := 0; x < w; x++ {
			g := 128 + 100*math.Sin(float64(y)/37+float64(x)/53)
			b := 128 + 100*math.Cos(float64(y)/61-float64(x)/29)
			off := img.PixOffset(x, y)
			img.Pix[off] = r
			img.Pix[off+1] = uint8(g)
			img.Pix[off+2] = uint8(b)
			img.Pix[off+3] = 0xff
		}
	}
	return img
}

// Solid returns a w x h raster filled with c.
func Solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

// Fill paints rect of img with c.
func Fill(img *image.RGBA, rect image.Rectangle, c color.Color) {
	draw.Draw(img, rect, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// Crop copies rows [y, y+h) of src into a new raster at the origin.
func Crop(src *image.RGBA, y, h int) *image.RGBA {
	w := src.Bounds().Dx()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), src, image.Pt(src.Bounds().Min.X, src.Bounds().Min.Y+y), draw.Src)
	return dst
}

// PNG encodes img, panicking on failure.
func PNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEG encodes img at the given quality, panicking on failure.
func JPEG(img image.Image, quality int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
