// Package pool provides reusable pixel buffers for decoders.
package pool

import (
	"fmt"
	"image"
	"image/draw"
	"sync/atomic"
)

// PixelFormat is the in-memory layout of a Bitmap.
type PixelFormat int

const (
	// RGBA8888 stores 4 bytes per pixel, alpha premultiplied (image.RGBA).
	RGBA8888 PixelFormat = iota
	// Gray8 stores 1 byte per pixel (image.Gray).
	Gray8
)

// BytesPerPixel returns the pixel stride of f.
func (f PixelFormat) BytesPerPixel() int {
	if f == Gray8 {
		return 1
	}
	return 4
}

func (f PixelFormat) String() string {
	if f == Gray8 {
		return "gray8"
	}
	return "rgba8888"
}

// Bitmap is a decoded pixel buffer. Its backing allocation may be larger
// than Width*Height*BytesPerPixel when it was reused from a Pool.
type Bitmap struct {
	pix      []byte
	width    int
	height   int
	format   PixelFormat
	released atomic.Bool
}

// NewBitmap allocates a zeroed bitmap.
func NewBitmap(width, height int, format PixelFormat) (*Bitmap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("pool: invalid bitmap size %dx%d", width, height)
	}
	return &Bitmap{
		pix:    make([]byte, width*height*format.BytesPerPixel()),
		width:  width,
		height: height,
		format: format,
	}, nil
}

func (b *Bitmap) Width() int          { return b.width }
func (b *Bitmap) Height() int         { return b.height }
func (b *Bitmap) Format() PixelFormat { return b.format }
func (b *Bitmap) Stride() int         { return b.width * b.format.BytesPerPixel() }

// ByteCount is the number of bytes the current dimensions occupy.
func (b *Bitmap) ByteCount() int { return b.width * b.height * b.format.BytesPerPixel() }

// AllocationBytes is the capacity of the backing buffer.
func (b *Bitmap) AllocationBytes() int { return cap(b.pix) }

// Released reports whether the bitmap was freed and must not be used.
func (b *Bitmap) Released() bool { return b.released.Load() }

// Pix returns the pixel bytes for the current dimensions.
func (b *Bitmap) Pix() []byte { return b.pix[:b.ByteCount()] }

// Image returns a drawable view sharing the bitmap's memory.
func (b *Bitmap) Image() draw.Image {
	rect := image.Rect(0, 0, b.width, b.height)
	if b.format == Gray8 {
		return &image.Gray{Pix: b.Pix(), Stride: b.Stride(), Rect: rect}
	}
	return &image.RGBA{Pix: b.Pix(), Stride: b.Stride(), Rect: rect}
}

// reconfigure resizes the bitmap in place. It fails when the allocation is
// too small for the new dimensions.
func (b *Bitmap) reconfigure(width, height int, format PixelFormat) bool {
	need := width * height * format.BytesPerPixel()
	if need > cap(b.pix) {
		return false
	}
	b.pix = b.pix[:cap(b.pix)]
	clear(b.pix[:need])
	b.width, b.height, b.format = width, height, format
	return true
}

func (b *Bitmap) markReleased() bool {
	if !b.released.CompareAndSwap(false, true) {
		return false
	}
	b.pix = nil
	return true
}
