package codec

import (
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

// DefaultQuality is the JPEG quality used when none is given.
const DefaultQuality = 85

// Encode writes img to w as t. Only PNG and JPEG are written.
func Encode(ctx context.Context, w io.Writer, img image.Image, t core.ImageType, quality int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if img == nil {
		return apperrors.New(apperrors.CauseDecodeUnknown, "encode", apperrors.ErrEmptyInput)
	}
	switch t {
	case core.TypePNG:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		if err := enc.Encode(w, img); err != nil {
			return apperrors.Wrap(apperrors.CauseDecodeUnknown, "png.encode", err)
		}
	case core.TypeJPEG:
		if quality <= 0 {
			quality = DefaultQuality
		}
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
			return apperrors.Wrap(apperrors.CauseDecodeUnknown, "jpeg.encode", err)
		}
	default:
		return apperrors.New(apperrors.CauseUnsupportedFormat, "encode", apperrors.ErrUnsupportedFormat)
	}
	return nil
}

// HasAlpha reports whether img has any pixel that is not fully opaque.
func HasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

// PreferredEncoding picks PNG for images with transparency, JPEG otherwise.
func PreferredEncoding(img image.Image) (core.ImageType, string) {
	if HasAlpha(img) {
		return core.TypePNG, "image/png"
	}
	return core.TypeJPEG, "image/jpeg"
}
