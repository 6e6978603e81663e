package codec

import (
	"context"
	"image"
	"image/gif"
	"image/png"
	"io"

	"github.com/gen2brain/jpegn"
	"golang.org/x/image/bmp"
	"golang.org/x/image/webp"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

// ── JPEG ──────────────────────────────────────────────────────────────────────

// JPEG decodes baseline JPEG with jpegn, which falls back to image/jpeg for
// progressive and CMYK files.
type JPEG struct{}

func NewJPEG() *JPEG { return &JPEG{} }

func (j *JPEG) Name() string                    { return "jpegn" }
func (j *JPEG) CanDecode(t core.ImageType) bool { return t == core.TypeJPEG }

func (j *JPEG) DecodeConfig(r io.Reader) (image.Config, error) {
	return jpegn.DecodeConfig(r)
}

func (j *JPEG) Decode(ctx context.Context, r io.Reader, opts DecodeOptions) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := &jpegn.Options{UpsampleMethod: jpegn.CatmullRom}
	if opts.LowQuality {
		o.UpsampleMethod = jpegn.NearestNeighbor
	}
	img, err := jpegn.Decode(r, o)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "jpeg.decode", err)
	}
	return img, nil
}

// ── PNG ───────────────────────────────────────────────────────────────────────

// PNG decodes PNG images using the standard library.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) Name() string                                   { return "png" }
func (p *PNG) CanDecode(t core.ImageType) bool                { return t == core.TypePNG }
func (p *PNG) DecodeConfig(r io.Reader) (image.Config, error) { return png.DecodeConfig(r) }

func (p *PNG) Decode(ctx context.Context, r io.Reader, _ DecodeOptions) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := png.Decode(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "png.decode", err)
	}
	return img, nil
}

// ── WebP ──────────────────────────────────────────────────────────────────────

// WebP decodes still WebP images using golang.org/x/image/webp.
type WebP struct{}

func NewWebP() *WebP { return &WebP{} }

func (w *WebP) Name() string                                   { return "webp" }
func (w *WebP) CanDecode(t core.ImageType) bool                { return t == core.TypeWebP }
func (w *WebP) DecodeConfig(r io.Reader) (image.Config, error) { return webp.DecodeConfig(r) }

func (w *WebP) Decode(ctx context.Context, r io.Reader, _ DecodeOptions) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := webp.Decode(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "webp.decode", err)
	}
	return img, nil
}

// ── BMP ───────────────────────────────────────────────────────────────────────

// BMP decodes BMP images using golang.org/x/image/bmp.
type BMP struct{}

func NewBMP() *BMP { return &BMP{} }

func (b *BMP) Name() string                                   { return "bmp" }
func (b *BMP) CanDecode(t core.ImageType) bool                { return t == core.TypeBMP }
func (b *BMP) DecodeConfig(r io.Reader) (image.Config, error) { return bmp.DecodeConfig(r) }

func (b *BMP) Decode(ctx context.Context, r io.Reader, _ DecodeOptions) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := bmp.Decode(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "bmp.decode", err)
	}
	return img, nil
}

// ── GIF ───────────────────────────────────────────────────────────────────────

// GIF decodes the first frame only; animation is not supported.
type GIF struct{}

func NewGIF() *GIF { return &GIF{} }

func (g *GIF) Name() string                                   { return "gif" }
func (g *GIF) CanDecode(t core.ImageType) bool                { return t == core.TypeGIF }
func (g *GIF) DecodeConfig(r io.Reader) (image.Config, error) { return gif.DecodeConfig(r) }

func (g *GIF) Decode(ctx context.Context, r io.Reader, _ DecodeOptions) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := gif.Decode(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "gif.decode", err)
	}
	return img, nil
}
