// Package vips is an optional libvips decode backend. It implements
// codec.Codec and can replace the pure Go decoders for the formats libvips
// handles.
package vips

import (
	"context"
	"image"
	"io"
	"runtime"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/image-loader/codec"
	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

// BackendConfig configures the libvips backend.
type BackendConfig struct {
	MaxCacheSize int
	MaxWorkers   int
	ReportLeaks  bool
}

// Backend is a libvips-powered codec.
// Safe for concurrent use across goroutines.
type Backend struct {
	cfg BackendConfig
}

// NewBackend initialises libvips and returns a ready Backend.
// Call Shutdown() when the process exits.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.MaxWorkers,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
		CollectStats:     true,
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases all libvips resources. Call once at process exit.
func (b *Backend) Shutdown() {
	govips.Shutdown()
}

// Register installs b for every type it decodes.
func (b *Backend) Register(reg *codec.Registry) { reg.RegisterAll(b) }

func (b *Backend) Name() string { return "vips" }

func (b *Backend) CanDecode(t core.ImageType) bool {
	switch t {
	case core.TypeJPEG, core.TypePNG, core.TypeWebP, core.TypeGIF:
		return true
	}
	return false
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

func (b *Backend) DecodeConfig(r io.Reader) (image.Config, error) {
	ref, err := b.load(context.Background(), r)
	if err != nil {
		return image.Config{}, err
	}
	defer ref.Close()
	return image.Config{Width: ref.Width(), Height: ref.Height()}, nil
}

// Decode shrinks by opts.SampleSize inside libvips, so the returned image
// is already at the sampled size.
func (b *Backend) Decode(ctx context.Context, r io.Reader, opts codec.DecodeOptions) (image.Image, error) {
	ref, err := b.load(ctx, r)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	if opts.SampleSize > 1 {
		kernel := govips.KernelLanczos3
		if opts.LowQuality {
			kernel = govips.KernelNearest
		}
		if err := ref.Resize(1/float64(opts.SampleSize), kernel); err != nil {
			return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "vips.resize", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CauseCanceled, "vips.decode", err)
	}
	img, err := ref.ToImage(nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "vips.export", err)
	}
	return img, nil
}

func (b *Backend) load(ctx context.Context, r io.Reader) (*govips.ImageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CauseCanceled, "vips.decode", err)
	}
	buf, err := utils.DrainReader(ctx, r, 32*1024)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "vips.decode.drain", err)
	}
	raw := utils.CloneBytes(buf.Bytes())
	utils.ReleaseBuffer(buf)

	ref, err := govips.NewImageFromBuffer(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "vips.decode", err)
	}
	return ref, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// TypeOf maps a libvips image type to the loader's ImageType.
func TypeOf(t govips.ImageType) core.ImageType {
	switch t {
	case govips.ImageTypeJPEG:
		return core.TypeJPEG
	case govips.ImageTypePNG:
		return core.TypePNG
	case govips.ImageTypeWEBP:
		return core.TypeWebP
	case govips.ImageTypeGIF:
		return core.TypeGIF
	default:
		return core.TypeUnknown
	}
}

// compile-time interface check
var _ codec.Codec = (*Backend)(nil)
