// Package decode selects a decode strategy for a resolved data source and
// runs it against the buffer pool with a bounded retry.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"golang.org/x/image/draw"

	"github.com/Skryldev/image-loader/codec"
	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/datasource"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/orientation"
	"github.com/Skryldev/image-loader/pool"
	"github.com/Skryldev/image-loader/utils"
)

// Env carries the shared collaborators of every decode.
type Env struct {
	Pool      *pool.Pool
	Codecs    *codec.Registry
	Corrector *orientation.Corrector
	// MaxDimension caps the sampled width and height; 0 = no cap.
	MaxDimension int
	// MaxImageBytes refuses larger sources; 0 = no limit.
	MaxImageBytes int64
	Logger        core.Logger
}

// NewEnv returns an Env with the default codecs and an orientation
// corrector drawing from p.
func NewEnv(p *pool.Pool) *Env {
	return &Env{
		Pool:      p,
		Codecs:    codec.Default(),
		Corrector: &orientation.Corrector{Pool: p},
	}
}

func (e *Env) logger() core.Logger {
	if e.Logger == nil {
		return core.NopLogger{}
	}
	return e.Logger
}

// corrector never writes e, so an Env shared by concurrent decodes stays
// read-only. NewEngine fills Corrector in up front.
func (e *Env) corrector() *orientation.Corrector {
	if e.Corrector == nil {
		return &orientation.Corrector{Pool: e.Pool}
	}
	return e.Corrector
}

// Source is the data a strategy decodes. Origin, when known, is the source
// a processed entry was derived from.
type Source struct {
	Data   datasource.DataSource
	Origin datasource.DataSource
}

// ── Bounds probe ──────────────────────────────────────────────────────────────

// Probe reads only the header of ds and reports its type and bounds.
func Probe(env *Env, ds datasource.DataSource) (core.Bounds, core.ImageType, error) {
	const op = "decode.probe"
	rc, err := ds.Open()
	if err != nil {
		return core.Bounds{}, core.TypeUnknown, apperrors.Wrap(apperrors.CauseSourceNotFound, op, err)
	}
	defer rc.Close()

	head := make([]byte, codec.SniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return core.Bounds{}, core.TypeUnknown, apperrors.Wrap(apperrors.CauseBoundsInvalid, op, err)
	}
	if n == 0 {
		return core.Bounds{}, core.TypeUnknown, apperrors.New(apperrors.CauseBoundsInvalid, op, apperrors.ErrEmptyInput)
	}
	typ, mime := codec.Sniff(head[:n])
	c, ok := env.Codecs.For(typ)
	if !ok {
		return core.Bounds{}, typ, apperrors.New(apperrors.CauseUnsupportedFormat, op,
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, mime))
	}
	cfg, err := c.DecodeConfig(io.MultiReader(bytes.NewReader(head[:n]), rc))
	if err != nil {
		return core.Bounds{}, typ, apperrors.Wrap(apperrors.CauseBoundsInvalid, op, err)
	}
	b := core.Bounds{MimeType: mime, Width: cfg.Width, Height: cfg.Height}
	if b.Width <= 0 || b.Height <= 0 {
		return b, typ, apperrors.New(apperrors.CauseBoundsInvalid, op,
			fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, b.Width, b.Height))
	}
	return b, typ, nil
}

// ── Pooled decode with a single retry ─────────────────────────────────────────

// decodeBitmap decodes ds at sampleSize into a bitmap, preferring a pooled
// buffer sized from b. A buffer reuse failure frees the buffer and retries
// exactly once without the pool.
func decodeBitmap(ctx context.Context, env *Env, ds datasource.DataSource, t core.ImageType, b core.Bounds, sampleSize int, opts core.Options) (*pool.Bitmap, error) {
	c, ok := env.Codecs.For(t)
	if !ok {
		return nil, apperrors.New(apperrors.CauseUnsupportedFormat, "decode", apperrors.ErrUnsupportedFormat)
	}
	usePool := !opts.PoolDisabled && env.Pool.Enabled()
	bm, err := env.attempt(ctx, c, ds, b, sampleSize, opts, usePool)
	if err == nil || !apperrors.IsBufferReuse(err) {
		return bm, err
	}

	env.logger().Warn("decode.buffer_reuse_retry",
		"codec", c.Name(),
		"width", b.Width,
		"height", b.Height,
		"sample_size", sampleSize,
		"error", err.Error(),
	)
	bm, retryErr := env.attempt(ctx, c, ds, b, sampleSize, opts, false)
	if retryErr != nil {
		if apperrors.Is(retryErr, apperrors.CauseCanceled) {
			return nil, retryErr
		}
		return nil, apperrors.New(apperrors.CauseDecodeUnknown, "decode.retry", errors.Join(retryErr, err))
	}
	return bm, nil
}

// attempt runs one decode. Every buffer it acquired is either returned in
// the result or handed back to the pool before it returns.
func (e *Env) attempt(ctx context.Context, c codec.Codec, ds datasource.DataSource, b core.Bounds, sampleSize int, opts core.Options, usePool bool) (*pool.Bitmap, error) {
	op := "decode." + c.Name()
	tw, th := utils.SampledSize(b.Width, b.Height, sampleSize)

	var dst *pool.Bitmap
	if usePool {
		dst, _ = e.Pool.Acquire(tw, th, pool.RGBA8888)
	}

	img, err := e.decodeImage(ctx, c, ds, sampleSize, opts.LowQuality)
	if err != nil {
		// unrelated failure: the buffer itself is fine
		e.Pool.Release(dst)
		return nil, err
	}

	aw, ah := targetSize(img.Bounds(), tw, th, sampleSize)
	if aw <= 0 || ah <= 0 {
		e.Pool.Free(dst)
		return nil, apperrors.New(apperrors.CauseResultSizeInvalid, op,
			fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, aw, ah))
	}
	if dst != nil && (dst.Width() != aw || dst.Height() != ah) {
		bw, bh := dst.Width(), dst.Height()
		e.Pool.Free(dst)
		return nil, apperrors.New(apperrors.CauseBufferReuse, op,
			fmt.Errorf("%w: buffer %dx%d, image %dx%d", apperrors.ErrBufferReuse, bw, bh, aw, ah))
	}
	if dst == nil {
		if dst, err = pool.NewBitmap(aw, ah, pool.RGBA8888); err != nil {
			return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, op, err)
		}
	}
	drawInto(dst, img, opts.LowQuality)
	return dst, nil
}

func (e *Env) decodeImage(ctx context.Context, c codec.Codec, ds datasource.DataSource, sampleSize int, lowQuality bool) (image.Image, error) {
	op := "decode." + c.Name()
	rc, err := ds.Open()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CauseSourceNotFound, op, err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if e.MaxImageBytes > 0 {
		r = &utils.LimitedReader{R: rc, Max: e.MaxImageBytes}
	}
	img, err := c.Decode(ctx, r, codec.DecodeOptions{LowQuality: lowQuality, SampleSize: sampleSize})
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, apperrors.Wrap(apperrors.CauseCanceled, op, ctx.Err())
	case err != nil:
		var de *apperrors.DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, op, err)
	case img == nil:
		return nil, apperrors.New(apperrors.CauseResultInvalid, op, apperrors.ErrEmptyInput)
	}
	return img, nil
}

// targetSize is the bitmap size for a decoded image. An image a codec
// already shrank to about the sampled size is fitted to it exactly.
func targetSize(r image.Rectangle, tw, th, sampleSize int) (int, int) {
	if sampleSize > 1 && r.Dx() < 2*tw && r.Dy() < 2*th {
		return tw, th
	}
	return utils.SampledSize(r.Dx(), r.Dy(), sampleSize)
}

// drawInto copies or scales img into dst.
func drawInto(dst *pool.Bitmap, img image.Image, lowQuality bool) {
	out := dst.Image()
	src := img.Bounds()
	if src.Dx() == dst.Width() && src.Dy() == dst.Height() {
		draw.Copy(out, image.Point{}, img, src, draw.Src, nil)
		return
	}
	var interp draw.Interpolator = draw.ApproxBiLinear
	if lowQuality {
		interp = draw.NearestNeighbor
	}
	interp.Scale(out, out.Bounds(), img, src, draw.Src, nil)
}
