package decode

import (
	"context"
	"sync"

	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/datasource"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/orientation"
	"github.com/Skryldev/image-loader/utils"
)

// Strategy decodes the data sources it matches. Match must be cheap and
// free of side effects.
type Strategy interface {
	Name() string
	Match(req *core.Request, src *Source, t core.ImageType, b core.Bounds) bool
	Decode(ctx context.Context, env *Env, req *core.Request, src *Source, t core.ImageType, b core.Bounds, exifOrientation int) (core.DecodeResult, error)
}

// ── Chain ─────────────────────────────────────────────────────────────────────

// Chain selects the first matching strategy.
type Chain struct {
	mu         sync.RWMutex
	strategies []Strategy
}

// NewChain returns a chain over ss in priority order.
func NewChain(ss ...Strategy) *Chain {
	c := &Chain{}
	for _, s := range ss {
		c.Insert(len(c.strategies), s)
	}
	return c
}

// DefaultChain puts the processed cache strategy ahead of the normal one.
func DefaultChain() *Chain {
	return NewChain(&ProcessedCacheStrategy{}, &NormalStrategy{})
}

// Insert places s at index i, clamped to the chain bounds. A strategy whose
// name is already present is rejected.
func (c *Chain) Insert(i int, s Strategy) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cur := range c.strategies {
		if cur.Name() == s.Name() {
			return false
		}
	}
	i = max(0, min(i, len(c.strategies)))
	c.strategies = append(c.strategies, nil)
	copy(c.strategies[i+1:], c.strategies[i:])
	c.strategies[i] = s
	return true
}

// Select returns the first strategy matching the decode, or nil.
func (c *Chain) Select(req *core.Request, src *Source, t core.ImageType, b core.Bounds) Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.strategies {
		if s.Match(req, src, t, b) {
			return s
		}
	}
	return nil
}

// Names lists the strategies in priority order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		out[i] = s.Name()
	}
	return out
}

// ── Processed cache ───────────────────────────────────────────────────────────

// ProcessedCacheStrategy decodes an already processed cache entry as is and
// reports the attributes of the image it was derived from.
type ProcessedCacheStrategy struct{}

func (s *ProcessedCacheStrategy) Name() string { return "processed_cache" }

func (s *ProcessedCacheStrategy) Match(_ *core.Request, src *Source, _ core.ImageType, _ core.Bounds) bool {
	return src != nil && src.Data != nil && src.Data.Kind() == datasource.KindProcessedCache
}

func (s *ProcessedCacheStrategy) Decode(ctx context.Context, env *Env, req *core.Request, src *Source, t core.ImageType, b core.Bounds, exifOrientation int) (core.DecodeResult, error) {
	bm, err := decodeBitmap(ctx, env, src.Data, t, b, 1, req.Options)
	if err != nil {
		return nil, err
	}

	mime, w, h := b.MimeType, b.Width, b.Height
	if src.Origin != nil {
		ob, _, err := Probe(env, src.Origin)
		if err == nil {
			mime, w, h = ob.MimeType, ob.Width, ob.Height
			exifOrientation = orientation.Undefined
			if !req.Options.CorrectOrientationDisabled {
				exifOrientation = env.corrector().ReadExifOrientation(ob.MimeType, src.Origin)
			}
		} else {
			env.logger().Warn("decode.processed.origin_probe",
				"uri", req.URI,
				"error", err.Error(),
			)
		}
	}

	return &core.BitmapResult{
		Attrs:      core.NewImageAttrs(mime, w, h, exifOrientation),
		Bitmap:     bm,
		ImageFrom:  src.Data.From(),
		SampleSize: 1,
		Ban:        true,
	}, nil
}

// ── Normal ────────────────────────────────────────────────────────────────────

// NormalStrategy is the general sampled decode. It matches everything, so
// it belongs last.
type NormalStrategy struct{}

func (s *NormalStrategy) Name() string { return "normal" }

func (s *NormalStrategy) Match(_ *core.Request, src *Source, _ core.ImageType, _ core.Bounds) bool {
	return src != nil && src.Data != nil
}

// SampleSize is the power of two the normal strategy decodes b at.
func SampleSize(env *Env, opts core.Options, b core.Bounds) int {
	maxW := utils.MinPositive(opts.MaxWidth, env.MaxDimension)
	maxH := utils.MinPositive(opts.MaxHeight, env.MaxDimension)
	return utils.FitSampleSize(b.Width, b.Height, maxW, maxH)
}

func (s *NormalStrategy) Decode(ctx context.Context, env *Env, req *core.Request, src *Source, t core.ImageType, b core.Bounds, exifOrientation int) (core.DecodeResult, error) {
	sample := SampleSize(env, req.Options, b)
	bm, err := decodeBitmap(ctx, env, src.Data, t, b, sample, req.Options)
	if err != nil {
		return nil, err
	}

	if !req.Options.CorrectOrientationDisabled && exifOrientation > orientation.Normal {
		rotated, err := env.corrector().Apply(bm, exifOrientation)
		if err != nil {
			env.Pool.Release(bm)
			return nil, apperrors.Wrap(apperrors.CauseDecodeUnknown, "decode.orientation", err)
		}
		bm = rotated
	}

	return &core.BitmapResult{
		Attrs:      core.NewImageAttrs(b.MimeType, b.Width, b.Height, exifOrientation),
		Bitmap:     bm,
		ImageFrom:  src.Data.From(),
		SampleSize: sample,
	}, nil
}
