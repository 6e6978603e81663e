// Package codec holds the format decoders and encoders behind the decode
// engine, plus format sniffing.
package codec

import (
	"context"
	"image"
	"io"
	"sync"

	"github.com/Skryldev/image-loader/core"
)

// DecodeOptions are hints for a single decode.
type DecodeOptions struct {
	// LowQuality lets a codec pick a faster, lower quality path.
	LowQuality bool
	// SampleSize is the downscale factor the caller will apply. A codec
	// that can scale natively may return an image already reduced by it;
	// callers accept either size.
	SampleSize int
}

// Codec decodes one or more image types.
type Codec interface {
	Name() string
	CanDecode(t core.ImageType) bool
	// DecodeConfig reads only the header.
	DecodeConfig(r io.Reader) (image.Config, error)
	Decode(ctx context.Context, r io.Reader, opts DecodeOptions) (image.Image, error)
}

// ── Registry ──────────────────────────────────────────────────────────────────

// Registry maps image types to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[core.ImageType]Codec
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[core.ImageType]Codec)}
}

// Default returns a Registry with the built-in codecs for JPEG, PNG, WebP,
// BMP and GIF.
func Default() *Registry {
	r := NewRegistry()
	r.Register(core.TypeJPEG, NewJPEG())
	r.Register(core.TypePNG, NewPNG())
	r.Register(core.TypeWebP, NewWebP())
	r.Register(core.TypeBMP, NewBMP())
	r.Register(core.TypeGIF, NewGIF())
	return r
}

// Register sets the codec for t, replacing any previous one.
func (r *Registry) Register(t core.ImageType, c Codec) {
	r.mu.Lock()
	r.codecs[t] = c
	r.mu.Unlock()
}

// RegisterAll sets c for every type it can decode.
func (r *Registry) RegisterAll(c Codec) {
	for _, t := range []core.ImageType{core.TypeJPEG, core.TypePNG, core.TypeWebP, core.TypeBMP, core.TypeGIF} {
		if c.CanDecode(t) {
			r.Register(t, c)
		}
	}
}

// For returns the codec registered for t.
func (r *Registry) For(t core.ImageType) (Codec, bool) {
	r.mu.RLock()
	c, ok := r.codecs[t]
	r.mu.RUnlock()
	return c, ok
}
