package preprocess

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/Skryldev/image-loader/core"
)

// Base64 URI prefixes.
const (
	SchemeBase64  = "base64://"
	SchemeDataURI = "data:image/"
)

var errNotBase64 = errors.New("data URI is not base64 encoded")

// Base64 decodes images embedded in the URI itself.
type Base64 struct{}

func NewBase64() *Base64 { return &Base64{} }

func (b *Base64) Name() string { return "base64" }

func (b *Base64) Match(req *core.Request) bool {
	return strings.HasPrefix(req.URI, SchemeBase64) || strings.HasPrefix(req.URI, SchemeDataURI)
}

// Payload returns the decoded bytes of a base64 or data URI.
func Payload(uri string) ([]byte, error) {
	var enc string
	switch {
	case strings.HasPrefix(uri, SchemeBase64):
		enc = strings.TrimPrefix(uri, SchemeBase64)
	case strings.HasPrefix(uri, SchemeDataURI):
		meta, data, ok := strings.Cut(uri, ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, errNotBase64
		}
		enc = data
	default:
		return nil, errNotBase64
	}
	enc = strings.TrimSpace(enc)
	if data, err := base64.StdEncoding.DecodeString(enc); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(enc, "="))
}

func (b *Base64) Process(ctx context.Context, env *Env, req *core.Request) (*Result, error) {
	data, err := Payload(req.URI)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyResult
	}
	return cached(ctx, env, req.DiskCacheKey(), func(ctx context.Context, w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
