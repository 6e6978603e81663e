package preprocess

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path"
	"strings"

	"github.com/Skryldev/image-loader/codec"
	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

// SchemeArchive prefixes URIs naming an icon inside an application archive:
// apk://<archive path>[#<entry name>].
const SchemeArchive = "apk://"

var errNoIcon = errors.New("no icon found in archive")

// ArchiveIcon extracts an icon from a zip-based application archive and
// stores it re-encoded: PNG when it has transparency, JPEG otherwise.
type ArchiveIcon struct{}

func NewArchiveIcon() *ArchiveIcon { return &ArchiveIcon{} }

func (a *ArchiveIcon) Name() string { return "archive_icon" }

func (a *ArchiveIcon) Match(req *core.Request) bool {
	return strings.HasPrefix(req.URI, SchemeArchive)
}

func (a *ArchiveIcon) Process(ctx context.Context, env *Env, req *core.Request) (*Result, error) {
	archive, entry, _ := strings.Cut(strings.TrimPrefix(req.URI, SchemeArchive), "#")
	if archive == "" {
		return nil, fmt.Errorf("empty archive path in %q", req.URI)
	}
	return cached(ctx, env, req.DiskCacheKey(), func(ctx context.Context, w io.Writer) error {
		return extractIcon(ctx, env, archive, entry, w)
	})
}

// extractIcon decodes the named entry of archive, or the largest launcher
// icon when entry is empty, and writes it re-encoded to w.
func extractIcon(ctx context.Context, env *Env, archive, entry string, w io.Writer) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	codecs := env.Codecs
	if codecs == nil {
		codecs = codec.Default()
	}

	var f *zip.File
	if entry != "" {
		for _, zf := range zr.File {
			if zf.Name == entry {
				f = zf
				break
			}
		}
	} else {
		f = largestIcon(codecs, zr.File)
	}
	if f == nil {
		return errNoIcon
	}

	img, err := decodeEntry(ctx, codecs, f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", f.Name, err)
	}
	typ, _ := codec.PreferredEncoding(img)
	return codec.Encode(ctx, w, img, typ, codec.DefaultQuality)
}

// isIconCandidate matches launcher icons under res/ and a root icon.png.
func isIconCandidate(name string) bool {
	ext := path.Ext(name)
	if ext != ".png" && ext != ".webp" {
		return false
	}
	if name == "icon.png" {
		return true
	}
	return strings.HasPrefix(name, "res/") && strings.HasPrefix(path.Base(name), "ic_launcher")
}

func largestIcon(codecs *codec.Registry, files []*zip.File) *zip.File {
	var (
		best     *zip.File
		bestArea int
	)
	for _, f := range files {
		if !isIconCandidate(f.Name) {
			continue
		}
		cfg, ok := entryConfig(codecs, f)
		if !ok {
			continue
		}
		if area := cfg.Width * cfg.Height; best == nil || area > bestArea {
			best, bestArea = f, area
		}
	}
	return best
}

func codecFor(codecs *codec.Registry, f *zip.File) (codec.Codec, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	head := make([]byte, codec.SniffLen)
	n, _ := io.ReadFull(rc, head)
	typ, _ := codec.Sniff(head[:n])
	c, ok := codecs.For(typ)
	if !ok {
		return nil, apperrors.ErrUnsupportedFormat
	}
	return c, nil
}

func entryConfig(codecs *codec.Registry, f *zip.File) (image.Config, bool) {
	c, err := codecFor(codecs, f)
	if err != nil {
		return image.Config{}, false
	}
	rc, err := f.Open()
	if err != nil {
		return image.Config{}, false
	}
	defer rc.Close()
	cfg, err := c.DecodeConfig(rc)
	return cfg, err == nil
}

func decodeEntry(ctx context.Context, codecs *codec.Registry, f *zip.File) (image.Image, error) {
	c, err := codecFor(codecs, f)
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return c.Decode(ctx, rc, codec.DecodeOptions{})
}
