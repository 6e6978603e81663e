package preprocess

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-loader/codec"
	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/datasource"
	"github.com/Skryldev/image-loader/diskcache"
	apperrors "github.com/Skryldev/image-loader/errors"
)

// ── Fixtures ──────────────────────────────────────────────────────────────────

func pngBytes(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: uint8(x), B: uint8(y), A: alpha})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeArchive(t *testing.T, files map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.apk")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func testArchive(t *testing.T) string {
	return writeArchive(t, map[string][]byte{
		"AndroidManifest.xml":                []byte("<manifest/>"),
		"res/mipmap-mdpi/ic_launcher.png":    pngBytes(t, 16, 16, 255),
		"res/mipmap-xxhdpi/ic_launcher.png":  pngBytes(t, 48, 48, 128),
		"res/drawable/background.png":        pngBytes(t, 96, 96, 255),
		"assets/opaque.png":                  pngBytes(t, 20, 10, 255),
		"res/mipmap-hdpi/ic_launcher_fg.png": []byte("not an image"),
	})
}

func openCache(t *testing.T, opts diskcache.Options) *diskcache.Cache {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	c, err := diskcache.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func decodeResult(t *testing.T, res *Result) (image.Config, core.ImageType) {
	t.Helper()
	data, err := datasource.ReadAll(res.DataSource())
	require.NoError(t, err)
	typ, _ := codec.Sniff(data)
	c, ok := codec.Default().For(typ)
	require.True(t, ok, "type %s", typ)
	cfg, err := c.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg, typ
}

type stubPreprocessor struct {
	name  string
	match bool
	fn    func() (*Result, error)
}

func (s *stubPreprocessor) Name() string             { return s.name }
func (s *stubPreprocessor) Match(*core.Request) bool { return s.match }
func (s *stubPreprocessor) Process(context.Context, *Env, *core.Request) (*Result, error) {
	return s.fn()
}

// ── Chain ─────────────────────────────────────────────────────────────────────

func TestDefaultChainOrder(t *testing.T) {
	c := Default(&Env{})
	assert.Equal(t, []string{"archive_icon", "installed_app_icon", "base64"}, c.Names())
}

func TestChainAddInsertRejectDuplicates(t *testing.T) {
	c := NewChain(&Env{}, NewBase64())
	assert.False(t, c.Add(NewBase64()))
	assert.True(t, c.Insert(0, NewArchiveIcon()))
	assert.True(t, c.Insert(99, NewInstalledAppIcon()))
	assert.False(t, c.Insert(-3, NewArchiveIcon()))
	assert.True(t, c.Insert(-3, &stubPreprocessor{name: "first"}))
	assert.Equal(t, []string{"first", "archive_icon", "base64", "installed_app_icon"}, c.Names())
	assert.False(t, c.Add(nil))
}

func TestChainNoMatch(t *testing.T) {
	c := Default(&Env{})
	req := &core.Request{URI: "/sdcard/photo.jpg"}
	assert.False(t, c.Match(req))

	res, matched, err := c.Process(context.Background(), req)
	assert.False(t, matched)
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestChainFirstMatchOnly(t *testing.T) {
	var second atomic.Bool
	c := NewChain(&Env{},
		&stubPreprocessor{name: "a", match: true, fn: func() (*Result, error) {
			return &Result{Data: []byte("a"), From: core.FromMemory}, nil
		}},
		&stubPreprocessor{name: "b", match: true, fn: func() (*Result, error) {
			second.Store(true)
			return nil, nil
		}},
	)
	res, matched, err := c.Process(context.Background(), &core.Request{URI: "x"})
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, []byte("a"), res.Data)
	assert.False(t, second.Load())
}

func TestChainFailures(t *testing.T) {
	cases := map[string]func() (*Result, error){
		"error": func() (*Result, error) { return nil, errors.New("boom") },
		"panic": func() (*Result, error) { panic("kaboom") },
		"empty": func() (*Result, error) { return &Result{}, nil },
		"nil":   func() (*Result, error) { return nil, nil },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			c := NewChain(&Env{}, &stubPreprocessor{name: name, match: true, fn: fn})
			res, matched, err := c.Process(context.Background(), &core.Request{URI: "x"})
			assert.True(t, matched)
			assert.Nil(t, res)
			assert.True(t, apperrors.Is(err, apperrors.CausePreprocess), "got %v", err)
		})
	}
}

// ── Base64 ────────────────────────────────────────────────────────────────────

func TestPayload(t *testing.T) {
	raw := []byte("\x89PNG raw bytes")
	std := base64.StdEncoding.EncodeToString(raw)

	got, err := Payload("data:image/png;base64," + std)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = Payload(SchemeBase64 + base64.RawStdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = Payload("data:image/svg+xml,<svg/>")
	assert.Error(t, err)
	_, err = Payload("base64://***")
	assert.Error(t, err)
}

func TestBase64WithoutCache(t *testing.T) {
	data := pngBytes(t, 4, 4, 255)
	c := Default(&Env{})
	res, matched, err := c.Process(context.Background(), &core.Request{
		URI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(data),
	})
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Nil(t, res.Entry)
	assert.Equal(t, data, res.Data)
	assert.Equal(t, core.FromMemory, res.From)
}

func TestReadOnlyCacheFallsBackToMemory(t *testing.T) {
	dir := t.TempDir()
	data := pngBytes(t, 4, 4, 255)
	committed := SchemeBase64 + base64.StdEncoding.EncodeToString(pngBytes(t, 6, 6, 255))

	rw := openCache(t, diskcache.Options{Dir: dir})
	_, _, err := Default(&Env{Cache: rw}).Process(context.Background(), &core.Request{URI: committed})
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro := openCache(t, diskcache.Options{Dir: dir, ReadOnly: true})
	c := Default(&Env{Cache: ro})

	res, matched, err := c.Process(context.Background(), &core.Request{
		URI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(data),
	})
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Nil(t, res.Entry)
	assert.Equal(t, data, res.Data)
	assert.Equal(t, core.FromMemory, res.From)
	assert.Equal(t, 1, ro.Len())

	res, _, err = c.Process(context.Background(), &core.Request{URI: committed})
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, core.FromDiskCache, res.From)

	res, _, err = c.Process(context.Background(), &core.Request{URI: SchemeArchive + testArchive(t)})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Data)
	assert.Equal(t, core.FromMemory, res.From)
}

func TestBase64CommitsThenHits(t *testing.T) {
	cache := openCache(t, diskcache.Options{})
	c := Default(&Env{Cache: cache})
	req := &core.Request{URI: SchemeBase64 + base64.StdEncoding.EncodeToString(pngBytes(t, 4, 4, 255))}

	res, _, err := c.Process(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, core.FromLocal, res.From)

	res, _, err = c.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.FromDiskCache, res.From)
	cfg, typ := decodeResult(t, res)
	assert.Equal(t, core.TypePNG, typ)
	assert.Equal(t, 4, cfg.Width)
}

func TestMissingAfterCommitIsFailure(t *testing.T) {
	// every commit is evicted at once
	cache := openCache(t, diskcache.Options{MaxBytes: 1})
	c := Default(&Env{Cache: cache})
	_, matched, err := c.Process(context.Background(), &core.Request{
		URI: SchemeBase64 + base64.StdEncoding.EncodeToString([]byte("0123456789")),
	})
	assert.True(t, matched)
	assert.True(t, apperrors.Is(err, apperrors.CausePreprocess))
	assert.ErrorIs(t, err, errMissingAfterCommit)
}

// ── Archive icons ─────────────────────────────────────────────────────────────

func TestArchiveIconPicksLargestLauncher(t *testing.T) {
	cache := openCache(t, diskcache.Options{})
	c := Default(&Env{Cache: cache})
	res, matched, err := c.Process(context.Background(), &core.Request{URI: SchemeArchive + testArchive(t)})
	require.NoError(t, err)
	assert.True(t, matched)

	cfg, typ := decodeResult(t, res)
	assert.Equal(t, 48, cfg.Width)
	assert.Equal(t, core.TypePNG, typ, "translucent icon stays PNG")
}

func TestArchiveIconNamedEntryWithoutCache(t *testing.T) {
	c := Default(&Env{})
	res, _, err := c.Process(context.Background(), &core.Request{URI: SchemeArchive + testArchive(t) + "#assets/opaque.png"})
	require.NoError(t, err)
	assert.NotNil(t, res.Data)

	cfg, typ := decodeResult(t, res)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 10, cfg.Height)
	assert.Equal(t, core.TypeJPEG, typ, "opaque icon is re-encoded as JPEG")
}

func TestArchiveIconFailureLeavesNoEntry(t *testing.T) {
	cache := openCache(t, diskcache.Options{})
	c := Default(&Env{Cache: cache})

	for _, uri := range []string{
		SchemeArchive + testArchive(t) + "#missing.png",
		SchemeArchive + testArchive(t) + "#res/mipmap-hdpi/ic_launcher_fg.png",
		SchemeArchive + writeArchive(t, map[string][]byte{"classes.dex": []byte("dex")}),
		SchemeArchive + filepath.Join(t.TempDir(), "absent.apk"),
	} {
		_, matched, err := c.Process(context.Background(), &core.Request{URI: uri})
		assert.True(t, matched)
		assert.True(t, apperrors.Is(err, apperrors.CausePreprocess), "%s: %v", uri, err)
		assert.Nil(t, cache.Get(uri))
	}
	assert.Equal(t, 0, cache.Len())
}

// ── Installed app icons ───────────────────────────────────────────────────────

func TestParseInstalledApp(t *testing.T) {
	pkg, v, err := ParseInstalledApp("installedApp://?packageName=com.example.app&versionCode=42")
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", pkg)
	assert.Equal(t, int64(42), v)

	_, _, err = ParseInstalledApp("installedApp://?versionCode=42")
	assert.Error(t, err)
	_, _, err = ParseInstalledApp("installedApp://?packageName=p&versionCode=x")
	assert.Error(t, err)
}

func TestInstalledAppIcon(t *testing.T) {
	archive := testArchive(t)
	apps := AppResolverFunc(func(_ context.Context, pkg string) (App, error) {
		if pkg != "com.example.app" {
			return App{}, errors.New("not installed")
		}
		return App{ArchivePath: archive, VersionCode: 7}, nil
	})
	cache := openCache(t, diskcache.Options{})
	c := Default(&Env{Cache: cache, Apps: apps})

	res, _, err := c.Process(context.Background(), &core.Request{URI: "installedApp://?packageName=com.example.app&versionCode=7"})
	require.NoError(t, err)
	cfg, _ := decodeResult(t, res)
	assert.Equal(t, 48, cfg.Width)

	_, _, err = c.Process(context.Background(), &core.Request{URI: "installedApp://?packageName=com.example.app&versionCode=8"})
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.True(t, apperrors.Is(err, apperrors.CausePreprocess))

	_, _, err = c.Process(context.Background(), &core.Request{URI: "installedApp://?packageName=com.other&versionCode=1"})
	assert.True(t, apperrors.Is(err, apperrors.CausePreprocess))

	_, _, err = Default(&Env{Cache: cache}).Process(context.Background(), &core.Request{URI: "installedApp://?packageName=com.example.app&versionCode=9"})
	assert.ErrorIs(t, err, ErrNoAppResolver)
}

// ── Concurrency ───────────────────────────────────────────────────────────────

func TestSingleProducerPerKey(t *testing.T) {
	archive := testArchive(t)
	var resolves atomic.Int32
	apps := AppResolverFunc(func(context.Context, string) (App, error) {
		resolves.Add(1)
		return App{ArchivePath: archive, VersionCode: 1}, nil
	})
	cache := openCache(t, diskcache.Options{})
	c := Default(&Env{Cache: cache, Apps: apps})
	req := &core.Request{URI: "installedApp://?packageName=p&versionCode=1"}

	const goroutines = 12
	var (
		wg   sync.WaitGroup
		hits atomic.Int32
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := c.Process(context.Background(), req)
			if !assert.NoError(t, err) {
				return
			}
			if res.From == core.FromDiskCache {
				hits.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), resolves.Load())
	assert.Equal(t, int32(goroutines-1), hits.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestCanceledContext(t *testing.T) {
	cache := openCache(t, diskcache.Options{})
	c := Default(&Env{Cache: cache})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, matched, err := c.Process(ctx, &core.Request{URI: SchemeBase64 + base64.StdEncoding.EncodeToString([]byte("abc"))})
	assert.True(t, matched)
	assert.True(t, apperrors.Is(err, apperrors.CauseCanceled))
	assert.Equal(t, 0, cache.Len())
}
