package imageloader_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	imageloader "github.com/Skryldev/image-loader"
	"github.com/Skryldev/image-loader/config"
	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/hooks"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func newRedJPEG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 50, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func newBluePNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 50, G: 50, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newLoader(t testing.TB, mutate func(*config.Config)) *imageloader.Loader {
	t.Helper()
	cfg := imageloader.DefaultConfig()
	cfg.WorkerCount = 2
	cfg.QueueSize = 16
	cfg.DiskCache.Dir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := imageloader.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Start()
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func bitmapSize(t testing.TB, res core.DecodeResult) (int, int) {
	t.Helper()
	br, ok := res.(*core.BitmapResult)
	if !ok || br.Bitmap == nil {
		t.Fatalf("result has no bitmap: %#v", res)
	}
	return br.Bitmap.Width(), br.Bitmap.Height()
}

// ── Unit tests ────────────────────────────────────────────────────────────────

func TestLoad_JPEG(t *testing.T) {
	l := newLoader(t, nil)
	path := writeFile(t, "red.jpg", newRedJPEG(t, 80, 60))

	res, err := l.LoadURI(context.Background(), path, core.Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer l.Release(res)

	if w, h := bitmapSize(t, res); w != 80 || h != 60 {
		t.Errorf("bitmap: got %dx%d, want 80x60", w, h)
	}
	if got := res.ImageAttrs().MimeType(); got != "image/jpeg" {
		t.Errorf("mime: got %q", got)
	}
	if res.From() != core.FromLocal {
		t.Errorf("from: got %q", res.From())
	}
}

func TestLoad_MaxSize(t *testing.T) {
	l := newLoader(t, nil)
	path := writeFile(t, "blue.png", newBluePNG(t, 400, 100))

	res, err := l.LoadURI(context.Background(), path, core.Options{MaxWidth: 100})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if w, h := bitmapSize(t, res); w != 100 || h != 25 {
		t.Errorf("bitmap: got %dx%d, want 100x25", w, h)
	}
	if res.ImageAttrs().Width() != 400 {
		t.Errorf("attrs width: got %d, want 400", res.ImageAttrs().Width())
	}
}

func TestLoad_Base64(t *testing.T) {
	l := newLoader(t, nil)
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(newBluePNG(t, 6, 4))

	res, err := l.LoadURI(context.Background(), uri, core.Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if w, _ := bitmapSize(t, res); w != 6 {
		t.Errorf("width: got %d, want 6", w)
	}
	if l.Stats().CacheEntries != 1 {
		t.Errorf("payload was not committed to the disk cache")
	}
}

func TestLoad_ReleaseReusesBuffer(t *testing.T) {
	l := newLoader(t, nil)
	path := writeFile(t, "blue.png", newBluePNG(t, 32, 32))

	res, err := l.LoadURI(context.Background(), path, core.Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	l.Release(res)
	if _, err := l.LoadURI(context.Background(), path, core.Options{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if hits := l.Stats().Pool.Hits; hits != 1 {
		t.Errorf("pool hits: got %d, want 1", hits)
	}
}

func TestSaveProcessed_RoundTrip(t *testing.T) {
	l := newLoader(t, nil)
	origin := writeFile(t, "red.jpg", newRedJPEG(t, 64, 48))

	thumb := image.NewRGBA(image.Rect(0, 0, 16, 12))
	if err := l.SaveProcessed(context.Background(), "thumb:red", thumb); err != nil {
		t.Fatalf("SaveProcessed: %v", err)
	}

	res, err := l.Load(context.Background(), &core.Request{URI: origin, ProcessedKey: "thumb:red"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.BanProcess() {
		t.Error("processed result must be banned from further processing")
	}
	if w, h := bitmapSize(t, res); w != 16 || h != 12 {
		t.Errorf("bitmap: got %dx%d, want 16x12", w, h)
	}
	if a := res.ImageAttrs(); a.Width() != 64 || a.MimeType() != "image/jpeg" {
		t.Errorf("attrs: got %s %dx%d, want origin image/jpeg 64x48", a.MimeType(), a.Width(), a.Height())
	}
}

func TestLoad_ContextCancel(t *testing.T) {
	l := newLoader(t, nil)
	path := writeFile(t, "red.jpg", newRedJPEG(t, 100, 100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := l.LoadURI(ctx, path, core.Options{})
	if !apperrors.Is(err, apperrors.CauseCanceled) {
		t.Errorf("expected canceled, got %v", err)
	}
	if l.Stats().Errors != 1 {
		t.Errorf("errors: got %d, want 1", l.Stats().Errors)
	}
}

func TestProbe(t *testing.T) {
	l := newLoader(t, nil)
	path := writeFile(t, "red.jpg", newRedJPEG(t, 30, 20))

	b, err := l.Probe(context.Background(), imageloader.NewRequest(path, core.Options{}))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if b.Width != 30 || b.Height != 20 || b.MimeType != "image/jpeg" {
		t.Errorf("bounds: got %+v", b)
	}
}

// ── Concurrency tests ─────────────────────────────────────────────────────────

func TestLoad_ConcurrentSafety(t *testing.T) {
	l := newLoader(t, nil)
	path := writeFile(t, "red.jpg", newRedJPEG(t, 200, 200))

	const goroutines = 20
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := l.LoadURI(context.Background(), path, core.Options{MaxWidth: 100})
			errs[idx] = err
			if err == nil {
				l.Release(res)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: %v", i, err)
		}
	}
	if got := l.Stats().Loaded; got != goroutines {
		t.Errorf("loaded: got %d, want %d", got, goroutines)
	}
}

// ── Batch test ────────────────────────────────────────────────────────────────

func TestBatch(t *testing.T) {
	l := newLoader(t, nil)
	path := writeFile(t, "red.jpg", newRedJPEG(t, 100, 100))

	reqs := make([]*core.Request, 5)
	for i := range reqs {
		reqs[i] = &core.Request{URI: path}
	}
	reqs[4] = &core.Request{URI: filepath.Join(t.TempDir(), "missing.jpg")}

	results, errs := l.Batch(context.Background(), reqs)
	for i := 0; i < 4; i++ {
		if errs[i] != nil {
			t.Errorf("batch[%d]: %v", i, errs[i])
		}
		if results[i] == nil {
			t.Errorf("batch[%d]: nil result", i)
		}
	}
	if !apperrors.Is(errs[4], apperrors.CauseSourceNotFound) {
		t.Errorf("batch[4]: expected source_not_found, got %v", errs[4])
	}
	if reqs[0].ID != "" {
		t.Error("Batch must not mutate caller requests")
	}
}

// ── Async worker pool test ────────────────────────────────────────────────────

func TestWorkerPool_Async(t *testing.T) {
	l := newLoader(t, nil)
	path := writeFile(t, "red.jpg", newRedJPEG(t, 100, 100))

	resultCh := make(chan core.JobResult, 1)
	job := core.Job{
		Ctx:      context.Background(),
		Request:  &core.Request{URI: path, Options: core.Options{MaxWidth: 50}},
		ResultCh: resultCh,
	}
	if err := l.Submit(job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("async job error: %v", res.Err)
		}
		if res.JobID == "" {
			t.Error("job ID was not assigned")
		}
		if w, _ := bitmapSize(t, res.Result); w != 50 {
			t.Errorf("async width: got %d, want 50", w)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async job timed out")
	}
}

type bucket map[string][]byte

func (b bucket) GetObject(_ context.Context, name, key string) (io.ReadCloser, error) {
	data, ok := b[name+"/"+key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestLoad_ObjectStore(t *testing.T) {
	cfg := imageloader.DefaultConfig()
	cfg.DiskCache.Dir = t.TempDir()
	store := bucket{"media/red.jpg": newRedJPEG(t, 40, 30)}
	l, err := imageloader.New(cfg, imageloader.WithObjectStore(store, "media"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	res, err := l.LoadURI(context.Background(), "s3:///red.jpg", core.Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.From() != core.FromNetwork {
		t.Errorf("from: got %q", res.From())
	}
	if w, h := bitmapSize(t, res); w != 40 || h != 30 {
		t.Errorf("bitmap: got %dx%d, want 40x30", w, h)
	}
	l.Release(res)

	res, err = l.LoadURI(context.Background(), "s3:///red.jpg", core.Options{})
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if res.From() != core.FromDiskCache {
		t.Errorf("second from: got %q", res.From())
	}
	l.Release(res)

	if _, err := l.LoadURI(context.Background(), "s3://media/none.jpg", core.Options{}); !apperrors.Is(err, apperrors.CauseSourceNotFound) {
		t.Errorf("missing object: got %v", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	l := newLoader(t, nil)
	l.Stop()
	err := l.Submit(core.Job{Request: &core.Request{URI: "x"}})
	if !apperrors.Is(err, apperrors.CauseCanceled) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

// ── Hooks / Metrics test ──────────────────────────────────────────────────────

func TestMetricsAndTracker(t *testing.T) {
	m := hooks.NewInMemoryMetrics()
	l := newLoader(t, nil)
	l.SetMetrics(m)
	l.SetTracker(m)

	path := writeFile(t, "red.jpg", newRedJPEG(t, 100, 100))
	if _, err := l.LoadURI(context.Background(), path, core.Options{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, _ = l.LoadURI(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"), core.Options{})

	snap := m.Snapshot()
	if snap.StageCalls[core.StageDecode] != 1 {
		t.Errorf("decode stage calls: got %d, want 1", snap.StageCalls[core.StageDecode])
	}
	if snap.Successes != 1 || snap.Failures != 1 {
		t.Errorf("outcomes: got %d/%d, want 1/1", snap.Successes, snap.Failures)
	}
	if snap.Causes[string(apperrors.CauseSourceNotFound)] != 1 {
		t.Errorf("causes: %v", snap.Causes)
	}
}

// ── Table-driven tests ────────────────────────────────────────────────────────

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"default", func(*config.Config) {}, false},
		{"negative workers", func(c *config.Config) { c.WorkerCount = -1 }, true},
		{"zero queue", func(c *config.Config) { c.QueueSize = 0 }, true},
		{"read-only without dir", func(c *config.Config) { c.DiskCache.ReadOnly = true }, true},
		{"bad log level", func(c *config.Config) { c.LogLevel = "loud" }, true},
	}
	for _, tc := range tests {
		cfg := imageloader.DefaultConfig()
		tc.mutate(&cfg)
		_, err := imageloader.New(cfg)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

// ── Benchmarks ────────────────────────────────────────────────────────────────

func BenchmarkLoad_JPEG(b *testing.B) {
	l := newLoader(b, nil)
	path := writeFile(b, "red.jpg", newRedJPEG(b, 1024, 768))
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := l.LoadURI(ctx, path, core.Options{})
		if err != nil {
			b.Fatal(err)
		}
		l.Release(res)
	}
}

func BenchmarkLoad_Sampled(b *testing.B) {
	l := newLoader(b, nil)
	path := writeFile(b, "red.jpg", newRedJPEG(b, 1024, 768))
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := l.LoadURI(ctx, path, core.Options{MaxWidth: 256, LowQuality: true})
		if err != nil {
			b.Fatal(err)
		}
		l.Release(res)
	}
}
