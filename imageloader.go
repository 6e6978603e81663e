// Package imageloader turns image references (file paths, network URLs,
// archive icons, inline payloads) into pooled pixel buffers.
package imageloader

import (
	"context"
	"fmt"
	"image"
	"net/http"

	"github.com/google/uuid"

	"github.com/Skryldev/image-loader/codec"
	"github.com/Skryldev/image-loader/config"
	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/decode"
	"github.com/Skryldev/image-loader/diskcache"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/fetch"
	"github.com/Skryldev/image-loader/pool"
	"github.com/Skryldev/image-loader/preprocess"
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Option customises a Loader at construction.
type Option func(*options)

type options struct {
	logger  core.Logger
	apps    preprocess.AppResolver
	client  *http.Client
	objects fetch.ObjectClient
	bucket  string
	codecs  *codec.Registry
}

// WithLogger sets the logger used by every component.
func WithLogger(l core.Logger) Option { return func(o *options) { o.logger = l } }

// WithAppResolver enables installed-app icon requests.
func WithAppResolver(r preprocess.AppResolver) Option { return func(o *options) { o.apps = r } }

// WithHTTPClient replaces the fetcher's HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithObjectStore enables s3:// URIs, read through client. bucket serves
// URIs that omit one.
func WithObjectStore(client fetch.ObjectClient, bucket string) Option {
	return func(o *options) { o.objects, o.bucket = client, bucket }
}

// WithCodecs replaces the default codec registry.
func WithCodecs(r *codec.Registry) Option { return func(o *options) { o.codecs = r } }

// Loader is the primary entry point.
type Loader struct {
	cfg    config.Config
	inner  *core.Processor
	engine *decode.Engine
	pool   *pool.Pool
	cache  *diskcache.Cache
	chain  *preprocess.Chain
	codecs *codec.Registry
	logger core.Logger
}

// New creates a fully wired Loader: buffer pool, disk cache (when
// cfg.DiskCache.Dir is set), preprocessors, fetchers and decode engine.
func New(cfg config.Config, opts ...Option) (*Loader, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	o := options{logger: core.NopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codecs == nil {
		o.codecs = codec.Default()
	}

	var cache *diskcache.Cache
	if cfg.DiskCache.Dir != "" {
		var err error
		cache, err = diskcache.Open(diskcache.Options{
			Dir:        cfg.DiskCache.Dir,
			MaxBytes:   cfg.DiskCache.MaxBytes,
			MaxEntries: cfg.DiskCache.MaxEntries,
			ReadOnly:   cfg.DiskCache.ReadOnly,
			Logger:     o.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("imageloader: %w", err)
		}
	}

	p := pool.New(pool.Config{
		MaxBytes:     cfg.Pool.MaxBytes,
		MaxPerBucket: cfg.Pool.MaxPerBucket,
		Disabled:     cfg.Pool.Disabled,
	})
	env := decode.NewEnv(p)
	env.Codecs = o.codecs
	env.MaxDimension = cfg.Decode.MaxDimension
	env.MaxImageBytes = cfg.Decode.MaxImageBytes
	env.Logger = o.logger

	chain := preprocess.Default(&preprocess.Env{
		Cache:  cache,
		Codecs: o.codecs,
		Apps:   o.apps,
		Logger: o.logger,
	})

	var fetcher fetch.Fetcher
	if cache != nil && !cache.ReadOnly() {
		fetchers := fetch.Fetchers{fetch.NewHTTP(cache, fetch.Options{
			Client:    o.client,
			Timeout:   cfg.Fetch.Timeout,
			UserAgent: cfg.Fetch.UserAgent,
			MaxBytes:  cfg.Decode.MaxImageBytes,
			Logger:    o.logger,
		})}
		if o.objects != nil {
			obj, err := fetch.NewObject(cache, o.objects, fetch.ObjectOptions{
				DefaultBucket: o.bucket,
				MaxBytes:      cfg.Decode.MaxImageBytes,
				Logger:        o.logger,
			})
			if err != nil {
				cache.Close()
				return nil, fmt.Errorf("imageloader: %w", err)
			}
			fetchers = append(fetchers, obj)
		}
		fetcher = fetchers
	}

	engine := decode.NewEngine(decode.EngineConfig{
		Env:        env,
		Preprocess: chain,
		Cache:      cache,
		Fetcher:    fetcher,
	})
	engine.SetLogger(o.logger)

	return &Loader{
		cfg:    cfg,
		inner:  core.NewProcessor(cfg, engine),
		engine: engine,
		pool:   p,
		cache:  cache,
		chain:  chain,
		codecs: o.codecs,
		logger: o.logger,
	}, nil
}

// SetMetrics attaches a metrics collector.
func (l *Loader) SetMetrics(m core.MetricsCollector) { l.engine.SetMetrics(m) }

// SetTracker attaches the receiver of per-request outcome reports.
func (l *Loader) SetTracker(t core.Tracker) { l.engine.SetTracker(t) }

// AddHook registers an observer for decode stage events. Call before Start.
func (l *Loader) AddHook(h core.Hook) { l.engine.AddHook(h) }

// Codecs returns the codec registry so callers can register decoders.
func (l *Loader) Codecs() *codec.Registry { return l.codecs }

// Preprocessors returns the preprocessor chain so callers can add handlers.
func (l *Loader) Preprocessors() *preprocess.Chain { return l.chain }

// Strategies returns the decode strategy chain.
func (l *Loader) Strategies() *decode.Chain { return l.engine.Strategies() }

// Cache returns the disk cache, or nil when none is configured.
func (l *Loader) Cache() *diskcache.Cache { return l.cache }

// Pool returns the bitmap pool.
func (l *Loader) Pool() *pool.Pool { return l.pool }

// Start starts the background worker pool.
func (l *Loader) Start() { l.inner.Start() }

// Stop drains and shuts down the worker pool.
func (l *Loader) Stop() { l.inner.Stop() }

// Close stops the workers, drops pooled bitmaps and closes the disk cache.
func (l *Loader) Close() error {
	l.inner.Stop()
	l.pool.Clear()
	if l.cache != nil {
		return l.cache.Close()
	}
	return nil
}

// NewRequest builds a request for uri with a fresh ID.
func NewRequest(uri string, opts core.Options) *core.Request {
	return &core.Request{ID: uuid.NewString(), URI: uri, Options: opts}
}

// Load decodes req synchronously. The caller owns the returned bitmap and
// should hand it back with Release.
func (l *Loader) Load(ctx context.Context, req *core.Request) (core.DecodeResult, error) {
	return l.inner.Load(ctx, withID(req))
}

// LoadURI is shorthand for Load(ctx, NewRequest(uri, opts)).
func (l *Loader) LoadURI(ctx context.Context, uri string, opts core.Options) (core.DecodeResult, error) {
	return l.Load(ctx, NewRequest(uri, opts))
}

// Probe resolves req and reports its bounds without decoding pixels.
func (l *Loader) Probe(ctx context.Context, req *core.Request) (core.Bounds, error) {
	b, _, err := l.engine.Probe(ctx, withID(req))
	return b, err
}

// Batch loads reqs concurrently, bounded by the worker count.
func (l *Loader) Batch(ctx context.Context, reqs []*core.Request) ([]core.DecodeResult, []error) {
	withIDs := make([]*core.Request, len(reqs))
	for i, r := range reqs {
		withIDs[i] = withID(r)
	}
	return l.inner.Batch(ctx, withIDs)
}

// Submit enqueues an async job for the worker pool.
func (l *Loader) Submit(job core.Job) error {
	job.Request = withID(job.Request)
	if job.ID == "" && job.Request != nil {
		job.ID = job.Request.ID
	}
	return l.inner.Submit(job)
}

// Release hands the bitmap of res back to the pool.
func (l *Loader) Release(res core.DecodeResult) {
	if br, ok := res.(*core.BitmapResult); ok {
		l.pool.Release(br.Bitmap)
	}
}

// SaveProcessed encodes img into the disk cache under key, so a later
// request naming key as its ProcessedKey decodes it directly.
func (l *Loader) SaveProcessed(ctx context.Context, key string, img image.Image) error {
	const op = "save_processed"
	if l.cache == nil {
		return apperrors.New(apperrors.CauseSourceNotFound, op, fetch.ErrNoCache)
	}
	mu := l.cache.EditLock(key)
	mu.Lock()
	defer mu.Unlock()

	ed, err := l.cache.Edit(key)
	if err != nil {
		return apperrors.Wrap(apperrors.CauseDecodeUnknown, op, err)
	}
	t, _ := codec.PreferredEncoding(img)
	if err := codec.Encode(ctx, ed, img, t, codec.DefaultQuality); err != nil {
		_ = ed.Abort()
		return err
	}
	if err := ed.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CauseDecodeUnknown, op, err)
	}
	return nil
}

// Stats is a point-in-time view of loader counters.
type Stats struct {
	Loaded       int64
	Errors       int64
	Pool         pool.Stats
	CacheBytes   int64
	CacheEntries int
}

// Stats returns lightweight loading statistics.
func (l *Loader) Stats() Stats {
	s := Stats{
		Loaded: l.inner.LoadedCount(),
		Errors: l.inner.ErrorCount(),
		Pool:   l.pool.Stats(),
	}
	if l.cache != nil {
		s.CacheBytes = l.cache.Size()
		s.CacheEntries = l.cache.Len()
	}
	return s
}

// withID returns req with an ID, copying rather than mutating the caller's
// request.
func withID(req *core.Request) *core.Request {
	if req == nil || req.ID != "" {
		return req
	}
	cp := *req
	cp.ID = uuid.NewString()
	return &cp
}
