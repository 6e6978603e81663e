// Package fetch downloads remote images into the disk cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/diskcache"
	"github.com/Skryldev/image-loader/utils"
)

// ErrNoCache is returned when a download has nowhere to go.
var ErrNoCache = errors.New("fetch: no disk cache configured")

// Fetcher materialises a remote image as a disk cache entry.
type Fetcher interface {
	// Match reports whether the fetcher handles uri.
	Match(uri string) bool
	Fetch(ctx context.Context, uri, key string) (*diskcache.Entry, core.ImageFrom, error)
}

// Fetchers dispatches to the first member that matches.
type Fetchers []Fetcher

func (fs Fetchers) Match(uri string) bool { return fs.pick(uri) != nil }

func (fs Fetchers) Fetch(ctx context.Context, uri, key string) (*diskcache.Entry, core.ImageFrom, error) {
	f := fs.pick(uri)
	if f == nil {
		return nil, "", fmt.Errorf("fetch: no fetcher for %s", uri)
	}
	return f.Fetch(ctx, uri, key)
}

func (fs Fetchers) pick(uri string) Fetcher {
	for _, f := range fs {
		if f != nil && f.Match(uri) {
			return f
		}
	}
	return nil
}

// Matches reports whether uri is fetched over HTTP.
func Matches(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// Options configures an HTTP fetcher.
type Options struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	// MaxBytes refuses larger bodies; 0 = no limit.
	MaxBytes int64
	Logger   core.Logger
}

// HTTP downloads over net/http. Concurrent fetches of one key download once.
type HTTP struct {
	store  store
	client *http.Client
	opts   Options
}

// NewHTTP creates an HTTP fetcher writing into cache.
func NewHTTP(cache *diskcache.Cache, opts Options) *HTTP {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTP{
		store:  newStore(cache, opts.MaxBytes, opts.Logger),
		client: client,
		opts:   opts,
	}
}

func (h *HTTP) Match(uri string) bool { return Matches(uri) }

// Fetch returns the cached entry for key, downloading uri under the key's
// edit lock when it is absent.
func (h *HTTP) Fetch(ctx context.Context, uri, key string) (*diskcache.Entry, core.ImageFrom, error) {
	return h.store.fetch(ctx, uri, key, h.open)
}

func (h *HTTP) open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}
	if h.opts.UserAgent != "" {
		req.Header.Set("User-Agent", h.opts.UserAgent)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetch: %s: status %d", uri, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// ── cache writer ─────────────────────────────────────────────────────────────

// opener starts a download. size is -1 when unknown.
type opener func(ctx context.Context, uri string) (body io.ReadCloser, size int64, err error)

type store struct {
	cache    *diskcache.Cache
	maxBytes int64
	logger   core.Logger
}

func newStore(cache *diskcache.Cache, maxBytes int64, logger core.Logger) store {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return store{cache: cache, maxBytes: maxBytes, logger: logger}
}

func (s store) fetch(ctx context.Context, uri, key string, open opener) (*diskcache.Entry, core.ImageFrom, error) {
	if s.cache == nil {
		return nil, "", ErrNoCache
	}
	l := s.cache.EditLock(key)
	l.Lock()
	defer l.Unlock()

	if e := s.cache.Get(key); e != nil {
		return e, core.FromDiskCache, nil
	}

	start := time.Now()
	n, err := s.download(ctx, uri, key, open)
	if err != nil {
		s.logger.Warn("fetch.failed", "uri", uri, "error", err.Error())
		return nil, "", err
	}
	s.logger.Debug("fetch.done", "uri", uri, "bytes", n, "duration_ms", time.Since(start).Milliseconds())

	e := s.cache.Get(key)
	if e == nil {
		return nil, "", fmt.Errorf("fetch: %s missing after commit", key)
	}
	return e, core.FromNetwork, nil
}

func (s store) download(ctx context.Context, uri, key string, open opener) (int64, error) {
	body, size, err := open(ctx, uri)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	if s.maxBytes > 0 && size > s.maxBytes {
		return 0, fmt.Errorf("fetch: %s: %w", uri, utils.ErrTooLarge)
	}

	ed, err := s.cache.Edit(key)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	w, err := ed.Writer()
	if err != nil {
		_ = ed.Abort()
		return 0, fmt.Errorf("fetch: %w", err)
	}
	n, err := utils.CopyContext(ctx, w, &utils.LimitedReader{R: body, Max: s.maxBytes})
	if err != nil {
		_ = ed.Abort()
		return n, fmt.Errorf("fetch: %s: %w", uri, err)
	}
	if size >= 0 && n != size {
		_ = ed.Abort()
		return n, fmt.Errorf("fetch: %s: short body %d of %d bytes", uri, n, size)
	}
	if err := ed.Commit(); err != nil {
		return n, fmt.Errorf("fetch: %w", err)
	}
	return n, nil
}
