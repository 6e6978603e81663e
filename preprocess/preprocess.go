// Package preprocess turns request URIs that are not plain image files
// (archive icons, installed app icons, inline base64 payloads) into image
// bytes, usually committed to the disk cache.
package preprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/Skryldev/image-loader/codec"
	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/datasource"
	"github.com/Skryldev/image-loader/diskcache"
	apperrors "github.com/Skryldev/image-loader/errors"
)

// Env holds the collaborators a preprocessor may use. Cache may be nil, in
// which case results are returned in memory.
type Env struct {
	Cache  *diskcache.Cache
	Codecs *codec.Registry
	Apps   AppResolver
	Logger core.Logger
}

func (e *Env) logger() core.Logger {
	if e == nil || e.Logger == nil {
		return core.NopLogger{}
	}
	return e.Logger
}

// Result holds the bytes a preprocessor produced: a committed cache entry
// or, without a cache, an in-memory buffer. Exactly one is set.
type Result struct {
	Entry *diskcache.Entry
	Data  []byte
	From  core.ImageFrom
}

// DataSource returns a re-readable source over the result.
func (r *Result) DataSource() datasource.DataSource {
	if r.Entry != nil {
		return datasource.NewDiskCache(r.Entry, r.From)
	}
	return datasource.NewBytes(r.Data, r.From)
}

// Preprocessor handles one family of URIs.
type Preprocessor interface {
	Name() string
	Match(req *core.Request) bool
	Process(ctx context.Context, env *Env, req *core.Request) (*Result, error)
}

// ── Chain ─────────────────────────────────────────────────────────────────────

// Chain dispatches a request to the first matching preprocessor.
type Chain struct {
	env *Env

	mu    sync.RWMutex
	procs []Preprocessor
}

// NewChain creates a chain over env holding ps in order. Duplicates by name
// are dropped.
func NewChain(env *Env, ps ...Preprocessor) *Chain {
	c := &Chain{env: env}
	for _, p := range ps {
		c.Add(p)
	}
	return c
}

// Default returns a chain with the built-in preprocessors: archive icons,
// then installed app icons, then base64 payloads.
func Default(env *Env) *Chain {
	return NewChain(env, NewArchiveIcon(), NewInstalledAppIcon(), NewBase64())
}

// Add appends p. It returns false if a preprocessor of the same name is
// already present.
func (c *Chain) Add(p Preprocessor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(len(c.procs), p)
}

// Insert places p at index i, clamped to the chain bounds. It returns false
// if a preprocessor of the same name is already present.
func (c *Chain) Insert(i int, p Preprocessor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(i, p)
}

func (c *Chain) insertLocked(i int, p Preprocessor) bool {
	if p == nil {
		return false
	}
	for _, q := range c.procs {
		if q.Name() == p.Name() {
			return false
		}
	}
	if i < 0 {
		i = 0
	}
	if i > len(c.procs) {
		i = len(c.procs)
	}
	c.procs = append(c.procs, nil)
	copy(c.procs[i+1:], c.procs[i:])
	c.procs[i] = p
	return true
}

// Names lists the preprocessors in dispatch order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.procs))
	for i, p := range c.procs {
		names[i] = p.Name()
	}
	return names
}

// Match reports whether any preprocessor handles req.
func (c *Chain) Match(req *core.Request) bool {
	return c.find(req) != nil
}

func (c *Chain) find(req *core.Request) Preprocessor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.procs {
		if p.Match(req) {
			return p
		}
	}
	return nil
}

// Process runs the first matching preprocessor. matched is false when no
// preprocessor handles req. A matched preprocessor that fails yields an
// error with cause CausePreprocess; a panic inside it is reported the same
// way.
func (c *Chain) Process(ctx context.Context, req *core.Request) (res *Result, matched bool, err error) {
	p := c.find(req)
	if p == nil {
		return nil, false, nil
	}
	op := "preprocess." + p.Name()
	defer func() {
		if r := recover(); r != nil {
			res, matched = nil, true
			err = apperrors.New(apperrors.CausePreprocess, op, fmt.Errorf("panic: %v", r))
		}
	}()

	res, err = p.Process(ctx, c.env, req)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, true, apperrors.Wrap(apperrors.CauseCanceled, op, ctx.Err())
	case err != nil:
		return nil, true, apperrors.Wrap(apperrors.CausePreprocess, op, err)
	case res == nil || (res.Entry == nil && res.Data == nil):
		return nil, true, apperrors.New(apperrors.CausePreprocess, op, errEmptyResult)
	}
	return res, true, nil
}
