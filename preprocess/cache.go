package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/diskcache"
)

var (
	errEmptyResult        = errors.New("preprocessor returned no data")
	errMissingAfterCommit = errors.New("entry missing right after commit")
)

// produceFunc writes the bytes of an entry.
type produceFunc func(ctx context.Context, w io.Writer) error

// cached returns the cache entry for key, producing it under the key's edit
// lock when absent. Without a writable cache the bytes are produced into
// memory.
func cached(ctx context.Context, env *Env, key string, produce produceFunc) (*Result, error) {
	log := env.logger()
	if env.Cache == nil {
		return inMemory(ctx, produce)
	}

	l := env.Cache.EditLock(key)
	l.Lock()
	defer l.Unlock()

	if e := env.Cache.Get(key); e != nil {
		log.Debug("preprocess.cache_hit", "key", key)
		return &Result{Entry: e, From: core.FromDiskCache}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ed, err := env.Cache.Edit(key)
	if errors.Is(err, diskcache.ErrReadOnly) {
		return inMemory(ctx, produce)
	}
	if err != nil {
		return nil, fmt.Errorf("open editor: %w", err)
	}
	w, err := ed.Writer()
	if err != nil {
		_ = ed.Abort()
		return nil, fmt.Errorf("open editor: %w", err)
	}
	if err := produce(ctx, w); err != nil {
		_ = ed.Abort()
		return nil, err
	}
	if err := ed.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	e := env.Cache.Get(key)
	if e == nil {
		log.Warn("preprocess.missing_after_commit", "key", key)
		return nil, errMissingAfterCommit
	}
	return &Result{Entry: e, From: core.FromLocal}, nil
}

func inMemory(ctx context.Context, produce produceFunc) (*Result, error) {
	var buf bytes.Buffer
	if err := produce(ctx, &buf); err != nil {
		return nil, err
	}
	return &Result{Data: buf.Bytes(), From: core.FromMemory}, nil
}
