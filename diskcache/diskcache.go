// Package diskcache is a disk-backed content cache with per-key edit locks
// and commit-or-abort writes.
//
// Committed entries live at <dir>/<hh>/<rest of sha256(key)>. An Editor
// streams into a temporary file in the cache directory and publishes it with
// a rename, so readers only ever see whole entries.
package diskcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Skryldev/image-loader/core"
)

const (
	tempPrefix        = "tmp-"
	defaultMaxEntries = 1 << 20
)

var (
	ErrClosed         = errors.New("diskcache: closed")
	ErrReadOnly       = errors.New("diskcache: read-only")
	ErrEditInProgress = errors.New("diskcache: edit in progress")
	ErrEditorPoisoned = errors.New("diskcache: editor saw a write error")
	ErrEditorDone     = errors.New("diskcache: editor already committed or aborted")
)

// Options are the options to open a disk cache.
type Options struct {
	Dir string
	// MaxBytes bounds the committed size; 0 means unbounded.
	MaxBytes int64
	// MaxEntries bounds the number of committed entries.
	MaxEntries int
	// ReadOnly refuses every Edit.
	ReadOnly bool
	Logger   core.Logger
}

type record struct {
	size    int64
	modTime time.Time
}

// Cache is safe for concurrent use. Callers that populate an entry must hold
// EditLock(key) across the Get-check and the whole edit.
type Cache struct {
	dir    string
	opts   Options
	logger core.Logger

	mu      sync.Mutex // not a RWMutex: Get reorders the LRU
	index   *simplelru.LRU[string, record]
	size    int64
	editing map[string]struct{}
	closed  bool

	locksMu sync.Mutex
	locks   map[string]*lockEntry
}

// Open creates the cache directory if needed and indexes the entries
// already committed there, oldest first.
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("diskcache: Dir is required")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("diskcache: mkdir %s: %w", opts.Dir, err)
	}
	index, err := simplelru.NewLRU[string, record](opts.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("diskcache: index: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}
	c := &Cache{
		dir:     opts.Dir,
		opts:    opts,
		logger:  logger,
		index:   index,
		editing: make(map[string]struct{}),
		locks:   make(map[string]*lockEntry),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	type found struct {
		name string
		rec  record
	}
	var entries []found
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			// left behind by a crashed editor
			_ = os.Remove(path)
			return nil
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return nil
		}
		name := strings.ReplaceAll(filepath.ToSlash(rel), "/", "")
		if len(name) != sha256.Size*2 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, found{name: name, rec: record{size: info.Size(), modTime: info.ModTime()}})
		return nil
	})
	if err != nil {
		return fmt.Errorf("diskcache: scan %s: %w", c.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rec.modTime.Before(entries[j].rec.modTime) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.addLocked(e.name, e.rec)
	}
	c.evictLocked()
	return nil
}

// EditLock returns the lock guarding key. Locks for equal keys exclude each
// other. The table entry lives only while some caller holds or waits on it.
// A KeyLock belongs to one goroutine.
func (c *Cache) EditLock(key string) *KeyLock {
	return &KeyLock{c: c, key: key}
}

// KeyLock is a sync.Locker scoped to one cache key.
type KeyLock struct {
	c     *Cache
	key   string
	entry *lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int // guarded by Cache.locksMu
}

func (l *KeyLock) Lock() {
	c := l.c
	c.locksMu.Lock()
	e, ok := c.locks[l.key]
	if !ok {
		e = &lockEntry{}
		c.locks[l.key] = e
	}
	e.refs++
	c.locksMu.Unlock()

	e.mu.Lock()
	l.entry = e
}

func (l *KeyLock) Unlock() {
	e := l.entry
	if e == nil {
		panic("diskcache: unlock of unlocked KeyLock")
	}
	l.entry = nil
	e.mu.Unlock()

	c := l.c
	c.locksMu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(c.locks, l.key)
	}
	c.locksMu.Unlock()
}

func (c *Cache) lockCount() int {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	return len(c.locks)
}

// Get returns the committed entry for key, or nil.
func (c *Cache) Get(key string) *Entry {
	name := hashKey(key)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	rec, ok := c.index.Get(name)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	path := c.pathOf(name)
	if _, err := os.Stat(path); err != nil {
		c.mu.Lock()
		if cur, ok := c.index.Peek(name); ok && cur == rec {
			c.index.Remove(name)
			c.size -= rec.size
		}
		c.mu.Unlock()
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("diskcache.get.stat", "key", key, "error", err.Error())
		}
		return nil
	}
	return &Entry{key: key, path: path, size: rec.size, modTime: rec.modTime}
}

// Edit opens an editor for key. Only one editor per key may be open.
func (c *Cache) Edit(key string) (*Editor, error) {
	name := hashKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.opts.ReadOnly {
		return nil, ErrReadOnly
	}
	if _, busy := c.editing[name]; busy {
		return nil, ErrEditInProgress
	}
	c.editing[name] = struct{}{}
	return &Editor{c: c, key: key, name: name}, nil
}

// Remove deletes the committed entry for key.
func (c *Cache) Remove(key string) error {
	name := hashKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.index.Peek(name)
	if !ok {
		return nil
	}
	c.index.Remove(name)
	c.size -= rec.size
	if err := os.Remove(c.pathOf(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("diskcache: remove %s: %w", key, err)
	}
	return nil
}

// Clear deletes every committed entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, name := range c.index.Keys() {
		if err := os.Remove(c.pathOf(name)); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	c.index.Purge()
	c.size = 0
	return firstErr
}

// Close makes the cache unusable. Committed files stay on disk.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Size returns the committed size in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of committed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

func (c *Cache) Dir() string { return c.dir }

// ReadOnly reports whether Edit is refused.
func (c *Cache) ReadOnly() bool { return c.opts.ReadOnly }

func (c *Cache) pathOf(name string) string {
	return filepath.Join(c.dir, name[:2], name[2:])
}

// publish renames a finished temp file over the entry for name.
func (c *Cache) publish(tmpPath, name string, size int64) error {
	dst := c.pathOf(name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	c.addLocked(name, record{size: size, modTime: time.Now()})
	c.evictLocked()
	return nil
}

// addLocked indexes name, first evicting down to MaxEntries so the index
// never drops a record behind the size accounting. Caller holds c.mu.
func (c *Cache) addLocked(name string, rec record) {
	if prev, ok := c.index.Peek(name); ok {
		c.size -= prev.size
	} else {
		for c.index.Len() >= c.opts.MaxEntries && c.evictOldestLocked() {
		}
	}
	c.index.Add(name, rec)
	c.size += rec.size
}

// evictLocked drops least recently used entries over MaxBytes. Caller holds c.mu.
func (c *Cache) evictLocked() {
	for c.opts.MaxBytes > 0 && c.size > c.opts.MaxBytes && c.evictOldestLocked() {
	}
}

func (c *Cache) evictOldestLocked() bool {
	name, rec, ok := c.index.RemoveOldest()
	if !ok {
		return false
	}
	c.size -= rec.size
	if err := os.Remove(c.pathOf(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("diskcache.evict", "file", name, "error", err.Error())
	}
	return true
}

func (c *Cache) endEdit(name string) {
	c.mu.Lock()
	delete(c.editing, name)
	c.mu.Unlock()
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Entry is a committed cache entry. Its content never changes; a later
// commit for the same key replaces the file, not its bytes.
type Entry struct {
	key     string
	path    string
	size    int64
	modTime time.Time
}

func (e *Entry) Key() string        { return e.key }
func (e *Entry) Path() string       { return e.path }
func (e *Entry) Size() int64        { return e.size }
func (e *Entry) ModTime() time.Time { return e.modTime }

// Open returns a new reader over the entry.
func (e *Entry) Open() (io.ReadCloser, error) {
	return os.Open(e.path)
}
