package pool

import (
	"slices"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// maxSizeMultiple bounds how much larger a reused allocation may be than
// the request.
const maxSizeMultiple = 8

// lruCapacity caps the number of pooled bitmaps; the byte budget normally
// evicts long before this.
const lruCapacity = 1 << 16

// Config controls a Pool.
type Config struct {
	// MaxBytes bounds the total allocation bytes held idle in the pool.
	MaxBytes int64
	// MaxPerBucket limits bitmaps per allocation size; 0 means unlimited.
	MaxPerBucket int
	// Disabled turns every Acquire into a miss and every Release into a Free.
	Disabled bool
}

// Stats is a point-in-time copy of pool counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Puts      uint64
	Evictions uint64
	Bytes     int64
	Count     int
}

type bucketKey struct {
	format PixelFormat
	bytes  int
}

// Pool is a thread-safe pool of reusable bitmaps, bucketed by pixel format
// and allocation size. A bitmap handed out by Acquire is no longer in the
// pool, so no two callers can hold it at once.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[bucketKey][]*Bitmap
	sizes   map[PixelFormat][]int // sorted allocation sizes with a non-empty bucket
	order   *simplelru.LRU[*Bitmap, struct{}]
	bytes   int64
	stats   Stats
}

// New creates a Pool.
func New(cfg Config) *Pool {
	order, _ := simplelru.NewLRU[*Bitmap, struct{}](lruCapacity, nil)
	return &Pool{
		cfg:     cfg,
		buckets: make(map[bucketKey][]*Bitmap),
		sizes:   make(map[PixelFormat][]int),
		order:   order,
	}
}

// Enabled reports whether the pool hands out buffers.
func (p *Pool) Enabled() bool { return p != nil && !p.cfg.Disabled }

// Acquire checks out a pooled bitmap able to hold width x height pixels of
// format, reconfigured to exactly those dimensions. It returns false when no
// eligible bitmap is pooled or pooling is disabled.
func (p *Pool) Acquire(width, height int, format PixelFormat) (*Bitmap, bool) {
	if !p.Enabled() || width <= 0 || height <= 0 {
		return nil, false
	}
	need := width * height * format.BytesPerPixel()

	p.mu.Lock()
	defer p.mu.Unlock()

	sizes := p.sizes[format]
	i := sort.SearchInts(sizes, need)
	if i == len(sizes) || sizes[i] > need*maxSizeMultiple {
		p.stats.Misses++
		return nil, false
	}
	key := bucketKey{format: format, bytes: sizes[i]}
	bucket := p.buckets[key]
	b := bucket[len(bucket)-1]
	p.removeLocked(key, len(bucket)-1)
	b.reconfigure(width, height, format)
	p.stats.Hits++
	return b, true
}

// Get returns a pooled bitmap or allocates a new one.
func (p *Pool) Get(width, height int, format PixelFormat) (*Bitmap, error) {
	if b, ok := p.Acquire(width, height, format); ok {
		return b, nil
	}
	return NewBitmap(width, height, format)
}

// Release returns b to the pool for reuse. Bitmaps that cannot be pooled
// are freed instead. Releasing a freed or already pooled bitmap is a no-op.
func (p *Pool) Release(b *Bitmap) {
	if b == nil || b.Released() {
		return
	}
	if !p.Enabled() {
		b.markReleased()
		return
	}
	alloc := b.AllocationBytes()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.order.Contains(b) {
		return
	}
	if p.cfg.MaxBytes > 0 && int64(alloc) > p.cfg.MaxBytes {
		b.markReleased()
		return
	}
	key := bucketKey{format: b.format, bytes: alloc}
	bucket := p.buckets[key]
	if p.cfg.MaxPerBucket > 0 && len(bucket) >= p.cfg.MaxPerBucket {
		b.markReleased()
		return
	}
	if len(bucket) == 0 {
		sizes := p.sizes[b.format]
		i := sort.SearchInts(sizes, alloc)
		p.sizes[b.format] = slices.Insert(sizes, i, alloc)
	}
	p.buckets[key] = append(bucket, b)
	p.order.Add(b, struct{}{})
	p.bytes += int64(alloc)
	p.stats.Puts++

	for p.cfg.MaxBytes > 0 && p.bytes > p.cfg.MaxBytes {
		victim, _, ok := p.order.GetOldest()
		if !ok {
			break
		}
		vk := bucketKey{format: victim.format, bytes: victim.AllocationBytes()}
		p.removeLocked(vk, slices.Index(p.buckets[vk], victim))
		victim.markReleased()
		p.stats.Evictions++
	}
}

// Free discards b without pooling it.
func (p *Pool) Free(b *Bitmap) {
	if b == nil {
		return
	}
	b.markReleased()
}

// Clear frees every pooled bitmap.
func (p *Pool) Clear() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, bucket := range p.buckets {
		for _, b := range bucket {
			b.markReleased()
		}
	}
	p.buckets = make(map[bucketKey][]*Bitmap)
	p.sizes = make(map[PixelFormat][]int)
	p.order.Purge()
	p.bytes = 0
}

// Stats returns a copy of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Bytes = p.bytes
	s.Count = p.order.Len()
	return s
}

// removeLocked takes bucket[i] out of the pool. Caller holds p.mu.
func (p *Pool) removeLocked(key bucketKey, i int) {
	bucket := p.buckets[key]
	if i < 0 || i >= len(bucket) {
		return
	}
	b := bucket[i]
	bucket = slices.Delete(bucket, i, i+1)
	if len(bucket) == 0 {
		delete(p.buckets, key)
		sizes := p.sizes[key.format]
		if j := slices.Index(sizes, key.bytes); j >= 0 {
			p.sizes[key.format] = slices.Delete(sizes, j, j+1)
		}
	} else {
		p.buckets[key] = bucket
	}
	p.order.Remove(b)
	p.bytes -= int64(key.bytes)
}
