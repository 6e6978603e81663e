package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBitmap(t *testing.T, w, h int, f PixelFormat) *Bitmap {
	t.Helper()
	b, err := NewBitmap(w, h, f)
	require.NoError(t, err)
	return b
}

func TestAcquire_EmptyPoolMisses(t *testing.T) {
	p := New(Config{MaxBytes: 1 << 20})
	b, ok := p.Acquire(10, 10, RGBA8888)
	assert.False(t, ok)
	assert.Nil(t, b)
	assert.Equal(t, uint64(1), p.Stats().Misses)
}

func TestAcquire_ReusesSameSize(t *testing.T) {
	p := New(Config{MaxBytes: 1 << 20})
	b := newBitmap(t, 10, 10, RGBA8888)
	b.Pix()[0] = 0xff
	p.Release(b)

	got, ok := p.Acquire(10, 10, RGBA8888)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, byte(0), got.Pix()[0], "reused bitmap must be cleared")
	assert.Equal(t, 0, p.Stats().Count)
}

func TestAcquire_ReusesLargerAllocation(t *testing.T) {
	p := New(Config{MaxBytes: 1 << 20})
	p.Release(newBitmap(t, 20, 20, RGBA8888))

	got, ok := p.Acquire(10, 15, RGBA8888)
	require.True(t, ok)
	assert.Equal(t, 10, got.Width())
	assert.Equal(t, 15, got.Height())
	assert.Equal(t, 20*20*4, got.AllocationBytes())
	assert.Len(t, got.Pix(), 10*15*4)
	assert.Equal(t, 10*4, got.Stride())
}

func TestAcquire_RejectsTooLargeOrOtherFormat(t *testing.T) {
	p := New(Config{MaxBytes: 1 << 24})
	p.Release(newBitmap(t, 100, 100, RGBA8888))

	_, ok := p.Acquire(10, 10, RGBA8888)
	assert.False(t, ok, "allocation more than 8x larger must not be reused")

	_, ok = p.Acquire(100, 100, Gray8)
	assert.False(t, ok, "formats do not share buckets")

	_, ok = p.Acquire(101, 100, RGBA8888)
	assert.False(t, ok, "smaller allocation can never be reused")
}

func TestRelease_BucketCap(t *testing.T) {
	p := New(Config{MaxBytes: 1 << 20, MaxPerBucket: 1})
	first := newBitmap(t, 8, 8, Gray8)
	second := newBitmap(t, 8, 8, Gray8)
	p.Release(first)
	p.Release(second)

	assert.False(t, first.Released())
	assert.True(t, second.Released())
	assert.Equal(t, 1, p.Stats().Count)
}

func TestRelease_EvictsOldestOverBudget(t *testing.T) {
	p := New(Config{MaxBytes: 2 * 10 * 10 * 4})
	a := newBitmap(t, 10, 10, RGBA8888)
	b := newBitmap(t, 10, 10, RGBA8888)
	c := newBitmap(t, 10, 10, RGBA8888)
	p.Release(a)
	p.Release(b)
	p.Release(c)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Evictions)
	assert.Equal(t, int64(2*10*10*4), st.Bytes)
	assert.True(t, a.Released())
	assert.False(t, c.Released())
}

func TestRelease_Idempotent(t *testing.T) {
	p := New(Config{MaxBytes: 1 << 20})
	b := newBitmap(t, 4, 4, RGBA8888)
	p.Release(b)
	p.Release(b)
	assert.Equal(t, 1, p.Stats().Count)

	got, ok := p.Acquire(4, 4, RGBA8888)
	require.True(t, ok)
	_, ok = p.Acquire(4, 4, RGBA8888)
	assert.False(t, ok)
	p.Free(got)
	p.Release(got)
	assert.Equal(t, 0, p.Stats().Count, "freed bitmap must never re-enter the pool")
}

func TestDisabledPool(t *testing.T) {
	p := New(Config{Disabled: true})
	b := newBitmap(t, 4, 4, RGBA8888)
	p.Release(b)
	assert.True(t, b.Released())
	_, ok := p.Acquire(4, 4, RGBA8888)
	assert.False(t, ok)

	got, err := p.Get(4, 4, RGBA8888)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Width())
}

func TestFree_MarksReleased(t *testing.T) {
	p := New(Config{MaxBytes: 1 << 20})
	b := newBitmap(t, 4, 4, Gray8)
	p.Free(b)
	assert.True(t, b.Released())
	assert.Equal(t, 0, b.AllocationBytes())
}

func TestBitmapImageView(t *testing.T) {
	b := newBitmap(t, 3, 2, Gray8)
	img := b.Image()
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	_, err := NewBitmap(0, 2, RGBA8888)
	assert.Error(t, err)
}

// ── Concurrency tests ─────────────────────────────────────────────────────────

func TestAcquire_Exclusive(t *testing.T) {
	p := New(Config{MaxBytes: 1 << 24})
	const pooled = 16
	for i := 0; i < pooled; i++ {
		p.Release(newBitmap(t, 16, 16, RGBA8888))
	}

	const goroutines = 64
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[*Bitmap]int)
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b, ok := p.Acquire(16, 16, RGBA8888); ok {
				mu.Lock()
				seen[b]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, pooled)
	for b, n := range seen {
		assert.Equal(t, 1, n, "bitmap %p handed out twice", b)
	}
}
