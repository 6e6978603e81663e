// Package datasource provides re-readable byte sources for the decoder.
package datasource

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/diskcache"
)

// Kind tags the origin of a DataSource.
type Kind string

const (
	KindFile           Kind = "file"
	KindDiskCache      Kind = "disk_cache"
	KindBytes          Kind = "bytes"
	KindProcessedCache Kind = "processed_cache"
)

// DataSource is a byte source that can be opened any number of times; each
// Open starts from the first byte.
type DataSource interface {
	Open() (io.ReadCloser, error)
	// Length is the byte length, or -1 when unknown.
	Length() int64
	Kind() Kind
	From() core.ImageFrom
}

// ── File ──────────────────────────────────────────────────────────────────────

// File reads a plain file.
type File struct {
	Path string
}

func NewFile(path string) *File { return &File{Path: path} }

func (f *File) Open() (io.ReadCloser, error) {
	r, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("datasource: open %s: %w", f.Path, err)
	}
	return r, nil
}

func (f *File) Length() int64 {
	info, err := os.Stat(f.Path)
	if err != nil {
		return -1
	}
	return info.Size()
}

func (f *File) Kind() Kind           { return KindFile }
func (f *File) From() core.ImageFrom { return core.FromLocal }

// ── Bytes ─────────────────────────────────────────────────────────────────────

// Bytes serves an in-memory buffer. The buffer must not be modified.
type Bytes struct {
	data []byte
	from core.ImageFrom
}

func NewBytes(data []byte, from core.ImageFrom) *Bytes {
	return &Bytes{data: data, from: from}
}

func (b *Bytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *Bytes) Length() int64        { return int64(len(b.data)) }
func (b *Bytes) Kind() Kind           { return KindBytes }
func (b *Bytes) From() core.ImageFrom { return b.from }

// ── Disk cache ────────────────────────────────────────────────────────────────

// DiskCache reads a committed disk cache entry. Processed marks an entry
// holding an already processed rendition of an image.
type DiskCache struct {
	Entry     *diskcache.Entry
	Processed bool
	from      core.ImageFrom
}

func NewDiskCache(entry *diskcache.Entry, from core.ImageFrom) *DiskCache {
	return &DiskCache{Entry: entry, from: from}
}

// NewProcessedCache wraps an entry holding a processed rendition.
func NewProcessedCache(entry *diskcache.Entry) *DiskCache {
	return &DiskCache{Entry: entry, Processed: true, from: core.FromDiskCache}
}

func (d *DiskCache) Open() (io.ReadCloser, error) {
	rc, err := d.Entry.Open()
	if err != nil {
		return nil, fmt.Errorf("datasource: open cache entry %s: %w", d.Entry.Key(), err)
	}
	return rc, nil
}

func (d *DiskCache) Length() int64 { return d.Entry.Size() }

func (d *DiskCache) Kind() Kind {
	if d.Processed {
		return KindProcessedCache
	}
	return KindDiskCache
}

func (d *DiskCache) From() core.ImageFrom {
	if d.from == "" {
		return core.FromDiskCache
	}
	return d.from
}

// ReadAll drains a fresh reader over ds.
func ReadAll(ds DataSource) ([]byte, error) {
	rc, err := ds.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if n := ds.Length(); n > 0 {
		buf := bytes.NewBuffer(make([]byte, 0, n))
		_, err = buf.ReadFrom(rc)
		return buf.Bytes(), err
	}
	return io.ReadAll(rc)
}
