package diskcache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

const writeBufferSize = 8 * 1024

// Editor writes one new entry. It must end with exactly one Commit or Abort.
// A write error poisons the editor: Commit then discards the bytes and
// returns ErrEditorPoisoned.
type Editor struct {
	c    *Cache
	key  string
	name string

	tmp     *os.File
	bw      *bufio.Writer
	written int64
	err     error
	done    bool
}

// Key returns the key being edited.
func (e *Editor) Key() string { return e.key }

// Writer returns the sink for the entry's bytes.
func (e *Editor) Writer() (io.Writer, error) {
	if e.done {
		return nil, ErrEditorDone
	}
	if err := e.open(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Editor) open() error {
	if e.tmp != nil {
		return nil
	}
	tmp, err := os.CreateTemp(e.c.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("diskcache: create temp for %s: %w", e.key, err)
	}
	e.tmp = tmp
	e.bw = bufio.NewWriterSize(tmp, writeBufferSize)
	return nil
}

// Write implements io.Writer. The first error sticks.
func (e *Editor) Write(p []byte) (int, error) {
	if e.done {
		return 0, ErrEditorDone
	}
	if e.err != nil {
		return 0, e.err
	}
	if err := e.open(); err != nil {
		e.err = err
		return 0, err
	}
	n, err := e.bw.Write(p)
	e.written += int64(n)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		e.err = err
	}
	return n, err
}

// Commit publishes the written bytes, replacing any prior entry.
func (e *Editor) Commit() error {
	if e.done {
		return ErrEditorDone
	}
	if e.err != nil {
		_ = e.Abort()
		return fmt.Errorf("%w: %v", ErrEditorPoisoned, e.err)
	}
	if err := e.open(); err != nil {
		_ = e.Abort()
		return err
	}
	e.done = true
	defer e.c.endEdit(e.name)

	err := e.bw.Flush()
	if errc := e.tmp.Close(); err == nil {
		err = errc
	}
	if err == nil {
		err = e.c.publish(e.tmp.Name(), e.name, e.written)
	}
	if err != nil {
		_ = os.Remove(e.tmp.Name())
		if errors.Is(err, ErrClosed) {
			return err
		}
		return fmt.Errorf("diskcache: commit %s: %w", e.key, err)
	}
	return nil
}

// Abort discards the written bytes. The prior entry, if any, is untouched.
// Abort after Commit or Abort is a no-op.
func (e *Editor) Abort() error {
	if e.done {
		return nil
	}
	e.done = true
	defer e.c.endEdit(e.name)
	if e.tmp == nil {
		return nil
	}
	_ = e.tmp.Close()
	if err := os.Remove(e.tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("diskcache: abort %s: %w", e.key, err)
	}
	return nil
}
