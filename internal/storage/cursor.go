package storage

import (
	"io"
	"sync/atomic"

	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/storage/types"
)

// Cursor produces a finite lazy sequence of samples. It is owned by
// exactly one reader and is not restartable.
type Cursor struct {
	samples []types.Sample
	pos     int
	err     error
	closed  atomic.Bool
}

// newCursor creates a cursor over a precomputed result set.
func newCursor(samples []types.Sample) *Cursor {
	return &Cursor{samples: samples}
}

// newErrorCursor creates a cursor that surfaces err on first read.
func newErrorCursor(err error) *Cursor {
	return &Cursor{err: err}
}

// ReadSome copies the next samples into out. It returns io.EOF when the
// sequence is exhausted. A non-success status is reported on the first
// call and on every subsequent call.
func (c *Cursor) ReadSome(out []types.Sample) (int, error) {
	if c.closed.Load() {
		return 0, errors.ErrCursorClosed
	}
	if c.err != nil {
		return 0, c.err
	}
	if c.pos >= len(c.samples) {
		return 0, io.EOF
	}
	n := copy(out, c.samples[c.pos:])
	c.pos += n
	return n, nil
}

// Close releases the cursor. Idempotent.
func (c *Cursor) Close() {
	c.closed.Store(true)
}
