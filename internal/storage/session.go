package storage

import (
	"sync/atomic"

	"github.com/akumuli/akumulid/internal/errors"
)

// Session is a single-writer handle into the engine. It is owned by one
// ingestion worker or one query for its lifetime and is not safe for
// concurrent use by multiple goroutines. Multiple sessions against one
// connection may execute in parallel.
type Session struct {
	conn   *Connection
	closed atomic.Bool
}

// Write ingests one scalar sample.
func (s *Session) Write(series string, timestamp uint64, value float64) error {
	if s.closed.Load() {
		return errors.ErrSessionClosed
	}
	return s.conn.write(series, timestamp, value, nil)
}

// WriteTuple ingests one tuple sample.
func (s *Session) WriteTuple(series string, timestamp uint64, values []float64) error {
	if s.closed.Load() {
		return errors.ErrSessionClosed
	}
	if len(values) == 1 {
		return s.conn.write(series, timestamp, values[0], nil)
	}
	return s.conn.write(series, timestamp, 0, values)
}

// Query opens a cursor over the result of q. The cursor is owned by the
// caller and must be closed.
func (s *Session) Query(q Query) (*Cursor, error) {
	if s.closed.Load() {
		return nil, errors.ErrSessionClosed
	}
	return s.conn.execute(q)
}

// SeriesName resolves a parameter id to its canonical series name.
func (s *Session) SeriesName(id uint64) (string, bool) {
	return s.conn.SeriesName(id)
}

// Close releases the session. Idempotent.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.conn.sessionCount.Add(-1)
}
