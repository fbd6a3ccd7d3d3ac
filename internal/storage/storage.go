// Package storage implements the embedded storage engine behind the
// daemon's ingestion and query fabric.
//
// A Connection owns the process-wide engine state: the series registry,
// the hot ring buffer, the write-ahead log, and the parquet volume
// store. Sessions are single-writer handles created per ingestion
// worker or per query; cursors are single-reader handles created per
// query. At most one connection is open per database path per process.
package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/akumuli/akumulid/config"
	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/logging"
	"github.com/akumuli/akumulid/internal/storage/buffer"
	"github.com/akumuli/akumulid/internal/storage/registry"
	"github.com/akumuli/akumulid/internal/storage/types"
	"github.com/akumuli/akumulid/internal/storage/volume"
	"github.com/akumuli/akumulid/internal/storage/wal"
)

var log = logging.Component("storage")

// FineTuneParams carries open-time engine tunables.
type FineTuneParams struct {
	// WAL configures the write-ahead log. Zero value disables it.
	WAL config.WALSettings

	// WALConcurrency is the ingestion concurrency hint used to size
	// the log. Derived from the largest server worker pool.
	WALConcurrency int

	// BufferCapacity overrides the hot buffer capacity (samples).
	// 0 selects the default.
	BufferCapacity int
}

// defaultBufferCapacity is the hot buffer capacity when not overridden.
const defaultBufferCapacity = 1 << 20

// Connection is the process-global handle to one open database.
type Connection struct {
	path     string
	manifest Manifest

	registry *registry.Registry
	buf      *buffer.RingBuffer
	volumes  *volume.Store
	wlog     *wal.Writer // nil when the WAL is disabled
	walPath  string

	// lastTS tracks the newest written timestamp per series for late
	// write and duplicate detection.
	tsMu   sync.Mutex
	lastTS map[uint64]uint64

	// duck is the query backend over the volume files, opened lazily
	// on first cold query.
	duckMu sync.Mutex
	duck   *sql.DB

	closed atomic.Bool

	// Statistics
	openTime      time.Time
	writeCount    atomic.Int64
	rejectCount   atomic.Int64
	sessionCount  atomic.Int64
	queryCount    atomic.Int64
	sketchMu      sync.Mutex
	latencySketch *ddsketch.DDSketch
}

// Open opens the database at path. The manifest must exist; a missing
// manifest means the database was never created and the daemon refuses
// to start.
func Open(path string, params FineTuneParams) (*Connection, error) {
	manifest, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}

	vols, err := volume.Open(path, manifest.NVolumes, manifest.VolumeSize)
	if err != nil {
		return nil, errors.Wrap(err, "open volume store")
	}

	capacity := params.BufferCapacity
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, errors.Wrap(err, "create latency sketch")
	}

	c := &Connection{
		path:          path,
		manifest:      manifest,
		registry:      registry.New(),
		buf:           buffer.New(capacity),
		volumes:       vols,
		lastTS:        make(map[uint64]uint64),
		openTime:      time.Now(),
		latencySketch: sketch,
	}

	// Restore the registry from the cold store so that ids resolve
	// consistently for series written in previous runs.
	names, err := vols.SeriesNames()
	if err != nil {
		return nil, errors.Wrap(err, "restore registry")
	}
	if err := c.registry.Restore(names); err != nil {
		return nil, err
	}

	if params.WAL.Enabled() {
		if err := c.recover(params.WAL); err != nil {
			return nil, err
		}
		wlog, err := wal.NewWriter(params.WAL.Path, wal.Options{
			NVolumes:   params.WAL.NVolumes * max(params.WALConcurrency, 1),
			VolumeSize: int64(params.WAL.VolumeSize),
		})
		if err != nil {
			return nil, errors.Wrap(err, "open WAL")
		}
		c.wlog = wlog
		c.walPath = params.WAL.Path
		log.Info("WAL enabled", "path", params.WAL.Path, "nvolumes", params.WAL.NVolumes)
	} else {
		log.Info("WAL disabled")
	}

	log.Info("database opened", "path", path, "series", c.registry.Len())
	return c, nil
}

// recover replays the WAL into the hot buffer after a crash.
func (c *Connection) recover(settings config.WALSettings) error {
	entries, err := wal.Replay(settings.Path)
	if err != nil {
		return errors.Wrap(err, "WAL replay")
	}
	// Entries the cold store already holds are skipped below.
	paths, err := c.volumes.Paths()
	for _, p := range paths {
		rows, rerr := volume.ReadAll(p)
		if err = rerr; err != nil {
			break
		}
		for _, r := range rows {
			if id, ok := c.registry.Lookup(r.Series); ok && uint64(r.Timestamp) > c.lastTS[id] {
				c.lastTS[id] = uint64(r.Timestamp)
			}
		}
	}
	if err != nil {
		return errors.Wrap(err, "WAL replay")
	}
	for i := range entries {
		e := &entries[i]
		id, err := c.registry.GetOrCreate(e.Series)
		if err != nil {
			continue
		}
		if last, ok := c.lastTS[id]; ok && e.Timestamp <= last {
			continue
		}
		sample := types.Sample{ParamID: id, Timestamp: e.Timestamp, Value: e.Value}
		if len(e.Tuple) > 0 {
			sample.Payload = types.PayloadTuple
			sample.Tuple = e.Tuple
		}
		c.buf.PushOverwrite(sample)
		c.lastTS[id] = e.Timestamp
	}
	if len(entries) > 0 {
		log.Info("recovered samples from WAL", "count", len(entries))
	}
	return nil
}

// NewSession creates a single-writer handle. It fails once the
// connection is closed; the query pipeline relies on this to implement
// its upgrade-or-fail back-reference.
func (c *Connection) NewSession() (*Session, error) {
	if c.closed.Load() {
		return nil, errors.ErrConnectionClosed
	}
	c.sessionCount.Add(1)
	return &Session{conn: c}, nil
}

// write ingests one sample on behalf of a session. The engine owns all
// internal locking; multiple sessions may write in parallel.
func (c *Connection) write(series string, ts uint64, value float64, tuple []float64) error {
	if c.closed.Load() {
		return errors.ErrConnectionClosed
	}
	start := time.Now()

	id, err := c.registry.GetOrCreate(series)
	if err != nil {
		c.rejectCount.Add(1)
		return err
	}

	c.tsMu.Lock()
	last, seen := c.lastTS[id]
	if seen {
		if ts < last {
			c.tsMu.Unlock()
			c.rejectCount.Add(1)
			return errors.Wrapf(errors.ErrLateWrite, "series %q ts %d < %d", series, ts, last)
		}
		if ts == last {
			c.tsMu.Unlock()
			c.rejectCount.Add(1)
			return errors.Wrapf(errors.ErrDuplicateTimestamp, "series %q ts %d", series, ts)
		}
	}
	c.lastTS[id] = ts
	c.tsMu.Unlock()

	if c.wlog != nil {
		entry := wal.Entry{Series: series, Timestamp: ts, Value: value, Tuple: tuple}
		if err := c.wlog.Write([]wal.Entry{entry}); err != nil {
			return errors.Wrap(err, "WAL append")
		}
	}

	sample := types.Sample{ParamID: id, Timestamp: ts, Value: value}
	if len(tuple) > 0 {
		sample.Payload = types.PayloadTuple
		sample.Tuple = tuple
	}
	if !c.buf.Push(sample) {
		// Hot buffer full: evict the oldest half to the cold store and
		// retry once.
		if err := c.flushOldest(c.buf.Cap() / 2); err != nil {
			return errors.Wrap(errors.ErrBackendBusy, err.Error())
		}
		if !c.buf.Push(sample) {
			return errors.ErrBackendBusy
		}
	}

	c.writeCount.Add(1)
	c.sketchMu.Lock()
	c.latencySketch.Add(float64(time.Since(start).Nanoseconds()))
	c.sketchMu.Unlock()
	return nil
}

// flushOldest moves the oldest n hot samples into the volume store.
func (c *Connection) flushOldest(n int) error {
	samples := c.buf.PopN(n)
	if len(samples) == 0 {
		return nil
	}
	rows := make([]volume.Row, 0, len(samples))
	for i := range samples {
		s := &samples[i]
		name, ok := c.registry.Name(s.ParamID)
		if !ok {
			continue
		}
		rows = append(rows, volume.Row{
			Series:    name,
			Timestamp: int64(s.Timestamp),
			Value:     s.Value,
			Tuple:     s.Tuple,
		})
	}
	return c.volumes.Flush(rows)
}

// Flush forces all hot samples into the cold store.
func (c *Connection) Flush() error {
	return c.flushOldest(c.buf.Len())
}

// Close flushes the hot buffer and tears the connection down. Sessions
// created earlier fail on next use; cursors already opened keep serving
// the results they hold. Idempotent.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	var errs []error
	if err := c.flushOldest(c.buf.Len()); err != nil {
		errs = append(errs, errors.Wrap(err, "flush hot buffer"))
	}
	if c.wlog != nil {
		if err := c.wlog.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close WAL"))
		} else if err := wal.Purge(c.walPath); err != nil {
			errs = append(errs, errors.Wrap(err, "purge WAL"))
		}
	}
	c.duckMu.Lock()
	if c.duck != nil {
		if err := c.duck.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close query backend"))
		}
		c.duck = nil
	}
	c.duckMu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	log.Info("database closed", "path", c.path)
	return nil
}

// Path returns the database directory.
func (c *Connection) Path() string {
	return c.path
}

// SeriesName resolves a parameter id back to its canonical name.
func (c *Connection) SeriesName(id uint64) (string, bool) {
	return c.registry.Name(id)
}

// ManifestPath returns the manifest location for a database directory.
func ManifestPath(path string) string {
	return filepath.Join(path, config.ManifestFileName)
}
