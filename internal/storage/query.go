package storage

import (
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/storage/buffer"
	"github.com/akumuli/akumulid/internal/storage/types"
)

// QueryKind selects the request shape.
type QueryKind int

const (
	// KindSelect is a range query over one metric.
	KindSelect QueryKind = iota
	// KindSuggest requests metric-name suggestions.
	KindSuggest
	// KindSearch requests series names matching a metric and tags.
	KindSearch
)

// Query is a parsed query executed against the engine.
type Query struct {
	Kind QueryKind

	// Metric and Where select series for KindSelect and KindSearch.
	Metric string
	Where  map[string]string

	// From and To bound the timestamp range in nanoseconds (KindSelect).
	From uint64
	To   uint64

	// Limit caps the number of returned samples. 0 = no limit.
	Limit int

	// StartsWith filters metric names for KindSuggest.
	StartsWith string
}

// execute runs a query and returns a cursor over its results.
func (c *Connection) execute(q Query) (*Cursor, error) {
	if c.closed.Load() {
		return nil, errors.ErrConnectionClosed
	}
	c.queryCount.Add(1)

	switch q.Kind {
	case KindSuggest:
		return c.executeNames(c.registry.MetricNames(q.StartsWith), q.Limit), nil
	case KindSearch:
		return c.executeNames(c.registry.SearchNames(q.Metric, q.Where), q.Limit), nil
	case KindSelect:
		return c.executeSelect(q)
	default:
		return nil, errors.Wrapf(errors.ErrBadQuery, "unknown query kind %d", q.Kind)
	}
}

// executeNames wraps a name list into a cursor of blob samples.
func (c *Connection) executeNames(names []string, limit int) *Cursor {
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	samples := make([]types.Sample, len(names))
	for i, n := range names {
		samples[i] = types.Sample{Payload: types.PayloadBlob, Blob: []byte(n)}
	}
	return newCursor(samples)
}

// executeSelect merges cold volume rows with the hot buffer tail.
func (c *Connection) executeSelect(q Query) (*Cursor, error) {
	if q.Metric == "" {
		return nil, errors.Wrap(errors.ErrBadQuery, "missing `select` field")
	}

	ids := c.registry.Search(q.Metric, q.Where)
	idSet := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	cold, err := c.queryVolumes(q)
	if err != nil {
		return nil, err
	}

	hot := c.buf.Query(buffer.SampleFilter{
		ParamIDs: idSet,
		Since:    q.From,
		Until:    q.To,
	}, 0)

	merged := mergeSamples(cold, hot)
	if q.Limit > 0 && len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return newCursor(merged), nil
}

// queryVolumes runs the cold part of a select against the parquet
// volumes through the SQL backend. Returns nil when no volumes exist.
func (c *Connection) queryVolumes(q Query) ([]types.Sample, error) {
	paths, err := c.volumes.Paths()
	if err != nil {
		return nil, errors.Wrap(err, "list volumes")
	}
	if len(paths) == 0 {
		return nil, nil
	}

	db, err := c.queryBackend()
	if err != nil {
		return nil, err
	}

	// Series selection happens in Go against the registry; SQL only
	// filters by name list and time range.
	names := c.registry.SearchNames(q.Metric, q.Where)
	if len(names) == 0 {
		return nil, nil
	}

	stmt := `
		SELECT series, timestamp, value
		FROM read_parquet(?)
		WHERE series IN (` + placeholders(len(names)) + `)`
	args := []interface{}{c.volumes.GlobPattern()}
	for _, n := range names {
		args = append(args, n)
	}
	if q.From > 0 {
		stmt += " AND timestamp >= ?"
		args = append(args, int64(q.From))
	}
	if q.To > 0 {
		stmt += " AND timestamp <= ?"
		args = append(args, int64(q.To))
	}
	stmt += " ORDER BY timestamp, series"

	rows, err := db.Query(stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query volumes")
	}
	defer rows.Close()

	var out []types.Sample
	for rows.Next() {
		var series string
		var ts int64
		var value float64
		if err := rows.Scan(&series, &ts, &value); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		id, ok := c.registry.Lookup(series)
		if !ok {
			continue
		}
		out = append(out, types.Sample{ParamID: id, Timestamp: uint64(ts), Value: value})
	}
	return out, rows.Err()
}

// queryBackend lazily opens the SQL backend used for cold queries.
func (c *Connection) queryBackend() (*sql.DB, error) {
	c.duckMu.Lock()
	defer c.duckMu.Unlock()
	if c.duck != nil {
		return c.duck, nil
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, "open query backend")
	}
	c.duck = db
	return db, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// mergeSamples merges two timestamp-ordered sample slices.
func mergeSamples(a, b []types.Sample) []types.Sample {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]types.Sample, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ParamID < out[j].ParamID
	})
	return out
}

// functionNames is the catalog exposed via the function-names resource.
var functionNames = []string{"min", "max", "sum", "count", "mean", "last", "first"}

// StatsJSON returns the engine statistics blob served by the stats
// endpoint.
func (c *Connection) StatsJSON() (string, error) {
	if c.closed.Load() {
		return "", errors.ErrConnectionClosed
	}

	bufStats := c.buf.Stats()
	volStats := c.volumes.Stats()

	c.sketchMu.Lock()
	var p50, p90, p99 float64
	if c.latencySketch.GetCount() > 0 {
		if v, err := c.latencySketch.GetValueAtQuantile(0.50); err == nil {
			p50 = v
		}
		if v, err := c.latencySketch.GetValueAtQuantile(0.90); err == nil {
			p90 = v
		}
		if v, err := c.latencySketch.GetValueAtQuantile(0.99); err == nil {
			p99 = v
		}
	}
	c.sketchMu.Unlock()

	stats := map[string]interface{}{
		"uptime_seconds": int64(time.Since(c.openTime).Seconds()),
		"series_count":   c.registry.Len(),
		"write_count":    c.writeCount.Load(),
		"reject_count":   c.rejectCount.Load(),
		"query_count":    c.queryCount.Load(),
		"session_count":  c.sessionCount.Load(),
		"buffer": map[string]interface{}{
			"capacity": bufStats.Capacity,
			"count":    bufStats.Count,
			"usage":    bufStats.UsageRatio,
			"dropped":  bufStats.DropCount,
		},
		"volumes": map[string]interface{}{
			"written": volStats.VolumesWritten,
			"removed": volStats.VolumesRemoved,
			"rows":    volStats.RowsWritten,
		},
		"write_latency_ns": map[string]interface{}{
			"p50": p50,
			"p90": p90,
			"p99": p99,
		},
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Resource returns an engine-exposed textual resource by name.
func (c *Connection) Resource(name string) (string, error) {
	if c.closed.Load() {
		return "", errors.ErrConnectionClosed
	}
	switch name {
	case "function-names":
		return strings.Join(functionNames, "\n"), nil
	case "series-names":
		return strings.Join(c.registry.AllNames(), "\n"), nil
	default:
		return "", errors.Wrapf(errors.ErrNotFound, "resource %q", name)
	}
}
