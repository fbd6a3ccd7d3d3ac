// Package registry maps series names to 64-bit parameter ids.
//
// A series name is a metric name followed by space-separated key=value
// tags, e.g. "cpu.user host=web01 region=eu". Tags are canonicalized by
// sorting so that differently ordered spellings resolve to the same id.
// Ids are assigned on first sight and are stable for the lifetime of a
// connection.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/akumuli/akumulid/internal/errors"
)

// Series is a parsed series name.
type Series struct {
	Metric string
	Tags   map[string]string
}

// Canonical returns the canonical string form of the series: metric
// followed by tags in sorted key order.
func (s Series) Canonical() string {
	if len(s.Tags) == 0 {
		return s.Metric
	}
	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.Metric)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Tags[k])
	}
	return b.String()
}

// Parse parses a series name into metric and tags.
func Parse(name string) (Series, error) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return Series{}, errors.Wrap(errors.ErrBadSeries, "empty series name")
	}
	s := Series{Metric: fields[0]}
	if len(fields) > 1 {
		s.Tags = make(map[string]string, len(fields)-1)
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if !ok || k == "" || v == "" {
				return Series{}, errors.Wrapf(errors.ErrBadSeries, "bad tag %q in %q", f, name)
			}
			s.Tags[k] = v
		}
	}
	return s, nil
}

// Registry assigns and resolves parameter ids. Safe for concurrent use
// by multiple sessions.
type Registry struct {
	mu     sync.RWMutex
	ids    map[string]uint64 // canonical name -> id
	names  []string          // id-1 -> canonical name
	series []Series          // id-1 -> parsed form
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{ids: make(map[string]uint64)}
}

// GetOrCreate resolves the id for a series name, assigning a new id if
// the series has not been seen before.
func (r *Registry) GetOrCreate(name string) (uint64, error) {
	parsed, err := Parse(name)
	if err != nil {
		return 0, err
	}
	canonical := parsed.Canonical()

	r.mu.RLock()
	id, ok := r.ids[canonical]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[canonical]; ok {
		return id, nil
	}
	r.names = append(r.names, canonical)
	r.series = append(r.series, parsed)
	id = uint64(len(r.names))
	r.ids[canonical] = id
	return id, nil
}

// Lookup resolves an existing series name without creating it.
func (r *Registry) Lookup(name string) (uint64, bool) {
	parsed, err := Parse(name)
	if err != nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[parsed.Canonical()]
	return id, ok
}

// Name returns the canonical name for an id.
func (r *Registry) Name(id uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || id > uint64(len(r.names)) {
		return "", false
	}
	return r.names[id-1], true
}

// Len returns the number of registered series.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// MetricNames returns the sorted set of distinct metric names,
// optionally restricted to those with the given prefix.
func (r *Registry) MetricNames(prefix string) []string {
	r.mu.RLock()
	seen := make(map[string]bool)
	for _, s := range r.series {
		if prefix == "" || strings.HasPrefix(s.Metric, prefix) {
			seen[s.Metric] = true
		}
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Search returns ids of series whose metric matches and whose tags are
// a superset of the given tags. An empty metric matches all metrics.
func (r *Registry) Search(metric string, tags map[string]string) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []uint64
	for i, s := range r.series {
		if metric != "" && s.Metric != metric {
			continue
		}
		match := true
		for k, v := range tags {
			if s.Tags[k] != v {
				match = false
				break
			}
		}
		if match {
			ids = append(ids, uint64(i+1))
		}
	}
	return ids
}

// SearchNames returns canonical names of series matching metric and tags.
func (r *Registry) SearchNames(metric string, tags map[string]string) []string {
	ids := r.Search(metric, tags)
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = r.names[id-1]
	}
	return names
}

// Restore pre-populates the registry from canonical names in id order.
// Used when reloading the series found in the volumes at open.
func (r *Registry) Restore(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		parsed, err := Parse(name)
		if err != nil {
			return err
		}
		canonical := parsed.Canonical()
		if _, ok := r.ids[canonical]; ok {
			continue
		}
		r.names = append(r.names, canonical)
		r.series = append(r.series, parsed)
		r.ids[canonical] = uint64(len(r.names))
	}
	return nil
}

// AllNames returns all canonical series names in id order.
func (r *Registry) AllNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
