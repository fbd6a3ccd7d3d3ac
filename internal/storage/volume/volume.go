// Package volume implements the cold sample store of the engine.
//
// Samples evicted from the hot ring buffer are flushed into numbered
// parquet volume files inside the database directory. With a fixed
// volume count the store behaves like a circular buffer: creating a new
// volume beyond the configured count removes the oldest one. With
// nvolumes=0 the store is expandable and volumes accumulate.
package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/parquet-go/parquet-go"
)

// Row is the parquet representation of one stored sample.
type Row struct {
	Series    string    `parquet:"series,zstd"`
	Timestamp int64     `parquet:"timestamp"`
	Value     float64   `parquet:"value"`
	Tuple     []float64 `parquet:"tuple,list,optional"`
}

// Store manages the volume files of one database.
type Store struct {
	mu sync.Mutex

	dir        string
	nvolumes   int   // 0 = expandable
	volumeSize int64 // bytes, used to derive the per-volume row cap
	seq        int64

	stats StoreStats
}

// StoreStats holds volume store statistics.
type StoreStats struct {
	VolumesWritten int64
	VolumesRemoved int64
	RowsWritten    int64
}

// rowSizeEstimate is the assumed on-disk footprint of one row, used to
// translate the configured volume size into a row cap.
const rowSizeEstimate = 32

// Open opens the volume store in dir.
func Open(dir string, nvolumes int, volumeSize uint64) (*Store, error) {
	s := &Store{
		dir:        dir,
		nvolumes:   nvolumes,
		volumeSize: int64(volumeSize),
	}
	volumes, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(volumes) > 0 {
		s.seq = volumes[len(volumes)-1].seq + 1
	}
	return s, nil
}

// RowCap returns the maximum number of rows written to one volume.
func (s *Store) RowCap() int {
	n := int(s.volumeSize / rowSizeEstimate)
	if n < 1 {
		n = 1
	}
	return n
}

// Flush writes rows into one or more new volumes, honoring the
// per-volume row cap and the circular volume count.
func (s *Store) Flush(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rowCap := s.RowCap()
	for len(rows) > 0 {
		n := len(rows)
		if n > rowCap {
			n = rowCap
		}
		if err := s.writeVolumeLocked(rows[:n]); err != nil {
			return err
		}
		rows = rows[n:]
	}
	return s.trimLocked()
}

func (s *Store) writeVolumeLocked(rows []Row) error {
	name := fmt.Sprintf("volume-%04d.parquet", s.seq)
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create volume %s: %w", path, err)
	}

	w := parquet.NewGenericWriter[Row](f, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		w.Close()
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write volume %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("close volume %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close volume file %s: %w", path, err)
	}

	s.seq++
	s.stats.VolumesWritten++
	s.stats.RowsWritten += int64(len(rows))
	return nil
}

// trimLocked removes the oldest volumes when the count exceeds nvolumes.
func (s *Store) trimLocked() error {
	if s.nvolumes <= 0 {
		return nil
	}
	volumes, err := s.list()
	if err != nil {
		return err
	}
	excess := len(volumes) - s.nvolumes
	for i := 0; i < excess; i++ {
		if err := os.Remove(volumes[i].path); err != nil {
			return err
		}
		s.stats.VolumesRemoved++
	}
	return nil
}

// volumeInfo describes one volume file.
type volumeInfo struct {
	path string
	seq  int64
	size int64
}

func (s *Store) list() ([]volumeInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var volumes []volumeInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var seq int64
		if _, err := fmt.Sscanf(entry.Name(), "volume-%04d.parquet", &seq); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		volumes = append(volumes, volumeInfo{
			path: filepath.Join(s.dir, entry.Name()),
			seq:  seq,
			size: info.Size(),
		})
	}

	sort.Slice(volumes, func(i, j int) bool {
		return volumes[i].seq < volumes[j].seq
	})
	return volumes, nil
}

// Paths returns all volume file paths in sequence order.
func (s *Store) Paths() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	volumes, err := s.list()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(volumes))
	for i, v := range volumes {
		paths[i] = v.path
	}
	return paths, nil
}

// GlobPattern returns the glob matching every volume file, suitable for
// passing to a read_parquet query.
func (s *Store) GlobPattern() string {
	return filepath.Join(s.dir, "volume-*.parquet")
}

// Stats returns store statistics.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ReadAll reads every row of one volume file. Used by the debug report
// and by tests.
func ReadAll(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat volume: %w", err)
	}
	pf, err := parquet.OpenFile(f, info.Size(), parquet.ReadBufferSize(1024*1024))
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}

	r := parquet.NewGenericReader[Row](pf)
	defer r.Close()

	rows := make([]Row, r.NumRows())
	n, err := r.Read(rows)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("read volume: %w", err)
	}
	return rows[:n], nil
}

// SeriesNames returns the distinct series names found across all
// volumes. Used to restore the registry at open.
func (s *Store) SeriesNames() ([]string, error) {
	paths, err := s.Paths()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, p := range paths {
		rows, err := ReadAll(p)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			seen[rows[i].Series] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
