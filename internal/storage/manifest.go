package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/storage/volume"
	"github.com/akumuli/akumulid/internal/storage/wal"
)

// Manifest is the db.akumuli file describing one database.
type Manifest struct {
	Version    int    `json:"version"`
	NVolumes   int    `json:"nvolumes"`
	VolumeSize uint64 `json:"volume_size"`
	Created    string `json:"created"`
}

const manifestVersion = 1

// ReadManifest loads the manifest of the database at path. A missing
// manifest means the database doesn't exist.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(ManifestPath(path))
	if err != nil {
		return Manifest{}, errors.Wrapf(errors.ErrDatabaseNotFound, "at %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.Wrapf(errors.ErrBadConfig, "corrupt manifest at %s: %v", path, err)
	}
	return m, nil
}

// CreateDatabase creates the database files at path. It refuses to
// overwrite an existing database. With allocate set, disk space for the
// configured volumes is reserved up front.
func CreateDatabase(path string, nvolumes int, volumeSize uint64, allocate bool) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return errors.Wrap(err, "create database directory")
	}
	manifestPath := ManifestPath(path)
	if _, err := os.Stat(manifestPath); err == nil {
		return errors.ErrDatabaseAlreadyExists
	}

	m := Manifest{
		Version:    manifestVersion,
		NVolumes:   nvolumes,
		VolumeSize: volumeSize,
		Created:    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return errors.Wrap(err, "write manifest")
	}

	if allocate && nvolumes > 0 {
		for i := 0; i < nvolumes; i++ {
			if err := reserveVolume(path, i, volumeSize); err != nil {
				return err
			}
		}
	}
	return nil
}

// reserveVolume claims disk space for one future volume.
func reserveVolume(path string, seq int, size uint64) error {
	name := filepath.Join(path, fmt.Sprintf("reserved-%04d.dat", seq))
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "reserve volume")
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return errors.Wrap(err, "reserve volume")
	}
	return nil
}

// DeleteDatabase removes the manifest, volumes, reserved space, and WAL
// files of the database at path.
func DeleteDatabase(path, walPath string) error {
	if _, err := os.Stat(ManifestPath(path)); err != nil {
		return errors.Wrapf(errors.ErrDatabaseNotFound, "at %s", path)
	}

	patterns := []string{
		ManifestPath(path),
		filepath.Join(path, "volume-*.parquet"),
		filepath.Join(path, "reserved-*.dat"),
	}
	if walPath != "" {
		patterns = append(patterns, filepath.Join(walPath, "*.wal"))
	}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				return errors.Wrapf(err, "remove %s", m)
			}
		}
	}
	return nil
}

// debugVolume describes one volume in a debug report.
type debugVolume struct {
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

// DebugReport returns a JSON report of the database state: manifest,
// volumes with their row counts, and the number of distinct series.
func DebugReport(path string) (string, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return "", err
	}

	vols, err := volume.Open(path, m.NVolumes, m.VolumeSize)
	if err != nil {
		return "", err
	}
	paths, err := vols.Paths()
	if err != nil {
		return "", err
	}

	report := map[string]interface{}{
		"manifest": m,
		"path":     path,
	}
	var volReports []debugVolume
	seriesSet := make(map[string]bool)
	for _, p := range paths {
		rows, err := volume.ReadAll(p)
		if err != nil {
			return "", err
		}
		volReports = append(volReports, debugVolume{Path: p, Rows: len(rows)})
		for i := range rows {
			seriesSet[rows[i].Series] = true
		}
	}
	report["volumes"] = volReports
	report["series_count"] = len(seriesSet)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RecoveryDebugReport returns the debug report extended with the state
// of the WAL after crash recovery replay.
func RecoveryDebugReport(path, walPath string) (string, error) {
	base, err := DebugReport(path)
	if err != nil {
		return "", err
	}

	var report map[string]interface{}
	if err := json.Unmarshal([]byte(base), &report); err != nil {
		return "", err
	}

	recovery := map[string]interface{}{"wal_path": walPath}
	if walPath != "" {
		entries, err := wal.Replay(walPath)
		if err != nil {
			return "", err
		}
		recovery["recovered_entries"] = len(entries)
		volumes, err := wal.ListVolumes(walPath)
		if err != nil {
			return "", err
		}
		recovery["wal_volumes"] = volumes
	}
	report["recovery"] = recovery

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
