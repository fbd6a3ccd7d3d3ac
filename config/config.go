package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/akumuli/akumulid/internal/errors"
)

// ProtocolSettings binds a protocol name to a listen endpoint.
type ProtocolSettings struct {
	Name     string // "HTTP", "UDP", "RESP", "OpenTSDB"
	Endpoint string // "host:port"
}

// ServerSettings describes one server instance: a human name, an ordered
// list of protocol endpoints, and a worker pool size where -1 means
// "auto-detect from hardware concurrency".
type ServerSettings struct {
	Name      string
	Protocols []ProtocolSettings
	NWorkers  int
}

// WALSettings configures the engine write-ahead log. A zero value means
// the WAL is disabled.
type WALSettings struct {
	Path       string
	NVolumes   int
	VolumeSize uint64
}

// Enabled reports whether the WAL is configured.
func (w WALSettings) Enabled() bool {
	return w.Path != "" && w.NVolumes != 0 && w.VolumeSize != 0
}

// Validate checks the WAL bounds. Violations return messages naming the
// offending key; the caller disables the WAL instead of aborting.
func (w WALSettings) Validate() []string {
	var msgs []string
	if w.NVolumes < 0 || w.NVolumes == 1 || w.NVolumes > MaxWALVolumes {
		msgs = append(msgs, fmt.Sprintf(
			"invalid configuration value WAL.nvolumes = %d, value should not exceed %d or be equal to 1",
			w.NVolumes, MaxWALVolumes))
	}
	if w.VolumeSize < MinWALVolumeSize || w.VolumeSize > MaxWALVolumeSize {
		msgs = append(msgs, fmt.Sprintf(
			"invalid configuration value WAL.volume_size = %d, size should be in 1MB-1GB range",
			w.VolumeSize))
	}
	if w.Path != "" {
		if _, err := os.Stat(w.Path); err != nil {
			msgs = append(msgs, fmt.Sprintf(
				"invalid configuration value WAL.path = %s, directory doesn't exist", w.Path))
		}
	}
	return msgs
}

// Daemon is the parsed daemon configuration.
type Daemon struct {
	// Path is the database directory holding the manifest and volumes.
	Path string

	// NVolumes is the number of data volumes. 0 means expandable storage.
	NVolumes int

	// VolumeSize is the size of one data volume in bytes.
	VolumeSize uint64

	// Servers lists the ingestion and query servers to start, in a
	// stable order.
	Servers []ServerSettings

	// WAL holds the write-ahead log settings (zero value = disabled).
	WAL WALSettings
}

// DefaultPath returns the default configuration file location,
// ~/.akumulid, or the override if one was given on the command line.
func DefaultPath(override string) (string, error) {
	if override != "" {
		return ExpandPath(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locate home directory")
	}
	return filepath.Join(home, ".akumulid"), nil
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "locate home directory")
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// ParseSize parses a size value: plain integer bytes, or an integer with
// a case-insensitive MB/GB suffix.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Wrapf(errors.ErrBadSize, "empty size")
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	if len(s) < 3 {
		return 0, errors.Wrapf(errors.ErrBadSize, "can't decode size: %q", s)
	}
	last := s[len(s)-1]
	if last != 'B' && last != 'b' {
		return 0, errors.Wrapf(errors.ErrBadSize, "can't decode size: %q", s)
	}
	var mul uint64
	switch s[len(s)-2] {
	case 'G', 'g':
		mul = 1024 * 1024 * 1024
	case 'M', 'm':
		mul = 1024 * 1024
	default:
		return 0, errors.Wrapf(errors.ErrBadSize, "can't decode size: %q", s)
	}
	v, err := strconv.ParseUint(s[:len(s)-2], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrBadSize, "can't decode size: %q", s)
	}
	return v * mul, nil
}

// endpoint builds a "host:port" string from an optional bind address.
func endpoint(bindAddr string, port int) string {
	return fmt.Sprintf("%s:%d", bindAddr, port)
}

// Load reads and validates the INI configuration file at path.
func Load(path string) (*Daemon, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(errors.ErrBadConfig, "can't read config file %q", path)
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrBadConfig, "parse %q: %v", path, err)
	}

	root := f.Section(ini.DefaultSection)
	dbPath, err := ExpandPath(root.Key("path").String())
	if err != nil {
		return nil, err
	}
	if dbPath == "" {
		return nil, errors.Wrap(errors.ErrBadConfig, "missing key `path`")
	}

	cfg := &Daemon{
		Path:       dbPath,
		NVolumes:   root.Key("nvolumes").MustInt(DefaultNVolumes),
		VolumeSize: DefaultVolumeSize,
	}
	if v := root.Key("volume_size").String(); v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return nil, err
		}
		cfg.VolumeSize = size
	}

	if sec, err := f.GetSection("HTTP"); err == nil {
		cfg.Servers = append(cfg.Servers, ServerSettings{
			Name: "HTTP",
			Protocols: []ProtocolSettings{
				{Name: "HTTP", Endpoint: endpoint(sec.Key("bind_addr").String(), sec.Key("port").MustInt(DefaultHTTPPort))},
			},
			NWorkers: -1,
		})
	}

	if sec, err := f.GetSection("TCP"); err == nil {
		settings := ServerSettings{
			Name: "TCP",
			Protocols: []ProtocolSettings{
				{Name: "RESP", Endpoint: endpoint(sec.Key("bind_addr").String(), sec.Key("port").MustInt(DefaultTCPPort))},
			},
			NWorkers: sec.Key("pool_size").MustInt(0),
		}
		// The OpenTSDB listener is attached to the TCP server as a
		// second protocol endpoint.
		if osec, err := f.GetSection("OpenTSDB"); err == nil {
			settings.Protocols = append(settings.Protocols, ProtocolSettings{
				Name:     "OpenTSDB",
				Endpoint: endpoint(osec.Key("bind_addr").String(), osec.Key("port").MustInt(DefaultOpenTSDBPort)),
			})
		}
		cfg.Servers = append(cfg.Servers, settings)
	}

	if sec, err := f.GetSection("UDP"); err == nil {
		cfg.Servers = append(cfg.Servers, ServerSettings{
			Name: "UDP",
			Protocols: []ProtocolSettings{
				{Name: "UDP", Endpoint: endpoint(sec.Key("bind_addr").String(), sec.Key("port").MustInt(DefaultUDPPort))},
			},
			NWorkers: sec.Key("pool_size").MustInt(DefaultUDPWorkers),
		})
	}

	if sec, err := f.GetSection("WAL"); err == nil {
		walPath, err := ExpandPath(sec.Key("path").String())
		if err != nil {
			return nil, err
		}
		cfg.WAL.Path = walPath
		cfg.WAL.NVolumes = sec.Key("nvolumes").MustInt(0)
		if v := sec.Key("volume_size").String(); v != "" {
			size, err := ParseSize(v)
			if err != nil {
				return nil, err
			}
			cfg.WAL.VolumeSize = size
		}
	}

	return cfg, nil
}

// defaultConfigTemplate is written by --init. The %d placeholder is the
// volume count (4 for fixed storage, 0 for expandable).
const defaultConfigTemplate = `# akumulid configuration file (generated automatically).

# path to database files. Default value is ~/.akumuli.
path=~/.akumuli

# Number of volumes used to store data. Each volume is 4GB in size by
# default and allocated beforehand. To change the number of volumes
# change the 'nvolumes' value in the configuration and restart the daemon.
nvolumes=%d

# Size of the individual volume. You can use MB or GB suffix.
# Default value is 4GB (if value is not set).
volume_size=4GB


# HTTP API endpoint configuration

[HTTP]
# port number
port=8181


# TCP ingestion server config (delete to disable)

[TCP]
# port number
port=8282
# worker pool size (0 means that the size of the pool will be chosen automatically)
pool_size=0


# UDP ingestion server config (delete to disable)

[UDP]
# port number
port=8383
# worker pool size
pool_size=1

# OpenTSDB telnet-style data connection enabled (remove this section to disable).

[OpenTSDB]
# port number
port=4242
`

// walConfigSection is appended to the generated config unless the WAL is
// disabled with --disable-wal.
const walConfigSection = `

# Write-Ahead-Log section (delete to disable)

[WAL]
# WAL location
path=~/.akumuli

# Max volume size. A new volume is started when the next log record
# would make the file exceed the configured value.
volume_size=256MB

# Number of log volumes to keep on disk.
nvolumes=4
`

// WriteDefault creates the default configuration file at path. When
// expandable is set the generated nvolumes is 0; disableWAL omits the
// WAL section. It is an error if the file already exists.
func WriteDefault(path string, expandable, disableWAL bool) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Wrap(errors.ErrBadConfig, "configuration file already exists")
	}
	nvolumes := DefaultNVolumes
	if expandable {
		nvolumes = 0
	}
	content := fmt.Sprintf(defaultConfigTemplate, nvolumes)
	if !disableWAL {
		content += walConfigSection
	}
	return os.WriteFile(path, []byte(content), 0644)
}
