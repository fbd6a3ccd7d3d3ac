// Package config provides configuration defaults and tunables
// for the akumulid daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via the ~/.akumulid configuration file.
package config

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultHTTPPort is the port of the HTTP query API.
	// Override via config: HTTP.port
	DefaultHTTPPort = 8181

	// DefaultTCPPort is the port of the TCP (RESP) ingestion server.
	// Override via config: TCP.port
	DefaultTCPPort = 8282

	// DefaultUDPPort is the port of the UDP (RESP) ingestion server.
	// Override via config: UDP.port
	DefaultUDPPort = 8383

	// DefaultOpenTSDBPort is the port of the OpenTSDB telnet listener.
	// Override via config: OpenTSDB.port
	DefaultOpenTSDBPort = 4242
)

// =============================================================================
// UDP Ingestor Defaults
// =============================================================================

const (
	// UDPBatchSize is the maximum number of datagrams received in one
	// batch-receive call.
	UDPBatchSize = 256

	// UDPDatagramSize is the per-datagram receive buffer size. Datagrams
	// larger than this are truncated by the kernel.
	UDPDatagramSize = 2048

	// DefaultUDPWorkers is the UDP worker pool size when pool_size is
	// not set in the configuration.
	DefaultUDPWorkers = 1
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultNVolumes is the number of data volumes created by --create.
	// Override via config: nvolumes
	DefaultNVolumes = 4

	// DefaultVolumeSize is the size of a single data volume in bytes.
	// Override via config: volume_size
	DefaultVolumeSize = 4 * 1024 * 1024 * 1024 // 4GB

	// TestVolumeSize is the volume size used with the --CI flag.
	TestVolumeSize = 2 * 1024 * 1024 // 2MB

	// MinWALVolumeSize and MaxWALVolumeSize bound WAL.volume_size.
	// Out-of-range values disable the WAL with an error message.
	MinWALVolumeSize = 1024 * 1024        // 1MB
	MaxWALVolumeSize = 1024 * 1024 * 1024 // 1GB

	// MaxWALVolumes bounds WAL.nvolumes. Valid values are 0 (disabled)
	// or 2..MaxWALVolumes.
	MaxWALVolumes = 1000

	// ManifestFileName is the database manifest created by --create.
	// The daemon refuses to start if it is absent.
	ManifestFileName = "db.akumuli"
)

// =============================================================================
// Query Pipeline Defaults
// =============================================================================

const (
	// DefaultReadBufSize is the number of sample-sized records the
	// query results pooler buffers between the cursor and the HTTP
	// response writer.
	DefaultReadBufSize = 1024

	// QueryItemSize is the assumed formatted size of one sample record.
	// The pooler read buffer is sized in samples and does not use it.
	QueryItemSize = 64

	// CursorBatchSize is a nominal cursor batch size in samples. The
	// pooler does not use it: each cursor read fills the whole pooler
	// read buffer.
	CursorBatchSize = 128
)
