package vos

import (
	"time"

	"github.com/cuemby/vos/pkg/types"
)

// PoolOptions configures PoolCreate/PoolOpen. Configuration is a
// programmatic struct rather than a flag/env parser; an embedding
// application builds one however it configures itself.
type PoolOptions struct {
	// DataDir is the directory holding the pool's arena and WAL files.
	DataDir string
	// Mode is the subset of {read_only, read_write, exclusive,
	// create_if_absent} this open call requests.
	Mode types.OpenMode
	// DTXResolveWait bounds how long a reader blocks on a pending DTX
	// before forcing resolution.
	DTXResolveWait time.Duration
	// DTXTimeout is the age at which a pending DTX is force-resolved.
	DTXTimeout time.Duration
}

// DefaultPoolOptions returns sane defaults for an embedding caller that
// only needs to name a data directory.
func DefaultPoolOptions(dataDir string) PoolOptions {
	return PoolOptions{
		DataDir:        dataDir,
		Mode:           types.ModeReadWrite | types.ModeCreateIfAbsent,
		DTXResolveWait: 2 * time.Second,
		DTXTimeout:     30 * time.Second,
	}
}

// ContainerOptions configures container_create.
type ContainerOptions struct {
	// Policy is an opaque descriptor stored verbatim in the container
	// header. vos does not interpret it; an embedder's own
	// redundancy/placement layer would.
	Policy []byte
}
