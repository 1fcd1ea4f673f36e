package pmem

import "errors"

// Sentinel errors the arena and WAL report; pkg/vos wraps these into its
// closed ErrCode set rather than inventing a parallel taxonomy
// at this layer.
var (
	// ErrNoSpace is the no-space sentinel pkg/vos maps to NO_SPACE. No
	// function in this package returns it: allocation and commit
	// failures are returned as bbolt reports them.
	ErrNoSpace = errors.New("pmem: no space")
	// ErrCorrupt marks a structural failure that must take the owning
	// pool read-only until operator recovery.
	ErrCorrupt = errors.New("pmem: corrupt")
	// ErrNotFound is returned by Read when a block id has never been
	// allocated or has already been freed.
	ErrNotFound = errors.New("pmem: block not found")
)
