/*
Package types defines the core data structures shared by every layer of
vos, the versioned object-store engine: the epoch token, the closed
object-type enumeration, dkey/akey values, extents, and the option/flag
bitsets accepted by the caller-facing API.

# Architecture

types sits below pkg/pmem, pkg/btree, pkg/index, pkg/epoch and pkg/vos and
is imported by all of them. It holds no behavior beyond comparison and
encoding helpers on its own values — every stateful operation lives in the
package that owns the corresponding component.

# Core Types

Identity:
  - Epoch: monotone 64-bit token ordering mutations within a pool
  - ObjectID: 128-bit identifier, high word carries the closed ObjectType
  - Key: a dkey or akey, either a lexical byte string or a uint64

Shape:
  - ValueKind: single-value vs. array, fixed on an akey's first write
  - Extent: a (start, len) record range inside an array akey

Call-site options:
  - OpenMode: read_only / read_write / exclusive / create_if_absent
  - UpdateFlag: the conditional-insert/update flags on obj_update
  - QueryFlag: which extremes obj_query reports
  - PunchScope: whole-object / dkey / akey / extent-range punch

# Design Patterns

Keys carry their own Kind so a single Key value round-trips through
hashing, comparison and on-disk encoding without the caller threading a
separate discriminator: pkg/btree's hashed-key classes call Key.Raw() for
hashing and Key.Compare() only when a full-key comparator is registered
for collision resolution.

ObjectID keeps the type field embedded in its high word rather than as a
separate struct field, which lets pkg/index validate the closed type
enumeration by masking a single uint64 instead of unpacking a wire
struct.
*/
package types
