package types

import "fmt"

// Epoch is a 64-bit monotone token that orders mutations within a pool.
// Epochs are opaque to every component except the epoch manager that
// issues them: callers compare and order them but never interpret their
// bit pattern.
type Epoch uint64

// EpochMax is the highest epoch a fetch may request; it observes every
// record committed so far, including ones still pending aggregation.
const EpochMax Epoch = ^Epoch(0)

// ObjectType is the closed enumeration of object shapes a pool can store.
// Values are part of the stable on-disk format: any value outside 0..14
// is invalid and must be rejected with InvalType.
type ObjectType uint32

const (
	ObjMultiHashed ObjectType = iota // 0
	ObjOIT                           // 1
	ObjDkeyUint64                    // 2
	ObjAkeyUint64                    // 3
	ObjMultiUint64                   // 4
	ObjDkeyLexical                   // 5
	ObjAkeyLexical                   // 6
	ObjMultiLexical                  // 7
	ObjKVHashed                      // 8
	ObjKVUint64                      // 9
	ObjKVLexical                     // 10
	ObjArray                         // 11
	ObjArrayAttr                     // 12
	ObjArrayByte                     // 13
	ObjOITV2                         // 14

	objTypeCount = 15
)

// Valid reports whether t falls inside the closed set of object types.
func (t ObjectType) Valid() bool {
	return uint32(t) < objTypeCount
}

func (t ObjectType) String() string {
	names := [objTypeCount]string{
		"MULTI_HASHED", "OIT", "DKEY_UINT64", "AKEY_UINT64", "MULTI_UINT64",
		"DKEY_LEXICAL", "AKEY_LEXICAL", "MULTI_LEXICAL", "KV_HASHED",
		"KV_UINT64", "KV_LEXICAL", "ARRAY", "ARRAY_ATTR", "ARRAY_BYTE", "OIT_V2",
	}
	if !t.Valid() {
		return fmt.Sprintf("ObjectType(%d)", uint32(t))
	}
	return names[t]
}

// KeyKind distinguishes how a dkey or akey is compared and ordered.
type KeyKind uint8

const (
	// KeyLexical orders keys as raw byte strings, lexicographically.
	KeyLexical KeyKind = iota
	// KeyUint64 orders keys numerically as 64-bit unsigned integers.
	KeyUint64
)

// Key is a dkey or akey value: either a byte string or a uint64, tagged by
// Kind so the owning tree's class knows how to hash and compare it.
type Key struct {
	Kind  KeyKind
	Bytes []byte // valid when Kind == KeyLexical
	U64   uint64 // valid when Kind == KeyUint64
}

// BytesKey builds a lexically-ordered key.
func BytesKey(b []byte) Key { return Key{Kind: KeyLexical, Bytes: append([]byte(nil), b...)} }

// Uint64Key builds a numerically-ordered key.
func Uint64Key(v uint64) Key { return Key{Kind: KeyUint64, U64: v} }

// Raw returns the byte representation used for hashing: the string bytes
// verbatim, or the big-endian encoding of the integer.
func (k Key) Raw() []byte {
	if k.Kind == KeyUint64 {
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[7-i] = byte(k.U64 >> (8 * i))
		}
		return b
	}
	return k.Bytes
}

// Compare orders two keys of the same Kind. Mixing kinds is a caller bug
// and always orders the lexical side first.
func (k Key) Compare(o Key) int {
	if k.Kind != o.Kind {
		if k.Kind < o.Kind {
			return -1
		}
		return 1
	}
	if k.Kind == KeyUint64 {
		switch {
		case k.U64 < o.U64:
			return -1
		case k.U64 > o.U64:
			return 1
		default:
			return 0
		}
	}
	switch {
	case string(k.Bytes) < string(o.Bytes):
		return -1
	case string(k.Bytes) > string(o.Bytes):
		return 1
	default:
		return 0
	}
}

func (k Key) String() string {
	if k.Kind == KeyUint64 {
		return fmt.Sprintf("u64:%d", k.U64)
	}
	return fmt.Sprintf("b:%q", k.Bytes)
}

// ValueKind is the shape an attribute key stores, chosen on first write
// and immutable thereafter.
type ValueKind uint8

const (
	// ValueUnset marks an akey that has not been written yet.
	ValueUnset ValueKind = iota
	ValueSingle
	ValueArray
)

// Extent is a contiguous range of record offsets inside an array akey.
type Extent struct {
	Start uint64
	Len   uint64
}

// End returns the offset one past the last record covered by the extent.
func (e Extent) End() uint64 { return e.Start + e.Len }

// Overlaps reports whether e and o share at least one record index.
func (e Extent) Overlaps(o Extent) bool {
	return e.Start < o.End() && o.Start < e.End()
}

// ObjectID is the 128-bit identifier of an object: a high word encoding
// type and shard/redundancy hints, and a low word unique within the type.
type ObjectID struct {
	Hi uint64
	Lo uint64
}

// Type extracts the object type from the high 32 bits of Hi.
func (id ObjectID) Type() ObjectType { return ObjectType(id.Hi >> 32) }

// WithType returns a copy of id with its type field set to t.
func (id ObjectID) WithType(t ObjectType) ObjectID {
	id.Hi = (id.Hi &^ (uint64(0xFFFFFFFF) << 32)) | (uint64(t) << 32)
	return id
}

func (id ObjectID) String() string { return fmt.Sprintf("%016x.%016x", id.Hi, id.Lo) }

// Compare orders object ids by (Hi, Lo).
func (id ObjectID) Compare(o ObjectID) int {
	if id.Hi != o.Hi {
		if id.Hi < o.Hi {
			return -1
		}
		return 1
	}
	switch {
	case id.Lo < o.Lo:
		return -1
	case id.Lo > o.Lo:
		return 1
	default:
		return 0
	}
}

// OpenMode is the set of recognised open-mode options.
type OpenMode uint8

const (
	ModeReadOnly OpenMode = 1 << iota
	ModeReadWrite
	ModeExclusive
	ModeCreateIfAbsent
)

func (m OpenMode) Has(bit OpenMode) bool { return m&bit != 0 }

// UpdateFlag is a subset of the conditional flags accepted by an update
// call.
type UpdateFlag uint8

const (
	CondInsertDkey UpdateFlag = 1 << iota
	CondUpdateDkey
	CondInsertAkey
	CondUpdateAkey
	PerAkeyCond
)

func (f UpdateFlag) Has(bit UpdateFlag) bool { return f&bit != 0 }

// QueryFlag selects which extremes obj.Query reports.
type QueryFlag uint16

const (
	QueryDkeyMax QueryFlag = 1 << iota
	QueryDkeyMin
	QueryAkeyMax
	QueryAkeyMin
	QueryRecxMax
	QueryRecxMin
	QueryMaxEpoch
)

func (f QueryFlag) Has(bit QueryFlag) bool { return f&bit != 0 }

// PunchScope is the granularity a punch call targets.
type PunchScope uint8

const (
	PunchObject PunchScope = iota
	PunchDkey
	PunchAkey
	PunchExtent
)
