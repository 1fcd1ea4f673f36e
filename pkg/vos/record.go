package vos

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/vos/pkg/pmem"
	"github.com/cuemby/vos/pkg/types"
)

// treeOrder bounds the per-object dkey/akey B-trees and the per-akey
// epoch-history B-tree.
const treeOrder = 64

// encodeTreeKey prefixes a key's kind tag onto its raw bytes, so a tree
// whose entries may mix kinds across writes can still reconstruct the
// original types.Key on listing.
func encodeTreeKey(k types.Key) []byte {
	raw := k.Raw()
	out := make([]byte, 1+len(raw))
	out[0] = byte(k.Kind)
	copy(out[1:], raw)
	return out
}

func decodeTreeKey(raw []byte) types.Key {
	kind := types.KeyKind(raw[0])
	body := raw[1:]
	if kind == types.KeyUint64 {
		var v uint64
		for _, b := range body {
			v = v<<8 | uint64(b)
		}
		return types.Uint64Key(v)
	}
	return types.BytesKey(body)
}

// DkeyHeader is the value an object's dkey tree stores for each
// distribution key: the root of its attribute-key tree and its own punch
// history.
type DkeyHeader struct {
	AkeyTreeRoot  pmem.BlockID
	PunchHistRoot pmem.BlockID
}

func encodeDkeyHeader(h DkeyHeader) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.AkeyTreeRoot))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.PunchHistRoot))
	return buf
}

func decodeDkeyHeader(data []byte) (DkeyHeader, error) {
	if len(data) < 16 {
		return DkeyHeader{}, fmt.Errorf("vos: truncated dkey header")
	}
	return DkeyHeader{
		AkeyTreeRoot:  pmem.BlockID(binary.BigEndian.Uint64(data[0:8])),
		PunchHistRoot: pmem.BlockID(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}

// AkeyHeader is the value an object's akey tree stores for each attribute
// key: its value kind (chosen on first write, immutable thereafter), the
// array record size if applicable, and the root of whichever history
// structure backs it.
type AkeyHeader struct {
	Kind           types.ValueKind
	RecSize        uint64
	SingleHistRoot pmem.BlockID
	ArrayBlock     pmem.BlockID
}

func encodeAkeyHeader(h AkeyHeader) []byte {
	buf := make([]byte, 25)
	buf[0] = byte(h.Kind)
	binary.BigEndian.PutUint64(buf[1:9], h.RecSize)
	binary.BigEndian.PutUint64(buf[9:17], uint64(h.SingleHistRoot))
	binary.BigEndian.PutUint64(buf[17:25], uint64(h.ArrayBlock))
	return buf
}

func decodeAkeyHeader(data []byte) (AkeyHeader, error) {
	if len(data) < 25 {
		return AkeyHeader{}, fmt.Errorf("vos: truncated akey header")
	}
	return AkeyHeader{
		Kind:           types.ValueKind(data[0]),
		RecSize:        binary.BigEndian.Uint64(data[1:9]),
		SingleHistRoot: pmem.BlockID(binary.BigEndian.Uint64(data[9:17])),
		ArrayBlock:     pmem.BlockID(binary.BigEndian.Uint64(data[17:25])),
	}, nil
}

// SingleRecord is one epoch-stamped single-value record.
type SingleRecord struct {
	Payload  []byte
	Size     uint32
	Checksum uint64
	Punched  bool
}

func encodeSingleRecord(r SingleRecord) []byte {
	buf := make([]byte, 13+len(r.Payload))
	if r.Punched {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:5], r.Size)
	binary.BigEndian.PutUint64(buf[5:13], r.Checksum)
	copy(buf[13:], r.Payload)
	return buf
}

func decodeSingleRecord(data []byte) (SingleRecord, error) {
	if len(data) < 13 {
		return SingleRecord{}, fmt.Errorf("vos: truncated single record")
	}
	return SingleRecord{
		Punched:  data[0] != 0,
		Size:     binary.BigEndian.Uint32(data[1:5]),
		Checksum: binary.BigEndian.Uint64(data[5:13]),
		Payload:  append([]byte(nil), data[13:]...),
	}, nil
}

func checksum(payload []byte) uint64 { return xxhash.Sum64(payload) }

// epochKey encodes an epoch as a fixed-width big-endian key for the
// single-value history tree (NewUint64Class-style ordering).
func epochKey(e types.Epoch) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(e))
	return b[:]
}

func epochFromKey(b []byte) types.Epoch {
	return types.Epoch(binary.BigEndian.Uint64(b))
}

// ArrayFragment is one extent-scoped record or punch tombstone in an
// array akey's history. Fragments are kept in write order (not index
// order) inside
// a single arena block per akey; overlay resolution replays them newest-
// epoch-first per requested index.
type ArrayFragment struct {
	Extent  types.Extent
	Epoch   types.Epoch
	Payload []byte // len == Extent.Len * recSize, empty when Punched
	Punched bool
}

func encodeArrayFragments(frags []ArrayFragment) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(len(frags)))
	for _, f := range frags {
		var hdr [25]byte
		binary.BigEndian.PutUint64(hdr[0:8], f.Extent.Start)
		binary.BigEndian.PutUint64(hdr[8:16], f.Extent.Len)
		binary.BigEndian.PutUint64(hdr[16:24], uint64(f.Epoch))
		if f.Punched {
			hdr[24] = 1
		}
		buf = append(buf, hdr[:]...)
		var plen [8]byte
		binary.BigEndian.PutUint64(plen[:], uint64(len(f.Payload)))
		buf = append(buf, plen[:]...)
		buf = append(buf, f.Payload...)
	}
	return buf
}

func decodeArrayFragments(data []byte) ([]ArrayFragment, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("vos: truncated array fragment list")
	}
	count := binary.BigEndian.Uint64(data[0:8])
	off := 8
	frags := make([]ArrayFragment, 0, count)
	for i := uint64(0); i < count; i++ {
		if off+33 > len(data) {
			return nil, fmt.Errorf("vos: truncated array fragment header")
		}
		f := ArrayFragment{
			Extent: types.Extent{
				Start: binary.BigEndian.Uint64(data[off : off+8]),
				Len:   binary.BigEndian.Uint64(data[off+8 : off+16]),
			},
			Epoch:   types.Epoch(binary.BigEndian.Uint64(data[off+16 : off+24])),
			Punched: data[off+24] != 0,
		}
		off += 25
		plen := binary.BigEndian.Uint64(data[off : off+8])
		off += 8
		f.Payload = append([]byte(nil), data[off:off+int(plen)]...)
		off += int(plen)
		frags = append(frags, f)
	}
	return frags, nil
}

// punchMarker is the value stored for a punch-history entry: always an
// empty payload, the key (epoch) alone carries the information.
var punchMarker = []byte{}
