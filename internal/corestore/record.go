package corestore

import (
	"encoding/binary"
	"fmt"

	"github.com/harvestchain/statecore/pkg/types"
)

// SubEpochSummary is an opaque consensus checkpoint blob, attached to
// certain block records. The store never introspects its contents.
type SubEpochSummary []byte

// FullBlock is the serialized block the store compresses and persists.
// It carries a handful of fields the store extracts cheaply (for the
// full_blocks structural columns and for generator resolution);
// everything else travels as an opaque payload produced by the
// upper-layer canonical serializer.
type FullBlock struct {
	Height                       uint32
	PrevHash                     types.Hash
	IsFullyCompactified          bool
	TransactionsGenerator        []byte // nil if this block carries no generator
	TransactionsGeneratorRefList []uint32
	Payload                      []byte // remaining upper-layer content, round-tripped verbatim
}

// IsTransactionBlock reports whether this block carries a transactions
// generator of its own. A block can still be a transaction block with no
// additions/removals (an empty generator), but the store only needs to
// know whether generator resolution is possible at all.
func (b FullBlock) IsTransactionBlock() bool {
	return b.TransactionsGenerator != nil
}

// MarshalBinary encodes a FullBlock into the byte form BlockStore
// compresses and stores. There is no separate validation layer in this
// repo to own a canonical serializer, so the store's record codec plays
// that role.
func (b FullBlock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64+len(b.TransactionsGenerator)+len(b.Payload)+4*len(b.TransactionsGeneratorRefList))

	var hdr [4 + types.HashSize + 1]byte
	binary.BigEndian.PutUint32(hdr[0:4], b.Height)
	copy(hdr[4:4+types.HashSize], b.PrevHash[:])
	if b.IsFullyCompactified {
		hdr[4+types.HashSize] = 1
	}
	buf = append(buf, hdr[:]...)

	buf = appendLenPrefixed(buf, b.TransactionsGenerator)

	refCount := make([]byte, 4)
	binary.BigEndian.PutUint32(refCount, uint32(len(b.TransactionsGeneratorRefList)))
	buf = append(buf, refCount...)
	for _, ref := range b.TransactionsGeneratorRefList {
		var refBytes [4]byte
		binary.BigEndian.PutUint32(refBytes[:], ref)
		buf = append(buf, refBytes[:]...)
	}

	buf = appendLenPrefixed(buf, b.Payload)
	return buf, nil
}

// UnmarshalFullBlock decodes bytes produced by FullBlock.MarshalBinary.
func UnmarshalFullBlock(data []byte) (FullBlock, error) {
	var b FullBlock
	const hdrLen = 4 + types.HashSize + 1
	if len(data) < hdrLen {
		return b, fmt.Errorf("corestore: full block header truncated")
	}
	b.Height = binary.BigEndian.Uint32(data[0:4])
	copy(b.PrevHash[:], data[4:4+types.HashSize])
	b.IsFullyCompactified = data[4+types.HashSize] != 0
	rest := data[hdrLen:]

	gen, rest, err := readLenPrefixed(rest)
	if err != nil {
		return b, fmt.Errorf("corestore: decode generator: %w", err)
	}
	// A zero-length (but non-nil) slice still means "has a generator";
	// readLenPrefixed distinguishes it from "no generator" via the presence
	// byte.
	b.TransactionsGenerator = gen

	if len(rest) < 4 {
		return b, fmt.Errorf("corestore: full block ref list truncated")
	}
	refCount := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(len(rest)) < uint64(refCount)*4 {
		return b, fmt.Errorf("corestore: full block ref list short")
	}
	refs := make([]uint32, refCount)
	for i := range refs {
		refs[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	b.TransactionsGeneratorRefList = refs
	rest = rest[refCount*4:]

	payload, _, err := readLenPrefixed(rest)
	if err != nil {
		return b, fmt.Errorf("corestore: decode payload: %w", err)
	}
	b.Payload = payload
	return b, nil
}

// appendLenPrefixed appends a presence byte, a 4-byte big-endian length,
// and the bytes themselves. The presence byte lets us tell "nil" apart
// from "empty but present" on the way back.
func appendLenPrefixed(buf []byte, data []byte) []byte {
	if data == nil {
		return append(buf, 0, 0, 0, 0, 0)
	}
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(data)))
	buf = append(buf, 1)
	buf = append(buf, lenBytes[:]...)
	return append(buf, data...)
}

func readLenPrefixed(data []byte) (value []byte, rest []byte, err error) {
	if len(data) < 5 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	present := data[0]
	n := binary.BigEndian.Uint32(data[1:5])
	data = data[5:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, fmt.Errorf("truncated value: want %d have %d", n, len(data))
	}
	if present == 0 {
		return nil, data[n:], nil
	}
	return data[:n:n], data[n:], nil
}

// BlockRecord is the validated consensus summary attached to each block.
// Height, PrevHash and Weight are broken out because the Blockchain
// coordinator's fork-choice rule compares weights directly; the iteration
// counts and the optional sub-epoch summary are broken out as well. The
// remaining sub-slot bookkeeping is opaque to the store and carried in
// Extra for round-tripping.
type BlockRecord struct {
	Height                  uint32
	PrevHash                types.Hash
	Weight                  uint64
	TotalIters              uint64
	RequiredIters           uint64
	SubEpochSummaryIncluded *SubEpochSummary
	Extra                   []byte
}

// MarshalBinary encodes a BlockRecord for the block_record BLOB column.
func (r BlockRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 32+len(r.Extra))
	var fixed [4 + types.HashSize + 8 + 8 + 8]byte
	o := 0
	binary.BigEndian.PutUint32(fixed[o:o+4], r.Height)
	o += 4
	copy(fixed[o:o+types.HashSize], r.PrevHash[:])
	o += types.HashSize
	binary.BigEndian.PutUint64(fixed[o:o+8], r.Weight)
	o += 8
	binary.BigEndian.PutUint64(fixed[o:o+8], r.TotalIters)
	o += 8
	binary.BigEndian.PutUint64(fixed[o:o+8], r.RequiredIters)
	buf = append(buf, fixed[:]...)

	if r.SubEpochSummaryIncluded != nil {
		buf = appendLenPrefixed(buf, []byte(*r.SubEpochSummaryIncluded))
	} else {
		buf = appendLenPrefixed(buf, nil)
	}
	buf = appendLenPrefixed(buf, r.Extra)
	return buf, nil
}

// UnmarshalBlockRecord decodes bytes produced by BlockRecord.MarshalBinary.
func UnmarshalBlockRecord(data []byte) (BlockRecord, error) {
	var r BlockRecord
	const fixedLen = 4 + types.HashSize + 8 + 8 + 8
	if len(data) < fixedLen {
		return r, fmt.Errorf("corestore: block record header truncated")
	}
	o := 0
	r.Height = binary.BigEndian.Uint32(data[o : o+4])
	o += 4
	copy(r.PrevHash[:], data[o:o+types.HashSize])
	o += types.HashSize
	r.Weight = binary.BigEndian.Uint64(data[o : o+8])
	o += 8
	r.TotalIters = binary.BigEndian.Uint64(data[o : o+8])
	o += 8
	r.RequiredIters = binary.BigEndian.Uint64(data[o : o+8])
	o += 8

	rest := data[o:]
	ses, rest, err := readLenPrefixed(rest)
	if err != nil {
		return r, fmt.Errorf("corestore: decode sub epoch summary: %w", err)
	}
	if ses != nil {
		s := SubEpochSummary(ses)
		r.SubEpochSummaryIncluded = &s
	}
	extra, _, err := readLenPrefixed(rest)
	if err != nil {
		return r, fmt.Errorf("corestore: decode extra: %w", err)
	}
	r.Extra = extra
	return r, nil
}

// CoinAddition pairs a coin with the identity the upper layer computed
// for it. The store never derives coin ids itself (see types.Coin.ID).
type CoinAddition struct {
	CoinID types.Hash
	Coin   types.Coin
}

// CoinRecord is the on-disk record for a single coin.
// SpentBlockIndex == 0 means unspent.
type CoinRecord struct {
	CoinID              types.Hash
	Coin                types.Coin
	ConfirmedBlockIndex uint32
	SpentBlockIndex     uint32
	Coinbase            bool
	Timestamp           uint64
}

// Spent reports whether the coin has been spent.
func (c CoinRecord) Spent() bool { return c.SpentBlockIndex != 0 }

// HintPair is a (coin_id, hint) tuple emitted by a spend.
type HintPair struct {
	CoinID types.Hash
	Hint   []byte
}

// Peak identifies the current heaviest-known main-chain tip.
type Peak struct {
	Hash   types.Hash
	Height uint32
}
