package types

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// Coin is the triple that identifies a UTXO: the coin that funded it, the
// puzzle hash it pays to, and its amount. The store treats all three fields
// as opaque except for Amount, which it sorts and compares numerically.
type Coin struct {
	ParentCoinID Hash   `json:"parent_coin_id"`
	PuzzleHash   Hash   `json:"puzzle_hash"`
	Amount       uint64 `json:"amount"`
}

// ID computes the coin's identity hash: hash(parent || puzzle_hash || amount_be).
//
// Production callers never need this: the coin id a validated block carries
// is computed upstream by the layer that executes the block's generator, and
// the store only ever persists/looks up the id it is given. ID exists as a
// convenience for building deterministic test fixtures (see
// internal/corestore/fixtures_test.go), so the store's own read/write paths
// never call it.
func (c Coin) ID() Hash {
	var amountBE [8]byte
	binary.BigEndian.PutUint64(amountBE[:], c.Amount)

	h := blake3.New()
	h.Write(c.ParentCoinID[:])
	h.Write(c.PuzzleHash[:])
	h.Write(amountBE[:])

	var out Hash
	copy(out[:], h.Sum(nil)[:HashSize])
	return out
}

// String returns a short human-readable form, "parent/puzzle_hash@amount".
func (c Coin) String() string {
	return fmt.Sprintf("%s/%s@%d", c.ParentCoinID, c.PuzzleHash, c.Amount)
}
