package corestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/harvestchain/statecore/internal/log"
	"github.com/harvestchain/statecore/pkg/types"
)

// ValidateOptions configures ValidateV2.
type ValidateOptions struct {
	// ValidateBlocks additionally decompresses every main-chain block
	// blob and cross-checks its structural fields against the row's
	// columns and block record.
	ValidateBlocks bool

	// GenesisChallenge is the expected prev_hash of the height-0 block.
	GenesisChallenge types.Hash
}

// ValidateV2 is the read-only integrity check over a v2 database: the
// version is 2, the peak row and peak block exist, the
// prev_hash chain from the peak reaches height 0 without gaps, every row
// on that walk has in_main_chain=1 and every row off it has
// in_main_chain=0, and the height-0 prev equals the genesis challenge.
// A wrong schema version is returned wrapped in
// ErrUnsupportedSchemaVersion; any other inconsistency is returned wrapped
// in ErrCorruption.
func ValidateV2(ctx context.Context, inPath string, opts ValidateOptions) error {
	if _, err := os.Stat(inPath); err != nil {
		return fmt.Errorf("corestore: validate: input does not exist: %s", inPath)
	}

	db, err := sql.Open("sqlite", "file:"+inPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("corestore: validate: open database: %w", err)
	}
	defer db.Close()

	var version int
	if err := db.QueryRowContext(ctx, "SELECT version FROM database_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("%w: missing or unreadable database_version", ErrCorruption)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrUnsupportedSchemaVersion, version, schemaVersion)
	}

	var peakBytes []byte
	if err := db.QueryRowContext(ctx, "SELECT hash FROM current_peak WHERE key=0").Scan(&peakBytes); err != nil {
		return fmt.Errorf("%w: missing current_peak row", ErrCorruption)
	}
	peak, err := types.HashFromBytes(peakBytes)
	if err != nil {
		return fmt.Errorf("%w: malformed peak hash: %v", ErrCorruption, err)
	}

	var peakHeight uint32
	if err := db.QueryRowContext(ctx, "SELECT height FROM full_blocks WHERE header_hash=?", peak[:]).Scan(&peakHeight); err != nil {
		return fmt.Errorf("%w: peak block %s is missing", ErrCorruption, peak)
	}
	log.Migrate.Info().Str("peak", peak.String()).Uint32("height", peakHeight).Msg("validating database")

	var dec *zstd.Decoder
	if opts.ValidateBlocks {
		if dec, err = zstd.NewReader(nil); err != nil {
			return fmt.Errorf("corestore: validate: create zstd decoder: %w", err)
		}
		defer dec.Close()
	}

	columns := "header_hash, prev_hash, height, in_main_chain"
	if opts.ValidateBlocks {
		columns += ", block, block_record"
	}
	rows, err := db.QueryContext(ctx, "SELECT "+columns+" FROM full_blocks ORDER BY height DESC")
	if err != nil {
		return fmt.Errorf("corestore: validate: read full_blocks: %w", err)
	}
	defer rows.Close()

	// Single descending pass. At each height we expect to encounter
	// exactly one block whose hash the level above pointed at; everything
	// else at that height must be an orphan.
	currentHeight := peakHeight
	expect := peak
	var next *types.Hash
	orphans := 0

	for rows.Next() {
		var hashBytes, prevBytes []byte
		var height uint32
		var inMainChain int
		var blockBlob, recordBlob []byte
		dest := []any{&hashBytes, &prevBytes, &height, &inMainChain}
		if opts.ValidateBlocks {
			dest = append(dest, &blockBlob, &recordBlob)
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("corestore: validate: scan block row: %w", err)
		}
		hh, err := types.HashFromBytes(hashBytes)
		if err != nil {
			return fmt.Errorf("%w: malformed header hash: %v", ErrCorruption, err)
		}
		prev, err := types.HashFromBytes(prevBytes)
		if err != nil {
			return fmt.Errorf("%w: malformed prev hash: %v", ErrCorruption, err)
		}

		// Rows above the peak can appear if a node is writing while we
		// validate; they are outside the snapshot and ignored.
		if height > peakHeight {
			continue
		}

		if height != currentHeight {
			if next == nil {
				return fmt.Errorf("%w: missing block %s at height %d", ErrCorruption, expect, currentHeight)
			}
			expect = *next
			next = nil
			currentHeight = height
		}

		if hh == expect {
			if next != nil {
				return fmt.Errorf("%w: multiple blocks with hash %s at height %d", ErrCorruption, hh, height)
			}
			if inMainChain == 0 {
				return fmt.Errorf("%w: block %s (height %d) is on the main chain but in_main_chain is not set", ErrCorruption, hh, height)
			}
			if opts.ValidateBlocks {
				if err := validateBlockBlobs(dec, hh, prev, height, blockBlob, recordBlob); err != nil {
					return err
				}
			}
			p := prev
			next = &p
		} else {
			if inMainChain != 0 {
				return fmt.Errorf("%w: block %s (height %d) is orphaned but in_main_chain is set", ErrCorruption, hh, height)
			}
			orphans++
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("corestore: validate: iterate blocks: %w", err)
	}

	if currentHeight != 0 {
		return fmt.Errorf("%w: database is missing blocks below height %d", ErrCorruption, currentHeight)
	}
	if next == nil {
		return fmt.Errorf("%w: missing block %s at height 0", ErrCorruption, expect)
	}
	if *next != opts.GenesisChallenge {
		return fmt.Errorf("%w: invalid genesis challenge %s, expected %s", ErrCorruption, *next, opts.GenesisChallenge)
	}

	if orphans > 0 {
		log.Migrate.Info().Int("orphans", orphans).Msg("orphaned blocks present")
	}
	return nil
}

func validateBlockBlobs(dec *zstd.Decoder, hh, prev types.Hash, height uint32, blockBlob, recordBlob []byte) error {
	raw, err := dec.DecodeAll(blockBlob, nil)
	if err != nil {
		return fmt.Errorf("%w: block %s fails to decompress: %v", ErrCorruption, hh, err)
	}
	block, err := UnmarshalFullBlock(raw)
	if err != nil {
		return fmt.Errorf("%w: block %s fails to decode: %v", ErrCorruption, hh, err)
	}
	if block.Height != height {
		return fmt.Errorf("%w: block %s has mismatching height %d, expected %d", ErrCorruption, hh, block.Height, height)
	}
	if block.PrevHash != prev {
		return fmt.Errorf("%w: block %s has blob prev-hash %s, expected %s", ErrCorruption, hh, block.PrevHash, prev)
	}
	record, err := UnmarshalBlockRecord(recordBlob)
	if err != nil {
		return fmt.Errorf("%w: block %s has undecodable block record: %v", ErrCorruption, hh, err)
	}
	if record.Height != height {
		return fmt.Errorf("%w: block %s has record height %d, expected %d", ErrCorruption, hh, record.Height, height)
	}
	if record.PrevHash != prev {
		return fmt.Errorf("%w: block %s has record prev-hash %s, expected %s", ErrCorruption, hh, record.PrevHash, prev)
	}
	return nil
}
