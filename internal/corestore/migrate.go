package corestore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/harvestchain/statecore/internal/log"
	"github.com/harvestchain/statecore/pkg/types"
)

// Commit rates for the offline v1 -> v2 conversion. Each table is copied
// in its own transaction stream, committed every N rows so that no single
// transaction grows with the size of the table.
const (
	blockCommitRate = 10000
	sesCommitRate   = 2000
	hintCommitRate  = 2000
	coinCommitRate  = 30000
)

// ConvertV1ToV2 performs the offline v1 -> v2 schema migration. It
// refuses to overwrite an existing output file and
// refuses an input that already reads as version 2. The input database is
// never modified.
//
// The conversion walks the v1 block_records and full_blocks tables in
// lock step, newest first, following prev_hash pointers from the v1 peak.
// Rows that fall off that walk are orphans; they are skipped entirely
// (they would land as in_main_chain=0 and are not needed for
// correctness).
func ConvertV1ToV2(ctx context.Context, inPath, outPath string) error {
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("corestore: migrate: output file already exists: %s", outPath)
	}

	in, err := sql.Open("sqlite", "file:"+inPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("corestore: migrate: open input: %w", err)
	}
	defer in.Close()

	var version int
	err = in.QueryRowContext(ctx, "SELECT version FROM database_version LIMIT 1").Scan(&version)
	if err == nil && version != 1 {
		return fmt.Errorf("%w: input database is version %d, not 1", ErrUnsupportedSchemaVersion, version)
	}
	// A missing database_version table is tolerated: early v1 databases
	// never wrote one.

	out, err := sql.Open("sqlite", "file:"+outPath)
	if err != nil {
		return fmt.Errorf("corestore: migrate: open output: %w", err)
	}
	defer out.Close()
	out.SetMaxOpenConns(1)

	// The output is written once, offline; durability mid-conversion buys
	// nothing, so journaling and sync are turned off for the bulk copy.
	for _, pragma := range []string{
		"PRAGMA journal_mode=OFF",
		"PRAGMA synchronous=OFF",
		"PRAGMA cache_size=131072",
	} {
		if _, err := out.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("corestore: migrate: %s: %w", pragma, err)
		}
	}

	if _, err := out.ExecContext(ctx, schemaV2Tables); err != nil {
		return fmt.Errorf("corestore: migrate: create v2 schema: %w", err)
	}
	if _, err := out.ExecContext(ctx, "INSERT INTO database_version(version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("corestore: migrate: stamp version: %w", err)
	}

	peakHash, peakHeight, err := v1Peak(ctx, in)
	if err != nil {
		return err
	}
	log.Migrate.Info().Str("peak", peakHash.String()).Uint32("height", peakHeight).Msg("migrating v1 database")

	if _, err := out.ExecContext(ctx, "INSERT INTO current_peak(key, hash) VALUES (0, ?)", peakHash[:]); err != nil {
		return fmt.Errorf("corestore: migrate: insert peak: %w", err)
	}

	if err := convertBlocks(ctx, in, out, peakHash, peakHeight); err != nil {
		return err
	}
	if err := convertSegments(ctx, in, out); err != nil {
		return err
	}
	if err := convertHints(ctx, in, out); err != nil {
		return err
	}
	if err := convertCoins(ctx, in, out, peakHeight); err != nil {
		return err
	}

	// Indices are built last, against fully-populated tables.
	if _, err := out.ExecContext(ctx, schemaV2Indexes); err != nil {
		return fmt.Errorf("corestore: migrate: build indices: %w", err)
	}

	log.Migrate.Info().Str("out", outPath).Msg("migration complete")
	return nil
}

func v1Peak(ctx context.Context, in *sql.DB) (types.Hash, uint32, error) {
	var hexHash string
	var height uint32
	err := in.QueryRowContext(ctx, "SELECT header_hash, height FROM block_records WHERE is_peak=1").Scan(&hexHash, &height)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("corestore: migrate: read v1 peak: %w", err)
	}
	h, err := types.HexToHash(hexHash)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("corestore: migrate: decode v1 peak hash: %w", err)
	}
	return h, height, nil
}

// convertBlocks walks block_records and full_blocks newest-first in lock
// step, following the prev_hash chain down from the peak. Both cursors
// are ordered by height DESC so the matching full-block row for each
// main-chain record is always ahead of (or at) the secondary cursor.
func convertBlocks(ctx context.Context, in, out *sql.DB, peakHash types.Hash, peakHeight uint32) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("corestore: migrate: create zstd encoder: %w", err)
	}
	defer enc.Close()

	records, err := in.QueryContext(ctx,
		"SELECT header_hash, prev_hash, block, sub_epoch_summary FROM block_records ORDER BY height DESC")
	if err != nil {
		return fmt.Errorf("corestore: migrate: read block_records: %w", err)
	}
	defer records.Close()

	blocks, err := in.QueryContext(ctx,
		"SELECT header_hash, height, is_fully_compactified, block FROM full_blocks ORDER BY height DESC")
	if err != nil {
		return fmt.Errorf("corestore: migrate: read full_blocks: %w", err)
	}
	defer blocks.Close()

	tx, err := out.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corestore: migrate: begin blocks transaction: %w", err)
	}
	// tx is reassigned at every interim commit; the deferred rollback must
	// target whichever transaction is current when we unwind.
	defer func() { tx.Rollback() }()

	expect := peakHash
	height := int64(peakHeight) + 1
	commitIn := blockCommitRate
	converted := 0

	for records.Next() {
		var hexHash, hexPrev string
		var recordBlob, ses []byte
		if err := records.Scan(&hexHash, &hexPrev, &recordBlob, &ses); err != nil {
			return fmt.Errorf("corestore: migrate: scan block record: %w", err)
		}
		hh, err := types.HexToHash(hexHash)
		if err != nil {
			return fmt.Errorf("corestore: migrate: decode header hash: %w", err)
		}
		if hh != expect {
			// Orphaned record; not part of the main-chain walk.
			continue
		}

		blockHeight, compactified, blockBytes, err := advanceTo(blocks, hh)
		if err != nil {
			return err
		}
		if int64(blockHeight) != height-1 {
			return fmt.Errorf("%w: block %s at height %d, expected %d", ErrCorruption, hh, blockHeight, height-1)
		}
		height = int64(blockHeight)

		prev, err := types.HexToHash(hexPrev)
		if err != nil {
			return fmt.Errorf("corestore: migrate: decode prev hash: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO full_blocks(header_hash, prev_hash, height, sub_epoch_summary, is_fully_compactified, in_main_chain, block, block_record)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		`, hh[:], prev[:], blockHeight, ses, compactified, enc.EncodeAll(blockBytes, nil), recordBlob)
		if err != nil {
			return fmt.Errorf("corestore: migrate: insert block %s: %w", hh, err)
		}
		expect = prev
		converted++

		commitIn--
		if commitIn == 0 {
			commitIn = blockCommitRate
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("corestore: migrate: commit blocks: %w", err)
			}
			if tx, err = out.BeginTx(ctx, nil); err != nil {
				return fmt.Errorf("corestore: migrate: begin blocks transaction: %w", err)
			}
			log.Migrate.Debug().Int64("height", height).Msg("block conversion progress")
		}
	}
	if err := records.Err(); err != nil {
		return fmt.Errorf("corestore: migrate: iterate block records: %w", err)
	}
	if height != 0 {
		return fmt.Errorf("%w: main-chain walk stopped at height %d, block %s missing", ErrCorruption, height, expect)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("corestore: migrate: commit blocks: %w", err)
	}
	log.Migrate.Info().Int("blocks", converted).Msg("converted full_blocks")
	return nil
}

// advanceTo moves the full_blocks cursor forward until it lands on want.
// The cursor never rewinds: both iterations descend by height, so any row
// skipped here belonged to an orphan at a greater-or-equal height.
func advanceTo(blocks *sql.Rows, want types.Hash) (uint32, int, []byte, error) {
	for blocks.Next() {
		var hexHash string
		var height uint32
		var compactified int
		var blob []byte
		if err := blocks.Scan(&hexHash, &height, &compactified, &blob); err != nil {
			return 0, 0, nil, fmt.Errorf("corestore: migrate: scan full block: %w", err)
		}
		hh, err := types.HexToHash(hexHash)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("corestore: migrate: decode full block hash: %w", err)
		}
		if hh == want {
			return height, compactified, blob, nil
		}
	}
	if err := blocks.Err(); err != nil {
		return 0, 0, nil, fmt.Errorf("corestore: migrate: iterate full blocks: %w", err)
	}
	return 0, 0, nil, fmt.Errorf("%w: full block %s not found", ErrCorruption, want)
}

func convertSegments(ctx context.Context, in, out *sql.DB) error {
	rows, err := in.QueryContext(ctx, "SELECT ses_block_hash, challenge_segments FROM sub_epoch_segments_v3")
	if err != nil {
		// Early v1 databases may predate the segments table.
		log.Migrate.Info().Msg("no sub_epoch_segments_v3 table, skipping")
		return nil
	}
	defer rows.Close()

	tx, err := out.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corestore: migrate: begin segments transaction: %w", err)
	}
	defer func() { tx.Rollback() }()

	commitIn := sesCommitRate
	count := 0
	for rows.Next() {
		var hexHash string
		var segments []byte
		if err := rows.Scan(&hexHash, &segments); err != nil {
			return fmt.Errorf("corestore: migrate: scan segment: %w", err)
		}
		hh, err := types.HexToHash(hexHash)
		if err != nil {
			return fmt.Errorf("corestore: migrate: decode ses hash: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sub_epoch_segments_v3(ses_block_hash, challenge_segments) VALUES (?, ?)",
			hh[:], segments); err != nil {
			return fmt.Errorf("corestore: migrate: insert segment: %w", err)
		}
		count++
		commitIn--
		if commitIn == 0 {
			commitIn = sesCommitRate
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("corestore: migrate: commit segments: %w", err)
			}
			if tx, err = out.BeginTx(ctx, nil); err != nil {
				return fmt.Errorf("corestore: migrate: begin segments transaction: %w", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("corestore: migrate: iterate segments: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("corestore: migrate: commit segments: %w", err)
	}
	log.Migrate.Info().Int("segments", count).Msg("converted sub_epoch_segments_v3")
	return nil
}

// convertHints copies the hints table, collapsing v1's permitted
// duplicate (coin_id, hint) pairs through the v2 UNIQUE constraint. A
// missing hints table is tolerated.
func convertHints(ctx context.Context, in, out *sql.DB) error {
	rows, err := in.QueryContext(ctx, "SELECT coin_id, hint FROM hints")
	if err != nil {
		log.Migrate.Info().Msg("no hints table, skipping")
		return nil
	}
	defer rows.Close()

	tx, err := out.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corestore: migrate: begin hints transaction: %w", err)
	}
	defer func() { tx.Rollback() }()

	commitIn := hintCommitRate
	count := 0
	for rows.Next() {
		var coinID, hint []byte
		if err := rows.Scan(&coinID, &hint); err != nil {
			return fmt.Errorf("corestore: migrate: scan hint: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO hints(coin_id, hint) VALUES (?, ?)", coinID, hint); err != nil {
			return fmt.Errorf("corestore: migrate: insert hint: %w", err)
		}
		count++
		commitIn--
		if commitIn == 0 {
			commitIn = hintCommitRate
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("corestore: migrate: commit hints: %w", err)
			}
			if tx, err = out.BeginTx(ctx, nil); err != nil {
				return fmt.Errorf("corestore: migrate: begin hints transaction: %w", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("corestore: migrate: iterate hints: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("corestore: migrate: commit hints: %w", err)
	}
	log.Migrate.Info().Int("hints", count).Msg("converted hints")
	return nil
}

// convertCoins copies coin_record, decoding hex text keys to blobs,
// re-encoding amount as an 8-byte big-endian blob, dropping the redundant
// spent column, and clamping spent_index above the peak to 0 so the
// output is a consistent snapshot: a coin spent after the cutoff is
// converted as unspent.
func convertCoins(ctx context.Context, in, out *sql.DB, peakHeight uint32) error {
	rows, err := in.QueryContext(ctx, `
		SELECT coin_name, confirmed_index, spent_index, coinbase, puzzle_hash, coin_parent, amount, timestamp
		FROM coin_record WHERE confirmed_index <= ?
	`, peakHeight)
	if err != nil {
		return fmt.Errorf("corestore: migrate: read coin_record: %w", err)
	}
	defer rows.Close()

	tx, err := out.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corestore: migrate: begin coins transaction: %w", err)
	}
	defer func() { tx.Rollback() }()

	commitIn := coinCommitRate
	count := 0
	for rows.Next() {
		var hexName, hexPH, hexParent string
		var confirmed, spentIndex uint32
		var coinbase int
		var amount uint64
		var timestamp uint64
		if err := rows.Scan(&hexName, &confirmed, &spentIndex, &coinbase, &hexPH, &hexParent, &amount, &timestamp); err != nil {
			return fmt.Errorf("corestore: migrate: scan coin: %w", err)
		}
		name, err := hex.DecodeString(hexName)
		if err != nil {
			return fmt.Errorf("corestore: migrate: decode coin name: %w", err)
		}
		ph, err := hex.DecodeString(hexPH)
		if err != nil {
			return fmt.Errorf("corestore: migrate: decode puzzle hash: %w", err)
		}
		parent, err := hex.DecodeString(hexParent)
		if err != nil {
			return fmt.Errorf("corestore: migrate: decode coin parent: %w", err)
		}
		if spentIndex > peakHeight {
			spentIndex = 0
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO coin_record(coin_name, confirmed_index, spent_index, coinbase, puzzle_hash, coin_parent, amount, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, name, confirmed, spentIndex, coinbase, ph, parent, encodeAmount(amount), timestamp); err != nil {
			return fmt.Errorf("corestore: migrate: insert coin: %w", err)
		}
		count++
		commitIn--
		if commitIn == 0 {
			commitIn = coinCommitRate
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("corestore: migrate: commit coins: %w", err)
			}
			if tx, err = out.BeginTx(ctx, nil); err != nil {
				return fmt.Errorf("corestore: migrate: begin coins transaction: %w", err)
			}
			log.Migrate.Debug().Int("coins", count).Msg("coin conversion progress")
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("corestore: migrate: iterate coins: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("corestore: migrate: commit coins: %w", err)
	}
	log.Migrate.Info().Int("coins", count).Msg("converted coin_record")
	return nil
}
