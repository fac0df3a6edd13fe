package corestore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/harvestchain/statecore/pkg/types"
)

// BlockStore persists full blocks (compressed), their block-record
// summaries, and the peak pointer.
type BlockStore struct {
	store *TransactionalStore

	encMu   sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	cacheMu      sync.Mutex
	blockCache   *lru.Cache[types.Hash, FullBlock]
	segmentCache *lru.Cache[types.Hash, []byte]
}

// NewBlockStore constructs a BlockStore backed by store, with an LRU of
// blockCacheSize full blocks and a small LRU of
// segmentCacheSize challenge-segment blobs.
func NewBlockStore(store *TransactionalStore, blockCacheSize, segmentCacheSize int) (*BlockStore, error) {
	if blockCacheSize < 1 {
		blockCacheSize = 1
	}
	if segmentCacheSize < 1 {
		segmentCacheSize = 1
	}
	blockCache, err := lru.New[types.Hash, FullBlock](blockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("corestore: create block cache: %w", err)
	}
	segmentCache, err := lru.New[types.Hash, []byte](segmentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("corestore: create segment cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("corestore: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("corestore: create zstd decoder: %w", err)
	}
	return &BlockStore{
		store:        store,
		encoder:      enc,
		decoder:      dec,
		blockCache:   blockCache,
		segmentCache: segmentCache,
	}, nil
}

func (bs *BlockStore) compress(data []byte) []byte {
	bs.encMu.Lock()
	defer bs.encMu.Unlock()
	return bs.encoder.EncodeAll(data, nil)
}

// decompress decompresses a block blob. A failure here can only mean
// on-disk corruption, which is fatal.
func (bs *BlockStore) decompress(data []byte) ([]byte, error) {
	bs.encMu.Lock()
	defer bs.encMu.Unlock()
	out, err := bs.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %v", ErrCorruption, err)
	}
	return out, nil
}

// batchHashes splits hashes into chunks no larger than hostParamLimit.
func batchHashes(hashes []types.Hash) [][]types.Hash {
	if len(hashes) == 0 {
		return nil
	}
	var batches [][]types.Hash
	for len(hashes) > 0 {
		n := hostParamLimit
		if n > len(hashes) {
			n = len(hashes)
		}
		batches = append(batches, hashes[:n])
		hashes = hashes[n:]
	}
	return batches
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
	}
	return b.String()
}

// AddFullBlock upserts the block by hash; re-adding an existing hash is a
// no-op on the stored bytes. It does not set in_main_chain.
func (bs *BlockStore) AddFullBlock(ctx context.Context, w *WriterTx, hash types.Hash, block FullBlock, record BlockRecord) error {
	rawBlock, err := block.MarshalBinary()
	if err != nil {
		return fmt.Errorf("corestore: marshal full block: %w", err)
	}
	rawRecord, err := record.MarshalBinary()
	if err != nil {
		return fmt.Errorf("corestore: marshal block record: %w", err)
	}
	compressed := bs.compress(rawBlock)

	var ses []byte
	if record.SubEpochSummaryIncluded != nil {
		ses = []byte(*record.SubEpochSummaryIncluded)
	}

	_, err = w.tx.ExecContext(ctx, `
		INSERT INTO full_blocks(header_hash, prev_hash, height, sub_epoch_summary, is_fully_compactified, in_main_chain, block, block_record)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(header_hash) DO UPDATE SET
			prev_hash=excluded.prev_hash,
			height=excluded.height,
			sub_epoch_summary=excluded.sub_epoch_summary,
			is_fully_compactified=excluded.is_fully_compactified,
			block=excluded.block,
			block_record=excluded.block_record
	`, hash[:], block.PrevHash[:], block.Height, ses, boolToInt(block.IsFullyCompactified), compressed, rawRecord)
	if err != nil {
		return fmt.Errorf("corestore: add full block: %w", err)
	}

	bs.cacheMu.Lock()
	bs.blockCache.Add(hash, block)
	bs.cacheMu.Unlock()
	return nil
}

// RollbackCacheBlock invalidates a single cache entry. Called when a
// write transaction touching hash is aborted.
func (bs *BlockStore) RollbackCacheBlock(hash types.Hash) {
	bs.cacheMu.Lock()
	bs.blockCache.Remove(hash)
	bs.cacheMu.Unlock()
}

// SetInChain batch-sets in_main_chain=1 for the given hashes.
func (bs *BlockStore) SetInChain(ctx context.Context, w *WriterTx, hashes []types.Hash) error {
	for _, batch := range batchHashes(hashes) {
		args := make([]any, len(batch))
		for i, h := range batch {
			args[i] = h[:]
		}
		q := fmt.Sprintf("UPDATE full_blocks SET in_main_chain=1 WHERE header_hash IN (%s)", placeholders(len(batch)))
		if _, err := w.tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("corestore: set in chain: %w", err)
		}
	}
	return nil
}

// Rollback sets in_main_chain=0 for every row with height > height.
func (bs *BlockStore) Rollback(ctx context.Context, w *WriterTx, height uint32) error {
	if _, err := w.tx.ExecContext(ctx, "UPDATE full_blocks SET in_main_chain=0 WHERE height > ?", height); err != nil {
		return fmt.Errorf("corestore: rollback block store: %w", err)
	}
	return nil
}

// SetPeak overwrites the single current_peak row.
func (bs *BlockStore) SetPeak(ctx context.Context, w *WriterTx, hash types.Hash) error {
	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO current_peak(key, hash) VALUES (0, ?)
		ON CONFLICT(key) DO UPDATE SET hash=excluded.hash
	`, hash[:])
	if err != nil {
		return fmt.Errorf("corestore: set peak: %w", err)
	}
	return nil
}

// GetFullBlock returns the decompressed full block for hash, checking the
// LRU cache first.
func (bs *BlockStore) GetFullBlock(ctx context.Context, hash types.Hash) (FullBlock, bool, error) {
	bs.cacheMu.Lock()
	if b, ok := bs.blockCache.Get(hash); ok {
		bs.cacheMu.Unlock()
		return b, true, nil
	}
	bs.cacheMu.Unlock()

	raw, ok, err := bs.GetFullBlockBytes(ctx, hash)
	if err != nil || !ok {
		return FullBlock{}, ok, err
	}
	decompressed, err := bs.decompress(raw)
	if err != nil {
		return FullBlock{}, false, err
	}
	block, err := UnmarshalFullBlock(decompressed)
	if err != nil {
		return FullBlock{}, false, fmt.Errorf("%w: unmarshal full block: %v", ErrCorruption, err)
	}

	bs.cacheMu.Lock()
	bs.blockCache.Add(hash, block)
	bs.cacheMu.Unlock()
	return block, true, nil
}

// GetFullBlockBytes returns the raw (still-compressed) block blob.
func (bs *BlockStore) GetFullBlockBytes(ctx context.Context, hash types.Hash) ([]byte, bool, error) {
	var raw []byte
	var found bool
	err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		row := q.QueryRowContext(ctx, "SELECT block FROM full_blocks WHERE header_hash=?", hash[:])
		err := row.Scan(&raw)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corestore: get full block bytes: %w", err)
		}
		found = true
		return nil
	})
	return raw, found, err
}

type blockRecordRow struct {
	Hash        types.Hash
	Record      BlockRecord
	InMainChain bool
}

// GetBlockRecordsCloseToPeak returns the block records of every stored
// block with a height in [peak-n, peak], orphans included, plus the peak
// hash, for cache warming at startup.
func (bs *BlockStore) GetBlockRecordsCloseToPeak(ctx context.Context, n uint32) (map[types.Hash]BlockRecord, types.Hash, error) {
	peakHash, peakHeight, ok, err := bs.GetPeak(ctx)
	if err != nil {
		return nil, types.Hash{}, err
	}
	if !ok {
		return map[types.Hash]BlockRecord{}, types.Hash{}, nil
	}
	lo := uint32(0)
	if peakHeight > n {
		lo = peakHeight - n
	}
	out := make(map[types.Hash]BlockRecord, n+1)
	err = bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		rows, err := q.QueryContext(ctx, "SELECT header_hash, block_record FROM full_blocks WHERE height BETWEEN ? AND ?", lo, peakHeight)
		if err != nil {
			return fmt.Errorf("corestore: get block records close to peak: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var hb, rb []byte
			if err := rows.Scan(&hb, &rb); err != nil {
				return err
			}
			h, err := types.HashFromBytes(hb)
			if err != nil {
				return err
			}
			rec, err := UnmarshalBlockRecord(rb)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			out[h] = rec
		}
		return rows.Err()
	})
	return out, peakHash, err
}

// GetBlockRecordsInRange returns block records for every stored height in
// [lo, hi], regardless of main-chain status.
func (bs *BlockStore) GetBlockRecordsInRange(ctx context.Context, lo, hi uint32) ([]BlockRecord, error) {
	var out []BlockRecord
	err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		rows, err := q.QueryContext(ctx, "SELECT block_record FROM full_blocks WHERE height BETWEEN ? AND ? ORDER BY height", lo, hi)
		if err != nil {
			return fmt.Errorf("corestore: get block records in range: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rb []byte
			if err := rows.Scan(&rb); err != nil {
				return err
			}
			rec, err := UnmarshalBlockRecord(rb)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// mainChainBlockRecords returns the block records flagged in_main_chain
// for heights in [lo, hi]. Used by the height map, which must never pick
// up an orphan's sub-epoch summary.
func (bs *BlockStore) mainChainBlockRecords(ctx context.Context, lo, hi uint32) ([]BlockRecord, error) {
	var out []BlockRecord
	err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		rows, err := q.QueryContext(ctx, "SELECT block_record FROM full_blocks WHERE height BETWEEN ? AND ? AND in_main_chain=1 ORDER BY height", lo, hi)
		if err != nil {
			return fmt.Errorf("corestore: main chain block records: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rb []byte
			if err := rows.Scan(&rb); err != nil {
				return err
			}
			rec, err := UnmarshalBlockRecord(rb)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// GetBlockRecordsByHash returns block records in the same order as
// hashes, failing with ErrMissingBlockInChain if any is absent.
func (bs *BlockStore) GetBlockRecordsByHash(ctx context.Context, hashes []types.Hash) ([]BlockRecord, error) {
	found := make(map[types.Hash]BlockRecord, len(hashes))
	for _, batch := range batchHashes(hashes) {
		err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
			args := make([]any, len(batch))
			for i, h := range batch {
				args[i] = h[:]
			}
			q2 := fmt.Sprintf("SELECT header_hash, block_record FROM full_blocks WHERE header_hash IN (%s)", placeholders(len(batch)))
			rows, err := q.QueryContext(ctx, q2, args...)
			if err != nil {
				return fmt.Errorf("corestore: get block records by hash: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var hb, rb []byte
				if err := rows.Scan(&hb, &rb); err != nil {
					return err
				}
				h, err := types.HashFromBytes(hb)
				if err != nil {
					return err
				}
				rec, err := UnmarshalBlockRecord(rb)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrCorruption, err)
				}
				found[h] = rec
			}
			return rows.Err()
		})
		if err != nil {
			return nil, err
		}
	}
	out := make([]BlockRecord, len(hashes))
	for i, h := range hashes {
		rec, ok := found[h]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingBlockInChain, h)
		}
		out[i] = rec
	}
	return out, nil
}

// GetBlocksByHash returns decompressed full blocks in the same order as
// hashes, failing with ErrMissingBlockInChain if any is absent.
func (bs *BlockStore) GetBlocksByHash(ctx context.Context, hashes []types.Hash) ([]FullBlock, error) {
	out := make([]FullBlock, len(hashes))
	for i, h := range hashes {
		b, ok, err := bs.GetFullBlock(ctx, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingBlockInChain, h)
		}
		out[i] = b
	}
	return out, nil
}

// GetBlockBytesByHash returns compressed block blobs in input order.
func (bs *BlockStore) GetBlockBytesByHash(ctx context.Context, hashes []types.Hash) ([][]byte, error) {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		raw, ok, err := bs.GetFullBlockBytes(ctx, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingBlockInChain, h)
		}
		out[i] = raw
	}
	return out, nil
}

// GetGeneratorsAt returns the transactions-generator payload for each
// requested main-chain height, failing with ErrGeneratorRefHasNoGenerator
// if a height's block exists but carries no generator.
func (bs *BlockStore) GetGeneratorsAt(ctx context.Context, heights []uint32) (map[uint32][]byte, error) {
	out := make(map[uint32][]byte, len(heights))
	for _, height := range heights {
		var raw []byte
		var found bool
		err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
			row := q.QueryRowContext(ctx, "SELECT block FROM full_blocks WHERE height=? AND in_main_chain=1", height)
			err := row.Scan(&raw)
			if isNoRows(err) {
				return nil
			}
			if err != nil {
				return err
			}
			found = true
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("corestore: get generators at %d: %w", height, err)
		}
		if !found {
			return nil, fmt.Errorf("%w: height %d", ErrMissingBlockInChain, height)
		}
		decompressed, err := bs.decompress(raw)
		if err != nil {
			return nil, err
		}
		block, err := UnmarshalFullBlock(decompressed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		if block.TransactionsGenerator == nil {
			return nil, fmt.Errorf("%w: height %d", ErrGeneratorRefHasNoGenerator, height)
		}
		out[height] = block.TransactionsGenerator
	}
	return out, nil
}

// GetPeak returns (peak_hash, peak_height) by joining current_peak with
// full_blocks.
func (bs *BlockStore) GetPeak(ctx context.Context) (types.Hash, uint32, bool, error) {
	var hash types.Hash
	var height uint32
	var found bool
	err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		row := q.QueryRowContext(ctx, `
			SELECT fb.header_hash, fb.height FROM current_peak cp
			JOIN full_blocks fb ON fb.header_hash = cp.hash
			WHERE cp.key = 0
		`)
		var hb []byte
		err := row.Scan(&hb, &height)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		h, err := types.HashFromBytes(hb)
		if err != nil {
			return err
		}
		hash = h
		found = true
		return nil
	})
	return hash, height, found, err
}

// GetRandomNotCompactified returns up to n distinct heights where every
// block stored at that height has is_fully_compactified=0; this avoids
// picking heights where only an orphan is uncompactified.
func (bs *BlockStore) GetRandomNotCompactified(ctx context.Context, n int) ([]uint32, error) {
	var out []uint32
	err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		rows, err := q.QueryContext(ctx, `
			SELECT height FROM full_blocks
			GROUP BY height
			HAVING MAX(is_fully_compactified) = 0
			ORDER BY RANDOM()
			LIMIT ?
		`, n)
		if err != nil {
			return fmt.Errorf("corestore: get random not compactified: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var h uint32
			if err := rows.Scan(&h); err != nil {
				return err
			}
			out = append(out, h)
		}
		return rows.Err()
	})
	return out, err
}

// CountCompactifiedBlocks returns the number of rows with
// is_fully_compactified=1.
func (bs *BlockStore) CountCompactifiedBlocks(ctx context.Context) (int, error) {
	return bs.countByCompactified(ctx, 1)
}

// CountUncompactifiedBlocks returns the number of rows with
// is_fully_compactified=0.
func (bs *BlockStore) CountUncompactifiedBlocks(ctx context.Context) (int, error) {
	return bs.countByCompactified(ctx, 0)
}

func (bs *BlockStore) countByCompactified(ctx context.Context, flag int) (int, error) {
	var count int
	err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		row := q.QueryRowContext(ctx, "SELECT count(*) FROM full_blocks WHERE is_fully_compactified=?", flag)
		return row.Scan(&count)
	})
	return count, err
}

// ReplaceProof overwrites the block blob for an existing hash, used by a
// background compactification pass, and invalidates the cache entry.
func (bs *BlockStore) ReplaceProof(ctx context.Context, w *WriterTx, hash types.Hash, block FullBlock) error {
	raw, err := block.MarshalBinary()
	if err != nil {
		return fmt.Errorf("corestore: marshal replacement block: %w", err)
	}
	compressed := bs.compress(raw)
	res, err := w.tx.ExecContext(ctx, "UPDATE full_blocks SET block=?, is_fully_compactified=? WHERE header_hash=?",
		compressed, boolToInt(block.IsFullyCompactified), hash[:])
	if err != nil {
		return fmt.Errorf("corestore: replace proof: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrMissingBlockInChain, hash)
	}
	bs.RollbackCacheBlock(hash)
	return nil
}

// PersistSubEpochChallengeSegments stores the challenge segments for a
// sub-epoch summary block hash.
func (bs *BlockStore) PersistSubEpochChallengeSegments(ctx context.Context, w *WriterTx, sesHash types.Hash, segments []byte) error {
	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO sub_epoch_segments_v3(ses_block_hash, challenge_segments) VALUES (?, ?)
		ON CONFLICT(ses_block_hash) DO UPDATE SET challenge_segments=excluded.challenge_segments
	`, sesHash[:], segments)
	if err != nil {
		return fmt.Errorf("corestore: persist sub epoch challenge segments: %w", err)
	}
	bs.cacheMu.Lock()
	bs.segmentCache.Add(sesHash, bytes.Clone(segments))
	bs.cacheMu.Unlock()
	return nil
}

// GetSubEpochChallengeSegments returns the stored challenge segments for
// sesHash, memoized in a small LRU.
func (bs *BlockStore) GetSubEpochChallengeSegments(ctx context.Context, sesHash types.Hash) ([]byte, bool, error) {
	bs.cacheMu.Lock()
	if v, ok := bs.segmentCache.Get(sesHash); ok {
		bs.cacheMu.Unlock()
		return v, true, nil
	}
	bs.cacheMu.Unlock()

	var segments []byte
	var found bool
	err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		row := q.QueryRowContext(ctx, "SELECT challenge_segments FROM sub_epoch_segments_v3 WHERE ses_block_hash=?", sesHash[:])
		err := row.Scan(&segments)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, found, err
	}
	bs.cacheMu.Lock()
	bs.segmentCache.Add(sesHash, segments)
	bs.cacheMu.Unlock()
	return segments, true, nil
}

// GetPrevHash is a single-row lookup of a block's prev_hash, failing with
// ErrMissingBlockInChain if the hash is absent.
func (bs *BlockStore) GetPrevHash(ctx context.Context, hash types.Hash) (types.Hash, error) {
	var prev types.Hash
	var found bool
	err := bs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		row := q.QueryRowContext(ctx, "SELECT prev_hash FROM full_blocks WHERE header_hash=?", hash[:])
		var pb []byte
		err := row.Scan(&pb)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		p, err := types.HashFromBytes(pb)
		if err != nil {
			return err
		}
		prev = p
		found = true
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	if !found {
		return types.Hash{}, fmt.Errorf("%w: %s", ErrMissingBlockInChain, hash)
	}
	return prev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
