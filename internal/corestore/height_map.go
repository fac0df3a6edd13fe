package corestore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/harvestchain/statecore/pkg/types"
)

// heightMapFileName is the height-to-hash.dat sidecar's fixed name within
// a data directory.
const heightMapFileName = "height-to-hash.dat"

// HeightMap is the in-memory height->hash and height->sub-epoch-summary
// index used for cheap main-chain lookups without round-tripping through
// SQL. It is rebuilt at startup either from the persisted
// sidecar file (validated against the current peak) or, failing that, by
// walking prev_hash back from the peak to height 0.
type HeightMap struct {
	mu   sync.RWMutex
	path string

	heightToHash       map[uint32]types.Hash
	subEpochSummaries  map[uint32]SubEpochSummary
	peakHeight         uint32
	dirtySinceFlush    int
	flushEveryNUpdates int
}

// CreateHeightMap loads or rebuilds a HeightMap for the chain tracked by
// blockStore, persisting its sidecar file under dataDir.
func CreateHeightMap(ctx context.Context, dataDir string, flushInterval int, blockStore *BlockStore) (*HeightMap, error) {
	if flushInterval < 1 {
		flushInterval = 1
	}
	hm := &HeightMap{
		path:               filepath.Join(dataDir, heightMapFileName),
		heightToHash:       make(map[uint32]types.Hash),
		subEpochSummaries:  make(map[uint32]SubEpochSummary),
		flushEveryNUpdates: flushInterval,
	}

	peakHash, peakHeight, hasPeak, err := blockStore.GetPeak(ctx)
	if err != nil {
		return nil, fmt.Errorf("corestore: height map: get peak: %w", err)
	}
	if !hasPeak {
		return hm, nil
	}
	hm.peakHeight = peakHeight

	if loaded, err := hm.loadFromDisk(peakHash, peakHeight); err == nil && loaded {
		if err := hm.loadSubEpochSummaries(ctx, blockStore, peakHeight); err != nil {
			return nil, err
		}
		return hm, nil
	}

	if err := hm.rebuildFromChain(ctx, blockStore, peakHash, peakHeight); err != nil {
		return nil, err
	}
	return hm, nil
}

// loadFromDisk reads the packed sidecar file and validates it against the
// known peak; a mismatch (wrong length, or the hash at peakHeight doesn't
// match peakHash) is treated as "stale", not corruption: the caller
// falls back to rebuildFromChain.
func (hm *HeightMap) loadFromDisk(peakHash types.Hash, peakHeight uint32) (bool, error) {
	f, err := os.Open(hm.path)
	if err != nil {
		return false, nil
	}
	defer f.Close()

	r := bufio.NewReader(f)
	const recordSize = types.HashSize
	wantRecords := int(peakHeight) + 1
	buf := make([]byte, recordSize)
	table := make(map[uint32]types.Hash, wantRecords)

	for height := 0; ; height++ {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return false, nil
		}
		if n < recordSize {
			break
		}
		h, err := types.HashFromBytes(buf)
		if err != nil {
			return false, nil
		}
		table[uint32(height)] = h
	}

	if len(table) != wantRecords {
		return false, nil
	}
	got, ok := table[peakHeight]
	if !ok || got != peakHash {
		return false, nil
	}

	hm.mu.Lock()
	hm.heightToHash = table
	hm.mu.Unlock()
	return true, nil
}

// rebuildFromChain walks prev_hash back from the peak to height 0,
// populating heightToHash entirely from BlockStore.
func (hm *HeightMap) rebuildFromChain(ctx context.Context, blockStore *BlockStore, peakHash types.Hash, peakHeight uint32) error {
	table := make(map[uint32]types.Hash, peakHeight+1)
	hash := peakHash
	height := peakHeight
	for {
		table[height] = hash
		if height == 0 {
			break
		}
		prev, err := blockStore.GetPrevHash(ctx, hash)
		if err != nil {
			return fmt.Errorf("corestore: height map: walk to genesis: %w", err)
		}
		hash = prev
		height--
	}

	hm.mu.Lock()
	hm.heightToHash = table
	hm.mu.Unlock()

	if err := hm.loadSubEpochSummaries(ctx, blockStore, peakHeight); err != nil {
		return err
	}
	return hm.flush()
}

func (hm *HeightMap) loadSubEpochSummaries(ctx context.Context, blockStore *BlockStore, peakHeight uint32) error {
	records, err := blockStore.mainChainBlockRecords(ctx, 0, peakHeight)
	if err != nil {
		return fmt.Errorf("corestore: height map: load sub epoch summaries: %w", err)
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for _, r := range records {
		if r.SubEpochSummaryIncluded != nil {
			hm.subEpochSummaries[r.Height] = *r.SubEpochSummaryIncluded
		}
	}
	return nil
}

// GetHash returns the main-chain hash at height, if known.
func (hm *HeightMap) GetHash(height uint32) (types.Hash, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	h, ok := hm.heightToHash[height]
	return h, ok
}

// ContainsHeight reports whether height is tracked.
func (hm *HeightMap) ContainsHeight(height uint32) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	_, ok := hm.heightToHash[height]
	return ok
}

// GetSES returns the sub-epoch summary recorded at height, if any.
func (hm *HeightMap) GetSES(height uint32) (SubEpochSummary, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	s, ok := hm.subEpochSummaries[height]
	return s, ok
}

// GetSESHeights returns every height carrying a sub-epoch summary, in
// ascending order.
func (hm *HeightMap) GetSESHeights() []uint32 {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]uint32, 0, len(hm.subEpochSummaries))
	for h := range hm.subEpochSummaries {
		out = append(out, h)
	}
	sortUint32s(out)
	return out
}

func sortUint32s(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// UpdateHeight records hash (and, if present, ses) as the main-chain
// entry at height, advances the tracked peak height, and periodically
// flushes the sidecar file.
func (hm *HeightMap) UpdateHeight(height uint32, hash types.Hash, ses *SubEpochSummary) {
	hm.mu.Lock()
	hm.heightToHash[height] = hash
	if ses != nil {
		hm.subEpochSummaries[height] = *ses
	}
	if height > hm.peakHeight || len(hm.heightToHash) == 1 {
		hm.peakHeight = height
	}
	hm.dirtySinceFlush++
	shouldFlush := hm.dirtySinceFlush >= hm.flushEveryNUpdates
	hm.mu.Unlock()

	if shouldFlush {
		hm.MaybeFlush()
	}
}

// Rollback discards every tracked height above forkHeight, used when the
// Blockchain coordinator rewinds to replay along a new branch.
func (hm *HeightMap) Rollback(forkHeight uint32) {
	hm.mu.Lock()
	for h := range hm.heightToHash {
		if h > forkHeight {
			delete(hm.heightToHash, h)
		}
	}
	for h := range hm.subEpochSummaries {
		if h > forkHeight {
			delete(hm.subEpochSummaries, h)
		}
	}
	hm.peakHeight = forkHeight
	hm.dirtySinceFlush++
	hm.mu.Unlock()
}

// MaybeFlush persists the current height->hash table to the sidecar
// file. It is always safe to call; UpdateHeight calls it automatically
// every flushEveryNUpdates updates, and callers may also call it directly
// around a clean shutdown.
func (hm *HeightMap) MaybeFlush() error {
	return hm.flush()
}

func (hm *HeightMap) flush() error {
	hm.mu.RLock()
	peakHeight := hm.peakHeight
	table := make(map[uint32]types.Hash, len(hm.heightToHash))
	for k, v := range hm.heightToHash {
		table[k] = v
	}
	hm.mu.RUnlock()

	if hm.path == "" {
		return nil
	}
	tmpPath := hm.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("corestore: height map: create sidecar: %w", err)
	}
	w := bufio.NewWriter(f)
	var zero [types.HashSize]byte
	for height := uint32(0); height <= peakHeight; height++ {
		h, ok := table[height]
		if !ok {
			if _, err := w.Write(zero[:]); err != nil {
				f.Close()
				return fmt.Errorf("corestore: height map: write sidecar: %w", err)
			}
			continue
		}
		if _, err := w.Write(h[:]); err != nil {
			f.Close()
			return fmt.Errorf("corestore: height map: write sidecar: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("corestore: height map: flush sidecar: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("corestore: height map: close sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, hm.path); err != nil {
		return fmt.Errorf("corestore: height map: rename sidecar: %w", err)
	}

	hm.mu.Lock()
	hm.dirtySinceFlush = 0
	hm.mu.Unlock()
	return nil
}
