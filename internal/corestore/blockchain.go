package corestore

import (
	"context"
	"fmt"

	"github.com/harvestchain/statecore/pkg/types"
)

// AddBlockResultKind classifies the outcome of Blockchain.AddBlock.
type AddBlockResultKind int

const (
	AlreadyHaveBlock AddBlockResultKind = iota
	DisconnectedBlock
	InvalidBlock
	AddedAsOrphan
	NewPeak
)

func (k AddBlockResultKind) String() string {
	switch k {
	case AlreadyHaveBlock:
		return "ALREADY_HAVE_BLOCK"
	case DisconnectedBlock:
		return "DISCONNECTED_BLOCK"
	case InvalidBlock:
		return "INVALID_BLOCK"
	case AddedAsOrphan:
		return "ADDED_AS_ORPHAN"
	case NewPeak:
		return "NEW_PEAK"
	default:
		return "UNKNOWN"
	}
}

// AddBlockResult is the outcome of a single AddBlock call.
type AddBlockResult struct {
	Kind       AddBlockResultKind
	Err        error                    // set when Kind == InvalidBlock
	ForkHeight uint32                   // set when Kind == NewPeak
	CoinDeltas []CoinRecord             // set when Kind == NewPeak: latest record per touched coin
	HintDeltas map[string][]CoinRecord  // set when Kind == NewPeak: hint -> coin records, keyed by hint bytes
}

// BlockDeltas is the per-block (reward_coins, additions, removals,
// hints, timestamp) tuple the store consumes. Reward coins travel
// alongside the generator-derived additions/removals because they are a
// per-block consensus construct the store never computes itself.
type BlockDeltas struct {
	RewardCoins []CoinAddition
	Additions   []CoinAddition
	Removals    []types.Hash
	Hints       []HintPair
	Timestamp   uint64
}

// PreValidationResult is the bundle the upstream pre-validation layer
// hands to AddBlock for the tip block, so the coordinator doesn't have to
// re-run the transactions generator for the block it was just given.
type PreValidationResult = BlockDeltas

// GeneratorRunner is the injection seam for transaction-generator
// execution: Blockchain calls it only when replaying a non-tip block
// during a reorg, where no cached PreValidationResult is available. It is
// supplied by the upstream pre-validation/execution layer.
type GeneratorRunner interface {
	RunGenerator(ctx context.Context, block FullBlock, refGenerators map[uint32][]byte) (BlockDeltas, error)
}

// Blockchain is the single authoritative entry point for mutating
// consensus state. It owns no storage of its own; it
// orchestrates the four leaf collaborators under one write transaction.
type Blockchain struct {
	store      *TransactionalStore
	blocks     *BlockStore
	coins      *CoinStore
	hints      *HintStore
	heightMap  *HeightMap
	generators GeneratorRunner
}

// NewBlockchain constructs the coordinator. generators may be nil if the
// caller guarantees every AddBlock call supplies a PreValidationResult
// covering the whole replay range (i.e. never triggers a multi-block
// reorg without precomputed deltas); any attempt to replay without one
// then fails loudly instead of silently skipping generator execution.
func NewBlockchain(store *TransactionalStore, blocks *BlockStore, coins *CoinStore, hints *HintStore, heightMap *HeightMap, generators GeneratorRunner) *Blockchain {
	return &Blockchain{
		store:      store,
		blocks:     blocks,
		coins:      coins,
		hints:      hints,
		heightMap:  heightMap,
		generators: generators,
	}
}

// replayBlock is a (hash, FullBlock, BlockRecord) triple walked during
// fork replay.
type replayBlock struct {
	hash   types.Hash
	block  FullBlock
	record BlockRecord
}

// AddBlock applies a validated block to consensus state.
// preValidation, if non-nil, supplies the block's own
// (additions, removals, hints) so the tip block never needs its
// generator re-run. forkHint, if non-nil, names the fork height the
// caller already knows, saving the ancestry walk on deep reorgs.
func (bc *Blockchain) AddBlock(ctx context.Context, hash types.Hash, block FullBlock, record BlockRecord, preValidation *PreValidationResult, forkHint *uint32) (AddBlockResult, error) {
	if _, found, err := bc.blocks.GetFullBlockBytes(ctx, hash); err != nil {
		return AddBlockResult{}, err
	} else if found {
		return AddBlockResult{Kind: AlreadyHaveBlock}, nil
	}

	peakHash, peakHeight, hasPeak, err := bc.blocks.GetPeak(ctx)
	if err != nil {
		return AddBlockResult{}, err
	}

	if block.Height == 0 {
		if hasPeak {
			return AddBlockResult{Kind: InvalidBlock, Err: invalidBlock("height 0 submitted after genesis already exists")}, nil
		}
	} else {
		if !hasPeak {
			return AddBlockResult{Kind: DisconnectedBlock}, nil
		}
		if _, found, err := bc.blocks.GetFullBlockBytes(ctx, block.PrevHash); err != nil {
			return AddBlockResult{}, err
		} else if !found {
			return AddBlockResult{Kind: DisconnectedBlock}, nil
		}
		prevRecords, err := bc.blocks.GetBlockRecordsByHash(ctx, []types.Hash{block.PrevHash})
		if err != nil {
			return AddBlockResult{}, err
		}
		if prevRecords[0].Height+1 != block.Height {
			return AddBlockResult{Kind: InvalidBlock, Err: invalidBlock("prev height %d + 1 != block height %d", prevRecords[0].Height, block.Height)}, nil
		}
	}

	var result AddBlockResult
	err = bc.store.Writer(ctx, func(ctx context.Context, w *WriterTx) error {
		if err := bc.blocks.AddFullBlock(ctx, w, hash, block, record); err != nil {
			return err
		}

		isNewPeak := !hasPeak || record.Weight > bc.peakWeight(ctx, peakHash)
		if !isNewPeak {
			result = AddBlockResult{Kind: AddedAsOrphan}
			return nil
		}

		forkHeight, err := bc.forkHeight(ctx, hasPeak, peakHash, peakHeight, block, forkHint)
		if err != nil {
			return err
		}

		rewound, err := bc.rewindToFork(ctx, w, forkHeight)
		if err != nil {
			return err
		}

		chain, err := bc.collectReplayChain(ctx, w, hash, block, record, forkHeight)
		if err != nil {
			return err
		}

		latestCoinState := make(map[types.Hash]CoinRecord, len(rewound))
		for _, r := range rewound {
			latestCoinState[r.CoinID] = r
		}
		hintCoinState := make(map[string]map[types.Hash]CoinRecord)
		var replayedHashes []types.Hash

		for _, rb := range chain {
			replayedHashes = append(replayedHashes, rb.hash)
			if !rb.block.IsTransactionBlock() {
				bc.heightMap.UpdateHeight(rb.record.Height, rb.hash, rb.record.SubEpochSummaryIncluded)
				continue
			}

			deltas, err := bc.resolveBlockDeltas(ctx, rb, preValidation, hash)
			if err != nil {
				return err
			}

			added, err := bc.coins.NewBlock(ctx, w, rb.record.Height, deltas.Timestamp, deltas.RewardCoins, deltas.Additions, deltas.Removals)
			if err != nil {
				return err
			}
			for _, r := range added {
				latestCoinState[r.CoinID] = r
			}
			for _, spentID := range deltas.Removals {
				rec, found, err := bc.coins.GetCoinRecord(ctx, spentID)
				if err != nil {
					return err
				}
				if found {
					latestCoinState[spentID] = rec
				}
			}

			if len(deltas.Hints) > 0 {
				if err := bc.hints.AddHints(ctx, w, deltas.Hints); err != nil {
					return err
				}
				for _, hp := range deltas.Hints {
					rec, found := latestCoinState[hp.CoinID]
					if !found {
						rec, _, err = bc.coins.GetCoinRecord(ctx, hp.CoinID)
						if err != nil {
							return err
						}
					}
					key := string(hp.Hint)
					if hintCoinState[key] == nil {
						hintCoinState[key] = make(map[types.Hash]CoinRecord)
					}
					hintCoinState[key][hp.CoinID] = rec
				}
			}

			bc.heightMap.UpdateHeight(rb.record.Height, rb.hash, rb.record.SubEpochSummaryIncluded)
		}

		if err := bc.blocks.SetInChain(ctx, w, replayedHashes); err != nil {
			return err
		}
		if err := bc.blocks.SetPeak(ctx, w, hash); err != nil {
			return err
		}

		coinDeltas := make([]CoinRecord, 0, len(latestCoinState))
		for _, r := range latestCoinState {
			coinDeltas = append(coinDeltas, r)
		}
		hintDeltas := make(map[string][]CoinRecord, len(hintCoinState))
		for hint, byCoin := range hintCoinState {
			recs := make([]CoinRecord, 0, len(byCoin))
			for _, r := range byCoin {
				recs = append(recs, r)
			}
			hintDeltas[hint] = recs
		}

		result = AddBlockResult{
			Kind:       NewPeak,
			ForkHeight: forkHeight,
			CoinDeltas: coinDeltas,
			HintDeltas: hintDeltas,
		}
		return nil
	})
	if err != nil {
		bc.blocks.RollbackCacheBlock(hash)
		return AddBlockResult{}, err
	}
	return result, nil
}

// peakWeight fetches the weight of the current peak; callers only call
// this after confirming hasPeak.
func (bc *Blockchain) peakWeight(ctx context.Context, peakHash types.Hash) uint64 {
	recs, err := bc.blocks.GetBlockRecordsByHash(ctx, []types.Hash{peakHash})
	if err != nil || len(recs) == 0 {
		return 0
	}
	return recs[0].Weight
}

// forkHeight decides where the replay starts: the extend case needs no
// ancestry walk, a caller-supplied hint is taken at its word, and
// otherwise both chains are walked back to their common ancestor.
func (bc *Blockchain) forkHeight(ctx context.Context, hasPeak bool, peakHash types.Hash, peakHeight uint32, block FullBlock, forkHint *uint32) (uint32, error) {
	if !hasPeak {
		return 0, nil
	}
	if block.PrevHash == peakHash {
		return peakHeight, nil
	}
	if forkHint != nil {
		h := *forkHint
		if h > peakHeight {
			h = peakHeight
		}
		return h, nil
	}
	return bc.findForkPoint(ctx, peakHash, peakHeight, block.PrevHash, block.Height-1)
}

// findForkPoint walks both ancestries back until the hashes at equal
// height agree. A genuinely disjoint pair (no common ancestor, including
// genesis) is a caller bug: it returns ErrGenesisReorg rather than a
// sentinel height value.
func (bc *Blockchain) findForkPoint(ctx context.Context, hashA types.Hash, heightA uint32, hashB types.Hash, heightB uint32) (uint32, error) {
	for heightA > heightB {
		prev, err := bc.blocks.GetPrevHash(ctx, hashA)
		if err != nil {
			return 0, err
		}
		hashA = prev
		heightA--
	}
	for heightB > heightA {
		prev, err := bc.blocks.GetPrevHash(ctx, hashB)
		if err != nil {
			return 0, err
		}
		hashB = prev
		heightB--
	}
	for hashA != hashB {
		if heightA == 0 {
			return 0, ErrGenesisReorg
		}
		prevA, err := bc.blocks.GetPrevHash(ctx, hashA)
		if err != nil {
			return 0, err
		}
		prevB, err := bc.blocks.GetPrevHash(ctx, hashB)
		if err != nil {
			return 0, err
		}
		hashA, hashB = prevA, prevB
		heightA--
		heightB--
	}
	return heightA, nil
}

// rewindToFork rewinds coin state (returning the pre-mutation snapshot
// so the caller can seed its delta accumulator) and discards
// height-map/block-store main-chain membership above forkHeight. In the
// extend case (forkHeight == current peak height) this is a no-op:
// RollbackToBlock finds nothing above the peak.
func (bc *Blockchain) rewindToFork(ctx context.Context, w *WriterTx, forkHeight uint32) ([]CoinRecord, error) {
	rewound, err := bc.coins.RollbackToBlock(ctx, w, forkHeight)
	if err != nil {
		return nil, err
	}
	bc.heightMap.Rollback(forkHeight)
	if err := bc.blocks.Rollback(ctx, w, forkHeight); err != nil {
		return nil, err
	}
	return rewound, nil
}

// collectReplayChain walks from the new tip back to forkHeight+1,
// collecting (hash, FullBlock, BlockRecord) triples, then reverses the
// list so callers can process it in ascending height order.
func (bc *Blockchain) collectReplayChain(ctx context.Context, w *WriterTx, tipHash types.Hash, tipBlock FullBlock, tipRecord BlockRecord, forkHeight uint32) ([]replayBlock, error) {
	var chain []replayBlock
	hash, block, record := tipHash, tipBlock, tipRecord
	for {
		chain = append(chain, replayBlock{hash: hash, block: block, record: record})
		// Genesis has no ancestor to walk to; a genesis insert replays just
		// the height-0 block itself.
		if record.Height == forkHeight+1 || record.Height == 0 {
			break
		}
		prevHash := block.PrevHash
		blocks, err := bc.blocks.GetBlocksByHash(ctx, []types.Hash{prevHash})
		if err != nil {
			return nil, err
		}
		records, err := bc.blocks.GetBlockRecordsByHash(ctx, []types.Hash{prevHash})
		if err != nil {
			return nil, err
		}
		hash, block, record = prevHash, blocks[0], records[0]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// resolveBlockDeltas returns the (reward_coins, additions, removals,
// hints, timestamp) tuple for a replayed transaction block: the cached
// PreValidationResult if this is the tip block, else a fresh run of the
// transactions generator via the injected GeneratorRunner.
func (bc *Blockchain) resolveBlockDeltas(ctx context.Context, rb replayBlock, preValidation *PreValidationResult, tipHash types.Hash) (BlockDeltas, error) {
	if rb.hash == tipHash && preValidation != nil {
		return *preValidation, nil
	}
	if bc.generators == nil {
		return BlockDeltas{}, fmt.Errorf("corestore: replay of block %s requires a GeneratorRunner but none was configured", rb.hash)
	}
	refGens, err := bc.resolveRefGenerators(ctx, rb.block.TransactionsGeneratorRefList, rb.block.Height)
	if err != nil {
		return BlockDeltas{}, err
	}
	return bc.generators.RunGenerator(ctx, rb.block, refGens)
}

// resolveRefGenerators fetches the generator bytes for each referenced
// height from BlockStore's main chain (blocks with in_main_chain=1). It
// does not consult the in-memory replay chain: during a reorg replay,
// blocks of the new branch above the fork point are not flagged until
// replay finishes, so a reference to one of them fails with
// ErrMissingBlockInChain.
func (bc *Blockchain) resolveRefGenerators(ctx context.Context, refHeights []uint32, currentHeight uint32) (map[uint32][]byte, error) {
	if len(refHeights) == 0 {
		return nil, nil
	}
	out := make(map[uint32][]byte, len(refHeights))
	var fromStore []uint32
	for _, h := range refHeights {
		if h >= currentHeight {
			return nil, fmt.Errorf("corestore: generator ref height %d is not strictly before block height %d", h, currentHeight)
		}
		fromStore = append(fromStore, h)
	}
	gens, err := bc.blocks.GetGeneratorsAt(ctx, fromStore)
	if err != nil {
		return nil, err
	}
	for h, g := range gens {
		out[h] = g
	}
	return out, nil
}

// GetBlockGenerator resolves a block's own transaction generator plus
// every generator it references by height.
func (bc *Blockchain) GetBlockGenerator(ctx context.Context, block FullBlock) ([]byte, map[uint32][]byte, error) {
	if !block.IsTransactionBlock() {
		return nil, nil, nil
	}
	refs, err := bc.resolveRefGenerators(ctx, block.TransactionsGeneratorRefList, block.Height)
	if err != nil {
		return nil, nil, err
	}
	return block.TransactionsGenerator, refs, nil
}

// HeaderBlock is a full block projected down to its structural fields
// plus a filter over the puzzle hashes/coin ids it touches, standing in
// for a BIP-158-style compact filter.
type HeaderBlock struct {
	Hash   types.Hash
	Height uint32
	Filter map[types.Hash]struct{}
}

// GetHeaderBlocksInRange projects every block in [lo, hi] into a
// HeaderBlock. txFilter, when true, populates Filter from the block's
// own additions/removals (resolved via the same generator-replay path as
// GetBlockGenerator); when false, Filter is left empty.
func (bc *Blockchain) GetHeaderBlocksInRange(ctx context.Context, lo, hi uint32, txFilter bool) ([]HeaderBlock, error) {
	if hi < lo {
		return nil, nil
	}
	out := make([]HeaderBlock, 0, hi-lo+1)
	for height := lo; height <= hi; height++ {
		hash, ok := bc.heightMap.GetHash(height)
		if !ok {
			continue
		}
		hb := HeaderBlock{Hash: hash, Height: height}
		if txFilter {
			block, found, err := bc.blocks.GetFullBlock(ctx, hash)
			if err != nil {
				return nil, err
			}
			if found && block.IsTransactionBlock() && bc.generators != nil {
				refs, err := bc.resolveRefGenerators(ctx, block.TransactionsGeneratorRefList, block.Height)
				if err != nil {
					return nil, err
				}
				deltas, err := bc.generators.RunGenerator(ctx, block, refs)
				if err != nil {
					return nil, err
				}
				hb.Filter = make(map[types.Hash]struct{}, len(deltas.Additions)+len(deltas.Removals))
				for _, a := range deltas.Additions {
					hb.Filter[a.Coin.PuzzleHash] = struct{}{}
				}
				for _, r := range deltas.Removals {
					hb.Filter[r] = struct{}{}
				}
			}
		}
		out = append(out, hb)
	}
	return out, nil
}

// SubSlotPair is the (previous, infused-point) sub-slot bracket around a
// block, as returned by GetSPAndIPSubSlots.
type SubSlotPair struct {
	PrevSubSlot *SubEpochSummary
	IPSubSlot   *SubEpochSummary
}

// GetSPAndIPSubSlots walks backward from height looking for the nearest
// sub-epoch summary markers bracketing it.
func (bc *Blockchain) GetSPAndIPSubSlots(ctx context.Context, height uint32) (SubSlotPair, error) {
	var pair SubSlotPair
	if height == 0 {
		return pair, nil
	}
	for h := height; ; h-- {
		if ses, ok := bc.heightMap.GetSES(h); ok {
			if h == height {
				pair.IPSubSlot = &ses
			} else {
				pair.PrevSubSlot = &ses
				break
			}
		}
		if h == 0 {
			break
		}
	}
	return pair, nil
}
