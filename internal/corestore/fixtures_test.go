package corestore

import (
	"context"
	"fmt"
	"testing"

	"github.com/zeebo/blake3"

	"github.com/harvestchain/statecore/config"
	"github.com/harvestchain/statecore/pkg/types"
)

// testHash produces a deterministic, unique 32-byte key from a tag and a
// counter, so fixtures don't depend on randomness.
func testHash(tag string, n uint64) types.Hash {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s/%d", tag, n)))
	return types.Hash(sum)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Synchronous = config.SynchronousOff
	cfg.HeightMapFlushInterval = 4
	return cfg
}

// testEnv wires up a full store stack against a temp-dir database.
type testEnv struct {
	cfg    *config.Config
	store  *TransactionalStore
	blocks *BlockStore
	coins  *CoinStore
	hints  *HintStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	blocks, err := NewBlockStore(store, cfg.BlockCacheSize, cfg.SegmentCacheSize)
	if err != nil {
		t.Fatalf("NewBlockStore: %v", err)
	}
	return &testEnv{
		cfg:    cfg,
		store:  store,
		blocks: blocks,
		coins:  NewCoinStore(store),
		hints:  NewHintStore(store),
	}
}

// newChain builds a Blockchain coordinator (plus its HeightMap) on top of
// the env's stores.
func (e *testEnv) newChain(t *testing.T, gen GeneratorRunner) (*Blockchain, *HeightMap) {
	t.Helper()
	hm, err := CreateHeightMap(context.Background(), e.cfg.DataDir, e.cfg.HeightMapFlushInterval, e.blocks)
	if err != nil {
		t.Fatalf("CreateHeightMap: %v", err)
	}
	return NewBlockchain(e.store, e.blocks, e.coins, e.hints, hm, gen), hm
}

// fakeRunner replays canned deltas by block hash, standing in for the
// out-of-scope generator execution layer.
type fakeRunner struct {
	deltas map[types.Hash]BlockDeltas
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{deltas: make(map[types.Hash]BlockDeltas)}
}

func (f *fakeRunner) RunGenerator(ctx context.Context, block FullBlock, refGenerators map[uint32][]byte) (BlockDeltas, error) {
	d, ok := f.deltas[blockFixtureHash(block)]
	if !ok {
		return BlockDeltas{}, fmt.Errorf("fakeRunner: no deltas recorded for block at height %d", block.Height)
	}
	return d, nil
}

// blockFixtureHash recovers a fixture block's hash from its payload,
// which testBlock sets to the hash bytes themselves.
func blockFixtureHash(block FullBlock) types.Hash {
	var h types.Hash
	copy(h[:], block.Payload)
	return h
}

// testBlock builds a deterministic fixture block. seed distinguishes
// chains; txBlock controls whether the block carries a generator (and so
// participates in coin-state replay).
func testBlock(seed string, height uint32, prev types.Hash, weight uint64, txBlock bool) (types.Hash, FullBlock, BlockRecord) {
	hash := testHash("block/"+seed, uint64(height))
	block := FullBlock{
		Height:   height,
		PrevHash: prev,
		Payload:  hash.Bytes(),
	}
	if txBlock {
		block.TransactionsGenerator = []byte{0x01}
	}
	record := BlockRecord{
		Height:        height,
		PrevHash:      prev,
		Weight:        weight,
		TotalIters:    uint64(height) * 1000,
		RequiredIters: 64,
	}
	return hash, block, record
}

// rewardCoins builds the two mandatory (farmer, pool) reward coins for a
// block at height on chain seed.
func rewardCoins(seed string, height uint32) []CoinAddition {
	farmer := types.Coin{
		ParentCoinID: testHash("reward-parent/farmer/"+seed, uint64(height)),
		PuzzleHash:   testHash("reward-ph/farmer/"+seed, uint64(height)),
		Amount:       1_750_000_000,
	}
	pool := types.Coin{
		ParentCoinID: testHash("reward-parent/pool/"+seed, uint64(height)),
		PuzzleHash:   testHash("reward-ph/pool/"+seed, uint64(height)),
		Amount:       250_000_000,
	}
	return []CoinAddition{
		{CoinID: farmer.ID(), Coin: farmer},
		{CoinID: pool.ID(), Coin: pool},
	}
}

// addition builds a non-coinbase coin paying to ph.
func addition(parent types.Hash, ph types.Hash, amount uint64) CoinAddition {
	c := types.Coin{ParentCoinID: parent, PuzzleHash: ph, Amount: amount}
	return CoinAddition{CoinID: c.ID(), Coin: c}
}

// chainFixture incrementally builds a chain of fixture blocks, recording
// each block's deltas in the runner so reorg replays can find them.
type chainFixture struct {
	seed   string
	runner *fakeRunner

	hashes  []types.Hash
	blocks  []FullBlock
	records []BlockRecord
	deltas  []BlockDeltas
}

func newChainFixture(seed string, runner *fakeRunner) *chainFixture {
	return &chainFixture{seed: seed, runner: runner}
}

// extend appends a block at the next height. weight is the cumulative
// chain weight at that block. Per-block deltas beyond the mandatory
// reward coins can be added through extra.
func (cf *chainFixture) extend(weight uint64, extra *BlockDeltas) (types.Hash, FullBlock, BlockRecord) {
	height := uint32(len(cf.hashes))
	var prev types.Hash
	if height > 0 {
		prev = cf.hashes[height-1]
	}

	txBlock := height > 0
	hash, block, record := testBlock(cf.seed, height, prev, weight, txBlock)

	var d BlockDeltas
	if txBlock {
		d.RewardCoins = rewardCoins(cf.seed, height)
		d.Timestamp = 1_700_000_000 + uint64(height)*20
	}
	if extra != nil {
		d.Additions = extra.Additions
		d.Removals = extra.Removals
		d.Hints = extra.Hints
		if extra.Timestamp != 0 {
			d.Timestamp = extra.Timestamp
		}
	}

	cf.hashes = append(cf.hashes, hash)
	cf.blocks = append(cf.blocks, block)
	cf.records = append(cf.records, record)
	cf.deltas = append(cf.deltas, d)
	cf.runner.deltas[hash] = d
	return hash, block, record
}

// forkFrom starts a competing chain that shares other's blocks up to and
// including forkHeight.
func (cf *chainFixture) forkFrom(other *chainFixture, forkHeight uint32) {
	cf.hashes = append(cf.hashes, other.hashes[:forkHeight+1]...)
	cf.blocks = append(cf.blocks, other.blocks[:forkHeight+1]...)
	cf.records = append(cf.records, other.records[:forkHeight+1]...)
	cf.deltas = append(cf.deltas, other.deltas[:forkHeight+1]...)
}

// apply feeds block i to the coordinator with its recorded deltas as the
// pre-validation result.
func (cf *chainFixture) apply(t *testing.T, bc *Blockchain, i int) AddBlockResult {
	t.Helper()
	pv := cf.deltas[i]
	res, err := bc.AddBlock(context.Background(), cf.hashes[i], cf.blocks[i], cf.records[i], &pv, nil)
	if err != nil {
		t.Fatalf("AddBlock(height %d): %v", cf.records[i].Height, err)
	}
	return res
}

// applyAll feeds blocks [from, to] in order, asserting each lands as a
// new peak.
func (cf *chainFixture) applyAll(t *testing.T, bc *Blockchain, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		res := cf.apply(t, bc, i)
		if res.Kind != NewPeak {
			t.Fatalf("block %d: got %s, want NEW_PEAK", i, res.Kind)
		}
	}
}
