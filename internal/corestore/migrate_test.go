package corestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/harvestchain/statecore/config"
	"github.com/harvestchain/statecore/pkg/types"
)

const v1FixtureDDL = `
CREATE TABLE database_version(version INT);
CREATE TABLE block_records(
	header_hash TEXT PRIMARY KEY, prev_hash TEXT, height INT,
	block BLOB, sub_epoch_summary BLOB, is_peak TINYINT);
CREATE TABLE full_blocks(
	header_hash TEXT PRIMARY KEY, height INT,
	is_fully_compactified TINYINT, block BLOB);
CREATE TABLE coin_record(
	coin_name TEXT PRIMARY KEY, confirmed_index INT, spent_index INT, spent INT,
	coinbase INT, puzzle_hash TEXT, coin_parent TEXT, amount INT, timestamp INT);
CREATE TABLE hints(coin_id BLOB, hint BLOB);
CREATE TABLE sub_epoch_segments_v3(ses_block_hash TEXT PRIMARY KEY, challenge_segments BLOB);
`

// v1Fixture describes the database buildV1DB wrote, so assertions can
// compare the converted output against ground truth.
type v1Fixture struct {
	path       string
	hashes     []types.Hash // main chain, height order
	peakHeight uint32
	rewards    [][]CoinAddition // per height, nil at 0
	spentAt    map[types.Hash]uint32
	clamped    []types.Hash // coins whose v1 spent_index exceeded the peak
	hintPairs  int          // unique (coin_id, hint) pairs written
	orphans    []types.Hash
	sesHash    types.Hash
}

// buildV1DB writes a v1-format database: a main chain of n blocks, a few
// orphans, reward coins per block with a sprinkling of spends (some past
// the peak to exercise clamping), duplicate hints, and one sub-epoch
// segment row.
func buildV1DB(t *testing.T, dir string, n int) *v1Fixture {
	t.Helper()
	path := filepath.Join(dir, "blockchain_v1_test.sqlite")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(v1FixtureDDL); err != nil {
		t.Fatalf("create v1 schema: %v", err)
	}
	if _, err := db.Exec("INSERT INTO database_version VALUES (1)"); err != nil {
		t.Fatalf("stamp v1: %v", err)
	}

	fx := &v1Fixture{
		path:       path,
		peakHeight: uint32(n - 1),
		spentAt:    make(map[types.Hash]uint32),
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	insertBlock := func(hash types.Hash, block FullBlock, record BlockRecord, isPeak bool) {
		rawBlock, err := block.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal block: %v", err)
		}
		rawRecord, err := record.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		peak := 0
		if isPeak {
			peak = 1
		}
		if _, err := tx.Exec(
			"INSERT INTO block_records VALUES (?, ?, ?, ?, NULL, ?)",
			hash.String(), block.PrevHash.String(), block.Height, rawRecord, peak); err != nil {
			t.Fatalf("insert block record: %v", err)
		}
		if _, err := tx.Exec(
			"INSERT INTO full_blocks VALUES (?, ?, 0, ?)",
			hash.String(), block.Height, rawBlock); err != nil {
			t.Fatalf("insert full block: %v", err)
		}
	}

	var prev types.Hash
	for h := 0; h < n; h++ {
		hash, block, record := testBlock("v1", uint32(h), prev, uint64(h+1)*100, h > 0)
		insertBlock(hash, block, record, h == n-1)
		fx.hashes = append(fx.hashes, hash)
		prev = hash

		var rewards []CoinAddition
		if h > 0 {
			rewards = rewardCoins("v1", uint32(h))
			for i, r := range rewards {
				spentIndex := uint32(0)
				// Spend the farmer coin of every 7th block, and of the
				// peak block, three blocks later; past-the-peak spends
				// must be clamped to unspent.
				if i == 0 && (h%7 == 0 || h == n-1) {
					spentIndex = uint32(h + 3)
					if spentIndex > fx.peakHeight {
						fx.clamped = append(fx.clamped, r.CoinID)
					} else {
						fx.spentAt[r.CoinID] = spentIndex
					}
				}
				if _, err := tx.Exec(
					"INSERT INTO coin_record VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)",
					r.CoinID.String(), h, spentIndex, boolToInt(spentIndex != 0),
					r.Coin.PuzzleHash.String(), r.Coin.ParentCoinID.String(),
					r.Coin.Amount, 1_700_000_000+h); err != nil {
					t.Fatalf("insert coin: %v", err)
				}
			}
		}
		fx.rewards = append(fx.rewards, rewards)
	}

	// Orphans at a few heights: present in both tables, never on the
	// is_peak walk. Heights outside 1..n-1 are skipped, so a short chain
	// gets fewer orphans.
	for _, h := range []uint32{10, 11, uint32(n) - 5} {
		if h == 0 || int(h) >= n {
			continue
		}
		hash, block, record := testBlock("v1-orphan", h, fx.hashes[h-1], 50, false)
		insertBlock(hash, block, record, false)
		fx.orphans = append(fx.orphans, hash)
	}

	// Hints, with exact duplicates sprinkled in.
	unique := 0
	for i := 0; i < 1375; i++ {
		coin := testHash("hint-coin", uint64(i))
		hint := testHash("hint-val", uint64(i%977))
		if _, err := tx.Exec("INSERT INTO hints VALUES (?, ?)", coin[:], hint[:8]); err != nil {
			t.Fatalf("insert hint: %v", err)
		}
		unique++
		if i%137 == 0 { // duplicate row, same pair again
			if _, err := tx.Exec("INSERT INTO hints VALUES (?, ?)", coin[:], hint[:8]); err != nil {
				t.Fatalf("insert duplicate hint: %v", err)
			}
		}
	}
	fx.hintPairs = unique

	fx.sesHash = testHash("v1-ses", 0)
	if _, err := tx.Exec("INSERT INTO sub_epoch_segments_v3 VALUES (?, ?)",
		fx.sesHash.String(), []byte("v1-segments")); err != nil {
		t.Fatalf("insert segments: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit fixture: %v", err)
	}
	return fx
}

// openConverted opens a converted v2 file through the regular store
// stack.
func openConverted(t *testing.T, path string) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Dir(path)
	cfg.DBFileName = filepath.Base(path)
	cfg.Synchronous = config.SynchronousOff
	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("open converted: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema on converted: %v", err)
	}
	blocks, err := NewBlockStore(store, cfg.BlockCacheSize, cfg.SegmentCacheSize)
	if err != nil {
		t.Fatalf("NewBlockStore: %v", err)
	}
	return &testEnv{cfg: cfg, store: store, blocks: blocks, coins: NewCoinStore(store), hints: NewHintStore(store)}
}

func TestConvertV1ToV2(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk fixture")
	}
	dir := t.TempDir()
	fx := buildV1DB(t, dir, 1000)
	outPath := filepath.Join(dir, "blockchain_v2_test.sqlite")

	if err := ConvertV1ToV2(context.Background(), fx.path, outPath); err != nil {
		t.Fatalf("ConvertV1ToV2: %v", err)
	}

	env := openConverted(t, outPath)
	ctx := context.Background()

	// Peak carried over.
	peakHash, peakHeight, found, err := env.blocks.GetPeak(ctx)
	if err != nil || !found {
		t.Fatalf("GetPeak: %v found=%v", err, found)
	}
	if peakHash != fx.hashes[fx.peakHeight] || peakHeight != fx.peakHeight {
		t.Fatalf("peak = (%s, %d), want (%s, %d)", peakHash, peakHeight, fx.hashes[fx.peakHeight], fx.peakHeight)
	}

	// Per-block round trips: full block retrievable and linked.
	for h, want := range fx.hashes {
		block, found, err := env.blocks.GetFullBlock(ctx, want)
		if err != nil || !found {
			t.Fatalf("block %d: %v found=%v", h, err, found)
		}
		if block.Height != uint32(h) {
			t.Fatalf("block %d has height %d", h, block.Height)
		}
		if h > 0 && block.PrevHash != fx.hashes[h-1] {
			t.Fatalf("block %d prev mismatch", h)
		}
	}

	// Orphans were skipped entirely.
	for _, o := range fx.orphans {
		if _, found, _ := env.blocks.GetFullBlockBytes(ctx, o); found {
			t.Fatalf("orphan %s survived conversion", o)
		}
	}

	// Coin records: confirmed/spent/clamped.
	for h := uint32(1); h <= fx.peakHeight; h++ {
		added, err := env.coins.GetCoinsAddedAtHeight(ctx, h)
		if err != nil {
			t.Fatalf("added at %d: %v", h, err)
		}
		if len(added) != len(fx.rewards[h]) {
			t.Fatalf("height %d: %d coins, want %d", h, len(added), len(fx.rewards[h]))
		}
	}
	for id, spentAt := range fx.spentAt {
		rec, found, err := env.coins.GetCoinRecord(ctx, id)
		if err != nil || !found {
			t.Fatalf("spent coin %s: %v found=%v", id, err, found)
		}
		if rec.SpentBlockIndex != spentAt {
			t.Fatalf("coin %s spent at %d, want %d", id, rec.SpentBlockIndex, spentAt)
		}
	}
	for _, id := range fx.clamped {
		rec, found, err := env.coins.GetCoinRecord(ctx, id)
		if err != nil || !found {
			t.Fatalf("clamped coin %s: %v found=%v", id, err, found)
		}
		if rec.Spent() {
			t.Fatalf("coin %s spent past the peak was not clamped to unspent", id)
		}
	}

	// Hints deduplicated to the unique pair count.
	n, err := env.hints.CountHints(ctx)
	if err != nil {
		t.Fatalf("CountHints: %v", err)
	}
	if n != fx.hintPairs {
		t.Fatalf("hint count = %d, want %d", n, fx.hintPairs)
	}

	// Segments copied with binary keys.
	segments, found, err := env.blocks.GetSubEpochChallengeSegments(ctx, fx.sesHash)
	if err != nil || !found || string(segments) != "v1-segments" {
		t.Fatalf("segments: %q found=%v err=%v", segments, found, err)
	}

	// The converted database passes full validation, blocks included.
	if err := ValidateV2(context.Background(), outPath, ValidateOptions{ValidateBlocks: true}); err != nil {
		t.Fatalf("ValidateV2 on converted output: %v", err)
	}
}

func TestConvertRefusesV2Input(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t) // writes a v2 database into its own temp dir
	addBlocks(t, env, "a", 3)

	err := ConvertV1ToV2(context.Background(), env.cfg.DBPath(), filepath.Join(dir, "out.sqlite"))
	if !errors.Is(err, ErrUnsupportedSchemaVersion) {
		t.Fatalf("got %v, want ErrUnsupportedSchemaVersion", err)
	}
}

func TestConvertRefusesExistingOutput(t *testing.T) {
	dir := t.TempDir()
	fx := buildV1DB(t, dir, 5)
	if err := ConvertV1ToV2(context.Background(), fx.path, fx.path); err == nil {
		t.Fatal("converting onto an existing file should fail")
	}
}

func TestValidateV2DetectsFlagCorruption(t *testing.T) {
	env := newTestEnv(t)
	hashes := addBlocks(t, env, "a", 10)

	if err := ValidateV2(context.Background(), env.cfg.DBPath(), ValidateOptions{}); err != nil {
		t.Fatalf("valid db rejected: %v", err)
	}

	// Clear a main-chain flag mid-chain.
	err := env.store.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		_, err := w.tx.ExecContext(ctx, "UPDATE full_blocks SET in_main_chain=0 WHERE header_hash=?", hashes[4][:])
		return err
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := ValidateV2(context.Background(), env.cfg.DBPath(), ValidateOptions{}); !errors.Is(err, ErrCorruption) {
		t.Fatalf("got %v, want ErrCorruption", err)
	}
}

func TestValidateV2DetectsOrphanFlagged(t *testing.T) {
	env := newTestEnv(t)
	hashes := addBlocks(t, env, "a", 6)

	// Store an orphan and wrongly mark it in-chain.
	err := env.store.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		ohash, oblock, orecord := testBlock("orphan", 3, hashes[2], 10, false)
		if err := env.blocks.AddFullBlock(ctx, w, ohash, oblock, orecord); err != nil {
			return err
		}
		return env.blocks.SetInChain(ctx, w, []types.Hash{ohash})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := ValidateV2(context.Background(), env.cfg.DBPath(), ValidateOptions{}); !errors.Is(err, ErrCorruption) {
		t.Fatalf("got %v, want ErrCorruption", err)
	}
}

func TestValidateV2DetectsGap(t *testing.T) {
	env := newTestEnv(t)
	hashes := addBlocks(t, env, "a", 8)

	err := env.store.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		_, err := w.tx.ExecContext(ctx, "DELETE FROM full_blocks WHERE header_hash=?", hashes[3][:])
		return err
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ValidateV2(context.Background(), env.cfg.DBPath(), ValidateOptions{}); !errors.Is(err, ErrCorruption) {
		t.Fatalf("got %v, want ErrCorruption", err)
	}
}

func TestValidateV2GenesisChallenge(t *testing.T) {
	env := newTestEnv(t)
	addBlocks(t, env, "a", 4)

	// The fixture genesis points at the zero hash; expecting anything
	// else must fail.
	err := ValidateV2(context.Background(), env.cfg.DBPath(), ValidateOptions{
		GenesisChallenge: testHash("other-network", 0),
	})
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("got %v, want ErrCorruption", err)
	}
}

func TestBackupDB(t *testing.T) {
	env := newTestEnv(t)
	hashes := addBlocks(t, env, "a", 20)
	if _, err := newBlockAt(t, env, 1, rewardCoins("b", 1), nil, nil); err != nil {
		t.Fatalf("seed coins: %v", err)
	}
	addHints(t, env, []HintPair{{CoinID: testHash("c", 1), Hint: []byte("h")}})

	for _, withIndexes := range []bool{true, false} {
		out := filepath.Join(t.TempDir(), fmt.Sprintf("backup-%v.sqlite", withIndexes))
		if err := BackupDB(context.Background(), env.cfg.DBPath(), out, withIndexes); err != nil {
			t.Fatalf("BackupDB(indexes=%v): %v", withIndexes, err)
		}

		benv := openConverted(t, out)
		peakHash, peakHeight, found, err := benv.blocks.GetPeak(context.Background())
		if err != nil || !found {
			t.Fatalf("backup peak: %v found=%v", err, found)
		}
		if peakHash != hashes[19] || peakHeight != 19 {
			t.Fatalf("backup peak = (%s, %d)", peakHash, peakHeight)
		}
		n, err := benv.hints.CountHints(context.Background())
		if err != nil || n != 1 {
			t.Fatalf("backup hints = %d (%v)", n, err)
		}
		recs, err := benv.coins.GetCoinsAddedAtHeight(context.Background(), 1)
		if err != nil || len(recs) != 2 {
			t.Fatalf("backup coins = %d (%v)", len(recs), err)
		}
		if err := ValidateV2(context.Background(), out, ValidateOptions{}); err != nil {
			t.Fatalf("backup fails validation: %v", err)
		}
	}
}
