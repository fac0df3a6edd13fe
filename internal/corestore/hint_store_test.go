package corestore

import (
	"context"
	"testing"

	"github.com/harvestchain/statecore/pkg/types"
)

func addHints(t *testing.T, env *testEnv, pairs []HintPair) {
	t.Helper()
	err := env.store.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		return env.hints.AddHints(ctx, w, pairs)
	})
	if err != nil {
		t.Fatalf("AddHints: %v", err)
	}
}

func TestAddHintsDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	coinA := testHash("coin", 1)
	coinB := testHash("coin", 2)
	hint := []byte("subscription-tag")

	addHints(t, env, []HintPair{
		{CoinID: coinA, Hint: hint},
		{CoinID: coinA, Hint: hint}, // exact duplicate in one batch
		{CoinID: coinB, Hint: hint},
	})
	// Re-adding the same pairs later is also a no-op.
	addHints(t, env, []HintPair{{CoinID: coinA, Hint: hint}})

	n, err := env.hints.CountHints(context.Background())
	if err != nil {
		t.Fatalf("CountHints: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	ids, err := env.hints.GetCoinIDs(context.Background(), hint)
	if err != nil {
		t.Fatalf("GetCoinIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d coin ids, want 2", len(ids))
	}
	found := map[types.Hash]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[coinA] || !found[coinB] {
		t.Fatalf("ids = %v", ids)
	}
}

func TestGetCoinIDsUnknownHint(t *testing.T) {
	env := newTestEnv(t)
	ids, err := env.hints.GetCoinIDs(context.Background(), []byte("nobody-home"))
	if err != nil {
		t.Fatalf("GetCoinIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("got %d ids, want 0", len(ids))
	}
}

func TestSameCoinDifferentHints(t *testing.T) {
	env := newTestEnv(t)
	coin := testHash("coin", 1)
	addHints(t, env, []HintPair{
		{CoinID: coin, Hint: []byte("one")},
		{CoinID: coin, Hint: []byte("two")},
	})
	n, err := env.hints.CountHints(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("count = %d (%v), want 2", n, err)
	}
}
