package corestore

import (
	"context"
	"fmt"

	"github.com/harvestchain/statecore/pkg/types"
)

// HintStore persists coin-id/hint pairs. Hints are never
// deleted on reorg: a stale hint pointing at a coin that no longer
// exists on the main chain is harmless, since every consumer joins back
// through CoinStore to confirm current state.
type HintStore struct {
	store *TransactionalStore
}

// NewHintStore constructs a HintStore backed by store.
func NewHintStore(store *TransactionalStore) *HintStore {
	return &HintStore{store: store}
}

// AddHints bulk-inserts pairs, silently skipping any (coin_id, hint) pair
// already present. Callers routinely emit duplicates; they are collapsed
// by ON CONFLICT DO NOTHING, never surfaced as an error.
func (hs *HintStore) AddHints(ctx context.Context, w *WriterTx, pairs []HintPair) error {
	for _, p := range pairs {
		_, err := w.tx.ExecContext(ctx, `
			INSERT INTO hints(coin_id, hint) VALUES (?, ?)
			ON CONFLICT(coin_id, hint) DO NOTHING
		`, p.CoinID[:], p.Hint)
		if err != nil {
			return fmt.Errorf("corestore: add hint: %w", err)
		}
	}
	return nil
}

// GetCoinIDs returns every coin id hinted with hint.
func (hs *HintStore) GetCoinIDs(ctx context.Context, hint []byte) ([]types.Hash, error) {
	var out []types.Hash
	err := hs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		rows, err := q.QueryContext(ctx, "SELECT coin_id FROM hints WHERE hint=?", hint)
		if err != nil {
			return fmt.Errorf("corestore: get coin ids by hint: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var cb []byte
			if err := rows.Scan(&cb); err != nil {
				return err
			}
			id, err := types.HashFromBytes(cb)
			if err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

// CountHints returns the total number of stored (coin_id, hint) rows.
func (hs *HintStore) CountHints(ctx context.Context) (int, error) {
	var count int
	err := hs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		row := q.QueryRowContext(ctx, "SELECT count(*) FROM hints")
		return row.Scan(&count)
	})
	return count, err
}

// coinsHintedBy returns, for each hint equal to one of the given puzzle
// hashes, the coin ids that carry it. Used by
// CoinStore.BatchCoinStatesByPuzzleHashes's includeHinted path.
func (hs *HintStore) coinsHintedBy(ctx context.Context, hints []types.Hash) ([]types.Hash, error) {
	seen := make(map[types.Hash]struct{})
	var out []types.Hash
	for _, batch := range batchHashes(hints) {
		err := hs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
			args := make([]any, len(batch))
			for i, h := range batch {
				args[i] = h[:]
			}
			query := fmt.Sprintf("SELECT coin_id FROM hints WHERE hint IN (%s)", placeholders(len(batch)))
			rows, err := q.QueryContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("corestore: coins hinted by: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var cb []byte
				if err := rows.Scan(&cb); err != nil {
					return err
				}
				id, err := types.HashFromBytes(cb)
				if err != nil {
					return err
				}
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					out = append(out, id)
				}
			}
			return rows.Err()
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
