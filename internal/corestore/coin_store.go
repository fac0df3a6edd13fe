package corestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/harvestchain/statecore/pkg/types"
)

// CoinStore persists coin records and implements the atomic NewBlock /
// RollbackToBlock primitives the Blockchain coordinator builds on.
type CoinStore struct {
	store *TransactionalStore
}

// NewCoinStore constructs a CoinStore backed by store.
func NewCoinStore(store *TransactionalStore) *CoinStore {
	return &CoinStore{store: store}
}

func encodeAmount(amount uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], amount)
	return b[:]
}

func decodeAmount(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func scanCoinRecord(row interface {
	Scan(dest ...any) error
}) (CoinRecord, error) {
	var r CoinRecord
	var coinName, puzzleHash, coinParent, amount []byte
	var coinbase int
	if err := row.Scan(&coinName, &r.ConfirmedBlockIndex, &r.SpentBlockIndex, &coinbase, &puzzleHash, &coinParent, &amount, &r.Timestamp); err != nil {
		return r, err
	}
	id, err := types.HashFromBytes(coinName)
	if err != nil {
		return r, err
	}
	ph, err := types.HashFromBytes(puzzleHash)
	if err != nil {
		return r, err
	}
	parent, err := types.HashFromBytes(coinParent)
	if err != nil {
		return r, err
	}
	r.CoinID = id
	r.Coin = types.Coin{ParentCoinID: parent, PuzzleHash: ph, Amount: decodeAmount(amount)}
	r.Coinbase = coinbase != 0
	return r, nil
}

const coinRecordColumns = "coin_name, confirmed_index, spent_index, coinbase, puzzle_hash, coin_parent, amount, timestamp"

// NewBlock applies one block's coin mutations: it creates a CoinRecord
// for every addition and reward coin at height, then spends exactly
// len(removals) previously-unspent coins. Reward coins must be empty iff
// height == 0, and non-empty (>= 2, farmer and pool) otherwise; violating
// this is a caller bug, not something NewBlock silently tolerates.
func (cs *CoinStore) NewBlock(ctx context.Context, w *WriterTx, height uint32, timestamp uint64, rewardCoins, additions []CoinAddition, removals []types.Hash) ([]CoinRecord, error) {
	if height == 0 && len(rewardCoins) != 0 {
		return nil, fmt.Errorf("corestore: height 0 must not carry reward coins")
	}
	if height != 0 && len(rewardCoins) < 2 {
		return nil, fmt.Errorf("corestore: height %d requires at least 2 reward coins (farmer, pool)", height)
	}

	added := make([]CoinRecord, 0, len(additions)+len(rewardCoins))
	insert := func(a CoinAddition, coinbase bool) error {
		_, err := w.tx.ExecContext(ctx, `
			INSERT INTO coin_record(coin_name, confirmed_index, spent_index, coinbase, puzzle_hash, coin_parent, amount, timestamp)
			VALUES (?, ?, 0, ?, ?, ?, ?, ?)
		`, a.CoinID[:], height, boolToInt(coinbase), a.Coin.PuzzleHash[:], a.Coin.ParentCoinID[:], encodeAmount(a.Coin.Amount), timestamp)
		if err != nil {
			return fmt.Errorf("corestore: insert coin record %s: %w", a.CoinID, err)
		}
		added = append(added, CoinRecord{
			CoinID:              a.CoinID,
			Coin:                a.Coin,
			ConfirmedBlockIndex: height,
			SpentBlockIndex:     0,
			Coinbase:            coinbase,
			Timestamp:           timestamp,
		})
		return nil
	}

	// Additions before removals, so an ephemeral coin created and spent
	// within the same block ends up with confirmed_index == spent_index
	// instead of vanishing.
	for _, a := range additions {
		if err := insert(a, false); err != nil {
			return nil, err
		}
	}
	for _, r := range rewardCoins {
		if err := insert(r, true); err != nil {
			return nil, err
		}
	}

	if err := cs.setSpent(ctx, w, removals, height); err != nil {
		return nil, err
	}
	return added, nil
}

// setSpent marks exactly len(coinIDs) currently-unspent coins as spent at
// height. Any mismatch between rows affected and len(coinIDs) indicates a
// double spend or a reference to a coin that doesn't exist.
func (cs *CoinStore) setSpent(ctx context.Context, w *WriterTx, coinIDs []types.Hash, height uint32) error {
	if len(coinIDs) == 0 {
		return nil
	}
	var totalAffected int64
	for _, batch := range batchHashes(coinIDs) {
		args := make([]any, 0, len(batch)+1)
		args = append(args, height)
		for _, id := range batch {
			args = append(args, id[:])
		}
		q := fmt.Sprintf("UPDATE coin_record SET spent_index=? WHERE spent_index=0 AND coin_name IN (%s)", placeholders(len(batch)))
		res, err := w.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("corestore: set spent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("corestore: set spent rows affected: %w", err)
		}
		totalAffected += n
	}
	if totalAffected != int64(len(coinIDs)) {
		return ErrDoubleSpendOrMissingCoin
	}
	return nil
}

// RollbackToBlock reverts every coin creation/spend that happened above
// height. It returns the pre-mutation snapshot of every affected record
// (both erased and un-spent) so the coordinator can compute a delta.
func (cs *CoinStore) RollbackToBlock(ctx context.Context, w *WriterTx, height uint32) ([]CoinRecord, error) {
	var toErase, toUnspend []CoinRecord

	rows, err := w.tx.QueryContext(ctx, "SELECT "+coinRecordColumns+" FROM coin_record WHERE confirmed_index > ?", height)
	if err != nil {
		return nil, fmt.Errorf("corestore: rollback collect erased: %w", err)
	}
	for rows.Next() {
		r, err := scanCoinRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		toErase = append(toErase, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = w.tx.QueryContext(ctx, "SELECT "+coinRecordColumns+" FROM coin_record WHERE spent_index > ? AND confirmed_index <= ?", height, height)
	if err != nil {
		return nil, fmt.Errorf("corestore: rollback collect unspent: %w", err)
	}
	for rows.Next() {
		r, err := scanCoinRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		toUnspend = append(toUnspend, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := w.tx.ExecContext(ctx, "DELETE FROM coin_record WHERE confirmed_index > ?", height); err != nil {
		return nil, fmt.Errorf("corestore: rollback delete: %w", err)
	}
	if _, err := w.tx.ExecContext(ctx, "UPDATE coin_record SET spent_index=0 WHERE spent_index > ? AND confirmed_index <= ?", height, height); err != nil {
		return nil, fmt.Errorf("corestore: rollback unspend: %w", err)
	}

	out := make([]CoinRecord, 0, len(toErase)+len(toUnspend))
	out = append(out, toErase...)
	out = append(out, toUnspend...)
	return out, nil
}

// GetCoinRecord returns the record for id, if any.
func (cs *CoinStore) GetCoinRecord(ctx context.Context, id types.Hash) (CoinRecord, bool, error) {
	var r CoinRecord
	var found bool
	err := cs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		row := q.QueryRowContext(ctx, "SELECT "+coinRecordColumns+" FROM coin_record WHERE coin_name=?", id[:])
		rec, err := scanCoinRecord(row)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		r, found = rec, true
		return nil
	})
	return r, found, err
}

// GetCoinRecords returns records for the given ids; order is not
// guaranteed, and ids with no matching row are silently omitted.
func (cs *CoinStore) GetCoinRecords(ctx context.Context, ids []types.Hash) ([]CoinRecord, error) {
	var out []CoinRecord
	for _, batch := range batchHashes(ids) {
		err := cs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
			args := make([]any, len(batch))
			for i, id := range batch {
				args[i] = id[:]
			}
			query := fmt.Sprintf("SELECT %s FROM coin_record WHERE coin_name IN (%s)", coinRecordColumns, placeholders(len(batch)))
			rows, err := q.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				r, err := scanCoinRecord(rows)
				if err != nil {
					return err
				}
				out = append(out, r)
			}
			return rows.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("corestore: get coin records: %w", err)
		}
	}
	return out, nil
}

// GetCoinsAddedAtHeight returns coins confirmed at height.
func (cs *CoinStore) GetCoinsAddedAtHeight(ctx context.Context, height uint32) ([]CoinRecord, error) {
	return cs.queryByColumn(ctx, "confirmed_index", height)
}

// GetCoinsRemovedAtHeight returns coins spent at height. It always
// returns [] for height 0, since genesis blocks cannot contain spends.
func (cs *CoinStore) GetCoinsRemovedAtHeight(ctx context.Context, height uint32) ([]CoinRecord, error) {
	if height == 0 {
		return nil, nil
	}
	return cs.queryByColumn(ctx, "spent_index", height)
}

func (cs *CoinStore) queryByColumn(ctx context.Context, column string, height uint32) ([]CoinRecord, error) {
	var out []CoinRecord
	err := cs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		rows, err := q.QueryContext(ctx, "SELECT "+coinRecordColumns+" FROM coin_record WHERE "+column+"=?", height)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanCoinRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("corestore: query by %s: %w", column, err)
	}
	return out, nil
}

// GetCoinRecordsByPuzzleHash returns coins paying to ph with
// confirmed_index in [lo, hi], optionally including spent coins.
func (cs *CoinStore) GetCoinRecordsByPuzzleHash(ctx context.Context, includeSpent bool, ph types.Hash, lo, hi uint32) ([]CoinRecord, error) {
	var out []CoinRecord
	query := "SELECT " + coinRecordColumns + " FROM coin_record WHERE puzzle_hash=? AND confirmed_index BETWEEN ? AND ?"
	if !includeSpent {
		query += " AND spent_index=0"
	}
	err := cs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
		rows, err := q.QueryContext(ctx, query, ph[:], lo, hi)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanCoinRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("corestore: get coin records by puzzle hash: %w", err)
	}
	return out, nil
}

// GetCoinRecordsByPuzzleHashes returns coins paying to any of phs.
func (cs *CoinStore) GetCoinRecordsByPuzzleHashes(ctx context.Context, includeSpent bool, phs []types.Hash) ([]CoinRecord, error) {
	return cs.queryByHashColumn(ctx, "puzzle_hash", phs, includeSpent)
}

// GetCoinRecordsByNames returns coins whose coin id is in ids.
func (cs *CoinStore) GetCoinRecordsByNames(ctx context.Context, includeSpent bool, ids []types.Hash) ([]CoinRecord, error) {
	return cs.queryByHashColumn(ctx, "coin_name", ids, includeSpent)
}

// GetCoinRecordsByParentIDs returns coins whose parent coin id is in ids.
func (cs *CoinStore) GetCoinRecordsByParentIDs(ctx context.Context, includeSpent bool, ids []types.Hash) ([]CoinRecord, error) {
	return cs.queryByHashColumn(ctx, "coin_parent", ids, includeSpent)
}

func (cs *CoinStore) queryByHashColumn(ctx context.Context, column string, ids []types.Hash, includeSpent bool) ([]CoinRecord, error) {
	var out []CoinRecord
	for _, batch := range batchHashes(ids) {
		err := cs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
			args := make([]any, len(batch))
			for i, id := range batch {
				args[i] = id[:]
			}
			query := fmt.Sprintf("SELECT %s FROM coin_record WHERE %s IN (%s)", coinRecordColumns, column, placeholders(len(batch)))
			if !includeSpent {
				query += " AND spent_index=0"
			}
			rows, err := q.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				r, err := scanCoinRecord(rows)
				if err != nil {
					return err
				}
				out = append(out, r)
			}
			return rows.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("corestore: query by %s: %w", column, err)
		}
	}
	return out, nil
}

// maxPuzzleHashBatchSize bounds BatchCoinStatesByPuzzleHashes's phs
// argument: the engine parameter limit minus slack for the query's other
// bound parameters.
const maxPuzzleHashBatchSize = hostParamLimit - 16

// coinState pairs a record with the height used to order/paginate it,
// max(confirmed_index, spent_index).
type coinState struct {
	record CoinRecord
	height uint32
}

func stateHeight(r CoinRecord) uint32 {
	if r.SpentBlockIndex > r.ConfirmedBlockIndex {
		return r.SpentBlockIndex
	}
	return r.ConfirmedBlockIndex
}

// BatchCoinStatesByPuzzleHashes is the paginated streaming query behind
// puzzle-hash subscriptions. hints, if non-nil, is consulted when
// includeHinted is true to also surface coins whose creating spend
// attached a hint in phs.
func (cs *CoinStore) BatchCoinStatesByPuzzleHashes(
	ctx context.Context,
	phs []types.Hash,
	minHeight uint32,
	includeSpent, includeUnspent, includeHinted bool,
	minAmount uint64,
	maxItems int,
	hints *HintStore,
) ([]CoinRecord, *uint32, error) {
	if len(phs) > maxPuzzleHashBatchSize {
		return nil, nil, fmt.Errorf("corestore: batch_coin_states_by_puzzle_hashes: %d puzzle hashes exceeds limit %d", len(phs), maxPuzzleHashBatchSize)
	}
	if !includeSpent && !includeUnspent {
		return nil, nil, nil
	}

	byCoinID := make(map[types.Hash]coinState)

	direct, err := cs.queryByHashColumnMinHeight(ctx, "puzzle_hash", phs, minHeight, minAmount)
	if err != nil {
		return nil, nil, err
	}
	for _, r := range direct {
		byCoinID[r.CoinID] = coinState{record: r, height: stateHeight(r)}
	}

	if includeHinted && hints != nil {
		hinted, err := hints.coinsHintedBy(ctx, phs)
		if err != nil {
			return nil, nil, err
		}
		if len(hinted) > 0 {
			records, err := cs.GetCoinRecords(ctx, hinted)
			if err != nil {
				return nil, nil, err
			}
			for _, r := range records {
				if r.Coin.Amount < minAmount || stateHeight(r) < minHeight {
					continue
				}
				if _, ok := byCoinID[r.CoinID]; !ok {
					byCoinID[r.CoinID] = coinState{record: r, height: stateHeight(r)}
				}
			}
		}
	}

	states := make([]coinState, 0, len(byCoinID))
	for _, s := range byCoinID {
		if s.record.Spent() && !includeSpent {
			continue
		}
		if !s.record.Spent() && !includeUnspent {
			continue
		}
		states = append(states, s)
	}
	sortCoinStates(states)

	if maxItems <= 0 || len(states) <= maxItems {
		out := make([]CoinRecord, len(states))
		for i, s := range states {
			out[i] = s.record
		}
		return out, nil, nil
	}

	// Block-boundary preservation: if item maxItems would split a
	// height, drop the whole trailing run at that height and resume there
	// next call instead of cutting it in half.
	cut := maxItems
	boundaryHeight := states[cut].height
	for cut > 0 && states[cut-1].height == boundaryHeight {
		cut--
	}
	out := make([]CoinRecord, cut)
	for i := 0; i < cut; i++ {
		out[i] = states[i].record
	}
	next := boundaryHeight
	return out, &next, nil
}

// sortCoinStates orders by state height ascending, ties broken by coin
// id so pagination is deterministic within a block.
func sortCoinStates(states []coinState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].height != states[j].height {
			return states[i].height < states[j].height
		}
		return bytes.Compare(states[i].record.CoinID[:], states[j].record.CoinID[:]) < 0
	})
}

func (cs *CoinStore) queryByHashColumnMinHeight(ctx context.Context, column string, ids []types.Hash, minHeight uint32, minAmount uint64) ([]CoinRecord, error) {
	var out []CoinRecord
	for _, batch := range batchHashes(ids) {
		err := cs.store.Reader(ctx, func(ctx context.Context, q queryer) error {
			args := make([]any, 0, len(batch)+2)
			for _, id := range batch {
				args = append(args, id[:])
			}
			args = append(args, minHeight, minHeight, encodeAmount(minAmount))
			query := fmt.Sprintf(`
				SELECT %s FROM coin_record
				WHERE %s IN (%s)
				  AND (confirmed_index >= ? OR spent_index >= ?)
				  AND amount >= ?
			`, coinRecordColumns, column, placeholders(len(batch)))
			rows, err := q.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				r, err := scanCoinRecord(rows)
				if err != nil {
					return err
				}
				out = append(out, r)
			}
			return rows.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("corestore: query by %s with min height: %w", column, err)
		}
	}
	return out, nil
}

// LineageInfo is the singleton-style identity chain returned by
// GetUnspentLineageInfoForPuzzleHash.
type LineageInfo struct {
	CoinID         types.Hash
	ParentID       types.Hash
	ParentParentID types.Hash
}

// GetUnspentLineageInfoForPuzzleHash returns the unique lineage chain for
// the single unspent coin paying ph whose parent also pays ph at the same
// amount and is itself spent. If zero or more than one such chain exists,
// it returns (nil, nil): ambiguous lineage is not an error, just "no
// answer".
func (cs *CoinStore) GetUnspentLineageInfoForPuzzleHash(ctx context.Context, ph types.Hash) (*LineageInfo, error) {
	unspent, err := cs.GetCoinRecordsByPuzzleHash(ctx, false, ph, 0, ^uint32(0))
	if err != nil {
		return nil, err
	}
	var candidates []LineageInfo
	for _, u := range unspent {
		parent, found, err := cs.GetCoinRecord(ctx, u.Coin.ParentCoinID)
		if err != nil {
			return nil, err
		}
		if !found || !parent.Spent() {
			continue
		}
		if parent.Coin.PuzzleHash != ph || parent.Coin.Amount != u.Coin.Amount {
			continue
		}
		candidates = append(candidates, LineageInfo{
			CoinID:         u.CoinID,
			ParentID:       u.Coin.ParentCoinID,
			ParentParentID: parent.Coin.ParentCoinID,
		})
	}
	if len(candidates) != 1 {
		return nil, nil
	}
	return &candidates[0], nil
}
