package corestore

import (
	"errors"
	"fmt"
)

// Recoverable conditions (already-have, disconnected, invalid) are
// returned as values from Blockchain.AddBlock rather than as errors;
// everything below is an exceptional condition that aborts the enclosing
// write savepoint.
var (
	// ErrMissingBlockInChain is raised when GetPrevHash or
	// GetBlockRecordsByHash hits a gap in the chain.
	ErrMissingBlockInChain = errors.New("corestore: missing block in chain")

	// ErrGeneratorRefHasNoGenerator is raised when a transaction generator
	// references a height whose block carries no generator payload.
	ErrGeneratorRefHasNoGenerator = errors.New("corestore: generator ref has no generator")

	// ErrDoubleSpendOrMissingCoin is raised by setSpent when the number of
	// rows it updated doesn't match the number of removals requested.
	ErrDoubleSpendOrMissingCoin = errors.New("corestore: double spend or missing coin")

	// ErrUnsupportedSchemaVersion is raised at store-creation time against
	// a v1 (or otherwise unrecognized) schema.
	ErrUnsupportedSchemaVersion = errors.New("corestore: unsupported schema version")

	// ErrForeignKeyViolation is raised on exit from a ForeignKeys scope
	// when the PRAGMA foreign_key_check finds violations.
	ErrForeignKeyViolation = errors.New("corestore: foreign key violation")

	// ErrNestedForeignKeyDelayedRequest is raised when a ForeignKeys scope
	// is opened while one is already active on the same writer.
	ErrNestedForeignKeyDelayedRequest = errors.New("corestore: nested foreign key delayed request")

	// ErrCorruption is fatal: the process should refuse to continue
	// serving once this is observed.
	ErrCorruption = errors.New("corestore: corruption detected")

	// ErrGenesisReorg is returned when findForkPoint is asked to
	// reconcile two chains that share no ancestor at all. A disjoint pair
	// is a caller programming error, not something to guess at, so it
	// surfaces as a sentinel rather than a panic.
	ErrGenesisReorg = errors.New("corestore: peak and candidate block share no common ancestor")
)

// InvalidBlockError is the INVALID_BLOCK result of AddBlock. Unlike the
// sentinels above it carries a caller-supplied reason, so it is a typed
// error rather than a fixed value.
type InvalidBlockError struct {
	Reason string
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("corestore: invalid block: %s", e.Reason)
}

func invalidBlock(format string, args ...any) *InvalidBlockError {
	return &InvalidBlockError{Reason: fmt.Sprintf(format, args...)}
}
