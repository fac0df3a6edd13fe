package corestore

// schemaVersion is the authoritative on-disk schema version. Store
// creation refuses any database that doesn't carry this value; v1 files
// go through the offline ConvertV1ToV2 path instead.
const schemaVersion = 2

// schemaV2Tables is the v2 table DDL. All hashes are stored as raw
// 32-byte blobs; amounts as 8-byte big-endian blobs so that blob memcmp
// order equals numeric order. Indices live in schemaV2Indexes so the
// offline migration can bulk-copy into bare tables and build indices
// last.
const schemaV2Tables = `
CREATE TABLE IF NOT EXISTS database_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS full_blocks (
	header_hash BLOB PRIMARY KEY,
	prev_hash   BLOB NOT NULL,
	height      INTEGER NOT NULL,
	sub_epoch_summary BLOB,
	is_fully_compactified INTEGER NOT NULL DEFAULT 0,
	in_main_chain INTEGER NOT NULL DEFAULT 0,
	block        BLOB NOT NULL,
	block_record BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS current_peak (
	key  INTEGER PRIMARY KEY,
	hash BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS sub_epoch_segments_v3 (
	ses_block_hash BLOB PRIMARY KEY,
	challenge_segments BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS coin_record (
	coin_name       BLOB PRIMARY KEY,
	confirmed_index INTEGER NOT NULL,
	spent_index     INTEGER NOT NULL DEFAULT 0,
	coinbase        INTEGER NOT NULL DEFAULT 0,
	puzzle_hash     BLOB NOT NULL,
	coin_parent     BLOB NOT NULL,
	amount          BLOB NOT NULL,
	timestamp       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hints (
	coin_id BLOB NOT NULL,
	hint    BLOB NOT NULL,
	UNIQUE(coin_id, hint)
);
`

// schemaV2Indexes is the secondary-index DDL for the v2 schema.
const schemaV2Indexes = `
CREATE INDEX IF NOT EXISTS full_blocks_height ON full_blocks(height);
CREATE INDEX IF NOT EXISTS full_blocks_compactified ON full_blocks(is_fully_compactified);
CREATE INDEX IF NOT EXISTS full_blocks_main_chain ON full_blocks(in_main_chain);
CREATE INDEX IF NOT EXISTS coin_record_confirmed ON coin_record(confirmed_index);
CREATE INDEX IF NOT EXISTS coin_record_spent ON coin_record(spent_index);
CREATE INDEX IF NOT EXISTS coin_record_puzzle_hash ON coin_record(puzzle_hash);
CREATE INDEX IF NOT EXISTS coin_record_parent ON coin_record(coin_parent);
CREATE INDEX IF NOT EXISTS hints_hint ON hints(hint);
`

// schemaV2 is the complete v2 DDL, used by EnsureSchema.
const schemaV2 = schemaV2Tables + schemaV2Indexes

// schemaV1Reference is the legacy schema migrate.go reads from (never
// written by this repo). It is kept narrow, covering only the columns
// ConvertV1ToV2 actually touches, rather than a full reproduction of
// the source schema, since this codebase never creates v1 databases.
const schemaV1Reference = `
-- block_records: authoritative pointer is is_peak, not a per-row flag.
-- block_records(header_hash TEXT PRIMARY KEY, prev_hash TEXT, height INT,
--               block BLOB,              -- serialized BlockRecord
--               sub_epoch_summary BLOB, is_peak TINYINT)
-- full_blocks(header_hash TEXT PRIMARY KEY, height INT,
--             is_fully_compactified TINYINT, block BLOB)   -- uncompressed
-- coin_record(coin_name TEXT PRIMARY KEY, confirmed_index INT, spent_index INT,
--             spent INT, coinbase INT, puzzle_hash TEXT, coin_parent TEXT,
--             amount INT, timestamp INT)
-- hints(coin_id BLOB, hint BLOB)   -- duplicates permitted
-- sub_epoch_segments_v3(ses_block_hash TEXT PRIMARY KEY, challenge_segments BLOB)
-- database_version(version INT)
`

// hostParamLimit bounds the number of bound parameters in a single query.
// SQLite's compiled-in default is 32766, but older engine builds cap at
// 999, so batching stays at a conservative 900.
const hostParamLimit = 900
