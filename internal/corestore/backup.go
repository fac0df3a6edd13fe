package corestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/harvestchain/statecore/internal/log"
)

// backupTables lists every v2 table, copied in dependency-free order.
var backupTables = []string{
	"database_version",
	"current_peak",
	"full_blocks",
	"sub_epoch_segments_v3",
	"coin_record",
	"hints",
}

// BackupDB copies a live v2 database into a fresh file at outPath. The
// copy runs as a single transaction against
// the source, so it captures a consistent snapshot even while a node is
// writing (WAL readers don't block the writer). withIndexes controls
// whether secondary indices are created on the destination; skipping them
// makes the backup smaller and faster, and a later open through
// EnsureSchema recreates them.
func BackupDB(ctx context.Context, inPath, outPath string, withIndexes bool) error {
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("corestore: backup: output file already exists: %s", outPath)
	}
	if _, err := os.Stat(inPath); err != nil {
		return fmt.Errorf("corestore: backup: input does not exist: %s", inPath)
	}

	// The source is opened read-write because ATTACH inherits the main
	// connection's open flags and the destination must be writable; the
	// source itself is only ever read from.
	db, err := sql.Open("sqlite", "file:"+inPath)
	if err != nil {
		return fmt.Errorf("corestore: backup: open source: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	// The destination is attached to the source connection so each table
	// copies server-side, without round-tripping rows through Go.
	if _, err := db.ExecContext(ctx, "ATTACH DATABASE ? AS backup_dst", "file:"+outPath); err != nil {
		return fmt.Errorf("corestore: backup: attach destination: %w", err)
	}
	defer db.ExecContext(context.Background(), "DETACH DATABASE backup_dst")

	for _, stmt := range []string{"PRAGMA backup_dst.journal_mode=OFF", "PRAGMA backup_dst.synchronous=OFF"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("corestore: backup: %s: %w", stmt, err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corestore: backup: begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, rewriteSchemaFor("backup_dst", schemaV2Tables)); err != nil {
		return fmt.Errorf("corestore: backup: create destination tables: %w", err)
	}
	for _, table := range backupTables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO backup_dst.%s SELECT * FROM %s", table, table)); err != nil {
			return fmt.Errorf("corestore: backup: copy %s: %w", table, err)
		}
	}
	if withIndexes {
		if _, err := tx.ExecContext(ctx, rewriteSchemaFor("backup_dst", schemaV2Indexes)); err != nil {
			return fmt.Errorf("corestore: backup: create destination indices: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("corestore: backup: commit: %w", err)
	}

	log.Migrate.Info().Str("out", outPath).Bool("indexes", withIndexes).Msg("backup complete")
	return nil
}

// rewriteSchemaFor qualifies every CREATE statement in ddl with the given
// attached-database name, so the shared DDL constants can target the
// backup destination.
func rewriteSchemaFor(dbName, ddl string) string {
	ddl = strings.ReplaceAll(ddl, "CREATE TABLE IF NOT EXISTS ", "CREATE TABLE IF NOT EXISTS "+dbName+".")
	return strings.ReplaceAll(ddl, "CREATE INDEX IF NOT EXISTS ", "CREATE INDEX IF NOT EXISTS "+dbName+".")
}
