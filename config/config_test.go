package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != dir {
		t.Fatalf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.ReaderPoolSize != 4 || !cfg.WAL || cfg.Synchronous != SynchronousFull {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
	if cfg.DBPath() != filepath.Join(dir, "blockchain.sqlite") {
		t.Fatalf("DBPath = %q", cfg.DBPath())
	}
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	conf := `# test config
db.readers = 8
db.synchronous = normal
db.wal = false
cache.blocks = 50
log.level = debug
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(conf), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReaderPoolSize != 8 {
		t.Fatalf("ReaderPoolSize = %d, want 8", cfg.ReaderPoolSize)
	}
	if cfg.Synchronous != SynchronousNormal {
		t.Fatalf("Synchronous = %q", cfg.Synchronous)
	}
	if cfg.WAL {
		t.Fatal("WAL should be off")
	}
	if cfg.BlockCacheSize != 50 {
		t.Fatalf("BlockCacheSize = %d", cfg.BlockCacheSize)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	conf := "db.readers = 0\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(conf), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("zero reader pool should be rejected")
	}
}

func TestEnsureDataDirWritesDefaultConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "datadir")
	cfg := DefaultConfig()
	cfg.DataDir = dir
	if err := EnsureDataDir(cfg); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	// Idempotent.
	if err := EnsureDataDir(cfg); err != nil {
		t.Fatalf("second EnsureDataDir: %v", err)
	}
}
