package config

import "fmt"

// Validate checks runtime store config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir must not be empty")
	}
	if cfg.DBFileName == "" {
		return fmt.Errorf("db.filename must not be empty")
	}
	if cfg.ReaderPoolSize < 1 {
		return fmt.Errorf("db.readers must be >= 1")
	}
	switch cfg.Synchronous {
	case SynchronousOff, SynchronousNormal, SynchronousFull:
	default:
		return fmt.Errorf("db.synchronous must be off, normal, or full")
	}
	if cfg.BlockCacheSize < 0 {
		return fmt.Errorf("cache.blocks must be >= 0")
	}
	if cfg.SegmentCacheSize < 0 {
		return fmt.Errorf("cache.segments must be >= 0")
	}
	if cfg.HeightMapFlushInterval < 1 {
		return fmt.Errorf("heightmap.flush_interval must be >= 1")
	}
	return nil
}
