package config

// DefaultConfig returns the store's default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                DefaultDataDir(),
		DBFileName:             "blockchain.sqlite",
		ReaderPoolSize:         4,
		Synchronous:            SynchronousFull,
		WAL:                    true,
		BlockCacheSize:         1000,
		SegmentCacheSize:       256,
		HeightMapFlushInterval: 1000,
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
