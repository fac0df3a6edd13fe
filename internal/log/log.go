// Package log provides the store's structured logging. Each collaborator
// writes through its own component-tagged logger so operators can filter
// the hot write path from the offline migration tooling.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Component loggers. All of them derive from one base logger and are
// rebuilt together whenever Init reconfigures it.
var (
	Store   zerolog.Logger // TransactionalStore
	Coin    zerolog.Logger // CoinStore
	Hint    zerolog.Logger // HintStore
	Height  zerolog.Logger // HeightMap
	Chain   zerolog.Logger // Blockchain coordinator
	Migrate zerolog.Logger // migration, validation, backup
)

var components = map[string]*zerolog.Logger{
	"store":      &Store,
	"coin_store": &Coin,
	"hint_store": &Hint,
	"height_map": &Height,
	"blockchain": &Chain,
	"migrate":    &Migrate,
}

func init() {
	rebuild(console(os.Stdout), zerolog.InfoLevel)
}

// Init reconfigures all component loggers: level names follow zerolog
// (debug, info, warn, error; unknown falls back to info), jsonOutput
// switches the console stream from human-readable to JSON, and a
// non-empty file additionally receives every event as JSON regardless of
// the console format.
func Init(level string, jsonOutput bool, file string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var stream io.Writer = os.Stdout
	if !jsonOutput {
		stream = console(os.Stdout)
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		stream = zerolog.MultiLevelWriter(stream, f)
	}

	rebuild(stream, lvl)
	return nil
}

func console(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

func rebuild(w io.Writer, lvl zerolog.Level) {
	base := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	for name, l := range components {
		*l = base.With().Str("component", name).Logger()
	}
}
