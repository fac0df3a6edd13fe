package config

import (
	"flag"
	"fmt"
	"os"
)

// Flags holds the parsed command-line flags for the statedb CLI.
//
// statedb has no single-flagset "daemon mode": each invocation is one of
// the subcommands below acting on a database file.
type Flags struct {
	Command string // "upgrade", "validate", "backup", "weight-proof"

	// db upgrade
	In              string
	Out             string
	NoUpdateConfig  bool

	// db validate
	ValidateBlocks bool

	// db backup
	NoIndexes bool

	// weight-proof build/check
	WeightProofSub string // "build" or "check"
	SESHash        string // sub-epoch summary block hash, hex
	SegmentsFile   string // challenge segments input file (build only)

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	Args []string
}

// ParseFlags parses os.Args into Flags. The first positional argument
// selects the subcommand; remaining flags are subcommand-specific.
func ParseFlags() *Flags {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	f := &Flags{Command: os.Args[1]}
	fs := flag.NewFlagSet("statedb "+f.Command, flag.ExitOnError)

	fs.StringVar(&f.In, "in", "", "input database path")
	fs.StringVar(&f.Out, "out", "", "output database path")
	fs.BoolVar(&f.NoUpdateConfig, "no-update-config", false, "don't rewrite db.filename in the node config")
	fs.BoolVar(&f.ValidateBlocks, "validate-blocks", false, "also decompress and check every stored block")
	fs.BoolVar(&f.NoIndexes, "no-indexes", false, "skip index creation on the backup destination")
	fs.StringVar(&f.SESHash, "ses", "", "sub-epoch summary block hash (hex)")
	fs.StringVar(&f.SegmentsFile, "segments", "", "challenge segments input file")
	fs.StringVar(&f.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "output logs as JSON")

	switch f.Command {
	case "upgrade", "validate", "backup":
		// flags above cover these
	case "weight-proof":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: statedb weight-proof <build|check> [flags]")
			os.Exit(1)
		}
		f.WeightProofSub = os.Args[2]
		if err := fs.Parse(os.Args[3:]); err != nil {
			os.Exit(1)
		}
		f.Args = fs.Args()
		return f
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "statedb: unknown command %q\n", f.Command)
		printUsage()
		os.Exit(1)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	f.Args = fs.Args()
	return f
}

func printUsage() {
	usage := `statedb - consensus state store maintenance CLI

Usage:
  statedb upgrade [--in PATH] [--out PATH] [--no-update-config]
  statedb validate [--in PATH] [--validate-blocks]
  statedb backup [--in PATH] [--out PATH] [--no-indexes]
  statedb weight-proof build [--in PATH] --ses HASH --segments PATH
  statedb weight-proof check [--in PATH] --ses HASH

Exit codes:
  0  success
  1  operational error
  2  validation detected inconsistency
`
	fmt.Print(usage)
}
