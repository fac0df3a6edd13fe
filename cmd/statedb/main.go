// Consensus state store maintenance CLI.
//
// Usage:
//
//	statedb upgrade  [--in PATH] [--out PATH] [--no-update-config]
//	statedb validate [--in PATH] [--validate-blocks]
//	statedb backup   [--in PATH] [--out PATH] [--no-indexes]
//	statedb weight-proof build [--in PATH] --ses HASH --segments PATH
//	statedb weight-proof check [--in PATH] --ses HASH
//
// Exit codes: 0 success, 1 operational error, 2 validation detected an
// inconsistency.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harvestchain/statecore/config"
	"github.com/harvestchain/statecore/internal/corestore"
	klog "github.com/harvestchain/statecore/internal/log"
	"github.com/harvestchain/statecore/pkg/types"
)

const (
	exitOK          = 0
	exitOperational = 1
	exitInvalid     = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := config.ParseFlags()

	if err := klog.Init(flags.LogLevel, flags.LogJSON, flags.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}

	ctx := context.Background()

	switch flags.Command {
	case "upgrade":
		return cmdUpgrade(ctx, flags)
	case "validate":
		return cmdValidate(ctx, flags)
	case "backup":
		return cmdBackup(ctx, flags)
	case "weight-proof":
		return cmdWeightProof(ctx, flags)
	default:
		fmt.Fprintf(os.Stderr, "statedb: unknown command %q\n", flags.Command)
		return exitOperational
	}
}

// resolveIn returns the input database path: the --in flag if given, else
// the configured path under the default data directory.
func resolveIn(flags *config.Flags) (string, *config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return "", nil, err
	}
	if flags.In != "" {
		return flags.In, cfg, nil
	}
	return cfg.DBPath(), cfg, nil
}

func cmdUpgrade(ctx context.Context, flags *config.Flags) int {
	in, cfg, err := resolveIn(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}

	out := flags.Out
	if out == "" {
		out = upgradedPath(in)
	}

	if err := corestore.ConvertV1ToV2(ctx, in, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}

	// Point the node config at the upgraded file, unless the caller
	// supplied explicit paths or asked us not to.
	updateConfig := flags.In == "" && flags.Out == "" && !flags.NoUpdateConfig
	if updateConfig {
		configPath := filepath.Join(cfg.DataDir, config.ConfigFileName)
		if err := rewriteDatabasePath(configPath, filepath.Base(out)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: updating config: %v\n", err)
			return exitOperational
		}
		fmt.Printf("updated db.filename in %s\n", configPath)
	}

	fmt.Printf("upgraded database written to %s\nprevious database left untouched: %s\n", out, in)
	return exitOK
}

// upgradedPath derives the v2 output file name from the input: a "_v1_"
// path component becomes "_v2_"; anything else gets a ".v2" suffix before
// the extension.
func upgradedPath(in string) string {
	if strings.Contains(in, "_v1_") {
		return strings.Replace(in, "_v1_", "_v2_", 1)
	}
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + ".v2" + ext
}

func rewriteDatabasePath(configPath, dbFileName string) error {
	values, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	values["db.filename"] = dbFileName
	var sb strings.Builder
	for k, v := range values {
		fmt.Fprintf(&sb, "%s = %s\n", k, v)
	}
	return os.WriteFile(configPath, []byte(sb.String()), 0644)
}

func cmdValidate(ctx context.Context, flags *config.Flags) int {
	in, _, err := resolveIn(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}

	err = corestore.ValidateV2(ctx, in, corestore.ValidateOptions{
		ValidateBlocks: flags.ValidateBlocks,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, corestore.ErrCorruption) || errors.Is(err, corestore.ErrUnsupportedSchemaVersion) {
			return exitInvalid
		}
		return exitOperational
	}
	fmt.Printf("database is valid: %s\n", in)
	return exitOK
}

func cmdBackup(ctx context.Context, flags *config.Flags) int {
	in, _, err := resolveIn(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}
	out := flags.Out
	if out == "" {
		out = in + ".backup"
	}
	if err := corestore.BackupDB(ctx, in, out, !flags.NoIndexes); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}
	fmt.Printf("backup written to %s\n", out)
	return exitOK
}

func cmdWeightProof(ctx context.Context, flags *config.Flags) int {
	in, _, err := resolveIn(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}
	if flags.SESHash == "" {
		fmt.Fprintln(os.Stderr, "Error: --ses is required")
		return exitOperational
	}
	sesHash, err := types.HexToHash(flags.SESHash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --ses hash: %v\n", err)
		return exitOperational
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Dir(in)
	cfg.DBFileName = filepath.Base(in)

	store, err := corestore.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}
	blocks, err := corestore.NewBlockStore(store, cfg.BlockCacheSize, cfg.SegmentCacheSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOperational
	}

	switch flags.WeightProofSub {
	case "build":
		if flags.SegmentsFile == "" {
			fmt.Fprintln(os.Stderr, "Error: --segments is required for weight-proof build")
			return exitOperational
		}
		segments, err := os.ReadFile(flags.SegmentsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitOperational
		}
		err = store.Writer(ctx, func(ctx context.Context, w *corestore.WriterTx) error {
			return blocks.PersistSubEpochChallengeSegments(ctx, w, sesHash, segments)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitOperational
		}
		fmt.Printf("stored %d bytes of challenge segments for %s\n", len(segments), sesHash)
		return exitOK

	case "check":
		segments, found, err := blocks.GetSubEpochChallengeSegments(ctx, sesHash)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitOperational
		}
		if !found || len(segments) == 0 {
			fmt.Fprintf(os.Stderr, "no challenge segments stored for %s\n", sesHash)
			return exitInvalid
		}
		fmt.Printf("%d bytes of challenge segments stored for %s\n", len(segments), sesHash)
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "statedb: unknown weight-proof subcommand %q\n", flags.WeightProofSub)
		return exitOperational
	}
}
