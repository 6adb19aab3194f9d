package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"flatmaster/internal/cli"
	"flatmaster/internal/config"
	"flatmaster/internal/logging"
	"flatmaster/internal/pipeline"
	"flatmaster/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if cfg.Scan.CacheMetadata && cfg.Scan.MetadataRetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Scan.MetadataRetentionDays)
		if n, err := store.PruneMetadata(cutoff); err != nil {
			log.Warn("metadata cache prune failed", "error", err)
		} else if n > 0 {
			log.Info("pruned metadata cache", "rows", n, "older_than", cutoff.Format(time.DateOnly))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe := pipeline.New(ctx, runtime.NumCPU(), log, store, cfg)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
