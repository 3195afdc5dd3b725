package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/comptonizing/ekos-lightbucket/internal/cli"
	"github.com/comptonizing/ekos-lightbucket/internal/config"
	"github.com/comptonizing/ekos-lightbucket/internal/logging"
	"github.com/comptonizing/ekos-lightbucket/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	// History is optional; uploads work without it.
	var store *storage.Store
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		logger.Warn("upload history disabled", "error", err)
	} else if store, err = storage.New(cfg.Paths.DatabasePath); err != nil {
		logger.Warn("upload history disabled", "path", cfg.Paths.DatabasePath, "error", err)
	} else {
		defer store.Close()
	}

	root := cli.NewRoot(cfg, logger, store)
	if err := cli.NewRootCmd(root).ExecuteContext(context.Background()); err != nil {
		store.Close()
		os.Exit(1)
	}
}
