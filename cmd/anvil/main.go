package main

import (
	"log"
	"os"

	"github.com/tgrahn/anvil/internal/api"
	"github.com/tgrahn/anvil/internal/config"
	"github.com/tgrahn/anvil/internal/engine"
	"github.com/tgrahn/anvil/internal/inventory"
	"github.com/tgrahn/anvil/internal/runner"
	"github.com/tgrahn/anvil/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("anvil: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"inventory", cfg.InventoryPath,
		"playbook_dir", cfg.PlaybookDir,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	registry, err := inventory.Load(cfg.InventoryPath)
	if err != nil {
		log.Fatalf("failed to load inventory: %v", err)
	}
	logger.Info("inventory loaded", "hosts", len(registry.Hosts()))

	pb := &runner.PlaybookRunner{
		PlaybookDir: cfg.PlaybookDir,
		Grace:       cfg.CancelGrace,
		Logger:      logger,
	}
	runners := runner.NewRegistry()
	runners.Register("ssh", pb)
	runners.Register("local", pb)

	eng := engine.New(db, registry, runners, logger, engine.Config{
		MaxRunning:         cfg.MaxRunning,
		MaxQueued:          cfg.MaxQueued,
		MaxAttempts:        cfg.MaxAttempts,
		Timeout:            cfg.DefaultTimeout,
		TransientExitCodes: cfg.TransientExitCodes,
	})
	defer eng.Close()

	srv := api.NewServer(cfg.ListenAddr, eng, registry, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
