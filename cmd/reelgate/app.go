package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/dusk-indust/reelgate/internal/config"
	"github.com/dusk-indust/reelgate/internal/db"
	"github.com/dusk-indust/reelgate/internal/orchestrator"
	"github.com/dusk-indust/reelgate/internal/stages"
	"github.com/dusk-indust/reelgate/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// app is the in-process pipeline: store, storage, stage runner, and
// orchestrator wired from one configuration.
type app struct {
	cfg     *config.Config
	store   db.Store
	storage *storage.Manager
	orch    *orchestrator.Orchestrator
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	mgr, err := storage.New(cfg.RunsDir)
	if err != nil {
		return nil, err
	}

	path := cfg.Database.Path
	if path == "" && cfg.Database.Driver != "memory" {
		path = filepath.Join(cfg.RunsDir, "reelgate."+cfg.Database.Driver)
	}
	store, err := db.Open(ctx, cfg.Database.Driver, path, db.WithDecisionDir(cfg.RunsDir))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	if cfg.Database.Driver == "memory" {
		log.Printf("[reelgate] WARNING: memory store in use; jobs do not survive a restart")
	}

	runner := stages.FromConfig(cfg, mgr)
	orch := orchestrator.New(store, runner,
		orchestrator.WithGates(cfg.GatePolicies()),
		orchestrator.WithStateWriter(mgr),
	)
	return &app{cfg: cfg, store: store, storage: mgr, orch: orch}, nil
}

// Close waits for the execution lane, then closes the store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(a.orch.Close(ctx), a.store.Close())
}

// sweepLoop runs the gate timeout sweep every interval until ctx is done.
func sweepLoop(ctx context.Context, orch *orchestrator.Orchestrator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := orch.CheckGateTimeouts(ctx); n > 0 {
				log.Printf("[sweep] auto-approved %d gate(s)", n)
			}
		}
	}
}
