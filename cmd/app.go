package cmd

import (
	"context"
	"fmt"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/database"
	"github.com/scanfleet/scanfleet/internal/queue"
	"github.com/scanfleet/scanfleet/internal/store"
)

// app bundles the shared backends every command needs.
type app struct {
	cfg *config.Config
	db  database.DB
	st  *store.Store
	q   *queue.Queue
}

// openApp loads config and opens the database (always) and the broker
// (when withQueue). Migrations run on every open; they are cheap no-ops
// once applied.
func openApp(ctx context.Context, withQueue bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	a := &app{cfg: cfg, db: db, st: store.New(db)}

	if withQueue {
		q, err := queue.New(cfg.Redis)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.q = q
	}
	return a, nil
}

func (a *app) Close() {
	if a.q != nil {
		a.q.Close()
	}
	a.db.Close()
}
