package app

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"sitesync/internal/config"
	"sitesync/internal/coordinator"
	"sitesync/internal/db"
	"sitesync/internal/events"
	"sitesync/internal/executor"
	"sitesync/internal/migrate"
	"sitesync/internal/netmon"
	"sitesync/internal/queue"
	"sitesync/internal/remote"
)

// App is the composition root: one explicitly owned coordinator per process,
// initialized at start and torn down at exit.
type App struct {
	DB          *sql.DB
	Config      *config.Config
	Store       queue.Store
	Events      events.Writer
	Monitor     *netmon.Monitor
	Remote      *remote.Client
	Exec        executor.Executor
	Coordinator *coordinator.Coordinator
	Log         *slog.Logger
}

// Open builds the full sync stack for a workspace. Records left in syncing
// by a crashed run are requeued before anything else touches the store.
func Open(ctx context.Context, workspace string, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	store := queue.Store{DB: conn}
	if n, err := store.RequeueStuck(ctx); err != nil {
		conn.Close()
		return nil, err
	} else if n > 0 {
		log.Info("requeued interrupted records", "count", n)
	}

	ew := events.Writer{DB: conn}
	client := remote.New(cfg.Remote.BaseURL, cfg.Remote.Token)
	client.HTTPClient.Timeout = cfg.Remote.Timeout.Std()
	mon := netmon.New(
		strings.TrimRight(cfg.Remote.BaseURL, "/")+"/v1/health",
		cfg.Network.ProbeTimeout.Std(),
		cfg.Network.ProbeInterval.Std(),
		netmon.Thresholds{
			Poor:      time.Duration(cfg.Network.PoorLatencyMS) * time.Millisecond,
			Excellent: time.Duration(cfg.Network.ExcellentLatencyMS) * time.Millisecond,
		},
	)
	exec := executor.Executor{Store: store, Remote: client, Network: mon, Events: ew}
	coord := coordinator.New(store, mon, exec, ew, log, cfg.Sync.AutoSync)

	return &App{
		DB:          conn,
		Config:      cfg,
		Store:       store,
		Events:      ew,
		Monitor:     mon,
		Remote:      client,
		Exec:        exec,
		Coordinator: coord,
		Log:         log,
	}, nil
}

// Close tears the app down.
func (a *App) Close() error {
	a.Coordinator.Close()
	return a.DB.Close()
}
