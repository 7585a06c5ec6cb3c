package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"taskboard/internal/broadcast"
	"taskboard/internal/config"
	"taskboard/internal/db"
	"taskboard/internal/engine"
	"taskboard/internal/migrate"
)

// App owns the wired components for one workspace: store, engine, hub
// and sweeper. Nothing here is a package-level singleton; tests and the
// CLI construct and tear down their own App.
type App struct {
	Config *config.Config
	Engine engine.Engine
	Hub    *broadcast.Hub
	Log    *slog.Logger

	closeDB     func() error
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

type Options struct {
	Workspace string
	Log       *slog.Logger
	// WithHub attaches a websocket hub so committed events reach live
	// observers. CLI one-shot commands leave it off.
	WithHub bool
}

// Open loads config, opens and migrates the store and wires the engine.
func Open(opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	a := &App{
		Config:  cfg,
		Log:     log,
		closeDB: conn.Close,
	}
	var notifier engine.Notifier
	if opts.WithHub {
		a.Hub = broadcast.NewHub(log)
		notifier = a.Hub
	}
	a.Engine = engine.New(conn, cfg, notifier)
	return a, nil
}

// StartSweeper launches the expired-lock sweeper until Close.
func (a *App) StartSweeper() {
	if a.sweepCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	a.sweepDone = make(chan struct{})
	s := engine.Sweeper{
		Engine:   a.Engine,
		Interval: a.Config.Sweep.Interval.Std(),
		Log:      a.Log,
	}
	go func() {
		defer close(a.sweepDone)
		s.Run(ctx)
	}()
}

// Close stops the sweeper, drops live observers and closes the store.
func (a *App) Close() error {
	if a.sweepCancel != nil {
		a.sweepCancel()
		<-a.sweepDone
		a.sweepCancel = nil
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.closeDB != nil {
		return a.closeDB()
	}
	return nil
}

// AgentID returns the workspace's persisted agent identity, minting a
// uuid-derived one on first use so every CLI invocation from the same
// checkout claims locks under the same name.
func AgentID(workspace string) (string, error) {
	dir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "agent_id")
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := "agent-" + uuid.NewString()[:8]
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
