package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sps2/sps2/internal/config"
	"github.com/sps2/sps2/internal/eventbus"
	"github.com/sps2/sps2/internal/progress"
	"github.com/sps2/sps2/internal/sps2"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/store"
	"github.com/sps2/sps2/internal/swap"
)

// app bundles one subcommand invocation's opened handles. Every
// subcommand calls openApp at the start of its RunE and defers app.Close.
type app struct {
	cfg   config.Config
	store *store.Store
	swap  *swap.Engine
	db    *statedb.DB
	bus   *eventbus.Bus
	log   *logrus.Logger

	detachLog      func()
	detachProgress func()
	renderer       *progress.Renderer
}

func openApp(opts *globalOptions) (*app, error) {
	if err := os.MkdirAll(opts.storeRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", opts.storeRoot, err)
	}

	cfg := config.Defaults()
	configPath := opts.configPath
	if configPath == "" {
		configPath = filepath.Join(opts.storeRoot, "config.toml")
	}
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	st, err := store.Open(opts.storeRoot)
	if err != nil {
		return nil, err
	}
	sw, err := swap.Open(opts.storeRoot)
	if err != nil {
		return nil, err
	}
	var initialID sps2.StateID
	if _, _, err := sw.CurrentLive(); err != nil {
		id, err := sw.Bootstrap()
		if err != nil {
			return nil, fmt.Errorf("bootstrap store root: %w", err)
		}
		initialID = id
	}
	db, err := statedb.Open(filepath.Join(opts.storeRoot, "state.db"))
	if err != nil {
		return nil, err
	}
	if initialID != "" {
		initial := sps2.State{ID: initialID, CreatedAt: time.Now(), Operation: "bootstrap", RootPath: sw.StatePath(initialID)}
		if err := db.Commit(statedb.Transition{State: initial}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("record initial state: %w", err)
		}
	}

	bus := eventbus.New(256)
	log := newLogger(opts.verbose)
	detachLog := eventbus.NewLogSink(log).Attach(bus)

	renderer := progress.New(!opts.noProgress)
	detachProgress := renderer.Attach(bus)

	return &app{
		cfg: cfg, store: st, swap: sw, db: db, bus: bus, log: log,
		detachLog: detachLog, detachProgress: detachProgress, renderer: renderer,
	}, nil
}

func (a *app) Close() error {
	a.detachLog()
	a.detachProgress()
	a.bus.Close()
	a.renderer.Close()
	return a.db.Close()
}
