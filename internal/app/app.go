package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/NeatMonster/IDAConnect/pkg/api"
	"github.com/NeatMonster/IDAConnect/pkg/compactor"
	"github.com/NeatMonster/IDAConnect/pkg/config"
	"github.com/NeatMonster/IDAConnect/pkg/hub"
	"github.com/NeatMonster/IDAConnect/pkg/logger"
	"github.com/NeatMonster/IDAConnect/pkg/registry"
	"github.com/NeatMonster/IDAConnect/pkg/sequencer"
	"github.com/NeatMonster/IDAConnect/pkg/session"
	"github.com/NeatMonster/IDAConnect/pkg/store"
	"github.com/NeatMonster/IDAConnect/pkg/telemetry"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg  *config.Config
	addr string

	st   *store.Store
	reg  *registry.Registry
	hub  *hub.Hub
	comp *compactor.Compactor

	srv *http.Server
}

// New opens the store and wires the core: registry, hub, sequencer,
// session handler, compactor and the HTTP surface. It does not start
// serving; call Run to serve and block until shutdown.
func New(cfg *config.Config, addr, dbPath string) (*App, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dbPath, err)
	}

	reg := registry.New(st)
	reg.OnCreate(func(b *registry.Branch) {
		telemetry.Branches.Inc()
		logger.Info("branch_materialized", "project", b.Project, "branch", b.Name, "seq", b.LastSeq())
	})
	h := hub.New(cfg.Session.QueueDepth)
	seq := sequencer.New(st, h)

	sess := &session.Handler{
		Registry:  reg,
		Store:     st,
		Hub:       h,
		Sequencer: seq,
		Opts: session.Options{
			ReplayChunk: cfg.Session.ReplayChunk,
			MaxPayload:  cfg.Session.MaxPayload,
			RPS:         cfg.Session.RateLimit.RPS,
			Burst:       cfg.Session.RateLimit.Burst,
		},
	}

	comp := compactor.New(st, reg, compactor.Options{
		Enabled:   cfg.Snapshot.Enabled,
		Cron:      cfg.Snapshot.Cron,
		Threshold: cfg.Snapshot.Threshold,
		Prune:     cfg.Snapshot.Prune,
	})

	a := &App{
		cfg:  cfg,
		addr: addr,
		st:   st,
		reg:  reg,
		hub:  h,
		comp: comp,
		srv:  &http.Server{Addr: addr, Handler: api.Handler(st, reg, sess)},
	}
	if err := a.rehydrate(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// rehydrate materializes handles for every persisted branch so counters
// are warm and the compactor sees pre-existing branches.
func (a *App) rehydrate() error {
	projects, err := a.st.ListProjects()
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	n := 0
	for _, p := range projects {
		branches, err := a.st.ListBranches(p.Name)
		if err != nil {
			return fmt.Errorf("list branches for %s: %w", p.Name, err)
		}
		for _, b := range branches {
			if _, err := a.reg.ResolveOrCreate(p.Name, b.Name); err != nil {
				return fmt.Errorf("rehydrate %s/%s: %w", p.Name, b.Name, err)
			}
			n++
		}
	}
	if n > 0 {
		logger.Info("branches_rehydrated", "count", n)
	}
	return nil
}

// Run serves until ctx is cancelled or a fatal server error occurs, then
// drains: stop accepting, close sessions, stop the compactor, close the
// store.
func (a *App) Run(ctx context.Context) error {
	stopCompactor, err := a.comp.Start(ctx)
	if err != nil {
		return err
	}
	defer stopCompactor()

	errCh := make(chan error, 1)
	go func() {
		cert := a.cfg.Server.TLS.CertFile
		key := a.cfg.Server.TLS.KeyFile
		var serveErr error
		if cert != "" && key != "" {
			logger.Info("listening", "addr", a.addr, "tls", true)
			serveErr = a.srv.ListenAndServeTLS(cert, key)
		} else {
			logger.Info("listening", "addr", a.addr, "tls", false)
			serveErr = a.srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.st.Close()
		return err
	}

	// Graceful drain; websocket sessions are hijacked connections, so
	// follow up with a hard close for any that linger.
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(shCtx)
	_ = a.srv.Close()

	if err := a.st.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
		return err
	}
	logger.Info("shutdown_complete")
	return nil
}
