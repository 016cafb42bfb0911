// Package daemon assembles the weft daemon: store, bus, pool, process
// supervisor, engine, session manager, coordinator, tracing, and the IPC
// server. Construction is explicit root-to-leaf wiring; no component
// reaches for a global.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/coordinator"
	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/ipc"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/pool"
	"github.com/weftworks/weft/internal/proc"
	"github.com/weftworks/weft/internal/session"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/tracing"
	"github.com/weftworks/weft/internal/werr"
)

// Exit codes for the daemon process.
const (
	ExitOK       = 0
	ExitConfig   = 64
	ExitLockHeld = 69
	ExitInternal = 70
)

// Daemon is the assembled process. Components are closed in reverse
// construction order.
type Daemon struct {
	cfg    config.Config
	layout store.Layout

	trace *tracing.Provider
	b     *bus.Bus
	hist  *store.History
	st    *store.Store
	watch *store.Watcher
	p     *pool.Pool
	sup   *proc.Supervisor
	eng   *engine.Engine
	mgr   *session.Manager
	coord *coordinator.Coordinator
	srv   *ipc.Server

	port     int
	tailStop context.CancelFunc
	tailDone chan struct{}
}

// New validates the config and builds every component. The returned
// daemon holds the workspace lock until Close.
func New(workspace string, cfg config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, werr.Wrap(werr.CodeConfigInvalid, err, "invalid configuration")
	}

	layout := store.NewLayout(workspace, cfg.WorkingDirectory)
	d := &Daemon{cfg: cfg, layout: layout}

	tcfg := cfg.Tracing
	if tcfg.Enabled && tcfg.Exporter == "file" && tcfg.FilePath == "" {
		tcfg.FilePath = filepath.Join(layout.CacheDir(), "traces.jsonl")
	}
	trace, err := tracing.NewProvider(tcfg)
	if err != nil {
		return nil, werr.Wrap(werr.CodeConfigInvalid, err, "tracing setup")
	}
	d.trace = trace

	d.b = bus.New()

	if h, err := store.OpenHistory(layout.HistoryDB()); err == nil {
		d.hist = h
	} else {
		log.Warn(log.CatDaemon, "History archive unavailable", "error", err)
	}
	st, err := store.Open(layout, d.b, store.Options{
		StaleLockTTL:  config.DefaultStaleLockTTL,
		History:       d.hist,
		FlushInterval: cfg.FlushInterval(),
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.st = st

	p, err := pool.New(st, d.b, pool.Options{
		Size: cfg.AgentPoolSize,
		Rest: cfg.Rest(),
	})
	if err != nil {
		d.Close()
		return nil, werr.Wrap(werr.CodeConfigInvalid, err, "building pool")
	}
	d.p = p

	d.sup = proc.NewSupervisor(d.b, proc.Options{
		StuckThreshold:  cfg.StuckThreshold(),
		GracePeriod:     config.DefaultProcessGracePeriod,
		OrphanSignature: cfg.OrphanSignature,
		Heartbeat:       cfg.StuckThreshold() / 4,
	})

	backend, err := engine.NewBackend(cfg.DefaultAgentBackend)
	if err != nil {
		d.Close()
		return nil, werr.Wrap(werr.CodeConfigInvalid, err, "selecting agent backend")
	}
	d.eng = engine.New(engine.Deps{
		Pool:                d.p,
		Supervisor:          d.sup,
		Bus:                 d.b,
		Store:               d.st,
		Backend:             backend,
		DefaultAgentTimeout: 10 * time.Minute,
	}, engine.Options{MaxSubgraphDepth: cfg.MaxSubgraphDepth})

	d.mgr = session.NewManager(d.st, d.b, d.eng, session.Options{
		HistoryKeep: config.DefaultCompletedHistoryKeep,
		Tracer:      trace.Tracer(),
	})

	d.coord = coordinator.New(d.mgr, d.b, coordinator.Options{
		Debounce: cfg.Debounce(),
		Cooldown: cfg.Cooldown(),
	})

	d.srv = ipc.NewServer(d.mgr, d.p, d.coord, d.b, d.st)
	return d, nil
}

// Start sweeps orphans, recovers persisted sessions, and opens the IPC
// listener.
func (d *Daemon) Start() error {
	if d.cfg.OrphanSignature != "" {
		if pids, err := d.sup.KillOrphans(); err != nil {
			log.Warn(log.CatDaemon, "Orphan sweep failed", "error", err)
		} else if len(pids) > 0 {
			log.Info(log.CatDaemon, "Orphan sweep reaped processes", "count", len(pids))
		}
	}

	d.mgr.RecoverAll()
	d.coord.Run()

	if w, err := store.NewWatcher(d.st, store.NotifyDebounce); err != nil {
		log.Warn(log.CatDaemon, "Store watcher unavailable", "error", err)
	} else if err := w.Start(); err != nil {
		log.Warn(log.CatDaemon, "Store watcher failed to start", "error", err)
	} else {
		d.watch = w
	}

	d.startLogTail()

	port, err := d.srv.Listen(0)
	if err != nil {
		return err
	}
	d.port = port
	log.Info(log.CatDaemon, "Daemon ready",
		"workspace", d.layout.Root(), "port", port, "poolSize", d.cfg.AgentPoolSize)
	return nil
}

// startLogTail forwards logger output onto the bus so IPC clients can
// subscribe to log.line for live tailing.
func (d *Daemon) startLogTail() {
	ctx, cancel := context.WithCancel(context.Background())
	listener := log.NewListener(ctx)
	if listener == nil {
		cancel()
		return
	}
	d.tailStop = cancel
	d.tailDone = make(chan struct{})
	go func() {
		defer close(d.tailDone)
		for {
			entry, ok := listener.Next()
			if !ok {
				return
			}
			d.b.Publish(bus.TopicLogLine, "daemon", map[string]any{"line": entry.Payload})
		}
	}()
}

// Port reports the bound IPC port, once Start succeeded.
func (d *Daemon) Port() int { return d.port }

// Wait blocks until ctx dies or a termination signal arrives.
func (d *Daemon) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		log.Info(log.CatDaemon, "Shutdown signal received", "signal", sig.String())
	}
}

// Close tears the daemon down in reverse construction order. Safe on a
// partially built daemon.
func (d *Daemon) Close() {
	if d.srv != nil {
		d.srv.Close()
	}
	if d.tailStop != nil {
		d.tailStop()
		<-d.tailDone
	}
	if d.watch != nil {
		_ = d.watch.Stop()
	}
	if d.coord != nil {
		d.coord.Close()
	}
	if d.mgr != nil {
		d.mgr.Close()
	}
	if d.sup != nil {
		d.sup.Close()
	}
	if d.p != nil {
		d.p.Close()
	}
	if d.st != nil {
		d.st.Close()
	}
	if d.hist != nil {
		d.hist.Close()
	}
	if d.b != nil {
		d.b.Close()
	}
	if d.trace != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.trace.Shutdown(shutdownCtx)
		cancel()
	}
}

// ExitCode maps a startup error to the documented process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch werr.CodeOf(err) {
	case werr.CodeConfigInvalid:
		return ExitConfig
	case werr.CodeLockHeld:
		return ExitLockHeld
	}
	return ExitInternal
}
