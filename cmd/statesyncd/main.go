// Command statesyncd keeps a working snapshot and its durable store
// reconciled, and exposes the sync controls over HTTP and MCP.
//
// Usage:
//
//	statesyncd -config statesync.yaml     # run with config file
//	statesyncd -db data/statesync.db      # run with defaults
//	statesyncd -db data/statesync.db -mcp # also serve MCP tools on stdio
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/statesync/audit"
	"github.com/hazyhaar/statesync/backup"
	"github.com/hazyhaar/statesync/config"
	"github.com/hazyhaar/statesync/connectivity"
	"github.com/hazyhaar/statesync/dbopen"
	"github.com/hazyhaar/statesync/engine"
	"github.com/hazyhaar/statesync/fsstore"
	"github.com/hazyhaar/statesync/gateway"
	"github.com/hazyhaar/statesync/reconcile"
	"github.com/hazyhaar/statesync/store"
	"github.com/hazyhaar/statesync/watch"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to statesync.yaml config file")
	dbPath := flag.String("db", "", "durable store path (overrides config)")
	addr := flag.String("addr", "", "admin listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	serveMCP := flag.Bool("mcp", false, "serve MCP tools on stdin/stdout")
	flag.Parse()

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		slog.Error("statesyncd: config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Apply(config.Overrides{StorePath: *dbPath, Addr: *addr, LogLevel: *logLevel}); err != nil {
		slog.Error("statesyncd: flags", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// Stdout belongs to the MCP transport when -mcp is set.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *serveMCP); err != nil {
		logger.Error("statesyncd: fatal", "error", err)
		os.Exit(1)
	}
}

// durableStore is the opened durable store plus what the daemon needs
// besides the Gateway methods.
type durableStore struct {
	gw       gateway.Gateway
	db       *sql.DB      // sqlite driver only
	revision watch.Source // sqlite driver only
	close    func() error
}

func openStore(cfg *config.Config) (*durableStore, error) {
	switch cfg.Store.Driver {
	case config.DriverFS:
		if cfg.Store.Lock {
			st, err := fsstore.NewOS(cfg.Store.Path)
			if err != nil {
				return nil, err
			}
			return &durableStore{gw: st, close: func() error { return nil }}, nil
		}
		st := fsstore.New(afero.NewOsFs(), cfg.Store.Path)
		return &durableStore{gw: st, close: func() error { return nil }}, nil
	default:
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return &durableStore{gw: st, db: st.DB, revision: st.ExternalRevision, close: st.Close}, nil
	}
}

func openAudit(cfg *config.Config, ds *durableStore, logger *slog.Logger) (*audit.SQLiteLogger, func(), error) {
	db := ds.db
	closeDB := func() {}
	if cfg.AuditDB != "" {
		var err error
		db, err = dbopen.Open(cfg.AuditDB, dbopen.WithMkdirAll())
		if err != nil {
			return nil, nil, fmt.Errorf("open audit db: %w", err)
		}
		closeDB = func() { db.Close() }
	}
	if db == nil {
		return nil, func() {}, nil
	}
	l := audit.NewSQLiteLogger(db, audit.WithLogger(logger))
	if err := l.Init(); err != nil {
		l.Close()
		closeDB()
		return nil, nil, err
	}
	return l, func() { l.Close(); closeDB() }, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, serveMCP bool) error {
	ds, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer ds.close()

	auditLog, closeAudit, err := openAudit(cfg, ds, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	breaker := gateway.NewCircuitBreaker(
		gateway.WithBreakerThreshold(cfg.Gateway.BreakerThreshold),
		gateway.WithBreakerResetTimeout(cfg.Gateway.BreakerReset),
	)
	gw := gateway.Guard(ds.gw,
		gateway.WithTimeout(cfg.Gateway.Timeout),
		gateway.WithBreaker(breaker),
		gateway.WithLogger(logger),
	)

	initial, err := gw.Load(ctx)
	if err != nil {
		return fmt.Errorf("load durable snapshot: %w", err)
	}
	ws := newWorkspace(initial)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	observer := connectivity.NewObserver(true)
	backups := backup.New(gw,
		backup.WithRetention(cfg.Backup.Retention),
		backup.WithChangeThreshold(cfg.Backup.ChangeThreshold),
		backup.WithMaxAge(cfg.Backup.MaxAge),
		backup.WithLogger(logger),
	)
	opts := []engine.Option{
		engine.WithStrategy(cfg.Strategy()),
		engine.WithTolerance(cfg.Sync.Tolerance),
		engine.WithInterval(cfg.Sync.Interval),
		engine.WithBackupManager(backups),
		engine.WithObserver(observer),
		engine.WithLogger(logger),
		engine.WithRegisterer(reg),
		engine.WithSavedHook(ws.adopt),
	}
	if auditLog != nil {
		opts = append(opts, engine.WithRecorder(auditLog))
	}
	eng := engine.New(gw, opts...)

	srv := &server{
		eng:      eng,
		ws:       ws,
		observer: observer,
		audit:    auditLog,
		gatherer: reg,
		logger:   logger,
	}

	if cfg.Probe.URL != "" {
		srv.prober = connectivity.NewProber(cfg.Probe.URL, observer,
			connectivity.WithInterval(cfg.Probe.Interval),
			connectivity.WithLogger(logger),
		)
		go srv.prober.Run(ctx)
	}

	if ds.revision != nil && !cfg.Watch.Disabled {
		srv.watcher = watch.New(ds.revision, watch.Options{
			Interval: cfg.Watch.Interval,
			Debounce: cfg.Watch.Debounce,
			Logger:   logger,
		})
		go srv.watcher.Run(ctx, func(_ context.Context, rev int64) error {
			logger.Info("statesyncd: durable store changed externally", "revision", rev)
			eng.NoteDurableChange()
			return nil
		})
	}

	if *cfg.Sync.AutoStart {
		eng.StartAutoSync(ctx, ws.source, func(conflicts []reconcile.Conflict) {
			for _, c := range conflicts {
				logger.Info("statesyncd: conflict", "kind", c.Kind, "entity_id", c.EntityID, "fields", c.Fields)
			}
		})
	}

	if serveMCP {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "statesyncd", Version: version}, nil)
		eng.RegisterMCP(mcpSrv, ws.source, srv.wrap)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("statesyncd: mcp stopped", "error", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("statesyncd: listening", "addr", cfg.Addr, "store", cfg.Store.Driver, "path", cfg.Store.Path,
			"strategy", eng.Strategy())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	}

	logger.Info("statesyncd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	return eng.Shutdown(shutdownCtx)
}
