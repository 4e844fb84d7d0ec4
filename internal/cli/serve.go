package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/lattice-collab/internal/api"
	"github.com/manpreetbhatti/lattice-collab/internal/auth"
	"github.com/manpreetbhatti/lattice-collab/internal/config"
	"github.com/manpreetbhatti/lattice-collab/internal/db"
	"github.com/manpreetbhatti/lattice-collab/internal/discovery"
	"github.com/manpreetbhatti/lattice-collab/internal/document"
	"github.com/manpreetbhatti/lattice-collab/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-collab/internal/reaper"
	"github.com/manpreetbhatti/lattice-collab/internal/room"
	"github.com/manpreetbhatti/lattice-collab/internal/steps"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
	"github.com/manpreetbhatti/lattice-collab/internal/store/boltdb"
	"github.com/manpreetbhatti/lattice-collab/internal/store/pgdb"
	"github.com/manpreetbhatti/lattice-collab/internal/store/redisdb"
	"github.com/manpreetbhatti/lattice-collab/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command. Only flags set on the
// command line override the loaded configuration.
type ServeOptions struct {
	*RootOptions
	flags config.Config
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		Long: `Run the websocket and admin HTTP server.

Clients connect to /ws/<namespace> and join rooms by name. The admin API is
served under /api and the health check at /health.

Example:
  lattice-collab serve --port 8080 --store sqlite --db-path ./data/lattice.db
  lattice-collab serve --store redis --redis-addr localhost:6379 --mdns`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(func(cfg *config.Config) { opts.overlay(cmd, cfg) })
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, newLogger(cfg))
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.flags.Port, "port", def.Port, "listen port")
	f.StringVar(&opts.flags.NamespacePattern, "namespace-pattern", def.NamespacePattern, "regexp namespaces must match")
	f.DurationVar(&opts.flags.LockDelay, "lock-delay", def.LockDelay, "delay between room lock attempts")
	f.IntVar(&opts.flags.LockRetries, "lock-retries", def.LockRetries, "room lock retries after the first attempt")
	f.IntVar(&opts.flags.MaxStoredSteps, "max-stored-steps", def.MaxStoredSteps, "step records kept per room")
	f.StringVar(&opts.flags.Store, "store", def.Store, "store driver (sqlite|redis|postgres|bolt|memory)")
	f.StringVar(&opts.flags.DBPath, "db-path", def.DBPath, "database file for the sqlite and bolt stores")
	f.StringVar(&opts.flags.RedisAddr, "redis-addr", def.RedisAddr, "redis address")
	f.StringVar(&opts.flags.DatabaseURL, "database-url", def.DatabaseURL, "postgres connection URL")
	f.StringVar(&opts.flags.JWTSecret, "jwt-secret", "", "require HS256 join tokens signed with this secret")
	f.Float64Var(&opts.flags.RateLimit, "rate-limit", def.RateLimit, "inbound frames per second per connection")
	f.IntVar(&opts.flags.RateBurst, "rate-burst", def.RateBurst, "inbound frame burst per connection")
	f.DurationVar(&opts.flags.ReapInterval, "reap-interval", 0, "how often to release abandoned locks (0 disables)")
	f.DurationVar(&opts.flags.StaleLockAfter, "stale-lock-after", 0, "age after which a held lock is abandoned")
	f.BoolVar(&opts.flags.MDNS, "mdns", false, "advertise the server over mDNS")
	f.StringVar(&opts.flags.Applier, "applier", def.Applier, "step applier (prosemirror|opaque)")
	f.StringVar(&opts.flags.SeedFile, "seed-file", "", "JSON snapshot installed in new rooms")

	return cmd
}

func (o *ServeOptions) overlay(cmd *cobra.Command, cfg *config.Config) {
	src := o.flags
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("port", func() { cfg.Port = src.Port })
	set("namespace-pattern", func() { cfg.NamespacePattern = src.NamespacePattern })
	set("lock-delay", func() { cfg.LockDelay = src.LockDelay })
	set("lock-retries", func() { cfg.LockRetries = src.LockRetries })
	set("max-stored-steps", func() { cfg.MaxStoredSteps = src.MaxStoredSteps })
	set("store", func() { cfg.Store = src.Store })
	set("db-path", func() { cfg.DBPath = src.DBPath })
	set("redis-addr", func() { cfg.RedisAddr = src.RedisAddr })
	set("database-url", func() { cfg.DatabaseURL = src.DatabaseURL })
	set("jwt-secret", func() { cfg.JWTSecret = src.JWTSecret })
	set("rate-limit", func() { cfg.RateLimit = src.RateLimit })
	set("rate-burst", func() { cfg.RateBurst = src.RateBurst })
	set("reap-interval", func() { cfg.ReapInterval = src.ReapInterval })
	set("stale-lock-after", func() { cfg.StaleLockAfter = src.StaleLockAfter })
	set("mdns", func() { cfg.MDNS = src.MDNS })
	set("applier", func() { cfg.Applier = src.Applier })
	set("seed-file", func() { cfg.SeedFile = src.SeedFile })
}

// openBackend connects the configured store driver.
func openBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		return db.New(cfg.DBPath)
	case config.StoreBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		return boltdb.New(cfg.DBPath)
	case config.StoreRedis:
		return redisdb.New(ctx, cfg.RedisAddr, "lattice")
	case config.StorePostgres:
		return pgdb.New(ctx, cfg.DatabaseURL)
	case config.StoreMemory:
		return store.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// loadSeed reads a {"version": n, "doc": ...} snapshot.
func loadSeed(path string) (document.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return document.Snapshot{}, fmt.Errorf("read seed: %w", err)
	}
	var seed document.Snapshot
	if err := json.Unmarshal(data, &seed); err != nil {
		return seed, fmt.Errorf("parse seed %s: %w", path, err)
	}
	if len(seed.Doc) == 0 || seed.Version < 0 {
		return seed, fmt.Errorf("seed %s needs a doc and a non-negative version", path)
	}
	return seed, nil
}

// buildHooks assembles the join and leave hooks the configuration asks for.
func buildHooks(cfg config.Config) (room.Hooks, error) {
	var hooks room.Hooks
	if cfg.SeedFile != "" {
		seed, err := loadSeed(cfg.SeedFile)
		if err != nil {
			return hooks, err
		}
		hooks.InitDocument = room.SeedDocument(seed)
	}
	if cfg.JWTSecret != "" {
		hooks.ConnectionGuard = auth.New(cfg.JWTSecret).Guard
	}
	return hooks, nil
}

// newRouter mounts the admin API and the websocket endpoint.
func newRouter(a *api.API, wsServer http.Handler) http.Handler {
	router := mux.NewRouter()
	a.Register(router)
	router.PathPrefix("/ws").Handler(wsServer)
	return corsMiddleware(router)
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	st := store.New(backend, store.Options{
		LockDelay:   cfg.LockDelay,
		LockRetries: cfg.LockRetries,
		Logger:      logger,
	})
	defer st.Close()

	applier, err := steps.ByName(cfg.Applier)
	if err != nil {
		return err
	}
	hooks, err := buildHooks(cfg)
	if err != nil {
		return err
	}

	// Connections outlive the signal so their leave flow can still reach the
	// store during shutdown.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	hub := ws.NewHub(logger)
	go hub.Run(connCtx)

	coord := room.NewCoordinator(st, hub, hooks, room.Options{
		Applier:        applier,
		MaxStoredSteps: cfg.MaxStoredSteps,
		Logger:         logger,
	})

	limiters := ratelimit.NewClientLimiters(ratelimit.Config{
		Rate:   cfg.RateLimit,
		Burst:  cfg.RateBurst,
		Logger: logger,
	})
	defer limiters.Stop()

	wsServer, err := ws.NewServer(connCtx, hub, coord, ws.ServerConfig{
		NamespacePattern: cfg.NamespacePattern,
		Limiters:         limiters,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	reaperCfg := reaper.Config{Interval: cfg.ReapInterval, StaleAfter: cfg.StaleLockAfter}
	if reaperCfg.Enabled() {
		if lr, ok := backend.(store.LockReaper); ok {
			svc := reaper.New(lr, reaperCfg, logger)
			svc.Start()
			defer svc.Stop()
		} else {
			logger.Warn("lock reaping not supported by store", "store", cfg.Store)
		}
	}

	if cfg.MDNS {
		announcer, err := discovery.Announce(discovery.Config{
			Port:             cfg.Port,
			NamespacePattern: cfg.NamespacePattern,
			Store:            cfg.Store,
		}, logger)
		if err != nil {
			logger.Warn("mdns disabled", "error", err)
		} else {
			defer announcer.Shutdown()
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(api.New(coord, st, cfg.Store, logger), wsServer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("lattice-collab server starting",
			"addr", srv.Addr,
			"store", cfg.Store,
			"applier", cfg.Applier,
			"namespace_pattern", cfg.NamespacePattern)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	hub.Close()
	if err := wsServer.Wait(shutdownCtx); err != nil {
		logger.Warn("connections still open at shutdown", "error", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
