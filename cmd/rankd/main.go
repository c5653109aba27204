/*
main.go - rankd entry point

PURPOSE:
  Command line for the rank & points policy engine. Loads configuration,
  wires the store, engine, event publisher and HTTP API, and exposes a few
  operator commands that run without the server.

COMMANDS:
  rankd serve          Run the HTTP API and the background maintenance scheduler
  rankd maintenance    Run expiry sweeps and the monthly reset once, then exit
  rankd ranks          Print the effective rank table as JSON
  rankd token          Issue a bearer token for local testing

GLOBAL FLAGS:
  --config   YAML config file (see config/config.go for keys)
  --debug    Force debug logging

STARTUP SEQUENCE (serve):
  1. Load config (defaults, file, .env, RANKD_* env)
  2. Build logger and set GOMAXPROCS
  3. Open SQLite store and persist the rank table
  4. Build engine with metrics and optional NATS publisher
  5. Start maintenance scheduler and HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the maintenance scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Drain NATS and close the database

EXAMPLES:
  # Run with file database
  RANKD_DATABASE_PATH=./data/rankd.db ./rankd serve

  # Run with in-memory database and a custom hierarchy
  RANKD_DATABASE_PATH=":memory:" ./rankd serve --ranks ./ranks.yaml

  # Run the monthly jobs from cron instead of the server
  ./rankd maintenance --config ./rankd.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - engine/engine.go: PolicyEngine
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/warp/rank-engine/api"
	"github.com/warp/rank-engine/config"
	"github.com/warp/rank-engine/engine"
	"github.com/warp/rank-engine/factory"
	"github.com/warp/rank-engine/logging"
	"github.com/warp/rank-engine/notify"
	"github.com/warp/rank-engine/store/sqlite"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

const programName = "rankd"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

// app is everything a command needs after the common setup.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func setup() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if globalFlags.debug {
		cfg.LogLevel = "debug"
	}

	logger, err := logging.Init(logging.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	logger = logger.With(zap.String("component", programName))

	// Configure max processes with our logger wrapper, toss undo func
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) rankTable() (*engine.RankTable, error) {
	if a.cfg.RanksFile == "" {
		return factory.DefaultRankTable(), nil
	}
	return factory.LoadRankFile(a.cfg.RanksFile)
}

// openEngine opens the store, persists the rank table and builds the engine.
// The returned cleanup closes everything that was opened.
func (a *app) openEngine(ctx context.Context, registry prometheus.Registerer) (*engine.PolicyEngine, *sqlite.Store, func(), error) {
	ranks, err := a.rankTable()
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := sqlite.New(a.cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	for _, d := range ranks.All() {
		if err := store.SaveRank(ctx, d); err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("failed to persist rank %s: %w", d.ID, err)
		}
	}

	opts := engine.Options{
		Logger:      a.logger.Named("engine"),
		ResetDay:    a.cfg.RoleResetDay,
		DefaultRank: engine.RankID(a.cfg.DefaultRank),
	}
	if registry != nil {
		opts.Metrics = &engine.Metrics{}
		opts.Metrics.Register(registry)
	}

	var publisher *notify.NatsPublisher
	if a.cfg.NatsURL != "" {
		publisher, err = notify.Connect(a.cfg.NatsURL, a.cfg.NatsSubject, a.logger.Named("nats"))
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		opts.Publisher = publisher
	}

	cleanup := func() {
		if publisher != nil {
			publisher.Close()
		}
		if err := store.Close(); err != nil {
			a.logger.Warn("failed to close database", zap.Error(err))
		}
	}
	return engine.New(store, ranks, opts), store, cleanup, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func serveCommand() *cobra.Command {
	var ranksFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.logger.Sync()
			if ranksFile != "" {
				a.cfg.RanksFile = ranksFile
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&ranksFile, "ranks", "", "rank table file (.json or .yaml)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	var (
		registry *prometheus.Registry
		reg      prometheus.Registerer
	)
	if a.cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg = registry
	}

	eng, store, cleanup, err := a.openEngine(ctx, reg)
	if err != nil {
		return err
	}
	defer cleanup()

	handler := api.NewHandler(eng, store, a.logger.Named("api"))

	scheduler := api.NewMaintenanceScheduler(eng, a.logger.Named("scheduler"))
	scheduler.CheckInterval = a.cfg.MaintenanceInterval
	scheduler.Start()
	defer scheduler.Stop()

	routerCfg := api.RouterConfig{
		Auth:           api.NewAuthenticator(a.cfg.JWTSecret, a.cfg.OperatorRoles),
		AllowedOrigins: a.cfg.AllowedOrigins,
		RequestTimeout: a.cfg.RequestTimeout,
		RateLimit:      a.cfg.RateLimit,
	}
	if registry != nil {
		routerCfg.Metrics = registry
	}
	if routerCfg.Auth == nil {
		a.logger.Warn("no jwt secret configured, every request acts as the dev operator")
	}

	server := &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("database", a.cfg.DatabasePath),
			zap.Int("ranks", len(eng.Ranks().Ordered())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		a.logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}

func maintenanceCommand() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run role expiry and the monthly reset once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			now := time.Now()
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			eng, _, cleanup, err := a.openEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := eng.RunScheduledMaintenance(cmd.Context(), now)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "run as of this RFC3339 time instead of now")
	return cmd
}

func ranksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ranks",
		Short: "Print the effective rank table",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			ranks, err := a.rankTable()
			if err != nil {
				return err
			}
			file := factory.RankTableFile{}
			for _, d := range ranks.All() {
				file.Ranks = append(file.Ranks, factory.ToJSON(d))
			}
			return printJSON(cmd, file)
		},
	}
}

func tokenCommand() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			auth := api.NewAuthenticator(a.cfg.JWTSecret, a.cfg.OperatorRoles)
			if auth == nil {
				return errors.New("no jwt secret configured")
			}
			if subject == "" {
				return errors.New("--sub is required")
			}
			token, err := auth.IssueToken(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role claim, e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Rank & points policy engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	// Subcommands
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(maintenanceCommand())
	rootCmd.AddCommand(ranksCommand())
	rootCmd.AddCommand(tokenCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}
