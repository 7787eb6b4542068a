package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/pdq/internal/config"
	"github.com/ehr/pdq/internal/domain/pdq"
	"github.com/ehr/pdq/internal/platform/auth"
	"github.com/ehr/pdq/internal/platform/db"
	"github.com/ehr/pdq/internal/platform/hl7v2"
	"github.com/ehr/pdq/internal/platform/middleware"
	"github.com/ehr/pdq/internal/platform/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pdq-supplier",
		Short:        "HL7v2 Patient Demographics Query supplier",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to an env-format config file (default ./.env)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queryCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listener and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema = migrationSchema(schema, cfg)
			migrator := db.NewMigrator(pool, os.DirFS(dir), ".")
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema = migrationSchema(schema, cfg)
			migrator := db.NewMigrator(pool, os.DirFS(dir), ".")
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationSchema(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.DBSchema
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [@PID.x.y=value ...]",
		Short: "Send a PDQ or PDQV query to an MLLP peer and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			kind, _ := cmd.Flags().GetString("type")
			sendingApp, _ := cmd.Flags().GetString("sending-app")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			req, err := buildQueryRequest(kind, sendingApp, args)
			if err != nil {
				return err
			}
			raw, err := hl7v2.GenerateQBP(req)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client := &hl7v2.Client{Addr: addr, Timeout: timeout}
			resp, err := client.Send(ctx, raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(strings.ReplaceAll(string(resp), "\r", "\n"), "\n"))
			return nil
		},
	}
	cmd.Flags().String("addr", "localhost:2575", "MLLP address of the supplier")
	cmd.Flags().String("type", "pdq", "Query variant: pdq or pdqv")
	cmd.Flags().String("sending-app", "", "MSH-3 sending application")
	cmd.Flags().Duration("timeout", 10*time.Second, "Round trip timeout")
	return cmd
}

// buildQueryRequest turns "code=value" arguments into a QBP request for the
// named variant.
func buildQueryRequest(kind, sendingApp string, args []string) (hl7v2.QueryRequest, error) {
	v := pdq.ParseVariant(kind)
	if !v.Valid() {
		return hl7v2.QueryRequest{}, fmt.Errorf("unknown query type %q (want pdq or pdqv)", kind)
	}
	req := hl7v2.QueryRequest{
		MessageType: v.RequestType(),
		SendingApp:  sendingApp,
	}
	for _, arg := range args {
		code, value, ok := strings.Cut(arg, "=")
		code = strings.TrimSpace(code)
		if !ok || code == "" {
			return hl7v2.QueryRequest{}, fmt.Errorf("invalid query parameter %q (want code=value)", arg)
		}
		req.Params = append(req.Params, hl7v2.QueryParam{Code: code, Value: value})
	}
	return req, nil
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ConnectTimeout:  10 * time.Second,
		ApplicationName: "pdq-supplier",
	}
}

// supplierConfiguration maps the environment settings to a supplier snapshot.
func supplierConfiguration(cfg *config.Config) pdq.Configuration {
	return pdq.Configuration{
		Enabled:             cfg.PDQEnabled,
		SendingApplication:  cfg.PDQSendingApplication,
		SendingFacility:     cfg.PDQSendingFacility,
		CharacterSet:        cfg.PDQCharacterSet,
		Language:            cfg.PDQLanguage,
		Country:             cfg.PDQCountry,
		AllowedApplications: cfg.PDQAllowedApplications,
		FilterByAllowedApp:  cfg.PDQFilterByAllowedApp,
	}
}

func newConfigStore(cfg *config.Config, pool *pgxpool.Pool) pdq.ConfigStore {
	var store pdq.ConfigStore
	if cfg.PDQConfigSource == config.ConfigSourceDatabase {
		store = pdq.NewConfigStore(pool, cfg.DBSchema)
	} else {
		store = pdq.NewStaticConfigStore(supplierConfiguration(cfg))
	}
	return pdq.NewCachedConfigStore(store, cfg.PDQConfigCacheTTL)
}

func loadProfiles(dir string) (*hl7v2.ProfileSet, error) {
	if dir == "" {
		return hl7v2.DefaultProfiles()
	}
	return hl7v2.LoadProfilesDir(dir)
}

// newRouter dispatches both query variants to the supplier. Unknown message
// types are rejected by the router itself.
func newRouter(cfg *config.Config, supplier hl7v2.Handler, logger zerolog.Logger) *hl7v2.Router {
	router := hl7v2.NewRouter(hl7v2.Header{
		SendingApp:   cfg.PDQSendingApplication,
		SendingFac:   cfg.PDQSendingFacility,
		Country:      cfg.PDQCountry,
		CharacterSet: cfg.PDQCharacterSet,
		Language:     cfg.PDQLanguage,
	}, logger)
	router.Handle(pdq.PDQRequestType, "pdq", supplier)
	router.Handle(pdq.PDQVRequestType, "pdqv", supplier)
	return router
}

// newEcho builds the HTTP API. metrics and health may be nil.
func newEcho(cfg *config.Config, supplier *pdq.Supplier, health echo.HandlerFunc, metrics *telemetry.Provider, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if metrics != nil {
		e.Use(metrics.MetricsMiddleware())
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(int64(cfg.MLLPMaxMessageSize)))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if health != nil {
		e.GET("/health/db", health)
	}
	if metrics != nil {
		e.GET("/metrics", metrics.PrometheusHandler())
	}

	var authMW echo.MiddlewareFunc
	if cfg.AuthEnabled() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		})
	} else {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, HTTP API runs with development identity")
		authMW = auth.DevAuthMiddleware()
	}

	apiV1 := e.Group("/api/v1", authMW)
	pdq.NewHandler(supplier).RegisterRoutes(apiV1)
	hl7v2.NewHTTPHandler().RegisterRoutes(apiV1.Group("", auth.RequireScope(auth.ScopeQuery)))
	return e
}

// newMetrics creates the metrics provider with the pool gauges registered.
func newMetrics(pool *pgxpool.Pool) *telemetry.Provider {
	p := telemetry.NewProvider()
	p.RegisterGauge("db_pool_total_connections", "Open database connections.", func() int64 {
		return int64(db.GetPoolStats(pool).TotalConns)
	})
	p.RegisterGauge("db_pool_acquired_connections", "Database connections in use.", func() int64 {
		return int64(db.GetPoolStats(pool).AcquiredConns)
	})
	p.RegisterGauge("db_pool_idle_connections", "Idle database connections.", func() int64 {
		return int64(db.GetPoolStats(pool).IdleConns)
	})
	return p
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	profiles, err := loadProfiles(cfg.ProfilesDir)
	if err != nil {
		return fmt.Errorf("load conformance profiles: %w", err)
	}
	logger.Info().Strs("profiles", profiles.Names()).Msg("conformance profiles loaded")

	supplier := pdq.NewSupplier(profiles, newConfigStore(cfg, pool), pdq.NewDirectory(pool, cfg.DBSchema), logger)

	router := newRouter(cfg, supplier, logger)
	if cfg.MessageLogEnabled {
		router.SetMessageLog(pdq.NewMessageLog(pool, cfg.DBSchema))
	}

	var (
		metrics *telemetry.Provider
		handler hl7v2.Handler = router
	)
	if cfg.MetricsEnabled {
		metrics = newMetrics(pool)
		handler = metrics.InstrumentHL7(router)
	}

	mllpServer := hl7v2.NewMLLPServer(cfg.MLLPAddr, handler, logger,
		hl7v2.WithReadTimeout(cfg.MLLPReadTimeout),
		hl7v2.WithMaxMessageSize(cfg.MLLPMaxMessageSize),
	)
	e := newEcho(cfg, supplier, db.NewHealthCheck(pool).Handler(), metrics, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mllpServer.Serve(ctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.HTTPPort
		logger.Info().Str("addr", addr).Msg("starting HTTP server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
