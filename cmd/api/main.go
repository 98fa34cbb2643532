package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/config"
	"qazna.org/console/internal/httpapi"
	"qazna.org/console/internal/migrate"
	"qazna.org/console/internal/obs"
	"qazna.org/console/internal/rbac"
	"qazna.org/console/internal/store/memstore"
	"qazna.org/console/internal/store/pg"
	"qazna.org/console/internal/stream"
)

var (
	version = "0.7.0"
	commit  = "dev"
)

// storage is what the API needs from either backing store.
type storage interface {
	auth.Directory
	auth.RefreshTokenStore
	rbac.Store
	audit.Querier
	Ping(ctx context.Context) error
}

var (
	configPath string
	envFile    string
	migrateUp  bool
)

var rootCmd = &cobra.Command{
	Use:           "qazna-api",
	Short:         "Qazna console administration API",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.RequireTokenSecret(); err != nil {
			return err
		}
		log := obs.NewLogger(obs.LogConfig{Env: cfg.Log.Env, Level: cfg.Log.Level, Service: "qazna-api", Version: version})
		obs.SetLogger(log)
		defer func() { _ = log.Sync() }()
		obs.Init()
		obs.InitBuildInfo("api", version, commit)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", os.Getenv("QAZNA_CONFIG"), "Path to a YAML config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file")
	rootCmd.Flags().BoolVar(&migrateUp, "migrate", true, "Apply pending migrations on start (postgres only)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "qazna-api:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, closeStore, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	authSvc, err := auth.NewService(store, store,
		auth.WithTokenSecret(cfg.Auth.TokenSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithLogger(log.Named("auth")),
	)
	if err != nil {
		return err
	}
	feed := stream.New()
	rbacSvc, err := rbac.NewService(store,
		rbac.WithCatalogTTL(cfg.RBAC.CatalogTTL),
		rbac.WithPublisher(feed),
		rbac.WithLogger(log.Named("rbac")),
	)
	if err != nil {
		return err
	}
	api, err := httpapi.New(httpapi.Deps{
		Auth:    authSvc,
		RBAC:    rbacSvc,
		Audit:   store,
		Feed:    feed,
		Ready:   store,
		Version: version,
		Logger:  log.Named("httpapi"),
	},
		httpapi.WithLoginRateLimit(cfg.Server.LoginRate.Burst, cfg.Server.LoginRate.PerSecond),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()
	log.Info("stopped")
	return err
}

func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage, func(), error) {
	if cfg.Storage.Driver != config.StoragePostgres {
		st, err := memstore.NewSeeded()
		if err != nil {
			return nil, nil, err
		}
		log.Warn("using in-memory storage; state is lost on restart")
		return st, func() {}, nil
	}

	st, err := pg.Open(cfg.Storage.DSN)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = st.Close() }
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := st.Ping(pctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	if migrateUp {
		applied, err := migrate.NewManager(st.DB(), nil, migrate.WithLogger(log.Named("migrate"))).Up(pctx)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if len(applied) > 0 {
			log.Info("migrations applied", zap.Strings("files", applied))
		}
	}
	if b := cfg.Auth.Bootstrap; b.Username != "" {
		hash, err := auth.HashPassword(b.Password)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		created, err := st.BootstrapUser(pctx, b.Username, hash, "Bootstrap administrator", auth.RoleSuperAdmin)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("bootstrap user: %w", err)
		}
		if created {
			log.Info("bootstrap administrator created", zap.String("username", b.Username))
		}
	}
	return st, closeFn, nil
}
