package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamscao/sshca/internal/api"
	"github.com/adamscao/sshca/internal/auth"
	"github.com/adamscao/sshca/internal/ca"
	"github.com/adamscao/sshca/internal/config"
	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/issuance"
	"github.com/adamscao/sshca/internal/logging"
	"github.com/adamscao/sshca/internal/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via ldflags)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "sshca",
	Short:         "SSH certificate authority server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  serve,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("SSH CA Server\n")
		fmt.Printf("Version:    %s\n", Version)
		fmt.Printf("Commit:     %s\n", Commit)
		fmt.Printf("Build Time: %s\n", BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/sshca/config.yaml", "Config file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting sshca", "version", Version, "commit", Commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", "driver", cfg.Database.Driver)
	bdb, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer bdb.Close()

	if err := db.RunMigrations(ctx, bdb); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	keyPair, err := loadCAKey(cfg.CA)
	if err != nil {
		return err
	}
	logger.Info("CA key loaded", "type", keyPair.KeyType, "path", cfg.CA.PrivateKeyPath)

	signer := ca.NewSigner(keyPair, ca.Options{
		DefaultTTL:      cfg.DefaultTTLDuration(),
		MaxTTL:          cfg.MaxTTLDuration(),
		Extensions:      cfg.CA.Extensions,
		CriticalOptions: cfg.CA.CriticalOptions,
		Logger:          logger,
	})

	m := metrics.New()
	svc := issuance.NewService(bdb, signer, m, logger)
	serial, err := svc.ReconcileSerial(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile serial counter: %w", err)
	}
	logger.Info("serial counter ready", "last_allocated", serial)

	tokens, err := auth.NewTokenManager(bdb, repository.NewHostRepository(bdb), cfg.TokenPepperBytes())
	if err != nil {
		return err
	}

	if cfg.Admin.Token == "" {
		logger.Warn("admin token not configured; only password users can administer")
	}

	server, err := api.NewServer(api.Deps{
		Config:   cfg,
		DB:       bdb,
		Issuance: svc,
		Tokens:   tokens,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	httpServer := server.HTTPServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func loadCAKey(cfg config.CAConfig) (*ca.KeyPair, error) {
	if cfg.GenerateIfMissing {
		kp, err := ca.LoadOrGenerateKeyPair(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.KeyType)
		if err != nil {
			return nil, fmt.Errorf("failed to load or generate CA key: %w", err)
		}
		return kp, nil
	}
	kp, err := ca.LoadKeyPair(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA key: %w", err)
	}
	return kp, nil
}
