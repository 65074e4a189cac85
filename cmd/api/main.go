package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"marketflow/config"
	"marketflow/db"
)

var (
	configPath string
	withRelay  bool
	scanUser   string

	cfg    config.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "marketflow",
	Short:         "Services marketplace API",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger = config.NewLogger(cfg.LogLevel, os.Stdout)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, and the outbox relay unless --relay=false",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run only the outbox relay",
	RunE:  runRelay,
}

var riskScanCmd = &cobra.Command{
	Use:   "risk-scan",
	Short: "Evaluate risk rules for one user, or every active user",
	RunE:  runRiskScan,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("MARKETFLOW_CONFIG"), "Path to a YAML config file")
	serveCmd.Flags().BoolVar(&withRelay, "relay", true, "Run the outbox relay in this process")
	riskScanCmd.Flags().StringVar(&scanUser, "user", "", "User ID to scan (default: all active users)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(riskScanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.server.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	if withRelay {
		g.Go(func() error {
			return ignoreCanceled(a.relay.Run(gctx, cfg.Outbox.PollInterval))
		})
	}
	return g.Wait()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		logger.Info("database is up to date")
		return nil
	}
	for _, name := range applied {
		logger.WithField("migration", name).Info("applied migration")
	}
	return nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("outbox relay started")
	return ignoreCanceled(a.relay.Run(ctx, cfg.Outbox.PollInterval))
}

func runRiskScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if scanUser != "" {
		flags, err := a.server.risk.Scan(ctx, scanUser)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"user_id": scanUser, "flags": len(flags)}).Info("risk scan finished")
		return nil
	}
	raised, err := a.server.risk.ScanAll(ctx)
	if err != nil {
		return err
	}
	logger.WithField("flags", raised).Info("risk scan finished")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
