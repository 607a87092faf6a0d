package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/db"
	"github.com/rsclarke/vpnstate/internal/logging"
	"github.com/rsclarke/vpnstate/internal/models"
	"github.com/rsclarke/vpnstate/internal/reconcile"
	"github.com/rsclarke/vpnstate/internal/server"
)

var serveFlags struct {
	noAPI bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation scheduler and the live-state API",
	Long: `Seed servers from the config file, then sweep every deployed server
on the configured interval. The read-only API listens on api.addr unless
--no-api is given.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveFlags.noAPI, "no-api", false, "do not start the HTTP API")
}

func runServe(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seedServers(ctx, database); err != nil {
		return err
	}

	runner, closeExec := buildRunner(database)
	defer func() {
		if err := closeExec(); err != nil {
			logger.Warn("close ssh connections", zap.Error(err))
		}
	}()

	var apiServer *server.ManagedServer
	if !serveFlags.noAPI {
		if cfg.API.Token == "" {
			logger.Warn("api token not set, the API is unauthenticated", logging.Addr(cfg.API.Addr))
		}
		apiSrv := &server.APIServer{
			DB:     database,
			Token:  cfg.API.Token,
			Logger: logger.Named("api"),
		}
		apiServer = server.NewManagedServer("api server", server.DefaultServerConfig(cfg.API.Addr, apiSrv.Handler(), logger.Named("api")))
		if err := apiServer.Start(); err != nil {
			return err
		}
	}

	sched := &reconcile.Scheduler{
		Runner:      runner,
		Servers:     func(ctx context.Context) ([]models.Server, error) { return db.ListServers(ctx, database) },
		Interval:    cfg.Interval.D(),
		Concurrency: cfg.Concurrency,
		Retention:   cfg.Retention.D(),
		Prune: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return db.PruneClosed(ctx, database, cutoff)
		},
		Logger: logger.Named("scheduler"),
	}

	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(ctx) }()

	var apiErr <-chan error
	if apiServer != nil {
		apiErr = apiServer.Err()
	}

	select {
	case <-ctx.Done():
	case err, ok := <-apiErr:
		if ok && err != nil {
			stop()
			<-schedErr
			return fmt.Errorf("api server: %w", err)
		}
	}

	logger.Info("shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if apiServer != nil {
		apiServer.Shutdown(shutdownCtx)
	}
	return <-schedErr
}
