package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/db"
	"github.com/rsclarke/vpnstate/internal/fetch"
	"github.com/rsclarke/vpnstate/internal/logging"
	"github.com/rsclarke/vpnstate/internal/reconcile"
	"github.com/rsclarke/vpnstate/internal/remote"
	"github.com/rsclarke/vpnstate/internal/sink"
)

// buildRunner wires executor, fetcher, store and sinks from cfg. The
// returned closer releases cached SSH connections.
func buildRunner(database *sql.DB) (*reconcile.Runner, func() error) {
	router := &remote.Router{
		Local: &remote.LocalExecutor{Logger: logger.Named("local")},
	}
	closer := func() error { return nil }

	sshExec, err := remote.NewSSHExecutor(cfg.SSHExecutor(), logger.Named("ssh"))
	if err != nil {
		// Local servers still work without SSH credentials.
		logger.Warn("ssh executor disabled", zap.Error(err))
	} else {
		router.Remote = sshExec
		closer = sshExec.Close
	}

	fetcher := fetch.New(router, cfg.Fetch(), logger.Named("fetch"))

	sinks := sink.Fanout{&sink.LogSink{Logger: logger.Named("sink")}}
	if cfg.Sink.URL != "" {
		sinks = append(sinks, sink.NewHTTPSink(cfg.Sink.URL, cfg.Sink.Token, cfg.Sink.Timeout.D()))
	}

	pc := reconcile.PassContext{
		Staleness: cfg.Staleness.D(),
		Users:     &db.UserDirectory{DB: database},
		Logger:    logger.Named("reconcile"),
	}
	runner := reconcile.NewRunner(pc, fetcher, &db.SessionStore{DB: database}, sinks)
	return runner, closer
}

// seedServers upserts the servers listed in the config file by name.
func seedServers(ctx context.Context, database *sql.DB) error {
	var err error
	for _, sc := range cfg.Servers {
		srv := sc.Model()
		id, saveErr := db.SaveServerByName(ctx, database, &srv)
		if saveErr != nil {
			err = multierr.Append(err, fmt.Errorf("seed server %q: %w", sc.Name, saveErr))
			continue
		}
		logger.Debug("seeded server", logging.ServerID(id), logging.Server(sc.Name))
	}
	return err
}
