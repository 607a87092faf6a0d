package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/db"
	"github.com/rsclarke/vpnstate/internal/models"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <server>",
	Short: "Run one reconciliation pass against a server",
	Long: `Fetch, parse and reconcile the status of one server, identified by
name or ID, and print what changed.`,
	Args: cobra.ExactArgs(1),
	RunE: runReconcile,
}

var sweepFlags struct {
	all bool
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile every deployed server once",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepFlags.all, "all", false, "include servers that are not marked deployed")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	ctx := cmd.Context()
	if err := seedServers(ctx, database); err != nil {
		return err
	}

	srv, err := lookupServer(ctx, database, args[0])
	if err != nil {
		return err
	}

	runner, closeExec := buildRunner(database)
	defer func() { _ = closeExec() }()

	outcomes, err := runner.Reconcile(ctx, srv)
	printOutcomes(cmd.OutOrStdout(), srv.Name, outcomes)
	return err
}

func runSweep(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	ctx := cmd.Context()
	if err := seedServers(ctx, database); err != nil {
		return err
	}

	servers, err := db.ListServers(ctx, database)
	if err != nil {
		return err
	}
	targets := servers[:0:0]
	for _, s := range servers {
		if s.Deployed || sweepFlags.all {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "No servers to sweep.")
		return err
	}

	runner, closeExec := buildRunner(database)
	defer func() { _ = closeExec() }()

	sweepErr := runner.Sweep(ctx, targets, cfg.Concurrency)
	if sweepErr != nil {
		logger.Warn("sweep finished with failures", zap.Error(sweepErr))
	}

	counts, err := db.CountActiveByServer(ctx, database)
	if err != nil {
		return err
	}
	printServers(cmd.OutOrStdout(), targets, counts)
	return sweepErr
}

// lookupServer resolves ref as a server name first and then as an ID.
func lookupServer(ctx context.Context, database *sql.DB, ref string) (*models.Server, error) {
	srv, err := db.GetServerByName(ctx, database, ref)
	if err != nil {
		return nil, err
	}
	if srv == nil {
		if id, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
			srv, err = db.GetServer(ctx, database, id)
			if err != nil {
				return nil, err
			}
		}
	}
	if srv == nil {
		return nil, fmt.Errorf("server %q not found", ref)
	}
	return srv, nil
}
