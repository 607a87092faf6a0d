package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsclarke/vpnstate/internal/api"
	"github.com/rsclarke/vpnstate/internal/client"
	"github.com/rsclarke/vpnstate/internal/db"
)

var sessionsFlags struct {
	all      bool
	json     bool
	apiURL   string
	apiToken string
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [server]",
	Short: "Show sessions",
	Long: `Show active sessions across the fleet, or the sessions of one server.
With --api-url the sessions are read from a running "vpnstate serve"
instead of the local database.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	f := sessionsCmd.Flags()
	f.BoolVar(&sessionsFlags.all, "all", false, "include closed sessions (requires a server)")
	f.BoolVar(&sessionsFlags.json, "json", false, "print JSON")
	f.StringVar(&sessionsFlags.apiURL, "api-url", os.Getenv("VPNSTATE_API_URL"), "read from a vpnstate API instead of the database")
	f.StringVar(&sessionsFlags.apiToken, "api-token", "", "API bearer token (default api.token from config)")
}

func runSessions(cmd *cobra.Command, args []string) error {
	if sessionsFlags.all && len(args) == 0 {
		return fmt.Errorf("--all requires a server")
	}

	var records []api.SessionRecord
	var err error
	if sessionsFlags.apiURL != "" {
		records, err = remoteSessions(cmd, args)
	} else {
		records, err = localSessions(cmd, args)
	}
	if err != nil {
		return err
	}

	if sessionsFlags.json {
		return writeJSON(cmd.OutOrStdout(), api.ListSessionsResponse{Sessions: records})
	}
	printSessions(cmd.OutOrStdout(), records)
	return nil
}

func localSessions(cmd *cobra.Command, args []string) ([]api.SessionRecord, error) {
	database, err := openDB()
	if err != nil {
		return nil, err
	}
	defer func() { _ = database.Close() }()

	ctx := cmd.Context()
	if len(args) == 0 {
		sessions, err := db.ListActiveSessions(ctx, database)
		if err != nil {
			return nil, err
		}
		return api.NewSessionRecords(sessions), nil
	}

	srv, err := lookupServer(ctx, database, args[0])
	if err != nil {
		return nil, err
	}
	sessions, err := db.ListSessionsByServer(ctx, database, srv.ID, !sessionsFlags.all)
	if err != nil {
		return nil, err
	}
	return api.NewSessionRecords(sessions), nil
}

func remoteSessions(cmd *cobra.Command, args []string) ([]api.SessionRecord, error) {
	token := sessionsFlags.apiToken
	if token == "" {
		token = cfg.API.Token
	}
	c := client.NewClient(sessionsFlags.apiURL, token)
	ctx := cmd.Context()

	if len(args) == 0 {
		resp, err := c.ActiveSessions(ctx)
		if err != nil {
			return nil, err
		}
		return resp.Sessions, nil
	}

	servers, err := c.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range servers.Servers {
		if s.Name == args[0] || fmt.Sprint(s.ID) == args[0] {
			resp, err := c.ServerSessions(ctx, s.ID, sessionsFlags.all)
			if err != nil {
				return nil, err
			}
			return resp.Sessions, nil
		}
	}
	return nil, fmt.Errorf("server %q not found", args[0])
}
