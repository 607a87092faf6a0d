package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsclarke/vpnstate/internal/db"
	"github.com/rsclarke/vpnstate/internal/models"
)

var serverAddFlags struct {
	address     string
	sshPort     int
	sshUser     string
	openvpn     bool
	wireguard   bool
	mgmtHost    string
	mgmtPort    int
	statusPath  string
	wgInterface string
	undeployed  bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the server registry",
}

var serverAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a VPN server",
	Long: `Register a VPN server. Use "local" as the address for the host vpnstate
runs on; commands then run without SSH.`,
	Args: cobra.ExactArgs(1),
	RunE: runServerAdd,
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered servers with their active session counts",
	Args:  cobra.NoArgs,
	RunE:  runServerList,
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove <server>",
	Short: "Remove a server and its session history",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerRemove,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverAddCmd, serverListCmd, serverRemoveCmd)

	f := serverAddCmd.Flags()
	f.StringVar(&serverAddFlags.address, "address", "", "host name or IP, or \"local\"")
	f.IntVar(&serverAddFlags.sshPort, "ssh-port", 0, "SSH port (default from config)")
	f.StringVar(&serverAddFlags.sshUser, "ssh-user", "", "SSH user (default from config)")
	f.BoolVar(&serverAddFlags.openvpn, "openvpn", false, "server runs OpenVPN")
	f.BoolVar(&serverAddFlags.wireguard, "wireguard", false, "server runs WireGuard")
	f.StringVar(&serverAddFlags.mgmtHost, "mgmt-host", "", "OpenVPN management host (default 127.0.0.1)")
	f.IntVar(&serverAddFlags.mgmtPort, "mgmt-port", 0, "OpenVPN management port (default 7505)")
	f.StringVar(&serverAddFlags.statusPath, "status-path", "", "OpenVPN status file tried before the defaults")
	f.StringVar(&serverAddFlags.wgInterface, "wg-interface", "", "WireGuard interface (default from config)")
	f.BoolVar(&serverAddFlags.undeployed, "undeployed", false, "register without including it in sweeps")
	_ = serverAddCmd.MarkFlagRequired("address")
}

func runServerAdd(cmd *cobra.Command, args []string) error {
	if !serverAddFlags.openvpn && !serverAddFlags.wireguard {
		return fmt.Errorf("at least one of --openvpn or --wireguard is required")
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	srv := &models.Server{
		Name:              args[0],
		Address:           serverAddFlags.address,
		SSHPort:           serverAddFlags.sshPort,
		SSHUser:           serverAddFlags.sshUser,
		SupportsOpenVPN:   serverAddFlags.openvpn,
		SupportsWireGuard: serverAddFlags.wireguard,
		MgmtHost:          serverAddFlags.mgmtHost,
		MgmtPort:          serverAddFlags.mgmtPort,
		StatusPath:        serverAddFlags.statusPath,
		WGInterface:       serverAddFlags.wgInterface,
		Deployed:          !serverAddFlags.undeployed,
	}
	id, err := db.CreateServer(cmd.Context(), database, srv)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Server %s added with ID %d.\n", srv.Name, id)
	return err
}

func runServerList(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	ctx := cmd.Context()
	servers, err := db.ListServers(ctx, database)
	if err != nil {
		return err
	}
	counts, err := db.CountActiveByServer(ctx, database)
	if err != nil {
		return err
	}

	printServers(cmd.OutOrStdout(), servers, counts)
	return nil
}

func runServerRemove(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	ctx := cmd.Context()
	srv, err := lookupServer(ctx, database, args[0])
	if err != nil {
		return err
	}
	if err := db.DeleteServer(ctx, database, srv.ID); err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Server %s removed.\n", srv.Name)
	return err
}
