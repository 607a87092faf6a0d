package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/vpnstate/internal/parse"
)

var parseCmd = &cobra.Command{
	Use:   "parse <openvpn|wireguard> <file>",
	Short: "Parse captured status output without touching the database",
	Long: `Parse a saved OpenVPN status file or management "status" reply, or the
output of "wg show <iface> dump", and print the records it yields. Use "-"
to read standard input.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"openvpn", "wireguard"},
	RunE:      runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	var raw []byte
	var err error
	if args[1] == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(args[1])
	}
	if err != nil {
		return err
	}

	var records []parse.Record
	var stats parse.Stats
	switch args[0] {
	case "openvpn":
		records, stats = parse.OpenVPN(string(raw), time.Now().UTC())
	case "wireguard":
		records, stats = parse.WireGuard(string(raw))
	default:
		return fmt.Errorf("unknown protocol %q (want openvpn or wireguard)", args[0])
	}

	printRecords(cmd.OutOrStdout(), records, stats)
	return nil
}
