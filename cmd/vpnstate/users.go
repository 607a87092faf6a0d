package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rsclarke/vpnstate/internal/db"
)

var userAddFlags struct {
	publicKey string
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the users sessions are attributed to",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user, optionally with a WireGuard public key",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userListCmd)

	userAddCmd.Flags().StringVar(&userAddFlags.publicKey, "public-key", "", "WireGuard public key of the user's peer")
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	var publicKey *string
	if userAddFlags.publicKey != "" {
		publicKey = &userAddFlags.publicKey
	}
	id, err := db.CreateUser(cmd.Context(), database, args[0], publicKey)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "User %s added with ID %d.\n", args[0], id)
	return err
}

func runUserList(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	users, err := db.ListUsers(cmd.Context(), database)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(users) == 0 {
		_, err := fmt.Fprintln(w, "No users found.")
		return err
	}
	tw := newTable(w, "ID", "USERNAME", "PUBLIC KEY", "ADDED")
	for _, u := range users {
		row(tw, u.ID, u.Username, orDash(u.PublicKey), humanize.Time(time.Unix(u.CreatedAt, 0)))
	}
	return tw.Flush()
}
