/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/shaalot/apiserver/config"
	"github.com/shaalot/apiserver/internal/server"
	"github.com/spf13/cobra"
)

// seedCmd represents the seed command.
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed initial data",
}

var seedAdminsCmd = &cobra.Command{
	Use:   "admins [email...]",
	Short: "Grant super_admin to the given emails",
	Long: `Grants super_admin, pinned to the top level, to each email. Existing
profiles are elevated immediately; other emails are stored as grants and
applied when that member first signs in. Without arguments the SEED_ADMIN_EMAILS
setting is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		if len(args) > 0 {
			cfg.Engine.SeedAdminEmails = args
		}
		if len(cfg.Engine.SeedAdminEmails) == 0 {
			return errors.New("no emails given and SEED_ADMIN_EMAILS is empty")
		}

		app, err := server.NewApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = app.Close()
		}()

		result, err := app.SeedAdmins(cmd.Context())
		if err != nil {
			return err
		}
		for _, email := range result.Elevated {
			fmt.Fprintf(cmd.OutOrStdout(), "elevated %s\n", email)
		}
		for _, email := range result.Granted {
			fmt.Fprintf(cmd.OutOrStdout(), "granted  %s\n", email)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.AddCommand(seedAdminsCmd)
}
