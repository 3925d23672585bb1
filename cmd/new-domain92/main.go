package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Cyabanz/new-domain92/internal/app"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "new-domain92",
		Short:         "Session and quota service for domain provisioning",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, configPath)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Open the database and apply migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Migrate(cmd.Context(), configPath)
		},
	}

	var principalID uint64
	var displayName string
	registerCmd := &cobra.Command{
		Use:   "register-principal",
		Short: "Register a principal and print its API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if principalID == 0 {
				return fmt.Errorf("--id is required")
			}
			token, errCreate := app.CreatePrincipal(cmd.Context(), configPath, principalID, displayName)
			if errCreate != nil {
				return errCreate
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	registerCmd.Flags().Uint64Var(&principalID, "id", 0, "stable principal identifier")
	registerCmd.Flags().StringVar(&displayName, "name", "", "display name")

	rootCmd.AddCommand(serveCmd, migrateCmd, registerCmd)
	return rootCmd
}
