// Package main is the migration CLI for the graphflow database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/graphflow/internal/config"
	"github.com/vitaliisemenov/graphflow/internal/infrastructure/migrations"
	"github.com/vitaliisemenov/graphflow/pkg/logger"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage graphflow database migrations",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (optional)")

	newManager := func() (*migrations.Manager, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		log := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		return migrations.NewManager(cfg.Database.DSN(), log)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Up(cmd.Context())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Down(cmd.Context())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the state of all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Status(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
