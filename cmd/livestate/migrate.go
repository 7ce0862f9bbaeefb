package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/go-livestate/livestate/storage"
	"github.com/go-livestate/livestate/storage/dialect/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update tables for the demo schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sql.Open(sqlite.DriverName, dbPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		defer db.Close()

		store := storage.New(db, sqlite.Dialect{}, storage.Options{})
		if err := store.Init(context.Background(), demoSchema()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		color.Green("migrated %s", dbPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
