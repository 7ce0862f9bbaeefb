package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/storage"
	"github.com/go-livestate/livestate/storage/dialect/sqlite"
)

var (
	queryResource string
	queryWhere    string
	queryLimit    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run a one-shot where-query against the demo schema",
	Long: `Run a one-shot where-query against the demo schema and render the
result as a markdown table, e.g.:

  livestate query --resource posts --where '{"authorId":"u1"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if queryResource == "" {
			return fmt.Errorf("--resource is required")
		}

		var where map[string]any
		if queryWhere != "" {
			if err := json.Unmarshal([]byte(queryWhere), &where); err != nil {
				return fmt.Errorf("--where: invalid JSON: %w", err)
			}
		}

		db, err := sql.Open(sqlite.DriverName, dbPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		defer db.Close()

		store := storage.New(db, sqlite.Dialect{}, storage.Options{})
		ctx := context.Background()
		if err := store.Init(ctx, demoSchema()); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		rows, err := store.Get(ctx, predicate.RawQuery{
			Resource: queryResource,
			Where:    where,
			Limit:    queryLimit,
		})
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}

		renderRows(rows)
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryResource, "resource", "", "resource name, e.g. posts")
	queryCmd.Flags().StringVar(&queryWhere, "where", "", "where predicate as JSON")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "maximum rows to return (0 = unlimited)")
	rootCmd.AddCommand(queryCmd)
}
