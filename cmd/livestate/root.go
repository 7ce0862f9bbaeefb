// Package main implements the livestate CLI harness: a small command tree
// exercising storage/queryengine/router end to end against a sqlite-backed
// demo schema. Grounded on marcus-td's cmd/td-sync (cobra-driven server
// binary) and janus-datalog's cmd/datalog (built-in demo dataset, REPL-style
// table output) — the transport binding and schema DSL spec.md §1 places
// out of scope are stubbed here with a hardcoded schema and an in-process
// loopback, not a real network listener.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "livestate",
	Short: "Harness for the livestate relational sync engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "livestate.db", "path to the sqlite database file")
}

// Execute runs the root command; main.go's sole job is calling this.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("livestate: command failed", "err", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
