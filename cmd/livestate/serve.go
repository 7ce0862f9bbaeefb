package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/queryengine"
	"github.com/go-livestate/livestate/router"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage"
	"github.com/go-livestate/livestate/storage/dialect/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stand up the engine in-process and drive it from an interactive REPL",
	Long: `Stand up storage/queryengine/router against the demo schema and accept
mutations/queries from stdin. This stands in for the real transport binding
(WebSocket framing, spec.md §6), which is deliberately out of this module's
scope — here the REPL itself plays the role of a single connected client.

Commands:
  insert <resource> <id> <json fields>
  update <resource> <id> <json fields>
  get    <resource> [json where]
  .exit`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	db, err := sql.Open(sqlite.DriverName, dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer db.Close()

	sch := demoSchema()
	store := storage.New(db, sqlite.Dialect{}, storage.Options{})
	ctx := context.Background()
	if err := store.Init(ctx, sch); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	eng := queryengine.New(sch, store, slog.Default())
	store.Subscribe(eng)

	rt := router.New(sch, store, eng, slog.Default())

	rt.Handle("users", &router.Route{})
	rt.Handle("posts", &router.Route{})

	color.Green("livestate engine ready against %s", dbPath)
	runREPL(ctx, rt)
	return nil
}

func runREPL(ctx context.Context, rt *router.Router) {
	fmt.Println("Commands: insert <resource> <id> <json>, update <resource> <id> <json>, get <resource> [json where], .exit")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == ".exit" {
			return
		}

		fields := strings.SplitN(line, " ", 2)
		verb := fields[0]
		rest := ""
		if len(fields) > 1 {
			rest = fields[1]
		}

		switch verb {
		case "insert", "update":
			handleMutate(ctx, rt, verb, rest)
		case "get":
			handleGet(ctx, rt, rest)
		default:
			color.Yellow("unknown command %q", verb)
		}
	}
}

func handleMutate(ctx context.Context, rt *router.Router, verb, rest string) {
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) < 3 {
		color.Red("usage: %s <resource> <id> <json fields>", verb)
		return
	}
	resource, id, raw := parts[0], parts[1], parts[2]

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		color.Red("invalid JSON: %v", err)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	payload := make(schema.Row, len(fields)+1)
	payload["id"] = schema.IDLeaf(id)
	for k, v := range fields {
		payload[k] = schema.Leaf(v, now)
	}

	procedure := router.ProcedureInsert
	if verb == "update" {
		procedure = router.ProcedureUpdate
	}

	resp, err := rt.Dispatch(ctx, router.Request{
		Kind:       router.RequestMutate,
		Resource:   resource,
		Procedure:  procedure,
		ResourceID: id,
		Payload:    payload,
	})
	if err != nil {
		color.Red("rejected: %v", err)
		return
	}
	color.Green("ok: accepted %v", resp.AcceptedValues)
}

func handleGet(ctx context.Context, rt *router.Router, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) == 0 || parts[0] == "" {
		color.Red("usage: get <resource> [json where]")
		return
	}
	resource := parts[0]
	var where map[string]any
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		if err := json.Unmarshal([]byte(parts[1]), &where); err != nil {
			color.Red("invalid JSON: %v", err)
			return
		}
	}

	resp, err := rt.Dispatch(ctx, router.Request{
		Kind:     router.RequestQuery,
		Resource: resource,
		Query:    predicate.RawQuery{Resource: resource, Where: where},
	})
	if err != nil {
		color.Red("rejected: %v", err)
		return
	}
	rows, _ := resp.Data.([]schema.Row)
	renderRows(rows)
}
