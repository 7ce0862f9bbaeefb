package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/go-livestate/livestate/schema"
)

// renderRows prints rows as a markdown table, one column per field name
// encountered across the result set — the CLI harness's counterpart of
// janus-datalog's TableFormatter.FormatRelation.
func renderRows(rows []schema.Row) {
	started := time.Now()
	if len(rows) == 0 {
		fmt.Println("_no rows_")
		return
	}

	columns := columnNames(rows)

	tableString := &strings.Builder{}
	alignment := make([]tw.Align, len(columns))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}
	table := tablewriter.NewTable(tableString,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(columns)

	for _, row := range rows {
		values := make([]string, len(columns))
		for i, col := range columns {
			values[i] = formatField(row[col])
		}
		table.Append(values)
	}
	table.Render()

	fmt.Println(tableString.String())
	color.Cyan("%s rows in %s", humanize.Comma(int64(len(rows))), time.Since(started).Round(time.Microsecond))
}

func columnNames(rows []schema.Row) []string {
	seen := make(map[string]bool)
	var names []string
	for _, row := range rows {
		for name := range row {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func formatField(n schema.Node) string {
	if n.Object != nil {
		return fmt.Sprintf("%v", schema.Infer(n.Object))
	}
	if n.List != nil {
		return fmt.Sprintf("%d related", len(n.List))
	}
	if n.Value == nil {
		return ""
	}
	return fmt.Sprintf("%v", n.Value)
}
