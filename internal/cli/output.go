// Package cli implements the operator-facing subcommands bundled into
// cmdbus-cli: inspecting and resolving troubleshooting-queue commands,
// querying command, batch, and process state, and running schema
// migrations.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Renderer selects how Output.Print displays a result set.
type Renderer int

const (
	RenderTable Renderer = iota
	RenderJSON
)

// Output formats CLI results as either an aligned table or indented JSON,
// writing data to w and status/error lines to errW.
type Output struct {
	render Renderer
	w      io.Writer
	errW   io.Writer
}

// NewOutput builds an Output; jsonMode selects JSON rendering over tables.
func NewOutput(jsonMode bool) *Output {
	render := RenderTable
	if jsonMode {
		render = RenderJSON
	}
	return &Output{render: render, w: os.Stdout, errW: os.Stderr}
}

// Print renders jsonData as JSON when the Output is in JSON mode, otherwise
// renders headers/rows as a table.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	switch o.render {
	case RenderJSON:
		o.JSON(jsonData)
	default:
		o.Table(headers, rows)
	}
}

// Table writes headers and rows aligned with a tabwriter, separating the
// header row with a line of '=' sized to each column.
func (o *Output) Table(headers []string, rows [][]string) {
	lines := make([]string, 0, len(rows)+2)
	lines = append(lines, strings.Join(headers, "\t"))
	lines = append(lines, strings.Join(headerRule(headers), "\t"))
	for _, row := range rows {
		lines = append(lines, strings.Join(row, "\t"))
	}

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	for _, line := range lines {
		fmt.Fprintln(tw, line)
	}
	tw.Flush()
}

// headerRule builds the '='-rule row printed under a table's header, one
// segment per column sized to that column's header text.
func headerRule(headers []string) []string {
	rule := make([]string, len(headers))
	for i, h := range headers {
		rule[i] = strings.Repeat("=", len(h))
	}
	return rule
}

// JSON writes v to stdout as indented JSON.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Success writes a one-line confirmation to stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error writes a one-line error message to stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error:", msg)
}
