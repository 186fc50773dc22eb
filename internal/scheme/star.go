// Package scheme implements the Scheme Materializer (spec §4.6): it
// writes a Schemes/<name>/ directory in the exact tabular STAR format
// the downstream pipeliner expects, with commands from the Command
// Builder and Container Wrapper pre-substituted into each job's fn_exe.
package scheme

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// block is one STAR data block: a `data_<name>` header followed by a
// `loop_` table (columns + rows) or a flat key/value list.
type block struct {
	Name    string
	Columns []string // non-nil => loop_ table; nil => key/value block
	Rows    [][]string
	KV      []kvPair // used when Columns is nil
}

type kvPair struct {
	Key   string
	Value string
}

// writeStar serializes blocks to path in fixed order, one block per
// call site's slice order, preserving row order exactly as given (spec
// §6: "Row order is preserved on write").
func writeStar(path string, blocks []block) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("scheme: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, b := range blocks {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "data_%s\n\n", b.Name)
		if b.Columns == nil {
			for _, kv := range b.KV {
				fmt.Fprintf(w, "_%s %s\n", kv.Key, kv.Value)
			}
			continue
		}
		fmt.Fprintln(w, "loop_")
		for _, col := range b.Columns {
			fmt.Fprintf(w, "_%s\n", col)
		}
		for _, row := range b.Rows {
			fmt.Fprintln(w, strings.Join(row, " "))
		}
	}
	return w.Flush()
}

// readStar parses a STAR file into its constituent blocks. It is
// deliberately tolerant of blank lines and leading/trailing whitespace,
// matching what a hand-written pipeliner output looks like in practice.
func readStar(path string) ([]block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scheme: read %s: %w", path, err)
	}

	var blocks []block
	var cur *block
	inLoop := false

	lines := strings.Split(string(data), "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "data_"):
			if cur != nil {
				blocks = append(blocks, *cur)
			}
			cur = &block{Name: strings.TrimPrefix(line, "data_")}
			inLoop = false
		case line == "loop_":
			inLoop = true
		case cur == nil:
			continue
		case strings.HasPrefix(line, "_"):
			fields := strings.Fields(line)
			name := strings.TrimPrefix(fields[0], "_")
			if inLoop && len(fields) == 1 {
				cur.Columns = append(cur.Columns, name)
			} else if len(fields) >= 2 {
				cur.KV = append(cur.KV, kvPair{Key: name, Value: strings.Join(fields[1:], " ")})
			} else {
				cur.Columns = append(cur.Columns, name)
			}
		default:
			cur.Rows = append(cur.Rows, strings.Fields(line))
		}
	}
	if cur != nil {
		blocks = append(blocks, *cur)
	}
	return blocks, nil
}

// formatFloat renders a float without exponent notation, matching the
// downstream pipeliner's parser tolerances (spec §6).
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatInt renders an integer as a plain decimal (spec §6).
func formatInt(v int) string {
	return strconv.Itoa(v)
}
