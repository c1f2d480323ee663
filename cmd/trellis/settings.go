package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"slices"

	"github.com/HerbHall/trellis/internal/store"
	"gopkg.in/yaml.v3"
)

const settingsUsage = `usage: trellis settings [-db path] <command>

commands:
  set KEY VALUE   store a setting (VALUE is parsed as YAML: true, 2048, [a, b])
  delete KEY      remove a setting
  list            print stored settings
`

// runSettings manages the SQLite settings store and returns the exit code.
func runSettings(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("settings", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "trellis.db", "path to the settings database")
	fs.Usage = func() { fmt.Fprint(stderr, settingsUsage) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	ctx := context.Background()
	db, err := store.New(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open settings store: %v\n", err)
		return 1
	}
	defer db.Close()

	switch cmd := rest[0]; {
	case cmd == "set" && len(rest) == 3:
		value, err := parseValue(rest[2])
		if err != nil {
			fmt.Fprintf(stderr, "invalid value for %s: %v\n", rest[1], err)
			return 1
		}
		if err := db.Set(ctx, rest[1], value); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	case cmd == "delete" && len(rest) == 2:
		if err := db.Delete(ctx, rest[1]); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	case cmd == "list" && len(rest) == 1:
		values, err := db.Snapshot(ctx)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			encoded, _ := json.Marshal(values[k])
			fmt.Fprintf(stdout, "%s=%s\n", k, encoded)
		}
	default:
		fs.Usage()
		return 2
	}
	return 0
}

// parseValue reads a command-line setting value as a YAML scalar, list or
// mapping, so "true" is a boolean and "1024" an integer.
func parseValue(raw string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}
