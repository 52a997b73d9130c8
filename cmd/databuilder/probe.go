package main

import (
	"context"
	"fmt"
	"io"
)

func runProbeCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("probe", stderr)
	recipeName := fs.String("recipe", "", "also probe every column of this recipe")
	baseURL := fs.String("base-url", "", "dataflow URL the recipe fragments belong to (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath, stderr)
	if err != nil {
		return exitCode(stderr, err)
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return exitCode(stderr, err)
	}
	defer a.Close()

	if *recipeName == "" {
		if !a.prober.TestAPIConnection(ctx) {
			fmt.Fprintln(stdout, "API connection: FAILED")
			return 1
		}
		fmt.Fprintln(stdout, "API connection: OK")
		return 0
	}

	r, err := a.store.Load(*recipeName)
	if err != nil {
		return exitCode(stderr, err)
	}
	statuses, err := a.prober.Check(ctx, r, firstNonEmpty(*baseURL, cfg.API.BaseURL))
	if err != nil {
		return exitCode(stderr, err)
	}

	failed := 0
	for _, s := range statuses {
		switch {
		case !s.OK:
			failed++
			fmt.Fprintf(stdout, "%-28s FAILED  %v\n", s.Column, s.Err)
		case s.NoData:
			fmt.Fprintf(stdout, "%-28s OK      (no observations in probe window)\n", s.Column)
		default:
			fmt.Fprintf(stdout, "%-28s OK\n", s.Column)
		}
	}
	if failed > 0 {
		fmt.Fprintf(stdout, "%d of %d columns failed\n", failed, len(statuses))
		return 1
	}
	return 0
}
