package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
)

func runRecipeCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: databuilder recipe <list|show|update|remove> [flags] [args]")
		return 2
	}
	sub := args[0]

	fs, configPath := newFlagSet("recipe "+sub, stderr)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	cfg, err := loadConfig(*configPath, stderr)
	if err != nil {
		return exitCode(stderr, err)
	}

	switch sub {
	case "list", "show", "remove":
		// No network access; skip the client and Redis.
		store, err := recipe.NewStore(recipe.StoreConfig{
			Path:                cfg.Recipe.Path,
			TransactionPosition: cfg.Recipe.TransactionPosition,
		})
		if err != nil {
			return exitCode(stderr, err)
		}
		return exitCode(stderr, runOfflineRecipeCmd(store, sub, fs.Args(), stdout))
	case "update":
		a, err := newApp(ctx, cfg)
		if err != nil {
			return exitCode(stderr, err)
		}
		defer a.Close()
		return exitCode(stderr, recipeUpdate(ctx, a.store, fs.Args(), stdout))
	default:
		return exitCode(stderr, &usageError{msg: fmt.Sprintf("unknown recipe command %q", sub)})
	}
}

func runOfflineRecipeCmd(store *recipe.Store, sub string, args []string, stdout io.Writer) error {
	switch sub {
	case "list":
		names, err := store.Names()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(stdout, n)
		}
		return nil
	case "show":
		return recipeShow(store, args, stdout)
	default:
		if len(args) != 1 {
			return &usageError{msg: "usage: databuilder recipe remove <name>"}
		}
		if err := store.Remove(args[0]); err != nil {
			return err
		}
		if err := store.Save(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed recipe %s\n", args[0])
		return nil
	}
}

func recipeShow(store *recipe.Store, args []string, stdout io.Writer) error {
	recipes, err := store.Show()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		r, err := store.Load(args[0])
		if err != nil {
			return err
		}
		recipes = []*recipe.Recipe{r}
	}

	// Print in the recipe file's shape: name -> ordered columns.
	var b strings.Builder
	b.WriteString("{\n")
	for i, r := range recipes {
		name, _ := json.Marshal(r.Name)
		body, err := json.Marshal(r)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "  %s: %s", name, body)
		if i < len(recipes)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("}\n")
	_, err = io.WriteString(stdout, b.String())
	return err
}

func recipeUpdate(ctx context.Context, store *recipe.Store, args []string, stdout io.Writer) error {
	if len(args) < 2 {
		return &usageError{msg: "usage: databuilder recipe update <name> <column>=<url> ..."}
	}
	name := args[0]
	urls := make(map[string]string, len(args)-1)
	for _, arg := range args[1:] {
		col, u, ok := strings.Cut(arg, "=")
		if !ok || col == "" || u == "" {
			return &usageError{msg: fmt.Sprintf("expected column=url, got %q", arg)}
		}
		urls[col] = u
	}

	fmt.Fprintf(stdout, "validating %d column(s); each costs one API query\n", len(urls))
	if err := store.UpdateFromURL(ctx, name, urls); err != nil {
		return err
	}
	if err := store.Save(name); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "updated recipe %s\n", name)
	return nil
}
