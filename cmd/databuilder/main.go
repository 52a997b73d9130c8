// Command databuilder fetches SDMX time series described by a recipe and
// writes them as one table keyed by date and country.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/sdmx-databuilder/pkg/config"
	"github.com/Sternrassler/sdmx-databuilder/pkg/logging"
	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint; it returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "fetch":
		return runFetchCmd(ctx, args[2:], stdout, stderr)
	case "probe":
		return runProbeCmd(ctx, args[2:], stdout, stderr)
	case "recipe":
		return runRecipeCmd(ctx, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: databuilder <command> [flags]

Commands:
  fetch                    fetch a recipe and write the result table
  probe                    check API connectivity and, with -recipe, every recipe column
  recipe list              list recipe names
  recipe show [name]       print recipes as JSON
  recipe update name col=url [col=url ...]
                           add or replace columns from pasted API URLs
  recipe remove name       delete a recipe

Every command accepts -config (TOML file, default databuilder.toml).
Environment: SDMX_BASE_URL, REDIS_URL, LOG_LEVEL, RECIPE_PATH, SDMX_ALLOW_MULTI_HOUR.`)
}

// loadConfig reads the config file, applies the environment and sets up logging.
func loadConfig(path string, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.Logging()
	logCfg.Output = stderr
	logging.Setup(logCfg)
	return cfg, nil
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "databuilder.toml", "path to the TOML configuration")
	return fs, configPath
}

// exitCode maps an error to the process exit code: 2 for usage and
// configuration problems (including invalid recipes), 1 otherwise.
func exitCode(stderr io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	var usage *usageError
	if errors.As(err, &usage) || errors.Is(err, flag.ErrHelp) || errors.Is(err, recipe.ErrConfig) {
		return 2
	}
	return 1
}

type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }
