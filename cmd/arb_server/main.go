package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"basis_arb/internal/bootstrap"
	"basis_arb/internal/config"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := buildApp(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}

	if err := app.Run(context.Background()); err != nil {
		os.Exit(1)
	}
}

// buildApp loads the config file when it exists; a missing file falls back
// to the mock-venue defaults for dry runs.
func buildApp(path string) (*bootstrap.App, error) {
	if _, err := os.Stat(path); err == nil {
		return bootstrap.New(path)
	}
	fmt.Fprintf(os.Stderr, "config %s not found, using mock-venue defaults\n", path)
	return bootstrap.NewWithConfig(config.DefaultConfig())
}
