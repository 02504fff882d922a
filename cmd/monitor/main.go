// Command monitor is a terminal dashboard for a running genqueue server.
package main

import (
	"fmt"
	"os"

	"github.com/iconidentify/genqueue/cmd/monitor/internal/config"
	"github.com/iconidentify/genqueue/cmd/monitor/internal/ui"
)

func main() {
	cfg := config.Load()

	app, err := ui.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing monitor: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running monitor: %v\n", err)
		os.Exit(1)
	}
}
