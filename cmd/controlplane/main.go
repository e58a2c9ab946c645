package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/controlplane"
	"github.com/tailored-agentic-units/controlplane/observability"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to control-plane config YAML file (required)")
		listen     = flag.String("listen", "", "Bind address (overrides config)")
		observer   = flag.String("observer", "", "Observer: noop, slog, prom, multi (overrides config)")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging to stderr")
	)
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: controlplane -config <file>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *observer != "" {
		cfg.Observer = *observer
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	observability.RegisterObserver("slog", observability.NewSlogObserver(logger))

	server, err := controlplane.New(*cfg)
	if err != nil {
		log.Fatalf("Failed to assemble control plane: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.Fatalf("Control plane exited: %v", err)
	}
}
