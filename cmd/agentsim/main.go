package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/agentsim/internal/engine"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseArgs(args, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	cfg.Logger = logger

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create out_dir %q: %v\n", cfg.OutDir, err)
		return 2
	}
	if cfg.DiagramDir != "" {
		if err := os.MkdirAll(cfg.DiagramDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error: create diagram_dir %q: %v\n", cfg.DiagramDir, err)
			return 2
		}
	}

	echoConfig(os.Stdout, cfg)

	controller, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := controller.Run(ctx); err != nil {
		logger.Error("run aborted", "err", err)
		return 1
	}

	summary := controller.Summary()
	fmt.Printf("summary:\n")
	fmt.Printf("  makespan_mean_ms=%g\n", summary.MakespanMeanMs)
	fmt.Printf("  makespan_p95_ms=%g\n", summary.MakespanP95Ms)
	fmt.Printf("  cost_mean=%g\n", summary.CostMean)
	fmt.Printf("  outputs: %[1]s/workflows.csv, %[1]s/tiers.csv, %[1]s/summary.csv, %[1]s/trace.json\n", cfg.OutDir)
	return 0
}
