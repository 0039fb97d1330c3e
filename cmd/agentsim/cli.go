package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/rendis/agentsim/internal/engine"
	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/pkg/schema"
)

// parseArgs builds an engine configuration from command-line arguments.
func parseArgs(args []string, stderr io.Writer) (engine.Config, error) {
	cfg := engine.DefaultConfig()

	fs := flag.NewFlagSet("agentsim", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.IntVar(&cfg.Workflows, "workflows", cfg.Workflows, "number of workflows")
	fs.IntVar(&cfg.PDFs, "pdfs", cfg.PDFs, "PDFs per workflow")
	fs.IntVar(&cfg.Iters, "iters", cfg.Iters, "max iterations per workflow")
	fs.IntVar(&cfg.Subqueries, "subqueries", cfg.Subqueries, "subqueries per iteration")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "RNG seed")
	fs.IntVar(&cfg.TimeScale, "time_scale", cfg.TimeScale, "divide all simulated sleeps by N (>=1)")
	fs.StringVar(&cfg.OutDir, "out_dir", cfg.OutDir, "output directory")

	policy := fs.String("policy", string(cfg.Policy), "one of: fifo_cheapest, dag_cheapest, dag_escalation, full")

	fs.BoolVar(&cfg.EnableModelRouting, "enable_model_routing", false, "enable preference-list routing and escalation")
	fs.BoolVar(&cfg.DisableHedging, "disable_hedging", false, "disable straggler hedging")
	fs.BoolVar(&cfg.DisableEscalation, "disable_escalation", false, "disable tier escalation")
	fs.BoolVar(&cfg.DisableDAGPriority, "disable_dag_priority", false, "disable critical-path-first scoring")

	fs.Float64Var(&cfg.HeavyTailProb, "heavy_tail_prob", cfg.HeavyTailProb, "fraction of tasks with heavy-tail latency")
	fs.Float64Var(&cfg.HeavyTailMult, "heavy_tail_mult", cfg.HeavyTailMult, "latency multiplier for heavy-tail tasks")
	fs.Float64Var(&cfg.BudgetPerWorkflow, "budget_per_workflow", cfg.BudgetPerWorkflow, "provider spend budget per workflow")

	fs.StringVar(&cfg.StopRule, "stop_rule", "", "override the continue/stop expression")
	fs.StringVar(&cfg.TraceDBPath, "trace_db", "", "mirror the trace stream into this libsql database")
	fs.StringVar(&cfg.DiagramDir, "diagram_dir", "", "write per-workflow DAG diagrams into this directory")
	fs.BoolVar(&cfg.DiagramSVG, "diagram_svg", false, "also render SVG diagrams via graphviz")

	providers := fs.String("providers", "", "provider configuration JSON file (default: built-in tiers)")

	if err := fs.Parse(args); err != nil {
		return engine.Config{}, err
	}
	if fs.NArg() > 0 {
		return engine.Config{}, schema.NewErrorf(schema.ErrCodeValidation, "unexpected argument: %q", fs.Arg(0))
	}

	p, err := schema.ParsePolicy(*policy)
	if err != nil {
		return engine.Config{}, err
	}
	cfg.Policy = p

	if *providers != "" {
		providerCfg, err := provider.LoadConfig(*providers)
		if err != nil {
			return engine.Config{}, err
		}
		cfg.Providers = &providerCfg
	}

	if err := cfg.Normalize(); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

func echoConfig(w io.Writer, cfg engine.Config) {
	fmt.Fprintf(w, "agentsim config:\n")
	fmt.Fprintf(w, "  workflows=%d\n", cfg.Workflows)
	fmt.Fprintf(w, "  pdfs=%d\n", cfg.PDFs)
	fmt.Fprintf(w, "  iters=%d\n", cfg.Iters)
	fmt.Fprintf(w, "  subqueries=%d\n", cfg.Subqueries)
	fmt.Fprintf(w, "  policy=%s\n", cfg.Policy)
	fmt.Fprintf(w, "  seed=%d\n", cfg.Seed)
	fmt.Fprintf(w, "  time_scale=%d\n", cfg.TimeScale)
	fmt.Fprintf(w, "  out_dir=%s\n", cfg.OutDir)
	fmt.Fprintf(w, "  enable_model_routing=%t\n", cfg.EnableModelRouting)
	fmt.Fprintf(w, "  disable_hedging=%t\n", cfg.DisableHedging)
	fmt.Fprintf(w, "  disable_escalation=%t\n", cfg.DisableEscalation)
	fmt.Fprintf(w, "  disable_dag_priority=%t\n", cfg.DisableDAGPriority)
}
