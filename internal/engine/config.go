package engine

import (
	"log/slog"

	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/pkg/schema"
)

// Config configures a simulation run. Normalize replaces a zero policy,
// scheduler interval, stretch threshold, or in-flight cap with its default;
// zero heavy-tail and budget settings are kept as given.
type Config struct {
	Workflows  int
	PDFs       int
	Iters      int
	Subqueries int
	Seed       uint64
	TimeScale  int
	OutDir     string

	Policy             schema.Policy
	DisableHedging     bool
	DisableEscalation  bool
	DisableDAGPriority bool
	EnableModelRouting bool

	SchedulerIntervalMs       int
	StragglerStretchThreshold float64
	HeavyTailProb             float64
	HeavyTailMult             float64
	MaxInFlightGlobal         int
	BudgetPerWorkflow         float64

	// StopRule optionally overrides the workflow continue/stop expression.
	StopRule string

	// Providers is the injected provider configuration; nil selects the
	// built-in tiers. Must not be mutated after the run starts.
	Providers *provider.Config

	// TraceDBPath, when set, mirrors the trace stream into a libsql
	// database.
	TraceDBPath string

	// DiagramDir, when set, writes a mermaid rendering of each workflow DAG
	// at the end of the run. DiagramSVG additionally renders SVGs via graphviz.
	DiagramDir string
	DiagramSVG bool

	Logger *slog.Logger
}

// DefaultConfig returns the standard run parameters. BudgetPerWorkflow is
// part of the defaults rather than Normalize so that an explicit zero budget
// survives (it legitimately blocks all provider dispatch).
func DefaultConfig() Config {
	return Config{
		Workflows:                 100,
		PDFs:                      10,
		Iters:                     3,
		Subqueries:                4,
		Seed:                      1,
		TimeScale:                 50,
		OutDir:                    "out",
		Policy:                    schema.PolicyFull,
		SchedulerIntervalMs:       50,
		StragglerStretchThreshold: 1.5,
		HeavyTailProb:             0.02,
		HeavyTailMult:             50.0,
		MaxInFlightGlobal:         200,
		BudgetPerWorkflow:         10.0,
	}
}

// Normalize fills defaults and validates the configuration.
func (c *Config) Normalize() error {
	if c.Workflows <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflows must be > 0")
	}
	if c.PDFs <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "pdfs must be > 0")
	}
	if c.Iters <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "iters must be > 0")
	}
	if c.Subqueries < 0 {
		return schema.NewError(schema.ErrCodeValidation, "subqueries must be >= 0")
	}
	if c.TimeScale <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "time_scale must be >= 1")
	}
	if c.OutDir == "" {
		return schema.NewError(schema.ErrCodeValidation, "out_dir must be non-empty")
	}
	if c.Policy == "" {
		c.Policy = schema.PolicyFull
	} else if _, err := schema.ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	if c.SchedulerIntervalMs <= 0 {
		c.SchedulerIntervalMs = 50
	}
	if c.StragglerStretchThreshold <= 0 {
		c.StragglerStretchThreshold = 1.5
	}
	if c.MaxInFlightGlobal <= 0 {
		c.MaxInFlightGlobal = 200
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
