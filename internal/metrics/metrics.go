package metrics

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rendis/agentsim/pkg/schema"
)

// WorkflowMetrics is one row of workflows.csv.
type WorkflowMetrics struct {
	WorkflowID     schema.WorkflowID
	MakespanMs     float64
	Cost           float64
	Retries        int
	Cancellations  int
	HedgesLaunched int
	WastedMs       float64
}

// TierStats is one row of tiers.csv.
type TierStats struct {
	Provider       string
	TierID         int
	Utilization    float64
	QueueWaitP95Ms float64
	InFlightAvg    float64
}

// Summary aggregates makespan and cost across all completed workflows.
type Summary struct {
	MakespanMeanMs float64
	MakespanP50Ms  float64
	MakespanP95Ms  float64
	MakespanP99Ms  float64
	CostMean       float64
	CostP50        float64
}

// Summarize computes the run summary from per-workflow metrics.
func Summarize(workflows []WorkflowMetrics) Summary {
	var s Summary
	n := len(workflows)
	if n == 0 {
		return s
	}
	makespans := make([]float64, 0, n)
	costs := make([]float64, 0, n)
	for _, m := range workflows {
		makespans = append(makespans, m.MakespanMs)
		costs = append(costs, m.Cost)
	}
	sort.Float64s(makespans)
	sort.Float64s(costs)
	var makespanSum, costSum float64
	for i := range makespans {
		makespanSum += makespans[i]
		costSum += costs[i]
	}
	at := func(vals []float64, q float64) float64 {
		idx := int(q * float64(len(vals)))
		if idx > len(vals)-1 {
			idx = len(vals) - 1
		}
		return vals[idx]
	}
	s.MakespanMeanMs = makespanSum / float64(n)
	s.MakespanP50Ms = at(makespans, 0.50)
	s.MakespanP95Ms = at(makespans, 0.95)
	s.MakespanP99Ms = at(makespans, 0.99)
	s.CostMean = costSum / float64(n)
	s.CostP50 = at(costs, 0.50)
	return s
}

func f(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create %s: %s", path, err.Error()).WithCause(err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write %s: %s", path, err.Error()).WithCause(err)
	}
	if err := w.WriteAll(rows); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write %s: %s", path, err.Error()).WithCause(err)
	}
	w.Flush()
	return w.Error()
}

// WriteWorkflowsCSV writes workflows.csv into outDir.
func WriteWorkflowsCSV(outDir string, workflows []WorkflowMetrics) error {
	header := []string{"workflow_id", "makespan_ms", "cost", "retries", "cancellations", "hedges_launched", "wasted_ms"}
	rows := make([][]string, 0, len(workflows))
	for _, m := range workflows {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(m.WorkflowID), 10),
			f(m.MakespanMs),
			f(m.Cost),
			strconv.Itoa(m.Retries),
			strconv.Itoa(m.Cancellations),
			strconv.Itoa(m.HedgesLaunched),
			f(m.WastedMs),
		})
	}
	return writeCSV(filepath.Join(outDir, "workflows.csv"), header, rows)
}

// WriteTiersCSV writes tiers.csv into outDir.
func WriteTiersCSV(outDir string, stats []TierStats) error {
	header := []string{"provider", "tier_id", "utilization", "queue_wait_p95_ms", "in_flight_avg"}
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.Provider,
			strconv.Itoa(s.TierID),
			f(s.Utilization),
			f(s.QueueWaitP95Ms),
			f(s.InFlightAvg),
		})
	}
	return writeCSV(filepath.Join(outDir, "tiers.csv"), header, rows)
}

// WriteSummaryCSV writes summary.csv into outDir.
func WriteSummaryCSV(outDir string, s Summary) error {
	header := []string{"makespan_mean_ms", "makespan_p50_ms", "makespan_p95_ms", "makespan_p99_ms", "cost_mean", "cost_p50"}
	rows := [][]string{{
		f(s.MakespanMeanMs), f(s.MakespanP50Ms), f(s.MakespanP95Ms), f(s.MakespanP99Ms), f(s.CostMean), f(s.CostP50),
	}}
	return writeCSV(filepath.Join(outDir, "summary.csv"), header, rows)
}
