// Package worker runs the execution substrate: per-tier worker loops that
// turn queued attempts into timed sleeps and results, local cpu/io pools,
// and the cooperative cancellable sleep they share.
package worker

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rendis/agentsim/internal/metrics"
	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/internal/rng"
	"github.com/rendis/agentsim/internal/trace"
	"github.com/rendis/agentsim/pkg/schema"
)

const (
	dequeueTimeout = 100 * time.Millisecond
	sleepChunk     = 20 * time.Millisecond
)

// Config carries the knobs shared by all worker loops.
type Config struct {
	// TimeScale divides simulated service times into wall-clock sleeps.
	TimeScale int
	// HeavyTailProb/HeavyTailMult inject the workload-level latency tail the
	// scheduling policies are meant to mitigate. Applied after sampling, on
	// top of any per-type tail.
	HeavyTailProb float64
	HeavyTailMult float64
	// RunStart anchors simulated time for trace events.
	RunStart time.Time
}

func (c Config) nowMs() float64 {
	return float64(time.Since(c.RunStart).Milliseconds()) * float64(c.TimeScale)
}

// CancellableSleep sleeps for total in chunks of at most chunk, checking the
// cancellation flag between chunks. Returns true if cancellation was ever
// observed.
func CancellableSleep(total time.Duration, cancelled *atomic.Bool, chunk time.Duration) bool {
	if chunk <= 0 {
		chunk = time.Millisecond
	}
	remaining := total
	for remaining > 0 {
		if cancelled != nil && cancelled.Load() {
			return true
		}
		step := min(remaining, chunk)
		time.Sleep(step)
		remaining -= step
	}
	return cancelled != nil && cancelled.Load()
}

func scaledSleep(serviceTimeMs float64, timeScale int) time.Duration {
	ms := int(serviceTimeMs) / timeScale
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// RunTierWorker is the loop for one concurrency slot of a provider tier:
// dequeue, acquire tokens, sample service time, sleep-as-service, push the
// result. Exits when shutdown is set.
func RunTierWorker(tier *provider.Tier, sampler *provider.Sampler, r *rng.Rng,
	results *ResultQueue, store *metrics.LatencyEstimateStore, tr *trace.Writer,
	cfg Config, shutdown *atomic.Bool) {
	tc := tier.Config()
	label := fmt.Sprintf("%s_%d", tc.Provider, tc.TierID)
	for !shutdown.Load() {
		attempt, ok := tier.TimedDequeue(dequeueTimeout)
		if !ok {
			continue
		}

		waitMs := float64(time.Since(attempt.EnqueuedAt).Milliseconds()) * float64(cfg.TimeScale)
		store.RecordQueueWait(tc.Provider, tc.TierID, waitMs)

		tier.AcquireTokens(attempt)
		tr.Emit(schema.EventAttemptStart, cfg.nowMs(), attempt.WorkflowID, attempt.NodeID, label)

		start := time.Now()
		sample := sampler.Sample(attempt.LatencyCtx, attempt.TimeoutMs, tc.PFail)
		if cfg.HeavyTailProb > 0 && r.Bernoulli(cfg.HeavyTailProb) {
			sample.ServiceTimeMs *= cfg.HeavyTailMult
		}

		cancelled := CancellableSleep(scaledSleep(sample.ServiceTimeMs, cfg.TimeScale), attempt.Cancelled, sleepChunk)
		durationMs := float64(time.Since(start).Milliseconds()) * float64(cfg.TimeScale)

		res := schema.AttemptResult{
			NodeID:     attempt.NodeID,
			WorkflowID: attempt.WorkflowID,
			AttemptID:  attempt.AttemptID,
			DurationMs: durationMs,
			Cost:       tc.PricePerCall,
			Provider:   tc.Provider,
			TierID:     tc.TierID,
		}
		switch {
		case cancelled:
			res.Error = schema.ErrKindCancelled
		case sample.Failed:
			res.Error = schema.ErrKindFailed
		case sample.Timeout:
			res.Error = schema.ErrKindTimeout
		default:
			res.Success = true
		}

		tier.OnAttemptFinish()
		results.Push(res)
	}
}

// RunLocalWorker is the loop for a cpu or io pool worker. Local work never
// fails or times out; only cancellation produces an error result. The
// reported duration is the sampled simulated time.
func RunLocalWorker(queue *LocalQueue, resource schema.ResourceClass, sampler *provider.Sampler,
	r *rng.Rng, results *ResultQueue, tr *trace.Writer, cfg Config, shutdown *atomic.Bool) {
	for !shutdown.Load() {
		task, ok := queue.TimedPop(dequeueTimeout)
		if !ok {
			continue
		}

		tr.Emit(schema.EventAttemptStart, cfg.nowMs(), task.WorkflowID, task.NodeID, provider.ProviderLocal)

		rawMs := sampler.SampleLocal(task.NodeType, task.LatencyCtx)
		if cfg.HeavyTailProb > 0 && r.Bernoulli(cfg.HeavyTailProb) {
			rawMs *= cfg.HeavyTailMult
		}
		cancelled := CancellableSleep(scaledSleep(rawMs, cfg.TimeScale), task.Cancelled, sleepChunk)

		res := schema.AttemptResult{
			NodeID:     task.NodeID,
			WorkflowID: task.WorkflowID,
			AttemptID:  task.AttemptID,
			DurationMs: rawMs,
			Provider:   provider.ProviderLocal,
			TierID:     int(resource),
		}
		if cancelled {
			res.Error = schema.ErrKindCancelled
		} else {
			res.Success = true
		}
		results.Push(res)
	}
}
