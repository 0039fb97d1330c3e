package provider

import (
	"github.com/rendis/agentsim/internal/rng"
	"github.com/rendis/agentsim/pkg/schema"
)

// Sample is the outcome of sampling one attempt: a service time in simulated
// milliseconds, and whether a transient failure or a timeout occurred.
type Sample struct {
	ServiceTimeMs float64
	Failed        bool
	Timeout       bool
}

// Sampler maps a latency context, timeout, and tier failure rate to service
// time and failure outcomes, consuming the shared seeded stream.
type Sampler struct {
	cfg LatencyConfig
	rng *rng.Rng
}

// NewSampler creates a sampler over the given latency configuration.
func NewSampler(cfg LatencyConfig, r *rng.Rng) *Sampler {
	return &Sampler{cfg: cfg, rng: r}
}

func (s *Sampler) serviceTime(params LatencyParams, ctx LatencyContext) float64 {
	var raw float64
	switch params.Dist {
	case DistLognormal:
		mu := params.Param1
		// Token-length sensitivity for the LLM-shaped calls.
		switch ctx.NodeType {
		case schema.NodePlan, schema.NodeExtractEvidence, schema.NodeDecideNext:
			mu += 0.001 * float64(ctx.TokenLengthEst)
		}
		raw = s.rng.Lognormal(mu, params.Param2)
	case DistGamma:
		raw = s.rng.Gamma(params.Param1, params.Param2)
	case DistLinear:
		base, coeff := params.Param1, params.Param2
		switch ctx.NodeType {
		case schema.NodeChunk:
			raw = base + coeff*float64(ctx.PDFSizeEst) + s.rng.Uniform(-5, 5)
		case schema.NodeSimilaritySearch:
			raw = base + coeff*float64(ctx.NumChunksEst)
		default:
			raw = base + s.rng.Uniform(-2, 2)
		}
	}
	if params.TailProb > 0 && s.rng.Bernoulli(params.TailProb) {
		raw *= params.TailMultiplier
	} else if params.TailProb == 0 && params.TailMultiplier != 1 {
		raw *= params.TailMultiplier
	}
	return max(1, raw)
}

// Sample draws a service time for the attempt, then a transient failure with
// probability pFail. Failures skip the timeout check; otherwise a sampled
// time beyond timeoutMs reports timeout with the time clamped to the limit.
func (s *Sampler) Sample(ctx LatencyContext, timeoutMs int, pFail float64) Sample {
	out := Sample{ServiceTimeMs: s.serviceTime(s.cfg.Get(ctx.NodeType), ctx)}
	if s.rng.Bernoulli(pFail) {
		out.Failed = true
		return out
	}
	if timeoutMs > 0 && out.ServiceTimeMs > float64(timeoutMs) {
		out.Timeout = true
		out.ServiceTimeMs = float64(timeoutMs)
	}
	return out
}

// SampleLocal draws a service time for a cpu/io task. Local work has no
// token-length shift, no failure draw, and no timeout; tails apply only when
// tail_prob is set.
func (s *Sampler) SampleLocal(t schema.NodeType, ctx LatencyContext) float64 {
	params := s.cfg.Get(t)
	var raw float64
	switch params.Dist {
	case DistLognormal:
		raw = s.rng.Lognormal(params.Param1, params.Param2)
	case DistGamma:
		raw = s.rng.Gamma(params.Param1, params.Param2)
	case DistLinear:
		base, coeff := params.Param1, params.Param2
		switch t {
		case schema.NodeChunk:
			raw = base + coeff*float64(ctx.PDFSizeEst) + s.rng.Uniform(-5, 5)
		case schema.NodeSimilaritySearch:
			raw = base + coeff*float64(ctx.NumChunksEst)
		default:
			raw = base + s.rng.Uniform(-2, 2)
		}
	}
	if params.TailProb > 0 && s.rng.Bernoulli(params.TailProb) {
		raw *= params.TailMultiplier
	}
	return max(1, raw)
}
