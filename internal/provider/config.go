package provider

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/agentsim/pkg/schema"
)

// Dist selects the service-time distribution for a node type.
type Dist int

const (
	DistLognormal Dist = iota
	DistGamma
	DistLinear
)

func (d Dist) String() string {
	switch d {
	case DistLognormal:
		return "lognormal"
	case DistGamma:
		return "gamma"
	case DistLinear:
		return "linear"
	}
	return "unknown"
}

func parseDist(s string) (Dist, error) {
	switch s {
	case "lognormal":
		return DistLognormal, nil
	case "gamma":
		return DistGamma, nil
	case "linear":
		return DistLinear, nil
	}
	return 0, schema.NewErrorf(schema.ErrCodeConfig, "unknown distribution: %q", s)
}

// LatencyParams parameterizes service-time sampling for one node type.
// Param1/Param2 are mu/sigma for lognormal, shape/scale for gamma, and
// base_ms/coeff for linear.
type LatencyParams struct {
	Dist           Dist
	Param1         float64
	Param2         float64
	TailMultiplier float64
	TailProb       float64
}

// LatencyConfig holds per-node-type latency parameters.
type LatencyConfig struct {
	ByType map[schema.NodeType]LatencyParams
}

// Get returns the parameters for t, falling back to a generic lognormal.
func (c LatencyConfig) Get(t schema.NodeType) LatencyParams {
	if p, ok := c.ByType[t]; ok {
		return p
	}
	return LatencyParams{Dist: DistLognormal, Param1: 5.0, Param2: 0.8, TailMultiplier: 1.0}
}

// DefaultLatencyConfig mirrors the built-in workload: IO-bound PDF loads with
// a cache-miss tail, linear chunking and search, gamma embeddings, and
// token-length-sensitive lognormal LLM calls.
func DefaultLatencyConfig() LatencyConfig {
	byType := map[schema.NodeType]LatencyParams{
		schema.NodeLoadPDF:          {Dist: DistLognormal, Param1: 5.0, Param2: 0.8, TailMultiplier: 3.0, TailProb: 0.1},
		schema.NodeChunk:            {Dist: DistLinear, Param1: 50.0, Param2: 0.5, TailMultiplier: 1.0},
		schema.NodeEmbed:            {Dist: DistGamma, Param1: 4.0, Param2: 25.0, TailMultiplier: 2.0, TailProb: 0.05},
		schema.NodeSimilaritySearch: {Dist: DistLinear, Param1: 20.0, Param2: 2.0, TailMultiplier: 1.0},
	}
	llm := LatencyParams{Dist: DistLognormal, Param1: 6.0, Param2: 0.8, TailMultiplier: 1.0}
	for _, t := range []schema.NodeType{schema.NodePlan, schema.NodeExtractEvidence, schema.NodeAggregate, schema.NodeDecideNext} {
		byType[t] = llm
	}
	return LatencyConfig{ByType: byType}
}

// TierConfig configures one provider tier: token bucket, concurrency,
// pricing, and transient failure rate.
type TierConfig struct {
	Provider          string  `json:"provider"`
	TierID            int     `json:"tier_id"`
	RatePerSec        float64 `json:"rate_per_sec"`
	Capacity          float64 `json:"capacity"`
	ConcurrencyCap    int     `json:"concurrency_cap"`
	PricePerCall      float64 `json:"price_per_call"`
	PFail             float64 `json:"p_fail"`
	DefaultTimeoutMs  int     `json:"default_timeout_ms"`
	DefaultMaxRetries int     `json:"default_max_retries"`
}

// Config is the injected provider configuration. It is immutable for the
// duration of a run: preference lists are populated from it at node creation
// and never re-read.
type Config struct {
	Tiers   []TierConfig
	Latency LatencyConfig
}

// ProviderEmbed and ProviderLLM are the provider names the default
// configuration binds to the embed and llm resource classes.
const (
	ProviderEmbed = "embed_provider"
	ProviderLLM   = "llm_provider"
	ProviderLocal = "local"
)

// DefaultConfig returns the built-in two-tiers-per-provider configuration:
// a cheap/slow and an expensive/fast tier for each of embed and llm.
func DefaultConfig() Config {
	return Config{
		Tiers: []TierConfig{
			{Provider: ProviderEmbed, TierID: 0, RatePerSec: 20, Capacity: 50, ConcurrencyCap: 4, PricePerCall: 0.0001, PFail: 0.02, DefaultTimeoutMs: 10000, DefaultMaxRetries: 3},
			{Provider: ProviderEmbed, TierID: 1, RatePerSec: 100, Capacity: 200, ConcurrencyCap: 8, PricePerCall: 0.0005, PFail: 0.01, DefaultTimeoutMs: 5000, DefaultMaxRetries: 3},
			{Provider: ProviderLLM, TierID: 0, RatePerSec: 5, Capacity: 20, ConcurrencyCap: 2, PricePerCall: 0.01, PFail: 0.03, DefaultTimeoutMs: 30000, DefaultMaxRetries: 3},
			{Provider: ProviderLLM, TierID: 1, RatePerSec: 20, Capacity: 50, ConcurrencyCap: 4, PricePerCall: 0.05, PFail: 0.02, DefaultTimeoutMs: 15000, DefaultMaxRetries: 3},
		},
		Latency: DefaultLatencyConfig(),
	}
}

// configSchemaJSON validates provider config files. Embedded to avoid a
// filesystem dependency.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentsim.dev/schemas/providers.json",
  "type": "object",
  "required": ["tiers"],
  "properties": {
    "tiers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["provider", "tier_id"],
        "properties": {
          "provider": {"type": "string", "minLength": 1},
          "tier_id": {"type": "integer", "minimum": 0},
          "rate_per_sec": {"type": "number", "exclusiveMinimum": 0},
          "capacity": {"type": "number", "exclusiveMinimum": 0},
          "concurrency_cap": {"type": "integer", "minimum": 1},
          "price_per_call": {"type": "number", "minimum": 0},
          "p_fail": {"type": "number", "minimum": 0, "maximum": 1},
          "default_timeout_ms": {"type": "integer", "minimum": 1},
          "default_max_retries": {"type": "integer", "minimum": 0}
        },
        "additionalProperties": false
      }
    },
    "latency": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["dist", "param1", "param2"],
        "properties": {
          "dist": {"type": "string", "enum": ["lognormal", "gamma", "linear"]},
          "param1": {"type": "number"},
          "param2": {"type": "number"},
          "tail_multiplier": {"type": "number", "minimum": 0},
          "tail_prob": {"type": "number", "minimum": 0, "maximum": 1}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

type latencyParamsJSON struct {
	Dist           string  `json:"dist"`
	Param1         float64 `json:"param1"`
	Param2         float64 `json:"param2"`
	TailMultiplier float64 `json:"tail_multiplier"`
	TailProb       float64 `json:"tail_prob"`
}

type configJSON struct {
	Tiers   []TierConfig                 `json:"tiers"`
	Latency map[string]latencyParamsJSON `json:"latency"`
}

var nodeTypeByName = map[string]schema.NodeType{
	"Plan":             schema.NodePlan,
	"LoadPDF":          schema.NodeLoadPDF,
	"Chunk":            schema.NodeChunk,
	"Embed":            schema.NodeEmbed,
	"SimilaritySearch": schema.NodeSimilaritySearch,
	"ExtractEvidence":  schema.NodeExtractEvidence,
	"Aggregate":        schema.NodeAggregate,
	"DecideNext":       schema.NodeDecideNext,
}

// LoadConfig reads a provider configuration file, validates it against the
// embedded JSON Schema, and merges it over the built-in defaults: tiers
// replace the default set wholesale, latency entries override per type.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "read provider config: %s", err.Error()).WithCause(err)
	}
	return ParseConfig(raw)
}

// ParseConfig validates and decodes raw provider configuration JSON.
func ParseConfig(raw []byte) (Config, error) {
	compiled, err := compiledConfigSchema()
	if err != nil {
		return Config{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "parse provider config: %s", err.Error()).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "invalid provider config: %s", err.Error()).WithCause(err)
	}

	var cj configJSON
	if err := json.Unmarshal(raw, &cj); err != nil {
		return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "decode provider config: %s", err.Error()).WithCause(err)
	}

	cfg := DefaultConfig()
	cfg.Tiers = nil
	for _, tc := range cj.Tiers {
		if tc.RatePerSec == 0 {
			tc.RatePerSec = 10
		}
		if tc.Capacity == 0 {
			tc.Capacity = 100
		}
		if tc.ConcurrencyCap == 0 {
			tc.ConcurrencyCap = 4
		}
		if tc.DefaultTimeoutMs == 0 {
			tc.DefaultTimeoutMs = 30000
		}
		if tc.DefaultMaxRetries == 0 {
			tc.DefaultMaxRetries = 3
		}
		cfg.Tiers = append(cfg.Tiers, tc)
	}
	for name, lp := range cj.Latency {
		t, ok := nodeTypeByName[name]
		if !ok {
			return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "unknown node type in latency config: %q", name)
		}
		dist, err := parseDist(lp.Dist)
		if err != nil {
			return Config{}, err
		}
		mult := lp.TailMultiplier
		if mult == 0 {
			mult = 1
		}
		cfg.Latency.ByType[t] = LatencyParams{
			Dist:           dist,
			Param1:         lp.Param1,
			Param2:         lp.Param2,
			TailMultiplier: mult,
			TailProb:       lp.TailProb,
		}
	}
	return cfg, nil
}

func compiledConfigSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchemaJSON))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "parse embedded schema: %s", err.Error()).WithCause(err)
	}
	if err := c.AddResource("https://agentsim.dev/schemas/providers.json", doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "register schema: %s", err.Error()).WithCause(err)
	}
	compiled, err := c.Compile("https://agentsim.dev/schemas/providers.json")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "compile schema: %s", err.Error()).WithCause(err)
	}
	return compiled, nil
}
