package metrics

import (
	"sync"

	"github.com/rendis/agentsim/pkg/schema"
)

type estimateKey struct {
	NodeType schema.NodeType
	Provider string
	TierID   int
}

type queueWaitKey struct {
	Provider string
	TierID   int
}

// LatencyEstimateStore holds rolling per-(type, provider, tier) service-time
// quantiles and per-tier queue-wait quantiles. Safe for use from any thread.
type LatencyEstimateStore struct {
	mu         sync.Mutex
	byKey      map[estimateKey]*QuantileEstimator
	queueWait  map[queueWaitKey]*QuantileEstimator
	windowSize int
}

// NewLatencyEstimateStore creates a store with the default 1000-sample
// windows.
func NewLatencyEstimateStore() *LatencyEstimateStore {
	return &LatencyEstimateStore{
		byKey:      make(map[estimateKey]*QuantileEstimator),
		queueWait:  make(map[queueWaitKey]*QuantileEstimator),
		windowSize: 1000,
	}
}

// Record adds a service-time sample for (type, provider, tier).
func (s *LatencyEstimateStore) Record(t schema.NodeType, provider string, tierID int, durationMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := estimateKey{t, provider, tierID}
	est, ok := s.byKey[key]
	if !ok {
		est = NewQuantileEstimator(s.windowSize)
		s.byKey[key] = est
	}
	est.Add(durationMs)
}

// P50 returns the median service time for the key, or the documented default.
func (s *LatencyEstimateStore) P50(t schema.NodeType, provider string, tierID int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if est, ok := s.byKey[estimateKey{t, provider, tierID}]; ok {
		return est.P50()
	}
	return DefaultP50Ms
}

// P95 returns the 95th-percentile service time for the key, or the default.
func (s *LatencyEstimateStore) P95(t schema.NodeType, provider string, tierID int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if est, ok := s.byKey[estimateKey{t, provider, tierID}]; ok {
		return est.P95()
	}
	return DefaultP95Ms
}

// RecordQueueWait adds a queue-wait sample for (provider, tier).
func (s *LatencyEstimateStore) RecordQueueWait(provider string, tierID int, waitMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := queueWaitKey{provider, tierID}
	est, ok := s.queueWait[key]
	if !ok {
		est = NewQuantileEstimator(s.windowSize)
		s.queueWait[key] = est
	}
	est.Add(waitMs)
}

// P95QueueWait returns the 95th-percentile queue wait for (provider, tier),
// or the documented default.
func (s *LatencyEstimateStore) P95QueueWait(provider string, tierID int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if est, ok := s.queueWait[queueWaitKey{provider, tierID}]; ok {
		return est.P95()
	}
	return DefaultQueueWaitP95Ms
}
