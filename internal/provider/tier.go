package provider

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	"github.com/rendis/agentsim/pkg/schema"
)

// LatencyContext carries per-node estimates into latency sampling.
type LatencyContext struct {
	NodeType       schema.NodeType
	PDFSizeEst     int
	NumChunksEst   int
	TokenLengthEst int
}

// QueuedAttempt is a work item enqueued to a tier.
type QueuedAttempt struct {
	NodeID       schema.NodeID
	WorkflowID   schema.WorkflowID
	NodeType     schema.NodeType
	Provider     string
	TierID       int
	TokensNeeded int
	TimeoutMs    int
	MaxRetries   int
	LatencyCtx   LatencyContext
	AttemptID    schema.AttemptID
	Cancelled    *atomic.Bool
	EnqueuedAt   time.Time
}

// Tier is the bounded admission surface for one provider tier: a FIFO queue,
// a token bucket, and a concurrency cap enforced at dequeue time. The queue
// and in-flight counter share the tier mutex; the signal channel wakes
// workers parked in TimedDequeue.
type Tier struct {
	cfg    TierConfig
	bucket *TokenBucket

	mu       sync.Mutex
	queue    deque.Deque[QueuedAttempt]
	inFlight int

	signal chan struct{}
}

// NewTier creates a tier from its configuration.
func NewTier(cfg TierConfig) (*Tier, error) {
	bucket, err := NewTokenBucket(cfg.RatePerSec, cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &Tier{
		cfg:    cfg,
		bucket: bucket,
		signal: make(chan struct{}, 1),
	}, nil
}

// Config returns the tier configuration.
func (t *Tier) Config() TierConfig { return t.cfg }

// Provider returns the provider name.
func (t *Tier) Provider() string { return t.cfg.Provider }

// TierID returns the tier id within the provider.
func (t *Tier) TierID() int { return t.cfg.TierID }

// ConcurrencyCap returns the maximum in-flight attempts.
func (t *Tier) ConcurrencyCap() int { return t.cfg.ConcurrencyCap }

// InFlight returns the current in-flight count.
func (t *Tier) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// QueueLen returns the number of pending attempts.
func (t *Tier) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}

// CanAccept is the advisory check the scheduler uses to avoid piling up
// dispatch on a saturated tier.
func (t *Tier) CanAccept() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight < t.cfg.ConcurrencyCap
}

// Enqueue appends an attempt and wakes one parked worker.
func (t *Tier) Enqueue(attempt QueuedAttempt) {
	if attempt.EnqueuedAt.IsZero() {
		attempt.EnqueuedAt = time.Now()
	}
	t.mu.Lock()
	t.queue.PushBack(attempt)
	t.mu.Unlock()
	t.wake()
}

// TryDequeue pops the front attempt if one is pending and the concurrency
// cap has room, incrementing in-flight under the same lock. This is where
// the cap is enforced.
func (t *Tier) TryDequeue() (QueuedAttempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue.Len() == 0 || t.inFlight >= t.cfg.ConcurrencyCap {
		return QueuedAttempt{}, false
	}
	attempt := t.queue.PopFront()
	t.inFlight++
	return attempt, true
}

// TimedDequeue waits up to timeout for a dequeuable attempt.
func (t *Tier) TimedDequeue(timeout time.Duration) (QueuedAttempt, bool) {
	if a, ok := t.TryDequeue(); ok {
		return a, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-t.signal:
			if a, ok := t.TryDequeue(); ok {
				return a, true
			}
		case <-timer.C:
			return QueuedAttempt{}, false
		}
	}
}

// AcquireTokens blocks on the token bucket for the attempt's token need.
func (t *Tier) AcquireTokens(attempt QueuedAttempt) {
	t.bucket.Acquire(attempt.TokensNeeded)
}

// OnAttemptFinish decrements in-flight and wakes a parked worker, since a
// pending attempt may now fit under the cap.
func (t *Tier) OnAttemptFinish() {
	t.mu.Lock()
	t.inFlight--
	t.mu.Unlock()
	t.wake()
}

func (t *Tier) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Manager owns all provider tiers for a run.
type Manager struct {
	tiers []*Tier
	index map[string]map[int]int
}

// NewManager builds tiers from the provider configuration.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{index: make(map[string]map[int]int)}
	for _, tc := range cfg.Tiers {
		tier, err := NewTier(tc)
		if err != nil {
			return nil, err
		}
		if m.index[tc.Provider] == nil {
			m.index[tc.Provider] = make(map[int]int)
		}
		m.index[tc.Provider][tc.TierID] = len(m.tiers)
		m.tiers = append(m.tiers, tier)
	}
	return m, nil
}

// GetTier returns the tier for (provider, tierID), or nil if unknown.
func (m *Manager) GetTier(provider string, tierID int) *Tier {
	byID, ok := m.index[provider]
	if !ok {
		return nil
	}
	i, ok := byID[tierID]
	if !ok {
		return nil
	}
	return m.tiers[i]
}

// Tiers returns all tiers in configuration order.
func (m *Manager) Tiers() []*Tier { return m.tiers }
