// Package pending implements the request/response correlation layer over
// the fire-and-forget bus. Each move-point request carries a fresh unique
// id; the tracker blocks the caller until the matching result arrives or
// the retry budget is exhausted. Retries re-publish the identical request
// (same id) so a slow agent that already acted on it is not moved twice.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/copyleftdev/ALIGN/internal/errors"
	"github.com/copyleftdev/ALIGN/internal/logging"
	"github.com/copyleftdev/ALIGN/internal/metrics"
	"github.com/copyleftdev/ALIGN/internal/protocol"
	"github.com/copyleftdev/ALIGN/internal/transport"
)

type outcome struct {
	features map[string]float64
	err      error
}

// Config holds the retry policy and feature expectations.
type Config struct {
	Timeout           time.Duration
	MaxAttempts       int
	BackoffMultiplier float64
	Features          []string
	FeatureFillValue  float64
}

// Tracker correlates outbound move-point requests with inbound results.
// At most one request is in flight at a time; the caller enforces that by
// construction (a single run goroutine), the tracker only bookkeeps.
type Tracker struct {
	bus    transport.Bus
	topics protocol.Topics
	cfg    Config
	log    *logging.Logger
	met    *metrics.Metrics

	mu      sync.Mutex
	waiters map[string]chan outcome
}

// NewTracker builds a Tracker. met may be nil in tests.
func NewTracker(bus transport.Bus, topics protocol.Topics, cfg Config, log *logging.Logger, met *metrics.Metrics) *Tracker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	return &Tracker{
		bus:     bus,
		topics:  topics,
		cfg:     cfg,
		log:     log,
		met:     met,
		waiters: make(map[string]chan outcome),
	}
}

// SendAndWait publishes a move-point request for target and blocks until
// the matching result arrives, the retry budget runs out, or ctx is done.
// Missing expected features in the result are filled with the configured
// default value.
func (t *Tracker) SendAndWait(ctx context.Context, target protocol.Position) (map[string]float64, error) {
	reqID := uuid.NewString()
	ch := make(chan outcome, 1)

	t.mu.Lock()
	t.waiters[reqID] = ch
	t.mu.Unlock()

	payload, err := protocol.Encode(protocol.MovePoint{
		ReqID:  reqID,
		Target: target,
		Sender: protocol.SenderController,
	})
	if err != nil {
		t.drop(reqID)
		return nil, err
	}

	start := time.Now()
	window := t.cfg.Timeout
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		if err := t.bus.Publish(ctx, t.topics.CmdPoint(), payload); err != nil {
			t.drop(reqID)
			return nil, err
		}
		if t.met != nil {
			t.met.RequestsSent.Inc()
			if attempt > 1 {
				t.met.RequestRetries.Inc()
			}
		}

		timer := time.NewTimer(window)
		select {
		case out := <-ch:
			timer.Stop()
			if out.err != nil {
				return nil, out.err
			}
			return t.fill(out.features), nil
		case <-ctx.Done():
			timer.Stop()
			t.drop(reqID)
			return nil, ctx.Err()
		case <-timer.C:
			t.log.Warn("move request timed out, retrying", map[string]interface{}{
				"req_id":  reqID,
				"attempt": attempt,
				"window":  window.String(),
			})
			window = time.Duration(float64(window) * t.cfg.BackoffMultiplier)
		}
	}

	t.drop(reqID)
	if t.met != nil {
		t.met.RequestTimeouts.Inc()
	}
	// Resolve may have won the race between the last timeout and the
	// deregistration above; the buffered channel holds that result.
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return t.fill(out.features), nil
	default:
	}
	return nil, &errors.TimeoutError{
		ReqID:    reqID,
		Attempts: t.cfg.MaxAttempts,
		Elapsed:  time.Since(start),
	}
}

// Resolve delivers a result to the waiter registered for its request id.
// Returns false when the id is unknown or already resolved; duplicates
// from retried requests land here and are dropped.
func (t *Tracker) Resolve(res protocol.ResultFeatureSet) bool {
	ch, ok := t.take(res.ReqID)
	if !ok {
		if t.met != nil {
			t.met.DuplicateResults.Inc()
		}
		return false
	}
	ch <- outcome{features: res.FeatureMap()}
	return true
}

// ResolveError fails the waiter registered for reqID with an agent-reported
// error. Unknown ids are dropped the same way duplicate results are.
func (t *Tracker) ResolveError(reqID, reason string) bool {
	ch, ok := t.take(reqID)
	if !ok {
		if t.met != nil {
			t.met.DuplicateResults.Inc()
		}
		return false
	}
	ch <- outcome{err: errors.Errorf("agent reported failure: %s", reason)}
	return true
}

func (t *Tracker) take(reqID string) (chan outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.waiters[reqID]
	if ok {
		delete(t.waiters, reqID)
	}
	return ch, ok
}

func (t *Tracker) drop(reqID string) {
	t.mu.Lock()
	delete(t.waiters, reqID)
	t.mu.Unlock()
}

func (t *Tracker) fill(features map[string]float64) map[string]float64 {
	for _, name := range t.cfg.Features {
		if _, ok := features[name]; !ok {
			features[name] = t.cfg.FeatureFillValue
			if t.met != nil {
				t.met.FeaturesFilled.Inc()
			}
			t.log.Warn("result missing expected feature, filled with default", map[string]interface{}{
				"feature": name,
				"fill":    t.cfg.FeatureFillValue,
			})
		}
	}
	return features
}
