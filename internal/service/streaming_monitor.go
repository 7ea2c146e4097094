package service

import (
	"context"
	"sync"
)

// StreamingCreditsMonitor tracks credits consumed so far during one open
// stream against an estimated cap, letting a long-lived stream decide to
// self-terminate before it would overdraw the account without a DB
// round-trip on every chunk. Advisory only: the authoritative check remains
// the consumption transaction at stream end.
type StreamingCreditsMonitor struct {
	mu           sync.Mutex
	userID       string
	estimatedCap int
	consumed     int
	credits      CreditsService
}

func newStreamingCreditsMonitor(userID string, estimatedCap int, credits CreditsService) *StreamingCreditsMonitor {
	return &StreamingCreditsMonitor{
		userID:       userID,
		estimatedCap: estimatedCap,
		credits:      credits,
	}
}

// RecordCreditsConsumed adds n to the local counter.
func (m *StreamingCreditsMonitor) RecordCreditsConsumed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed += n
}

// CreditsConsumed returns the locally tracked total.
func (m *StreamingCreditsMonitor) CreditsConsumed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed
}

// IsApproachingLimit reports whether the local counter has crossed the given
// fraction of the estimated cap.
func (m *StreamingCreditsMonitor) IsApproachingLimit(threshold float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.estimatedCap <= 0 {
		return false
	}
	return float64(m.consumed) >= threshold*float64(m.estimatedCap)
}

// CanContinueStreaming re-checks the live balance plus the local cap.
func (m *StreamingCreditsMonitor) CanContinueStreaming(ctx context.Context) bool {
	m.mu.Lock()
	consumed := m.consumed
	m.mu.Unlock()

	if consumed >= m.estimatedCap {
		return false
	}
	check := m.credits.CheckCreditsAvailable(ctx, m.userID, 1)
	return check.Available
}
