package service

import (
	"context"
	"testing"
)

func TestStreamingMonitorCounters(t *testing.T) {
	repo := newFakeCreditsRepo()
	paidAccount(repo, "u1", 10)
	svc := newTestCreditsService(repo)

	m := svc.NewStreamingMonitor("u1", 4)
	if m.CreditsConsumed() != 0 {
		t.Fatal("fresh monitor should start at zero")
	}

	m.RecordCreditsConsumed(1)
	m.RecordCreditsConsumed(2)
	if got := m.CreditsConsumed(); got != 3 {
		t.Errorf("expected 3 consumed, got %d", got)
	}

	if m.IsApproachingLimit(0.9) {
		t.Error("3 of 4 is below the 0.9 threshold")
	}
	if !m.IsApproachingLimit(0.75) {
		t.Error("3 of 4 reaches the 0.75 threshold")
	}
}

func TestStreamingMonitorCanContinue(t *testing.T) {
	repo := newFakeCreditsRepo()
	paidAccount(repo, "u1", 10)
	svc := newTestCreditsService(repo)
	ctx := context.Background()

	m := svc.NewStreamingMonitor("u1", 2)
	if !m.CanContinueStreaming(ctx) {
		t.Fatal("stream under its cap with balance should continue")
	}

	m.RecordCreditsConsumed(2)
	if m.CanContinueStreaming(ctx) {
		t.Error("stream at its estimated cap must stop")
	}
}

func TestStreamingMonitorStopsOnEmptyBalance(t *testing.T) {
	repo := newFakeCreditsRepo()
	paidAccount(repo, "u1", 0)
	svc := newTestCreditsService(repo)

	m := svc.NewStreamingMonitor("u1", 5)
	if m.CanContinueStreaming(context.Background()) {
		t.Error("stream must stop when the live balance is empty")
	}
}
