package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusQueued, JobStatusGenerating, true},
		{JobStatusQueued, JobStatusFailed, true},
		{JobStatusQueued, JobStatusCompleted, true},
		{JobStatusGenerating, JobStatusCompleted, true},
		{JobStatusGenerating, JobStatusFailed, true},
		{JobStatusGenerating, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusCompleted, false},
		{JobStatusCompleted, JobStatusGenerating, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
		if tc.want && tc.to.Rank() <= tc.from.Rank() {
			t.Fatalf("rank of %s must exceed %s", tc.to, tc.from)
		}
	}
}

func TestSortKeyBefore(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	older := SortKey{CreatedAt: now.Add(-time.Second), ID: "z"}
	newer := SortKey{CreatedAt: now, ID: "a"}
	if !older.Before(newer) {
		t.Fatalf("expected older key to sort before newer key")
	}
	tieA := SortKey{CreatedAt: now, ID: "a"}
	tieB := SortKey{CreatedAt: now, ID: "b"}
	if !tieA.Before(tieB) || tieB.Before(tieA) {
		t.Fatalf("ties must break on id")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("connection reset")
	perr := &ProviderError{Op: "generate", Err: cause}
	if !errors.Is(perr, ErrProviderFailure) {
		t.Fatalf("provider error should match ErrProviderFailure")
	}
	if !errors.Is(fmt.Errorf("wrapped: %w", perr), cause) {
		t.Fatalf("provider error should unwrap to its cause")
	}
	if CauseOf(perr) != FailureCauseProvider {
		t.Fatalf("cause = %q, want provider", CauseOf(perr))
	}
	terr := &TimeoutError{Attempts: 30, Elapsed: 2 * time.Minute}
	if !errors.Is(terr, ErrTimeout) || CauseOf(terr) != FailureCauseTimeout {
		t.Fatalf("timeout error should map to timeout cause")
	}
}
