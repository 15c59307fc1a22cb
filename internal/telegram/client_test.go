package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/cwhit/polyharvest/internal/models"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"plain", "plain"},
		{"50.5%", "50\\.5%"},
		{"a-b_c", "a\\-b\\_c"},
		{"(x)", "\\(x\\)"},
	}

	for _, tt := range tests {
		if got := escapeMarkdownV2(tt.input); got != tt.expected {
			t.Errorf("escapeMarkdownV2(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestFormatCycleSummary(t *testing.T) {
	cycle := &models.CollectionCycle{
		ID:            "cycle-1",
		StartedAt:     time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Markets:       []string{"M1", "M2", "M3"},
		Status:        models.CyclePartiallyFailed,
		Succeeded:     1,
		Duplicates:    1,
		Failed:        1,
		FailedMarkets: []string{"M3"},
	}
	top := []*models.ProcessedRecord{
		{
			MarketID:           "M1",
			Question:           "Will it happen?",
			ImpliedProbability: 0.82,
			Volume:             750000,
			Bucket:             models.BucketLikelyYes,
		},
	}

	msg := formatCycleSummary(cycle, top)

	for _, want := range []string{
		"partially\\-failed",
		"1 collected, 1 duplicate, 1 failed",
		"M3",
		"Will it happen?",
		"82%",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatCycleSummary_CancelledReason(t *testing.T) {
	cycle := &models.CollectionCycle{
		ID:        "cycle-1",
		StartedAt: time.Now(),
		Markets:   []string{"M1"},
		Status:    models.CycleFailed,
		Reason:    models.ReasonCancelled,
	}

	msg := formatCycleSummary(cycle, nil)
	if !strings.Contains(msg, "cancelled") {
		t.Errorf("message missing cancellation reason:\n%s", msg)
	}
}
