package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/grant-intake/internal/ingest"
	"github.com/david/grant-intake/internal/models"
)

func TestReadJSONL(t *testing.T) {
	input := strings.Join([]string{
		`{"title":"AI Research Grant","source_url":"https://x.org/grants/ai","source_id":"x_foundation"}`,
		``,
		`# comment`,
		`{"title":"a","source_url":"https://x.org","source_id":"s","amount":-5}`,
		`{"title":"Climate Fund","source_url":"https://y.org/fund","source_id":"y_org","amount":5000}`,
	}, "\n")

	recs, bad, err := readJSONL(strings.NewReader(input), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "AI Research Grant", recs[0].Title)
	assert.Equal(t, "y_org", recs[1].SourceID)

	require.Len(t, bad, 1)
	assert.Equal(t, 4, bad[0].Line)
	assert.True(t, ingest.IsValidation(bad[0].Err))
}

func TestReadJSONL_LineTooLong(t *testing.T) {
	long := `{"title":"` + strings.Repeat("a", maxLineBytes+1) + `"}`
	_, _, err := readJSONL(strings.NewReader(long), time.Now())
	assert.Error(t, err)
}

func TestFormatHealth(t *testing.T) {
	opened := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatHealth(&buf, []models.SourceHealth{
		{SourceID: "x_foundation", SuccessCount: 9, FailureCount: 1, AvgProcessingMS: 12.34},
		{SourceID: "flaky_feed", FailureCount: 5, ConsecutiveFailures: 5, CircuitBreakerOpen: true, OpenedAt: &opened},
	})

	out := buf.String()
	assert.Contains(t, out, "x_foundation")
	assert.Contains(t, out, "12.3")
	assert.Contains(t, out, "OPEN since 12:30:00")
	assert.Contains(t, out, "closed")
}

func TestFormatRuns(t *testing.T) {
	done := time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC)
	var buf bytes.Buffer
	formatRuns(&buf, []models.IngestRun{
		{RunID: "0f8fad5b-d9cb-469f-a165-70867728950e", Label: "weekly", Status: models.RunCompleted,
			Found: 3, Accepted: 1, Duplicates: 1, Rejected: 1,
			StartedAt: done.Add(-2 * time.Second), CompletedAt: &done, DurationMS: 2000},
		{RunID: "abc", Label: "live", Status: models.RunRunning, StartedAt: done},
	})

	out := buf.String()
	assert.Contains(t, out, "0f8fad5b")
	assert.NotContains(t, out, "0f8fad5b-d9cb")
	assert.Contains(t, out, "2s")
	assert.Contains(t, out, "Running...")
}

func TestFormatBatch(t *testing.T) {
	id := uuid.New()
	var buf bytes.Buffer
	formatBatch(&buf, []ingest.BatchItem{
		{Index: 0, RecordID: id, Result: &ingest.Result{Decision: models.RoutingDecision{
			RecordID: id, State: models.StateAutoApproved, CompositeScore: 0.935,
		}}},
		{Index: 1, RecordID: uuid.New(), Err: errors.New("corpus unavailable")},
	})

	out := buf.String()
	assert.Contains(t, out, "0.935")
	assert.Contains(t, out, string(models.StateAutoApproved))
	assert.Contains(t, out, "corpus unavailable")
}
