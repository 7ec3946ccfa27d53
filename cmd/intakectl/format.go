package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/grant-intake/internal/ingest"
	"github.com/david/grant-intake/internal/models"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func formatHealth(w io.Writer, rows []models.SourceHealth) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Source", "Breaker", "Success", "Failure", "Duplicate", "Consecutive", "Avg ms", "Reset By", "Updated"})
	for _, h := range rows {
		breaker := "closed"
		if h.CircuitBreakerOpen {
			breaker = "OPEN"
			if h.OpenedAt != nil {
				breaker = "OPEN since " + h.OpenedAt.Format("15:04:05")
			}
		}
		updated := ""
		if !h.UpdatedAt.IsZero() {
			updated = h.UpdatedAt.Format(time.RFC3339)
		}
		t.AppendRow(table.Row{
			h.SourceID, breaker, h.SuccessCount, h.FailureCount, h.DuplicateCount,
			h.ConsecutiveFailures, fmt.Sprintf("%.1f", h.AvgProcessingMS), h.ResetBy, updated,
		})
	}
	t.Render()
}

func formatRuns(w io.Writer, runs []models.IngestRun) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Run", "Label", "Status", "Found", "Accepted", "Duplicates", "Rejected", "Invalid", "Errors", "Duration", "Started At"})
	for _, r := range runs {
		duration := "Running..."
		if r.CompletedAt != nil {
			duration = (time.Duration(r.DurationMS) * time.Millisecond).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{
			shortID(r.RunID), r.Label, r.Status, r.Found, r.Accepted, r.Duplicates,
			r.Rejected, r.Invalid, r.Errors, duration, r.StartedAt.Format("15:04:05"),
		})
	}
	t.Render()
}

func formatBatch(w io.Writer, items []ingest.BatchItem) {
	t := newTable(w)
	t.AppendHeader(table.Row{"#", "Record", "State", "Score", "Reasons"})
	for _, it := range items {
		if it.Err != nil {
			t.AppendRow(table.Row{it.Index, shortID(it.RecordID.String()), "error", "", it.Err.Error()})
			continue
		}
		d := it.Result.Decision
		t.AppendRow(table.Row{
			it.Index, shortID(d.RecordID.String()), d.State,
			fmt.Sprintf("%.3f", d.CompositeScore), strings.Join(d.Reasons, "; "),
		})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
