package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/docsight/docsight/internal/resilience"
	"github.com/docsight/docsight/internal/store"
)

func TestFormatJobsList(t *testing.T) {
	var buf bytes.Buffer
	formatJobsList(&buf, []store.Job{
		{
			ID:              "job-1",
			DocumentPath:    "/docs/scan.pdf",
			Status:          store.JobStatusConverged,
			FinalAccuracy:   0.97,
			RoundsCompleted: 2,
			UpdatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	})

	out := buf.String()
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "/docs/scan.pdf")
	assert.Contains(t, out, "converged")
	assert.Contains(t, out, "0.970")
}

func TestFormatDLQList_TruncatesLongErrors(t *testing.T) {
	longErr := ""
	for i := 0; i < 10; i++ {
		longErr += "connection refused "
	}

	var buf bytes.Buffer
	formatDLQList(&buf, []resilience.DLQEntry{
		{
			ID:           "dlq-1",
			DocumentPath: "/docs/scan.pdf",
			FailedStage:  "validate",
			ErrorType:    "transient",
			RetryCount:   1,
			MaxRetries:   3,
			NextRetryAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Error:        longErr,
		},
	})

	out := buf.String()
	assert.Contains(t, out, "dlq-1")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, longErr)
}
