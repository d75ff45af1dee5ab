package reporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage/memory"
)

func seedLedger(t *testing.T, store *memory.Store) {
	t.Helper()

	entries := []*models.MatchDecisionAudit{
		{
			ID:               "au-1",
			TenantID:         "tenant-1",
			MovementID:       "mv-1",
			AlgorithmVersion: "v3",
			Breakdown:        models.ScoreBreakdown{Composite: 0.95, AmountScore: 1.0},
			CandidateIDs:     []string{"tr-1", "tr-2"},
			Outcome:          models.OutcomeAutoApplied,
			Actor:            "system",
		},
		{
			ID:               "au-2",
			TenantID:         "tenant-1",
			MovementID:       "mv-2",
			AlgorithmVersion: "v3",
			Breakdown:        models.ScoreBreakdown{Composite: 0.70},
			Outcome:          models.OutcomeSuggested,
			Actor:            "system",
		},
		{
			ID:               "au-3",
			TenantID:         "tenant-1",
			MovementID:       "mv-3",
			AlgorithmVersion: "v3",
			Outcome:          models.OutcomeInvariantViolation,
			Actor:            "system",
			Critical:         true,
		},
		{
			ID:               "au-4",
			TenantID:         "tenant-2",
			MovementID:       "mv-9",
			AlgorithmVersion: "v3",
			Outcome:          models.OutcomeAutoApplied,
			Actor:            "system",
		},
	}
	for _, entry := range entries {
		require.NoError(t, store.AppendAudit(context.Background(), entry))
	}
}

func TestExportJSON(t *testing.T) {
	store := memory.NewStore()
	seedLedger(t, store)
	exporter := NewExporter(store, nil)

	var buf bytes.Buffer
	count, err := exporter.Export(context.Background(), &buf, &ExportOptions{
		TenantID: "tenant-1",
		Format:   FormatJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	var export Export
	require.NoError(t, json.Unmarshal(buf.Bytes(), &export))
	assert.Equal(t, "tenant-1", export.TenantID)
	require.Len(t, export.Entries, 3)
	assert.Equal(t, "au-1", export.Entries[0].ID)
	assert.InDelta(t, 0.95, export.Entries[0].Breakdown.Composite, 0.0001)
}

func TestExportCSV(t *testing.T) {
	store := memory.NewStore()
	seedLedger(t, store)
	exporter := NewExporter(store, nil)

	var buf bytes.Buffer
	count, err := exporter.Export(context.Background(), &buf, &ExportOptions{
		TenantID: "tenant-1",
		Format:   FormatCSV,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "au-1", records[1][0])
	assert.Equal(t, string(models.OutcomeAutoApplied), records[1][2])
	assert.Equal(t, "1.0000", records[1][6])
	assert.Equal(t, "tr-1;tr-2", records[1][12])
}

func TestExportCriticalOnly(t *testing.T) {
	store := memory.NewStore()
	seedLedger(t, store)
	exporter := NewExporter(store, nil)

	var buf bytes.Buffer
	count, err := exporter.Export(context.Background(), &buf, &ExportOptions{
		TenantID:     "tenant-1",
		Format:       FormatJSON,
		CriticalOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var export Export
	require.NoError(t, json.Unmarshal(buf.Bytes(), &export))
	require.Len(t, export.Entries, 1)
	assert.Equal(t, "au-3", export.Entries[0].ID)
}

func TestExportEmptyLedger(t *testing.T) {
	store := memory.NewStore()
	exporter := NewExporter(store, nil)

	var buf bytes.Buffer
	count, err := exporter.Export(context.Background(), &buf, &ExportOptions{
		TenantID: "tenant-1",
		Format:   FormatJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	var export Export
	require.NoError(t, json.Unmarshal(buf.Bytes(), &export))
	assert.NotNil(t, export.Entries)
	assert.Empty(t, export.Entries)
}

func TestExportOptionsValidate(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name    string
		opts    ExportOptions
		wantErr bool
	}{
		{"valid", ExportOptions{TenantID: "t", Format: FormatJSON}, false},
		{"missing tenant", ExportOptions{Format: FormatJSON}, true},
		{"bad format", ExportOptions{TenantID: "t", Format: "xml"}, true},
		{"inverted range", ExportOptions{TenantID: "t", Format: FormatCSV, From: now, To: now.Add(-time.Hour)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
