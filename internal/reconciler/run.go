package reconciler

import (
	"context"
	"sync"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// RunOptions configures a batch reconciliation run
type RunOptions struct {
	// Limit caps how many pending movements the run processes; 0 means all
	Limit int

	// Workers is the processing concurrency
	Workers int
}

// RunReport summarizes a batch run
type RunReport struct {
	TenantID    string `json:"tenant_id"`
	Processed   int64  `json:"processed"`
	AutoApplied int64  `json:"auto_applied"`
	Suggested   int64  `json:"suggested"`
	Skipped     int64  `json:"skipped"`
	Failed      int64  `json:"failed"`
}

// movementJob processes one movement through the engine and records the
// outcome on the shared tracker
type movementJob struct {
	engine     *Engine
	tenantID   string
	movementID string
	tracker    *logger.RunTracker
	report     *RunReport
	mutex      *sync.Mutex
}

func (j *movementJob) MovementID() string {
	return j.movementID
}

func (j *movementJob) Execute(ctx context.Context) error {
	result, err := j.engine.GenerateSuggestions(ctx, j.tenantID, j.movementID)

	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.report.Processed++

	if err != nil {
		j.report.Failed++
		j.tracker.RecordFailed()
		return err
	}

	switch result.Outcome {
	case models.OutcomeAutoApplied:
		j.report.AutoApplied++
		j.tracker.RecordAutoApplied()
	case models.OutcomeSuggested:
		j.report.Suggested++
		j.tracker.RecordSuggested()
	default:
		j.report.Skipped++
		j.tracker.RecordSkipped()
	}
	return nil
}

// Run reconciles all pending movements for a tenant. Each movement is an
// independent decision; a failure on one movement never stops the run.
// Cancellation is honored between submissions, so a cancelled run stops at a
// movement boundary and leaves no partial decision behind.
func (e *Engine) Run(ctx context.Context, tenantID string, opts RunOptions) (*RunReport, error) {
	movements, err := e.store.ListMovementsByStatus(ctx, tenantID, models.MovementPending, opts.Limit)
	if err != nil {
		return nil, err
	}

	report := &RunReport{TenantID: tenantID}
	if len(movements) == 0 {
		return report, nil
	}

	tracker := logger.NewRunTracker(logger.RunTrackerConfig{
		TenantID: tenantID,
		Total:    int64(len(movements)),
		Logger:   e.logger,
	})

	var mutex sync.Mutex
	pool := NewWorkerPool(opts.Workers, len(movements), e.logger)
	pool.Start()

	submitted := 0
	for _, movement := range movements {
		if ctx.Err() != nil {
			break
		}

		job := &movementJob{
			engine:     e,
			tenantID:   tenantID,
			movementID: movement.ID,
			tracker:    tracker,
			report:     report,
			mutex:      &mutex,
		}
		if err := pool.Submit(job); err != nil {
			break
		}
		submitted++

		if e.metrics != nil {
			e.metrics.MovementsProcessed.WithLabelValues(tenantID).Inc()
		}
	}

	pool.Shutdown()
	tracker.Complete()

	e.logger.WithTenant(tenantID).WithFields(logger.Fields{
		"submitted":    submitted,
		"processed":    report.Processed,
		"auto_applied": report.AutoApplied,
		"suggested":    report.Suggested,
		"skipped":      report.Skipped,
		"failed":       report.Failed,
	}).Info("Reconciliation run finished")

	return report, ctx.Err()
}
