package logger

import (
	"fmt"
	"sync"
	"time"
)

// RunTracker tracks the progress of a batch reconciliation run and logs
// periodic snapshots so long runs stay observable.
type RunTracker struct {
	logger      Logger
	tenantID    string
	total       int64
	processed   int64
	autoApplied int64
	suggested   int64
	skipped     int64
	failed      int64
	startTime   time.Time
	lastLogTime time.Time
	logInterval time.Duration
	mutex       sync.Mutex
}

// RunTrackerConfig configures run tracking behavior
type RunTrackerConfig struct {
	TenantID    string
	Total       int64
	LogInterval time.Duration
	Logger      Logger
}

// NewRunTracker creates a new run tracker
func NewRunTracker(config RunTrackerConfig) *RunTracker {
	if config.Logger == nil {
		config.Logger = GetGlobalLogger()
	}
	if config.LogInterval == 0 {
		config.LogInterval = 5 * time.Second
	}

	tracker := &RunTracker{
		logger:      config.Logger.WithComponent("run_tracker").WithTenant(config.TenantID),
		tenantID:    config.TenantID,
		total:       config.Total,
		startTime:   time.Now(),
		lastLogTime: time.Now(),
		logInterval: config.LogInterval,
	}

	tracker.logger.WithFields(Fields{
		"total_movements": config.Total,
	}).Info("Starting reconciliation run")

	return tracker
}

// RecordAutoApplied records a movement that was auto-matched
func (r *RunTracker) RecordAutoApplied() {
	r.record(func() { r.autoApplied++ })
}

// RecordSuggested records a movement that produced a suggestion
func (r *RunTracker) RecordSuggested() {
	r.record(func() { r.suggested++ })
}

// RecordSkipped records a movement left pending (no candidates or low score)
func (r *RunTracker) RecordSkipped() {
	r.record(func() { r.skipped++ })
}

// RecordFailed records a movement whose processing errored
func (r *RunTracker) RecordFailed() {
	r.record(func() { r.failed++ })
}

func (r *RunTracker) record(apply func()) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	apply()
	r.processed++

	now := time.Now()
	if now.Sub(r.lastLogTime) >= r.logInterval {
		r.logProgress(now)
		r.lastLogTime = now
	}
}

func (r *RunTracker) logProgress(now time.Time) {
	elapsed := now.Sub(r.startTime)
	rate := float64(r.processed) / elapsed.Seconds()

	fields := Fields{
		"processed":    r.processed,
		"auto_applied": r.autoApplied,
		"suggested":    r.suggested,
		"skipped":      r.skipped,
		"failed":       r.failed,
		"elapsed":      elapsed.String(),
		"rate":         fmt.Sprintf("%.2f/sec", rate),
	}

	if r.total > 0 {
		fields["percent"] = fmt.Sprintf("%.1f%%", float64(r.processed)/float64(r.total)*100)
	}

	r.logger.WithFields(fields).Info("Reconciliation run progress")
}

// Complete marks the run as complete and logs final statistics
func (r *RunTracker) Complete() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	elapsed := time.Since(r.startTime)
	rate := float64(r.processed) / elapsed.Seconds()

	r.logger.WithFields(Fields{
		"total_movements": r.total,
		"processed":       r.processed,
		"auto_applied":    r.autoApplied,
		"suggested":       r.suggested,
		"skipped":         r.skipped,
		"failed":          r.failed,
		"duration":        elapsed.String(),
		"rate":            fmt.Sprintf("%.2f/sec", rate),
	}).Info("Reconciliation run completed")
}

// Snapshot returns the current counters
func (r *RunTracker) Snapshot() (processed, autoApplied, suggested, skipped, failed int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.processed, r.autoApplied, r.suggested, r.skipped, r.failed
}
