package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPnLWarmup precomputes recent P&L reports into the cache.
	TaskPnLWarmup = "pnl:warmup"
	// TaskPnLCacheBump invalidates every cached P&L report.
	TaskPnLCacheBump = "pnl:cache_bump"
)

// PnLWarmupPayload narrows a warmup run. Zero values fall back to the job defaults.
type PnLWarmupPayload struct {
	Months     int      `json:"months,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
}

// PnLCacheBumpPayload records why the cache was invalidated.
type PnLCacheBumpPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewPnLWarmupTask constructs a warmup task.
func NewPnLWarmupTask(payload PnLWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPnLWarmup, data, asynq.MaxRetry(2), asynq.Timeout(10*time.Minute)), nil
}

// NewPnLCacheBumpTask constructs a cache bump task.
func NewPnLCacheBumpTask(payload PnLCacheBumpPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPnLCacheBump, data, asynq.MaxRetry(5)), nil
}
