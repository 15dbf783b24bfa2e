package cron

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobFunc is the body of a periodic job.
type JobFunc func(ctx context.Context) error

// Job is a named periodic task driven by a cron spec.
type Job struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Spec    string   `json:"spec"`
	Enabled bool     `json:"enabled"`
	State   JobState `json:"state"`

	run JobFunc
}

// JobState records the outcome of the latest run.
type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int64     `json:"runs"`
	Failures   int64     `json:"failures"`
}

func newJob(name, spec string, run JobFunc) Job {
	return Job{
		ID:      uuid.NewString(),
		Name:    name,
		Spec:    spec,
		Enabled: true,
		run:     run,
	}
}
