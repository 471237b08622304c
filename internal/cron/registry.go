package cron

import (
	"context"
	"time"
)

// Job is one unit of scheduled work. Run must be safe to repeat: a cycle
// that dies halfway is simply run again later.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type scheduledJob struct {
	job   Job
	every time.Duration
}

// Registry holds jobs in registration order together with their cadence.
// Registering a name twice replaces the earlier job.
type Registry struct {
	jobs []scheduledJob
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds job. every <= 0 runs it on every cycle; otherwise it runs at
// most once per every across all workers sharing the gate.
func (r *Registry) Register(job Job, every time.Duration) {
	if job == nil {
		return
	}
	entry := scheduledJob{job: job, every: every}
	for i, existing := range r.jobs {
		if existing.job.Name() == job.Name() {
			r.jobs[i] = entry
			return
		}
	}
	r.jobs = append(r.jobs, entry)
}

func (r *Registry) Jobs() []Job {
	jobs := make([]Job, 0, len(r.jobs))
	for _, entry := range r.jobs {
		jobs = append(jobs, entry.job)
	}
	return jobs
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, entry := range r.jobs {
		names = append(names, entry.job.Name())
	}
	return names
}

func (r *Registry) scheduled() []scheduledJob {
	return append([]scheduledJob(nil), r.jobs...)
}
