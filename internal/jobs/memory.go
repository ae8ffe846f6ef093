package jobs

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryDispatcher records jobs in process. It backs tests and deployments
// without a queue, where each job is logged and kept for inspection but never
// executed.
type MemoryDispatcher struct {
	log logrus.FieldLogger

	mu   sync.Mutex
	jobs []Job
	max  int
}

func NewMemoryDispatcher(max int, log logrus.FieldLogger) *MemoryDispatcher {
	return &MemoryDispatcher{max: max, log: log}
}

func (d *MemoryDispatcher) Dispatch(_ context.Context, job Job) error {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	if d.max > 0 && len(d.jobs) > d.max {
		d.jobs = d.jobs[len(d.jobs)-d.max:]
	}
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{
		"job":      job.Name,
		"job_id":   job.ID,
		"priority": job.Priority,
		"payload":  string(job.Payload),
	}).Info("job recorded without a queue")
	return nil
}

// Jobs returns a copy of the recorded jobs, oldest first.
func (d *MemoryDispatcher) Jobs() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Job(nil), d.jobs...)
}

func (d *MemoryDispatcher) Reset() {
	d.mu.Lock()
	d.jobs = nil
	d.mu.Unlock()
}
