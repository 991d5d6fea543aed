package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Queue feeds site workflow jobs to a fixed set of workers. Once every
// job has been handed off the queue cancels itself and the workers drain.
type Queue struct {
	name   string
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
}

// Job wraps one unit of work, usually a single site workflow.
type Job struct {
	Name   string
	Action func() error
}

// Worker consumes jobs from a queue until it is done.
type Worker struct {
	Queue  *Queue
	Logger log.Logger
}

// NewQueue returns a named queue ready to accept jobs.
func NewQueue(name string) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		jobs:   make(chan Job),
		name:   name,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJobs pushes the given jobs to the queue and cancels the queue
// context once all of them have been picked up.
func (q *Queue) AddJobs(jobs []Job, logger log.Logger) {
	var wg sync.WaitGroup
	wg.Add(len(jobs))

	for _, job := range jobs {
		go func(job Job) {
			q.AddJob(job, logger)
			wg.Done()
		}(job)
	}

	go func() {
		wg.Wait()
		q.cancel()
	}()
}

// AddJob sends a single job to the queue, blocking until a worker takes it.
func (q *Queue) AddJob(job Job, logger log.Logger) {
	_ = level.Debug(logger).Log("msg", fmt.Sprintf("Adding job '%s' to queue '%s'", job.Name, q.name))
	q.jobs <- job
}

// Run executes the job action.
func (j Job) Run(logger log.Logger) error {
	_ = level.Debug(logger).Log("msg", fmt.Sprintf("Job running: %s", j.Name))

	if err := j.Action(); err != nil {
		return err
	}

	_ = level.Debug(logger).Log("msg", fmt.Sprintf("Job ending: %s", j.Name))

	return nil
}

// NewWorker binds a worker to a queue.
func NewWorker(queue *Queue, logger log.Logger) *Worker {
	return &Worker{
		Queue:  queue,
		Logger: logger,
	}
}

// DoWork runs jobs from the queue until the queue context is canceled.
// Job errors are logged, not propagated; a failed site workflow must not
// stop the remaining sites from being processed.
func (w *Worker) DoWork() bool {
	for {
		select {
		case <-w.Queue.ctx.Done():
			_ = level.Debug(w.Logger).Log("msg", fmt.Sprintf("Work done in queue %s: %s!", w.Queue.name, w.Queue.ctx.Err()))
			return true
		case job := <-w.Queue.jobs:
			if err := job.Run(w.Logger); err != nil {
				_ = level.Error(w.Logger).Log("err", err)
				continue
			}
		}
	}
}
