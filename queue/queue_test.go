package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
)

func TestWorkerRunsAllJobs(t *testing.T) {
	var mu sync.Mutex
	var ran []string

	logger := log.NewNopLogger()

	q := NewQueue("sites")

	jobs := []Job{
		{
			Name: "www.example.com",
			Action: func() error {
				mu.Lock()
				defer mu.Unlock()
				ran = append(ran, "www.example.com")
				return nil
			},
		},
		{
			Name: "api.example.com",
			Action: func() error {
				mu.Lock()
				defer mu.Unlock()
				ran = append(ran, "api.example.com")
				return errors.New("validation rejected")
			},
		},
		{
			Name: "cdn.example.com",
			Action: func() error {
				mu.Lock()
				defer mu.Unlock()
				ran = append(ran, "cdn.example.com")
				return nil
			},
		},
	}

	q.AddJobs(jobs, logger)

	worker := NewWorker(q, logger)

	done := make(chan bool)
	go func() {
		done <- worker.DoWork()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not complete in time")
	}

	// One failing job must not prevent the others from running.
	mu.Lock()
	defer mu.Unlock()

	if len(ran) != 3 {
		t.Errorf("expected 3 jobs to run, got %d", len(ran))
	}
}

func TestMultipleWorkersDrainQueue(t *testing.T) {
	var mu sync.Mutex
	count := 0

	logger := log.NewNopLogger()

	q := NewQueue("sites")

	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, Job{
			Name: "site",
			Action: func() error {
				mu.Lock()
				defer mu.Unlock()
				count++
				return nil
			},
		})
	}

	q.AddJobs(jobs, logger)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			NewWorker(q, logger).DoWork()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not drain the queue in time")
	}

	mu.Lock()
	defer mu.Unlock()

	if count != 8 {
		t.Errorf("expected 8 jobs to run, got %d", count)
	}
}
