package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/mmdatafocus/vas_recon/config"
	"github.com/sirupsen/logrus"
)

// ErrPoolStopped is returned by Enqueue after Stop.
var ErrPoolStopped = errors.New("run worker pool is stopped")

// RunJob asks a worker to process one admitted run. Content may be nil when
// the archived copy should be used.
type RunJob struct {
	RunId   string
	Content []byte
}

// RunWorkerPool processes admitted runs on a fixed number of goroutines.
// Runs are independent; ordering between them is not guaranteed.
type RunWorkerPool struct {
	Orchestrator *Orchestrator
	Logger       *logrus.Logger
	Workers      int

	jobs    chan RunJob
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
}

func NewRunWorkerPool(orchestrator *Orchestrator, logger *logrus.Logger, workers int) *RunWorkerPool {
	if workers <= 0 {
		workers = config.Workers()
	}
	return &RunWorkerPool{
		Orchestrator: orchestrator,
		Logger:       logger,
		Workers:      workers,
		jobs:         make(chan RunJob, workers*4),
	}
}

func (p *RunWorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

func (p *RunWorkerPool) work(ctx context.Context, worker int) {
	defer p.wg.Done()
	for job := range p.jobs {
		if err := p.Orchestrator.Process(ctx, job.RunId, job.Content); err != nil && p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":  "RunWorkerPool",
				"worker": worker,
				"run_id": job.RunId,
			}).Warn("run did not complete: " + err.Error())
		}
	}
}

// Enqueue blocks while the queue is full or until ctx is done.
func (p *RunWorkerPool) Enqueue(ctx context.Context, job RunJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ingest admits a file and, unless it was already processed, queues its run.
func (p *RunWorkerPool) Ingest(ctx context.Context, sub FileSubmission) (SubmitResult, error) {
	res, err := p.Orchestrator.Submit(ctx, sub)
	if err != nil || res.AlreadyProcessed {
		return res, err
	}
	if err := p.Enqueue(ctx, RunJob{RunId: res.RunId, Content: sub.Content}); err != nil {
		// The run stays pending; recovery requeues it from the archive once
		// it is stale.
		return res, err
	}
	return res, nil
}

// Stop lets queued runs finish and waits for the workers.
func (p *RunWorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}
