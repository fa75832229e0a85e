// Package worker runs signature verifications in the background: a
// pool draining a job queue and a scheduler feeding it.
package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Processor verifies one signature by UUID.
type Processor interface {
	Process(ctx context.Context, uuid string) error
}

// Pool runs verifications concurrently. Jobs are signature UUIDs; a
// full queue drops the job, the pending sweep re-enqueues it later.
type Pool struct {
	processor Processor
	jobs      chan string
	workers   int
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(processor Processor, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		processor: processor,
		jobs:      make(chan string, queueSize),
		workers:   workers,
		logger:    logger,
	}
}

// Start launches the workers. They run until Stop is called or ctx is
// canceled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("verification workers started", "workers", p.workers)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("verification workers stopped")
}

// Enqueue offers a job to the pool. Returns false when the queue is
// full.
func (p *Pool) Enqueue(uuid string) bool {
	select {
	case p.jobs <- uuid:
		return true
	default:
		p.logger.Warn("verification queue full, dropping job", "uuid", uuid)
		return false
	}
}

// QueueDepth reports how many jobs are waiting.
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case uuid := <-p.jobs:
			if err := p.processor.Process(ctx, uuid); err != nil {
				p.logger.Warn("verification attempt did not settle",
					"worker", id, "uuid", uuid, "error", err)
			}
		}
	}
}
