package core

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/image-loader/config"
	apperrors "github.com/Skryldev/image-loader/errors"
)

// Runner is a minimal interface over the decode engine so that core does
// not import the decode package (avoiding a circular dependency).
type Runner interface {
	Load(ctx context.Context, req *Request) (DecodeResult, error)
}

// Job is an asynchronous load request.
type Job struct {
	ID       string
	Ctx      context.Context
	Request  *Request
	ResultCh chan<- JobResult
}

// JobResult is delivered on Job.ResultCh.
type JobResult struct {
	JobID  string
	Result DecodeResult
	Err    error
}

// Processor runs load requests synchronously or on a worker pool.
// It is safe for concurrent use.
type Processor struct {
	cfg    config.Config
	runner Runner

	// Worker pool.
	jobQueue chan Job
	wg       sync.WaitGroup
	once     sync.Once
	stopOnce sync.Once
	shutdown chan struct{}

	// Atomic counters for lightweight internal metrics.
	loadedCount int64
	errorCount  int64
}

// NewProcessor creates a Processor over r. Call Start() before submitting
// jobs; call Stop() when done.
func NewProcessor(cfg config.Config, r Runner) *Processor {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Processor{
		cfg:      cfg,
		runner:   r,
		jobQueue: make(chan Job, queueSize),
		shutdown: make(chan struct{}),
	}
}

func (p *Processor) workers() int {
	if p.cfg.WorkerCount > 0 {
		return p.cfg.WorkerCount
	}
	return runtime.NumCPU()
}

// Start launches the worker pool. It is idempotent.
func (p *Processor) Start() {
	p.once.Do(func() {
		for i := 0; i < p.workers(); i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Stop shuts down all workers and waits for in-flight jobs. Jobs still
// queued are answered with ErrStopped. Safe to call more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.shutdown) })
	p.wg.Wait()
	for {
		select {
		case job := <-p.jobQueue:
			p.reply(job, nil, apperrors.New(apperrors.CauseCanceled, "stop", apperrors.ErrStopped))
		default:
			return
		}
	}
}

// Load is the primary synchronous API.
func (p *Processor) Load(ctx context.Context, req *Request) (DecodeResult, error) {
	res, err := p.runner.Load(ctx, req)
	if err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return nil, err
	}
	atomic.AddInt64(&p.loadedCount, 1)
	return res, nil
}

// Submit enqueues an async job. Returns ErrWorkerPoolFull if the queue is
// full and ErrStopped after Stop.
func (p *Processor) Submit(job Job) error {
	select {
	case <-p.shutdown:
		return apperrors.New(apperrors.CauseCanceled, "submit", apperrors.ErrStopped)
	default:
	}
	select {
	case p.jobQueue <- job:
		return nil
	default:
		return apperrors.New(apperrors.CauseDecodeUnknown, "submit", apperrors.ErrWorkerPoolFull)
	}
}

// Batch loads reqs concurrently, at most one per worker at a time. Results
// and errors are index-aligned with reqs.
func (p *Processor) Batch(ctx context.Context, reqs []*Request) ([]DecodeResult, []error) {
	results := make([]DecodeResult, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(p.workers())
	for i, req := range reqs {
		g.Go(func() error {
			results[i], errs[i] = p.Load(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// ── worker pool internals ──────────────────────────────────────────────────────

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		case job := <-p.jobQueue:
			p.processJob(job)
		}
	}
}

func (p *Processor) processJob(job Job) {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout := p.cfg.JobTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := p.Load(ctx, job.Request)
	p.reply(job, res, err)
}

func (p *Processor) reply(job Job, res DecodeResult, err error) {
	if job.ResultCh != nil {
		job.ResultCh <- JobResult{JobID: job.ID, Result: res, Err: err}
	}
}

// LoadedCount returns the total number of successful loads.
func (p *Processor) LoadedCount() int64 { return atomic.LoadInt64(&p.loadedCount) }

// ErrorCount returns the total number of failed loads.
func (p *Processor) ErrorCount() int64 { return atomic.LoadInt64(&p.errorCount) }
