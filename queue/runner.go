package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/metrics"
	"github.com/deemkeen/fedhub/util"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Handler runs one job. Returning an error leaves the job reserved until its lease
// expires, after which it is dispatched again.
type Handler interface {
	Run(ctx context.Context, job *domain.Job) error
}

type HandlerFunc func(ctx context.Context, job *domain.Job) error

func (f HandlerFunc) Run(ctx context.Context, job *domain.Job) error { return f(ctx, job) }

// Runner drains the queue with at most maxWorkers concurrent workers.
type Runner struct {
	queue    *Queue
	sem      *semaphore.Weighted
	poll     time.Duration
	hostname string
	log      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
	seq      int64
}

func NewRunner(q *Queue, maxWorkers int, poll time.Duration) *Runner {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	host, _ := os.Hostname()
	return &Runner{
		queue:    q,
		sem:      semaphore.NewWeighted(int64(maxWorkers)),
		poll:     poll,
		hostname: host,
		log:      util.ComponentLogger("runner"),
		handlers: map[string]Handler{},
	}
}

func (r *Runner) Register(command string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = h
}

func (r *Runner) handler(command string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[command]
	return h, ok
}

// Summon starts one more worker if the pool has room. At capacity it returns false
// and the work simply stays queued.
func (r *Runner) Summon(ctx context.Context) bool {
	if !r.sem.TryAcquire(1) {
		return false
	}
	r.mu.Lock()
	r.seq++
	workerId := fmt.Sprintf("%s/%d/%d", r.hostname, os.Getpid(), r.seq)
	r.mu.Unlock()

	r.wg.Add(1)
	metrics.WorkersBusy.Inc()
	go func() {
		defer r.wg.Done()
		defer metrics.WorkersBusy.Dec()
		defer r.sem.Release(1)
		r.work(ctx, workerId)
	}()
	return true
}

// Run reclaims expired leases and summons workers on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info().Dur("poll", r.poll).Msg("Starting queue runner...")
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one reclaim sweep and fills the worker pool.
func (r *Runner) Tick(ctx context.Context) {
	if _, err := r.queue.Reclaim(); err != nil {
		r.log.Error().Err(err).Msg("Runner: reclaim failed")
	}
	for r.Summon(ctx) {
	}
}

// Wait blocks until every running worker has drained the queue.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) work(ctx context.Context, workerId string) {
	for ctx.Err() == nil {
		job, err := r.queue.Reserve(workerId)
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		if err != nil {
			r.log.Error().Err(err).Str("worker", workerId).Msg("Runner: reserve failed")
			return
		}
		r.Execute(ctx, job)
	}
}

// Execute runs job and deletes it only when the handler succeeded.
func (r *Runner) Execute(ctx context.Context, job *domain.Job) {
	log := r.log.With().Str("command", job.Command).Int64("job", job.Id).Logger()

	h, ok := r.handler(job.Command)
	if !ok {
		log.Warn().Msg("Runner: no handler registered, dropping job")
		r.complete(log, job)
		return
	}

	start := time.Now()
	err := safeRun(ctx, h, job)
	metrics.ObserveJob(job.Command, start, err)
	if err != nil {
		log.Error().Err(err).Msg("Runner: job failed, leaving it for lease expiry")
		return
	}
	r.complete(log, job)
}

func (r *Runner) complete(log zerolog.Logger, job *domain.Job) {
	ok, err := r.queue.Complete(job)
	if err != nil {
		log.Error().Err(err).Msg("Runner: completing job failed")
		return
	}
	if !ok {
		log.Warn().Msg("Runner: lease lost before completion")
	}
}

func safeRun(ctx context.Context, h Handler, job *domain.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.Run(ctx, job)
}
