// Package queue is the durable, lease based job queue. Workers on any number of hosts
// coordinate only through the store: a job is owned by whoever holds its unexpired
// reservation, and an expired lease is the sole retry trigger.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/metrics"
	"github.com/deemkeen/fedhub/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store persists jobs. *db.DB and *PostgresStore implement it.
type Store interface {
	InsertJob(j *domain.Job) (bool, error)
	ReserveJob(reservationId string, now time.Time, lease, longLease time.Duration, longRunning []string) (*domain.Job, error)
	ExtendLease(id int64, reservationId string, until time.Time) (bool, error)
	CompleteJob(id int64, reservationId string) (bool, error)
	ReclaimExpired(now time.Time) (int64, error)
}

// Priorities used by the hub's commands.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

type Options struct {
	Lease       time.Duration
	LongLease   time.Duration
	LongRunning []string
	Clock       util.Clock
}

type Queue struct {
	store       Store
	lease       time.Duration
	longLease   time.Duration
	longRunning []string
	clock       util.Clock
	log         zerolog.Logger
}

func New(store Store, opts Options) *Queue {
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.LongLease < opts.Lease {
		opts.LongLease = opts.Lease
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	return &Queue{
		store:       store,
		lease:       opts.Lease,
		longLease:   opts.LongLease,
		longRunning: opts.LongRunning,
		clock:       opts.Clock,
		log:         util.ComponentLogger("queue"),
	}
}

// DedupKey is the stable key of a command and its serialized payload.
func DedupKey(command string, payload []byte) string {
	return util.StableHash(command, string(payload))
}

// Enqueue serializes payload and queues it. Identical pending jobs collapse into one row;
// the returned bool reports whether a new row was created.
func (q *Queue) Enqueue(command string, payload any, priority int) (bool, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("queue: marshal %s payload: %w", command, err)
	}
	job := &domain.Job{
		Priority:  priority,
		Command:   command,
		Payload:   buf,
		DedupKey:  DedupKey(command, buf),
		CreatedAt: q.clock.Now(),
	}
	inserted, err := q.store.InsertJob(job)
	if err != nil {
		return false, fmt.Errorf("queue: enqueue %s: %w", command, err)
	}
	if inserted {
		q.log.Debug().Str("command", command).Int64("job", job.Id).Msg("Queue: job added")
	} else {
		q.log.Debug().Str("command", command).Msg("Queue: duplicate job skipped")
	}
	return inserted, nil
}

// Reserve claims the next job for workerId. It returns domain.ErrNotFound on an empty queue.
func (q *Queue) Reserve(workerId string) (*domain.Job, error) {
	reservation := workerId + ":" + uuid.New().String()
	job, err := q.store.ReserveJob(reservation, q.clock.Now(), q.lease, q.longLease, q.longRunning)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("queue: reserve: %w", err)
	}
	return job, nil
}

// Extend renews the lease on a job the caller still holds.
func (q *Queue) Extend(job *domain.Job) (bool, error) {
	until := q.clock.Now().Add(q.LeaseFor(job.Command))
	ok, err := q.store.ExtendLease(job.Id, job.ReservationId, until)
	if ok {
		job.LeaseExpires = until
	}
	return ok, err
}

// Complete removes a finished job. A false result means the lease was lost and another
// worker may have run the job too.
func (q *Queue) Complete(job *domain.Job) (bool, error) {
	return q.store.CompleteJob(job.Id, job.ReservationId)
}

// Reclaim makes jobs with expired leases reservable again.
func (q *Queue) Reclaim() (int64, error) {
	n, err := q.store.ReclaimExpired(q.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim: %w", err)
	}
	if n > 0 {
		metrics.JobsReclaimed.Add(float64(n))
		q.log.Info().Int64("count", n).Msg("Queue: reclaimed expired reservations")
	}
	return n, nil
}

func (q *Queue) LeaseFor(command string) time.Duration {
	if slices.Contains(q.longRunning, command) {
		return q.longLease
	}
	return q.lease
}
