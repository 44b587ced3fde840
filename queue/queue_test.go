package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/fedhub/db"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T) (*Queue, *db.DB, *util.FixedClock) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &util.FixedClock{T: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := New(store, Options{
		Lease:       time.Minute,
		LongLease:   time.Hour,
		LongRunning: []string{domain.CmdFetchParent},
		Clock:       clock,
	})
	return q, store, clock
}

type notifyPayload struct {
	Mid     string `json:"mid"`
	Channel int64  `json:"channel"`
}

func TestEnqueueDedup(t *testing.T) {
	q, store, _ := setupQueue(t)

	ok, err := q.Enqueue(domain.CmdNotifier, notifyPayload{Mid: "m1", Channel: 1}, PriorityNormal)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(domain.CmdNotifier, notifyPayload{Mid: "m1", Channel: 1}, PriorityNormal)
	require.NoError(t, err)
	assert.False(t, ok, "identical payload must collapse")

	ok, err = q.Enqueue(domain.CmdDeliver, notifyPayload{Mid: "m1", Channel: 1}, PriorityNormal)
	require.NoError(t, err)
	assert.True(t, ok, "a different command is a different job")

	jobs, err := store.ReadJobs(10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDedupKeyStable(t *testing.T) {
	a := DedupKey("notifier", []byte(`{"a":1}`))
	assert.Equal(t, a, DedupKey("notifier", []byte(`{"a":1}`)))
	assert.NotEqual(t, a, DedupKey("notifier", []byte(`{"a":2}`)))
}

func TestReserveOrderAndLease(t *testing.T) {
	q, _, clock := setupQueue(t)

	q.Enqueue(domain.CmdNotifier, notifyPayload{Mid: "low"}, PriorityLow)
	q.Enqueue(domain.CmdFetchParent, notifyPayload{Mid: "high"}, PriorityHigh)
	q.Enqueue(domain.CmdNotifier, notifyPayload{Mid: "low2"}, PriorityLow)

	first, err := q.Reserve("w1")
	require.NoError(t, err)
	assert.Equal(t, domain.CmdFetchParent, first.Command)
	assert.Equal(t, clock.Now().Add(time.Hour), first.LeaseExpires)

	second, err := q.Reserve("w1")
	require.NoError(t, err)
	assert.Contains(t, string(second.Payload), `"low"`, "insertion order breaks priority ties")
	assert.Equal(t, clock.Now().Add(time.Minute), second.LeaseExpires)
}

func TestLeaseReclaimByOtherWorker(t *testing.T) {
	q, _, clock := setupQueue(t)
	q.Enqueue(domain.CmdNotifier, notifyPayload{Mid: "m"}, PriorityNormal)

	held, err := q.Reserve("w1")
	require.NoError(t, err)

	_, err = q.Reserve("w2")
	assert.ErrorIs(t, err, domain.ErrNotFound, "a live reservation is exclusive")

	clock.Advance(2 * time.Minute)
	n, err := q.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	taken, err := q.Reserve("w2")
	require.NoError(t, err)
	assert.Equal(t, held.Id, taken.Id)

	ok, err := q.Complete(held)
	require.NoError(t, err)
	assert.False(t, ok, "stale reservation cannot complete")

	ok, err = q.Complete(taken)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExtendLease(t *testing.T) {
	q, _, clock := setupQueue(t)
	q.Enqueue(domain.CmdNotifier, notifyPayload{Mid: "m"}, PriorityNormal)
	job, err := q.Reserve("w1")
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	ok, err := q.Extend(job)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(50 * time.Second)
	n, _ := q.Reclaim()
	assert.Zero(t, n, "extended lease is still live")
}

func newTestRunner(t *testing.T, q *Queue, max int) *Runner {
	r := NewRunner(q, max, time.Second)
	return r
}

func TestRunnerCompletesOnSuccess(t *testing.T) {
	q, store, _ := setupQueue(t)
	r := newTestRunner(t, q, 2)

	var runs atomic.Int32
	r.Register(domain.CmdNotifier, HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		runs.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		q.Enqueue(domain.CmdNotifier, notifyPayload{Channel: int64(i)}, PriorityNormal)
	}
	r.Tick(context.Background())
	r.Wait()

	assert.Equal(t, int32(5), runs.Load())
	jobs, _ := store.ReadJobs(10)
	assert.Empty(t, jobs)
}

func TestRunnerLeavesFailedJobForRetry(t *testing.T) {
	q, store, clock := setupQueue(t)
	r := newTestRunner(t, q, 1)

	var attempts atomic.Int32
	r.Register(domain.CmdDeliver, HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		if attempts.Add(1) == 1 {
			return errors.New("remote timeout")
		}
		return nil
	}))
	q.Enqueue(domain.CmdDeliver, notifyPayload{Mid: "m"}, PriorityNormal)

	r.Tick(context.Background())
	r.Wait()
	jobs, _ := store.ReadJobs(10)
	require.Len(t, jobs, 1, "failed job stays queued")
	assert.NotEmpty(t, jobs[0].ReservationId, "and keeps its reservation until the lease expires")

	clock.Advance(2 * time.Minute)
	r.Tick(context.Background())
	r.Wait()

	assert.Equal(t, int32(2), attempts.Load())
	jobs, _ = store.ReadJobs(10)
	assert.Empty(t, jobs)
}

func TestRunnerRecoversPanics(t *testing.T) {
	q, store, _ := setupQueue(t)
	r := newTestRunner(t, q, 1)
	r.Register(domain.CmdDeliver, HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		panic("bad payload")
	}))
	q.Enqueue(domain.CmdDeliver, notifyPayload{Mid: "m"}, PriorityNormal)

	r.Tick(context.Background())
	r.Wait()

	jobs, _ := store.ReadJobs(10)
	assert.Len(t, jobs, 1)
}

func TestRunnerDropsUnknownCommands(t *testing.T) {
	q, store, _ := setupQueue(t)
	r := newTestRunner(t, q, 1)
	q.Enqueue("nonexistent", notifyPayload{}, PriorityNormal)

	r.Tick(context.Background())
	r.Wait()

	jobs, _ := store.ReadJobs(10)
	assert.Empty(t, jobs)
}

func TestRunnerWorkerBound(t *testing.T) {
	q, _, _ := setupQueue(t)
	r := newTestRunner(t, q, 2)

	release := make(chan struct{})
	var running, peak atomic.Int32
	var once sync.Once
	started := make(chan struct{})
	r.Register(domain.CmdNotifier, HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == 2 {
			once.Do(func() { close(started) })
		}
		<-release
		running.Add(-1)
		return nil
	}))
	for i := 0; i < 4; i++ {
		q.Enqueue(domain.CmdNotifier, notifyPayload{Channel: int64(i)}, PriorityNormal)
	}

	ctx := context.Background()
	assert.True(t, r.Summon(ctx))
	assert.True(t, r.Summon(ctx))
	<-started
	assert.False(t, r.Summon(ctx), "pool is at capacity")

	close(release)
	r.Wait()
	assert.Equal(t, int32(2), peak.Load())
}
