package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedhub/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 5 * time.Second

const sqlCreateJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	priority INTEGER NOT NULL DEFAULT 0,
	command TEXT NOT NULL,
	payload BYTEA NOT NULL,
	dedup_key TEXT UNIQUE NOT NULL,
	reservation_id TEXT NOT NULL DEFAULT '',
	lease_expires TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs(reservation_id, priority DESC, id);
`

// PostgresStore keeps the job table in postgres so workers on several hosts can share it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), queryTimeout)
}

func (p *PostgresStore) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, sqlCreateJobsTable)
	return err
}

func (p *PostgresStore) InsertJob(j *domain.Job) (bool, error) {
	ctx, cancel := p.withTimeout()
	defer cancel()

	err := p.pool.QueryRow(ctx, `
INSERT INTO jobs (priority, command, payload, dedup_key, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (dedup_key) DO NOTHING
RETURNING id
`, j.Priority, j.Command, j.Payload, j.DedupKey, j.CreatedAt).Scan(&j.Id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReserveJob locks the best candidate with FOR UPDATE SKIP LOCKED so concurrent
// reservers never block on, or double claim, the same row.
func (p *PostgresStore) ReserveJob(reservationId string, now time.Time, lease, longLease time.Duration, longRunning []string) (*domain.Job, error) {
	ctx, cancel := p.withTimeout()
	defer cancel()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var j domain.Job
	err = tx.QueryRow(ctx, `
SELECT id, priority, command, payload, dedup_key, created_at
FROM jobs
WHERE reservation_id = ''
ORDER BY priority DESC, id
LIMIT 1
FOR UPDATE SKIP LOCKED
`).Scan(&j.Id, &j.Priority, &j.Command, &j.Payload, &j.DedupKey, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d := lease
	for _, c := range longRunning {
		if c == j.Command {
			d = longLease
			break
		}
	}
	j.ReservationId = reservationId
	j.LeaseExpires = now.Add(d)
	if _, err := tx.Exec(ctx, `UPDATE jobs SET reservation_id = $1, lease_expires = $2 WHERE id = $3`,
		j.ReservationId, j.LeaseExpires, j.Id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &j, nil
}

func (p *PostgresStore) exec(query string, args ...any) (int64, error) {
	ctx, cancel := p.withTimeout()
	defer cancel()
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) ExtendLease(id int64, reservationId string, until time.Time) (bool, error) {
	n, err := p.exec(`UPDATE jobs SET lease_expires = $1 WHERE id = $2 AND reservation_id = $3`, until, id, reservationId)
	return n == 1, err
}

func (p *PostgresStore) CompleteJob(id int64, reservationId string) (bool, error) {
	n, err := p.exec(`DELETE FROM jobs WHERE id = $1 AND reservation_id = $2`, id, reservationId)
	return n == 1, err
}

func (p *PostgresStore) ReclaimExpired(now time.Time) (int64, error) {
	return p.exec(`UPDATE jobs SET reservation_id = '', lease_expires = NULL WHERE reservation_id <> '' AND lease_expires <= $1`, now)
}
