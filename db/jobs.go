package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/deemkeen/fedhub/domain"
)

// Job queue queries
const (
	jobColumns          = `id, priority, command, payload, dedup_key, reservation_id, lease_expires, created_at`
	sqlInsertJob        = `INSERT INTO jobs(priority, command, payload, dedup_key, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(dedup_key) DO NOTHING`
	sqlCompleteJob      = `DELETE FROM jobs WHERE id = ? AND reservation_id = ?`
	sqlExtendLease      = `UPDATE jobs SET lease_expires = ? WHERE id = ? AND reservation_id = ?`
	sqlReclaimExpired   = `UPDATE jobs SET reservation_id = '', lease_expires = 0 WHERE reservation_id != '' AND lease_expires <= ?`
	sqlSelectJobs       = `SELECT ` + jobColumns + ` FROM jobs ORDER BY priority DESC, id LIMIT ?`
	sqlCountJobsByState = `SELECT command, reservation_id != '', COUNT(*) FROM jobs GROUP BY command, reservation_id != '' ORDER BY command`
)

// sqlite has no row locks; a single UPDATE ... RETURNING claims the row atomically and
// the outer reservation_id guard makes a lost race a no-op instead of a double claim.
const sqlReserveJob = `UPDATE jobs SET reservation_id = ?, lease_expires = ? + CASE WHEN command IN (%s) THEN ? ELSE ? END
	WHERE id = (SELECT id FROM jobs WHERE reservation_id = '' ORDER BY priority DESC, id LIMIT 1) AND reservation_id = ''
	RETURNING ` + jobColumns

func scanJob(row scanner) (*domain.Job, error) {
	var j domain.Job
	var lease, created int64
	err := row.Scan(&j.Id, &j.Priority, &j.Command, &j.Payload, &j.DedupKey, &j.ReservationId, &lease, &created)
	if err != nil {
		return nil, notFound(err)
	}
	j.LeaseExpires = fromMillis(lease)
	j.CreatedAt = fromMillis(created)
	return &j, nil
}

// InsertJob queues j unless a job with the same dedup key is still pending. It reports whether a row was added.
func (db *DB) InsertJob(j *domain.Job) (bool, error) {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	var inserted bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertJob, j.Priority, j.Command, j.Payload, j.DedupKey, toMillis(j.CreatedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		if inserted {
			j.Id, err = res.LastInsertId()
		}
		return err
	})
	return inserted, err
}

// ReserveJob claims the highest priority unreserved job. Commands listed in longRunning get longLease.
// It returns domain.ErrNotFound when the queue is empty.
func (db *DB) ReserveJob(reservationId string, now time.Time, lease, longLease time.Duration, longRunning []string) (*domain.Job, error) {
	placeholders := "''"
	args := []any{reservationId, toMillis(now)}
	if len(longRunning) > 0 {
		placeholders = strings.TrimSuffix(strings.Repeat("?, ", len(longRunning)), ", ")
		for _, c := range longRunning {
			args = append(args, c)
		}
	}
	args = append(args, longLease.Milliseconds(), lease.Milliseconds())
	query := strings.Replace(sqlReserveJob, "%s", placeholders, 1)

	var job *domain.Job
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(query, args...))
		return err
	})
	return job, err
}

// ExtendLease pushes the lease of a job we still hold. It reports false when the reservation was lost.
func (db *DB) ExtendLease(id int64, reservationId string, until time.Time) (bool, error) {
	var ok bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlExtendLease, toMillis(until), id, reservationId)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n == 1
		return err
	})
	return ok, err
}

// CompleteJob deletes a job under the caller's reservation.
func (db *DB) CompleteJob(id int64, reservationId string) (bool, error) {
	var ok bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlCompleteJob, id, reservationId)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n == 1
		return err
	})
	return ok, err
}

// ReclaimExpired clears reservations whose lease ran out so another worker can take the job.
func (db *DB) ReclaimExpired(now time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlReclaimExpired, toMillis(now))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (db *DB) ReadJobs(limit int) ([]domain.Job, error) {
	rows, err := db.db.Query(sqlSelectJobs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// JobCount is the number of jobs for one command, split by reservation state.
type JobCount struct {
	Command  string
	Queued   int
	Reserved int
}

func (db *DB) CountJobs() ([]JobCount, error) {
	rows, err := db.db.Query(sqlCountJobsByState)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []JobCount
	index := map[string]int{}
	for rows.Next() {
		var command string
		var reserved bool
		var n int
		if err := rows.Scan(&command, &reserved, &n); err != nil {
			return counts, err
		}
		i, ok := index[command]
		if !ok {
			counts = append(counts, JobCount{Command: command})
			i = len(counts) - 1
			index[command] = i
		}
		if reserved {
			counts[i].Reserved += n
		} else {
			counts[i].Queued += n
		}
	}
	return counts, rows.Err()
}
