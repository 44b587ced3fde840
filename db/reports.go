package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/fedhub/domain"
	"github.com/google/uuid"
)

// Delivery report queries
const (
	reportColumns           = `id, mid, recipient, channel_id, sender, status, detail, created_at`
	sqlInsertReport         = `INSERT INTO delivery_reports(` + reportColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectReportsByMid   = `SELECT ` + reportColumns + ` FROM delivery_reports WHERE mid = ? ORDER BY created_at, id`
	sqlSelectRecentReports  = `SELECT ` + reportColumns + ` FROM delivery_reports ORDER BY created_at DESC LIMIT ?`
	sqlCountReportsByStatus = `SELECT status, COUNT(*) FROM delivery_reports GROUP BY status ORDER BY status`
	sqlPurgeReports         = `DELETE FROM delivery_reports WHERE created_at < ?`
)

func (db *DB) InsertReport(r *domain.DeliveryReport) error {
	if r.Id == "" {
		r.Id = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertReport, r.Id, r.Mid, r.Recipient, r.ChannelId, r.Sender, string(r.Status), r.Detail, toMillis(r.CreatedAt))
		return err
	})
}

func (db *DB) queryReports(query string, args ...any) ([]domain.DeliveryReport, error) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []domain.DeliveryReport
	for rows.Next() {
		var r domain.DeliveryReport
		var status string
		var created int64
		if err := rows.Scan(&r.Id, &r.Mid, &r.Recipient, &r.ChannelId, &r.Sender, &status, &r.Detail, &created); err != nil {
			return reports, err
		}
		r.Status = domain.ReportStatus(status)
		r.CreatedAt = fromMillis(created)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (db *DB) ReadReportsByMid(mid string) ([]domain.DeliveryReport, error) {
	return db.queryReports(sqlSelectReportsByMid, mid)
}

func (db *DB) ReadRecentReports(limit int) ([]domain.DeliveryReport, error) {
	return db.queryReports(sqlSelectRecentReports, limit)
}

func (db *DB) CountReportsByStatus() (map[domain.ReportStatus]int, error) {
	rows, err := db.db.Query(sqlCountReportsByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.ReportStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts[domain.ReportStatus(status)] = n
	}
	return counts, rows.Err()
}

func (db *DB) PurgeReports(cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPurgeReports, toMillis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
