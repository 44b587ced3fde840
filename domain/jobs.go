package domain

import (
	"time"
)

// Job commands dispatched by the queue runner.
const (
	CmdNotifier    = "notifier"
	CmdDeliver     = "deliver"
	CmdFetchParent = "fetchparent"
	CmdGProbe      = "gprobe"
	CmdPhoto       = "xchan_photo"
	CmdRefresh     = "refresh"
	CmdExpire      = "expire"
)

// Job is a durable queue entry. At most one unexpired reservation exists per job.
type Job struct {
	Id            int64
	Priority      int
	Command       string
	Payload       []byte
	DedupKey      string
	ReservationId string
	LeaseExpires  time.Time
	CreatedAt     time.Time
}

func (j *Job) Reserved(now time.Time) bool {
	return j.ReservationId != "" && j.LeaseExpires.After(now)
}

type ReportStatus string

const (
	StatusPosted           ReportStatus = "posted"
	StatusUpdated          ReportStatus = "updated"
	StatusUpdateIgnored    ReportStatus = "update ignored"
	StatusDeleted          ReportStatus = "deleted"
	StatusPermissionDenied ReportStatus = "permission denied"
	StatusSenderMismatch   ReportStatus = "sender mismatch"
	StatusSelfEcho         ReportStatus = "self echo"
	StatusRouteMismatch    ReportStatus = "route mismatch"
	StatusFiltered         ReportStatus = "filtered"
	StatusParentMissing    ReportStatus = "parent missing"
	StatusModerated        ReportStatus = "moderated"
	StatusNotFound         ReportStatus = "not found"
	StatusError            ReportStatus = "error"
	StatusQueued           ReportStatus = "queued"
	StatusDelivered        ReportStatus = "delivered"
)

// Terminal reports whether the status is a final, non-retryable outcome.
func (s ReportStatus) Terminal() bool {
	return s != StatusError && s != StatusQueued
}

// DeliveryReport records the outcome of one (item, recipient) delivery attempt.
type DeliveryReport struct {
	Id        string
	Mid       string
	Recipient string // channel hash or remote address
	ChannelId int64
	Sender    string
	Status    ReportStatus
	Detail    string
	CreatedAt time.Time
}
