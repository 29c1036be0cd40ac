package model

import (
	"encoding/json"
	"time"
)

const (
	TypeNormal = "normal"
	TypeSingle = "single"
)

// Column names accepted by Repository.Update as fields to leave untouched.
const (
	FieldNextRunAt      = "next_run_at"
	FieldLastRunAt      = "last_run_at"
	FieldLastFinishedAt = "last_finished_at"
	FieldLockedAt       = "locked_at"
	FieldFailedAt       = "failed_at"
	FieldFailReason     = "fail_reason"
)

type JobRecord struct {
	ID             string
	Name           string
	Type           string
	Data           json.RawMessage
	Priority       int
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	LastFinishedAt *time.Time
	LockedAt       *time.Time
	FailedAt       *time.Time
	FailReason     string
	RepeatInterval string
	RepeatTimezone string
	RepeatAt       string
	Disabled       bool
	LastModifiedBy string
}

// Query is a conjunction of equality predicates. Zero-valued fields do not
// constrain the match.
type Query struct {
	ID           string
	IDs          []string
	Name         string
	Names        []string
	ExcludeNames []string
	Type         string
	Disabled     *bool
	NextRunAt    *time.Time

	// Data matches top-level keys of the JSON payload.
	Data map[string]any
}

// UpsertOptions controls Repository.Upsert when a row already matches.
type UpsertOptions struct {
	// InsertOnly returns the first match untouched.
	InsertOnly bool

	// Omit lists columns an update leaves as stored.
	Omit []string
}

type LockQuery struct {
	Name         string
	Horizon      time.Time
	LockDeadline time.Time
	LockedAt     time.Time
}

func (r JobRecord) Clone() JobRecord {
	c := r
	c.Data = append(json.RawMessage(nil), r.Data...)
	c.NextRunAt = cloneTime(r.NextRunAt)
	c.LastRunAt = cloneTime(r.LastRunAt)
	c.LastFinishedAt = cloneTime(r.LastFinishedAt)
	c.LockedAt = cloneTime(r.LockedAt)
	c.FailedAt = cloneTime(r.FailedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
