package repository

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-tick/agenda/internal/model"
)

var columns = []string{
	"id",
	"name",
	"type",
	"data",
	"priority",
	"next_run_at",
	"last_run_at",
	"last_finished_at",
	"locked_at",
	"failed_at",
	"fail_reason",
	"repeat_interval",
	"repeat_timezone",
	"repeat_at",
	"disabled",
	"last_modified_by",
}

var columnList = strings.Join(columns, ", ")

// row mirrors the table. Timestamps are unix milliseconds so both dialects
// compare them numerically.
type row struct {
	ID             string         `db:"id"`
	Name           string         `db:"name"`
	Type           string         `db:"type"`
	Data           sql.NullString `db:"data"`
	Priority       int            `db:"priority"`
	NextRunAt      sql.NullInt64  `db:"next_run_at"`
	LastRunAt      sql.NullInt64  `db:"last_run_at"`
	LastFinishedAt sql.NullInt64  `db:"last_finished_at"`
	LockedAt       sql.NullInt64  `db:"locked_at"`
	FailedAt       sql.NullInt64  `db:"failed_at"`
	FailReason     string         `db:"fail_reason"`
	RepeatInterval string         `db:"repeat_interval"`
	RepeatTimezone string         `db:"repeat_timezone"`
	RepeatAt       string         `db:"repeat_at"`
	Disabled       bool           `db:"disabled"`
	LastModifiedBy string         `db:"last_modified_by"`
}

// values follows the order of columns.
func (r row) values() []any {
	var data any
	if r.Data.Valid {
		data = r.Data.String
	}

	return []any{
		r.ID,
		r.Name,
		r.Type,
		data,
		r.Priority,
		nullable(r.NextRunAt),
		nullable(r.LastRunAt),
		nullable(r.LastFinishedAt),
		nullable(r.LockedAt),
		nullable(r.FailedAt),
		r.FailReason,
		r.RepeatInterval,
		r.RepeatTimezone,
		r.RepeatAt,
		r.Disabled,
		r.LastModifiedBy,
	}
}

func (r row) record() model.JobRecord {
	rec := model.JobRecord{
		ID:             r.ID,
		Name:           r.Name,
		Type:           r.Type,
		Priority:       r.Priority,
		NextRunAt:      fromMillis(r.NextRunAt),
		LastRunAt:      fromMillis(r.LastRunAt),
		LastFinishedAt: fromMillis(r.LastFinishedAt),
		LockedAt:       fromMillis(r.LockedAt),
		FailedAt:       fromMillis(r.FailedAt),
		FailReason:     r.FailReason,
		RepeatInterval: r.RepeatInterval,
		RepeatTimezone: r.RepeatTimezone,
		RepeatAt:       r.RepeatAt,
		Disabled:       r.Disabled,
		LastModifiedBy: r.LastModifiedBy,
	}

	if r.Data.Valid && r.Data.String != "" {
		rec.Data = json.RawMessage(r.Data.String)
	}

	return rec
}

func toRow(rec model.JobRecord) row {
	r := row{
		ID:             rec.ID,
		Name:           rec.Name,
		Type:           rec.Type,
		Priority:       rec.Priority,
		NextRunAt:      toMillis(rec.NextRunAt),
		LastRunAt:      toMillis(rec.LastRunAt),
		LastFinishedAt: toMillis(rec.LastFinishedAt),
		LockedAt:       toMillis(rec.LockedAt),
		FailedAt:       toMillis(rec.FailedAt),
		FailReason:     rec.FailReason,
		RepeatInterval: rec.RepeatInterval,
		RepeatTimezone: rec.RepeatTimezone,
		RepeatAt:       rec.RepeatAt,
		Disabled:       rec.Disabled,
		LastModifiedBy: rec.LastModifiedBy,
	}

	if r.Type == "" {
		r.Type = model.TypeNormal
	}

	if len(rec.Data) > 0 {
		r.Data = sql.NullString{String: string(rec.Data), Valid: true}
	}

	return r
}

func fromRows(rows []row) []model.JobRecord {
	out := make([]model.JobRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}

	return out
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := time.UnixMilli(v.Int64)
	return &t
}

func nullable(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}

	return v.Int64
}
