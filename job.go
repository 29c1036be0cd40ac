package agenda

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/agenda/internal/model"
)

type (
	Record = model.JobRecord
	Query  = model.Query
)

const (
	TypeNormal = model.TypeNormal
	TypeSingle = model.TypeSingle
)

type RepeatOptions struct {
	// Timezone is an IANA location name, e.g. "America/New_York".
	Timezone string
}

type UniqueOptions struct {
	// InsertOnly keeps an existing matching row untouched instead of
	// updating it.
	InsertOnly bool
}

// Job is one schedulable instance of a definition. A Job is not safe for
// concurrent use.
type Job struct {
	attrs      model.JobRecord
	unique     *model.Query
	uniqueOpts UniqueOptions
	scheduler  *Scheduler
}

func newJob(s *Scheduler, attrs model.JobRecord) *Job {
	if attrs.Type == "" {
		attrs.Type = model.TypeNormal
	}

	return &Job{attrs: attrs, scheduler: s}
}

func (j *Job) ID() string {
	return j.attrs.ID
}

func (j *Job) Name() string {
	return j.attrs.Name
}

// Attrs returns a copy of the job's record.
func (j *Job) Attrs() Record {
	return j.attrs.Clone()
}

func (j *Job) Data() json.RawMessage {
	return append(json.RawMessage(nil), j.attrs.Data...)
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.attrs.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(j.attrs.Data, v); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to decode job data"), fmt.Sprintf("Job: %s", j.attrs.Name))
	}

	return nil
}

func (j *Job) SetData(v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}

	j.attrs.Data = data
	return nil
}

func (j *Job) NextRunAt() *time.Time {
	if j.attrs.NextRunAt == nil {
		return nil
	}

	next := *j.attrs.NextRunAt
	return &next
}

func (j *Job) FailReason() string {
	return j.attrs.FailReason
}

// RepeatEvery makes the job recur on interval, a cron expression or a
// duration. It does not recompute nextRunAt.
func (j *Job) RepeatEvery(interval string, options ...RepeatOptions) *Job {
	j.attrs.RepeatInterval = interval
	j.attrs.RepeatTimezone = ""
	if len(options) > 0 {
		j.attrs.RepeatTimezone = options[0].Timezone
	}

	return j
}

// RepeatAt makes the job recur daily at a time of day such as "3:30pm".
func (j *Job) RepeatAt(at string) *Job {
	j.attrs.RepeatAt = at
	return j
}

func (j *Job) Schedule(at time.Time) *Job {
	j.attrs.NextRunAt = &at
	return j
}

func (j *Job) SetPriority(p Priority) *Job {
	j.attrs.Priority = int(p)
	return j
}

// Unique limits the job to one stored row per distinct q within its name.
func (j *Job) Unique(q Query, options ...UniqueOptions) *Job {
	j.unique = &q
	j.uniqueOpts = UniqueOptions{}
	if len(options) > 0 {
		j.uniqueOpts = options[0]
	}

	return j
}

func (j *Job) Enable() *Job {
	j.attrs.Disabled = false
	return j
}

func (j *Job) Disable() *Job {
	j.attrs.Disabled = true
	return j
}

func (j *Job) Disabled() bool {
	return j.attrs.Disabled
}

// Fail records err as the job's failure.
func (j *Job) Fail(err error) *Job {
	now := time.Now()
	j.attrs.FailedAt = &now
	j.attrs.FailReason = err.Error()
	return j
}

// ComputeNextRunAt sets nextRunAt from the repeat settings. On an invalid
// setting nextRunAt is cleared and the job is failed.
func (j *Job) ComputeNextRunAt() *Job {
	next, err := NextRunAt(Repeat{
		At:       j.attrs.RepeatAt,
		Interval: j.attrs.RepeatInterval,
		Timezone: j.attrs.RepeatTimezone,
	}, j.attrs.LastRunAt, time.Now())

	j.attrs.NextRunAt = next
	if err != nil {
		j.Fail(err)
	}

	return j
}

func (j *Job) Save(ctx context.Context) error {
	if j.scheduler == nil {
		return ErrNoScheduler
	}

	return j.scheduler.SaveJob(ctx, j)
}

// Remove deletes the job's row.
func (j *Job) Remove(ctx context.Context) error {
	if j.scheduler == nil {
		return ErrNoScheduler
	}
	if j.attrs.ID == "" {
		return nil
	}

	_, err := j.scheduler.Cancel(ctx, Query{ID: j.attrs.ID})
	return err
}

// Touch extends the job's lock by stamping lockedAt with the current time.
func (j *Job) Touch(ctx context.Context) error {
	now := time.Now()
	j.attrs.LockedAt = &now
	return j.Save(ctx)
}

// Run processes the job with its definition's processor, then records the
// outcome and persists it. It returns the processor's error.
func (j *Job) Run(ctx context.Context) error {
	s := j.scheduler
	if s == nil {
		return ErrNoScheduler
	}

	def, ok := s.Definition(j.attrs.Name)
	if !ok {
		err := errors.WithDetail(ErrUndefinedJob, fmt.Sprintf("Job: %s", j.attrs.Name))
		j.Fail(err)
		if j.attrs.ID != "" {
			if serr := s.SaveJob(ctx, j); serr != nil {
				s.logger.Warnw("failed to save undefined job", "job", j.attrs.Name, "job_id", j.attrs.ID, "error", serr)
			}
		}

		s.emitJob(EventComplete, j, err)
		s.emitJob(EventFail, j, err)
		return err
	}

	now := time.Now()
	j.attrs.LastRunAt = &now
	j.ComputeNextRunAt()

	s.emitJob(EventStart, j, nil)
	s.logger.Debugw("job started", "job", j.attrs.Name, "job_id", j.attrs.ID)

	err := invoke(ctx, def.Processor, j)

	j.attrs.LockedAt = nil
	if err != nil {
		j.Fail(err)
	} else {
		finished := time.Now()
		j.attrs.LastFinishedAt = &finished
	}

	if serr := s.SaveJob(ctx, j); serr != nil {
		s.logger.Warnw("failed to save job after run", "job", j.attrs.Name, "job_id", j.attrs.ID, "error", serr)
	}

	s.emitJob(EventComplete, j, err)
	if err != nil {
		s.logger.Debugw("job failed", "job", j.attrs.Name, "job_id", j.attrs.ID, "error", err)
		s.emitJob(EventFail, j, err)
	} else {
		s.emitJob(EventSuccess, j, nil)
	}

	return err
}

func encode(v any) (json.RawMessage, error) {
	switch data := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), data...), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job data")
	}

	return data, nil
}
