package agenda

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/agenda/internal/model"
)

// processJobs runs one scan: for every definition it claims due jobs until
// none are left or a lock limit is reached, and dispatches them.
func (s *Scheduler) processJobs(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		err = errors.Mark(errors.Wrap(err, "job scan aborted"), ErrNoConnection)
		s.emit(Event{Name: EventError, Err: err})
		return err
	}

	horizon := time.Now().Add(s.config.processEvery)
	s.mu.Lock()
	s.nextScanAt = horizon
	s.mu.Unlock()

	var errs error
	for _, name := range s.definedNames() {
		if err := s.fillQueue(ctx, name, horizon); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}

	return errs
}

func (s *Scheduler) fillQueue(ctx context.Context, name string, horizon time.Time) error {
	for {
		s.mu.Lock()
		def, ok := s.definitions[name]
		if !ok || s.cancel == nil || !s.shouldLockLocked(name) {
			s.mu.Unlock()
			return nil
		}
		lifetime := def.LockLifetime
		s.mu.Unlock()

		now := time.Now()
		rec, err := s.store.LockNext(ctx, model.LockQuery{
			Name:         name,
			Horizon:      horizon,
			LockDeadline: now.Add(-lifetime),
			LockedAt:     now,
		})
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}

		s.logger.Debugw("job claimed", "job", rec.Name, "job_id", rec.ID)

		s.mu.Lock()
		job := newJob(s, *rec)
		s.lockLocked(job)
		s.queue.insert(job)
		s.dispatchLocked()
		s.mu.Unlock()
	}
}

// lockOnTheFly claims jobs saved with a nextRunAt before the next scan. Only
// one drain runs at a time; other callers just queue their ids.
func (s *Scheduler) lockOnTheFly(ctx context.Context) {
	s.mu.Lock()
	if s.lockingOnTheFly {
		s.mu.Unlock()
		return
	}
	s.lockingOnTheFly = true

	var orphans []string
	for len(s.toLock) > 0 && s.cancel != nil {
		pending := s.toLock[0]
		s.toLock = s.toLock[1:]

		// leave the rest to the next scan
		if !s.shouldLockLocked(pending.name) {
			s.toLock = nil
			break
		}

		s.mu.Unlock()
		rec, err := s.store.LockByID(ctx, pending.id, time.Now())
		s.mu.Lock()

		if err != nil {
			s.logger.Warnw("failed to lock job", "job", pending.name, "job_id", pending.id, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		if s.cancel == nil {
			orphans = append(orphans, rec.ID)
			break
		}

		s.logger.Debugw("job claimed", "job", rec.Name, "job_id", rec.ID)

		job := newJob(s, *rec)
		s.lockLocked(job)
		s.queue.insert(job)
		s.dispatchLocked()
	}

	s.lockingOnTheFly = false
	s.mu.Unlock()

	if len(orphans) > 0 {
		if err := s.store.Unlock(ctx, orphans); err != nil {
			s.logger.Warnw("failed to unlock jobs claimed after stop", "error", err)
		}
	}
}

func (s *Scheduler) shouldLockLocked(name string) bool {
	def, ok := s.definitions[name]
	if !ok {
		return false
	}

	if s.config.lockLimit > 0 && len(s.locked) >= s.config.lockLimit {
		return false
	}
	if def.LockLimit > 0 && def.Locked >= def.LockLimit {
		return false
	}

	return true
}

// dispatchLocked drains the queue until it is empty or a concurrency limit
// holds the head back.
func (s *Scheduler) dispatchLocked() {
	for s.cancel != nil && s.queue.len() > 0 {
		job := s.queue.pop()

		now := time.Now()
		if next := job.attrs.NextRunAt; next != nil && next.After(now) {
			s.deferLocked(job, next.Sub(now))
			continue
		}

		if !s.runOrRetryLocked(job) {
			return
		}
	}
}

func (s *Scheduler) deferLocked(job *Job, d time.Duration) {
	s.timers[job] = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Stop took it
		if _, ok := s.timers[job]; !ok {
			return
		}
		delete(s.timers, job)

		if s.cancel == nil {
			s.releaseLocked(job)
			return
		}

		if s.runOrRetryLocked(job) {
			s.dispatchLocked()
		}
	})
}

// runOrRetryLocked starts job when the concurrency limits allow it and
// reports whether dispatch may continue. A job whose lock expired while it
// waited is dropped.
func (s *Scheduler) runOrRetryLocked(job *Job) bool {
	def, ok := s.definitions[job.attrs.Name]
	if !ok {
		s.releaseLocked(job)
		return true
	}

	if def.Running >= def.Concurrency || len(s.running) >= s.config.maxConcurrency {
		s.queue.pushBack(job)
		return false
	}

	deadline := time.Now().Add(-def.LockLifetime)
	if lockedAt := job.attrs.LockedAt; lockedAt == nil || !lockedAt.After(deadline) {
		s.logger.Debugw("dropping job with expired lock", "job", job.attrs.Name, "job_id", job.attrs.ID)
		s.releaseLocked(job)
		return true
	}

	s.running[job] = struct{}{}
	def.Running++

	go s.runJob(s.runCtx, job)
	return true
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	// the outcome is recorded on the job and reported through events
	_ = job.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[job]; ok {
		delete(s.running, job)
		if def, ok := s.definitions[job.attrs.Name]; ok {
			def.Running--
		}
	}
	s.releaseLocked(job)
	s.dispatchLocked()
}

func (s *Scheduler) lockLocked(job *Job) {
	s.locked[job] = struct{}{}
	if def, ok := s.definitions[job.attrs.Name]; ok {
		def.Locked++
	}
}

func (s *Scheduler) releaseLocked(job *Job) {
	if _, ok := s.locked[job]; !ok {
		return
	}

	delete(s.locked, job)
	if def, ok := s.definitions[job.attrs.Name]; ok {
		def.Locked--
	}
}
