package agenda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/agenda/internal/model"
	"github.com/go-tick/agenda/internal/repository"
	"go.uber.org/zap"
)

type Store = repository.Repository

// Scheduler claims due jobs from a shared store and runs them. Any number of
// schedulers may share a store.
type Scheduler struct {
	config    *Config
	store     Store
	ownsStore bool
	logger    *zap.SugaredLogger

	lmu       sync.RWMutex
	listeners map[string][]Listener

	// mu guards everything below. It is never held across a store or
	// processor call.
	mu              sync.Mutex
	definitions     map[string]*Definition
	queue           jobQueue
	running         map[*Job]struct{}
	locked          map[*Job]struct{}
	toLock          []pendingLock
	lockingOnTheFly bool
	timers          map[*Job]*time.Timer
	nextScanAt      time.Time
	runCtx          context.Context
	cancel          context.CancelFunc
	done            chan struct{}
}

type pendingLock struct {
	id   string
	name string
}

func New(store Store, options ...Option[Config]) *Scheduler {
	config := DefaultConfig(options...)

	listeners := make(map[string][]Listener, len(config.listeners))
	for event, l := range config.listeners {
		listeners[event] = append([]Listener(nil), l...)
	}

	return &Scheduler{
		config:      config,
		store:       store,
		logger:      config.logger.With("scheduler", config.name),
		listeners:   listeners,
		definitions: make(map[string]*Definition),
		running:     make(map[*Job]struct{}),
		locked:      make(map[*Job]struct{}),
		timers:      make(map[*Job]*time.Timer),
	}
}

// Open builds a scheduler and initializes its store.
func Open(ctx context.Context, store Store, options ...Option[Config]) (*Scheduler, error) {
	s := New(store, options...)
	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Init prepares the store and emits ready, or error on failure.
func (s *Scheduler) Init(ctx context.Context) error {
	if err := s.store.Init(ctx); err != nil {
		err = errors.Mark(errors.Wrap(err, "failed to initialize job store"), ErrNoConnection)
		s.logger.Errorw("job store initialization failed", "error", err)
		s.emit(Event{Name: EventError, Err: err})
		return err
	}

	s.emit(Event{Name: EventReady})
	return nil
}

func (s *Scheduler) Config() *Config {
	return s.config
}

// Create builds an unsaved job of the named definition.
func (s *Scheduler) Create(name string, data any) (*Job, error) {
	if name == "" {
		return nil, ErrNoName
	}

	payload, err := encode(data)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Job: %s", name))
	}

	var priority Priority
	if def, ok := s.Definition(name); ok {
		priority = def.Priority
	}

	now := time.Now()
	return newJob(s, model.JobRecord{
		Name:      name,
		Type:      model.TypeNormal,
		Data:      payload,
		Priority:  int(priority),
		NextRunAt: &now,
	}), nil
}

// Every saves a single job per name repeating on interval.
func (s *Scheduler) Every(ctx context.Context, interval, name string, data any, options ...RepeatOptions) (*Job, error) {
	job, err := s.Create(name, data)
	if err != nil {
		return nil, err
	}

	job.attrs.Type = model.TypeSingle
	job.RepeatEvery(interval, options...).ComputeNextRunAt()

	if err := job.Save(ctx); err != nil {
		return nil, err
	}

	return job, nil
}

func (s *Scheduler) EveryMany(ctx context.Context, interval string, names []string, data any, options ...RepeatOptions) ([]*Job, error) {
	jobs := make([]*Job, 0, len(names))
	for _, name := range names {
		job, err := s.Every(ctx, interval, name, data, options...)
		if err != nil {
			return jobs, err
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Schedule saves a job that runs once at when.
func (s *Scheduler) Schedule(ctx context.Context, when time.Time, name string, data any) (*Job, error) {
	job, err := s.Create(name, data)
	if err != nil {
		return nil, err
	}

	if err := job.Schedule(when).Save(ctx); err != nil {
		return nil, err
	}

	return job, nil
}

func (s *Scheduler) ScheduleMany(ctx context.Context, when time.Time, names []string, data any) ([]*Job, error) {
	jobs := make([]*Job, 0, len(names))
	for _, name := range names {
		job, err := s.Schedule(ctx, when, name, data)
		if err != nil {
			return jobs, err
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Now saves a job that is due immediately.
func (s *Scheduler) Now(ctx context.Context, name string, data any) (*Job, error) {
	return s.Schedule(ctx, time.Now(), name, data)
}

func (s *Scheduler) Jobs(ctx context.Context, q Query) ([]*Job, error) {
	records, err := s.store.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(records))
	for _, rec := range records {
		jobs = append(jobs, newJob(s, rec))
	}

	return jobs, nil
}

// Cancel deletes every job matching q and returns how many were removed.
func (s *Scheduler) Cancel(ctx context.Context, q Query) (int64, error) {
	n, err := s.store.Delete(ctx, q)
	if err != nil {
		return 0, err
	}

	s.logger.Debugw("jobs cancelled", "count", n)
	return n, nil
}

// Purge deletes every job whose name has no definition on this scheduler.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	names := s.definedNames()
	if len(names) == 0 {
		return s.Cancel(ctx, Query{})
	}

	return s.Cancel(ctx, Query{ExcludeNames: names})
}

// SaveJob writes job to the store. A job with an id is updated in place. A
// single job is upserted by name. A job with a unique query is upserted by
// that query. Anything else is inserted. A job that becomes due before the
// next scan is claimed right away.
func (s *Scheduler) SaveJob(ctx context.Context, job *Job) error {
	if job.attrs.Name == "" {
		return ErrNoName
	}

	rec := job.attrs.Clone()
	rec.LastModifiedBy = s.config.name

	var saved *model.JobRecord
	var err error
	switch {
	case rec.ID != "":
		saved, err = s.update(ctx, model.Query{ID: rec.ID}, rec)
	case rec.Type == model.TypeSingle:
		saved, err = s.saveSingle(ctx, rec)
	case job.unique != nil:
		saved, err = s.saveUnique(ctx, rec, *job.unique, job.uniqueOpts)
	default:
		saved, err = s.insert(ctx, rec)
	}
	if err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job: %s", rec.Name))
	}

	// the row was removed concurrently
	if saved == nil {
		return nil
	}

	job.attrs.ID = saved.ID
	job.attrs.NextRunAt = saved.NextRunAt
	job.attrs.LastModifiedBy = rec.LastModifiedBy

	s.mu.Lock()
	due := s.cancel != nil && saved.NextRunAt != nil && saved.NextRunAt.Before(s.nextScanAt)
	if due {
		s.toLock = append(s.toLock, pendingLock{id: saved.ID, name: saved.Name})
	}
	s.mu.Unlock()

	if due {
		s.lockOnTheFly(ctx)
	}

	return nil
}

func (s *Scheduler) insert(ctx context.Context, rec model.JobRecord) (*model.JobRecord, error) {
	inserted, err := s.store.Insert(ctx, rec)
	if err != nil {
		return nil, err
	}

	return &inserted, nil
}

func (s *Scheduler) update(ctx context.Context, q model.Query, rec model.JobRecord, omit ...string) (*model.JobRecord, error) {
	updated, err := s.store.Update(ctx, q, rec, omit...)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, nil
	}

	return &updated[0], nil
}

func (s *Scheduler) saveSingle(ctx context.Context, rec model.JobRecord) (*model.JobRecord, error) {
	omit := unsetState(rec)
	// keep a due run that is already on its way
	if rec.NextRunAt != nil && !rec.NextRunAt.After(time.Now()) {
		omit = append(omit, model.FieldNextRunAt)
	}

	q := model.Query{Name: rec.Name, Type: model.TypeSingle}
	return s.store.Upsert(ctx, q, rec, model.UpsertOptions{Omit: omit})
}

func (s *Scheduler) saveUnique(ctx context.Context, rec model.JobRecord, q model.Query, opts UniqueOptions) (*model.JobRecord, error) {
	q.Name = rec.Name
	return s.store.Upsert(ctx, q, rec, model.UpsertOptions{
		InsertOnly: opts.InsertOnly,
		Omit:       unsetState(rec),
	})
}

// unsetState lists the run state fields a fresh job has not set, so an
// upsert leaves the stored values alone.
func unsetState(rec model.JobRecord) []string {
	var omit []string
	if rec.LastRunAt == nil {
		omit = append(omit, model.FieldLastRunAt)
	}
	if rec.LastFinishedAt == nil {
		omit = append(omit, model.FieldLastFinishedAt)
	}
	if rec.LockedAt == nil {
		omit = append(omit, model.FieldLockedAt)
	}
	if rec.FailedAt == nil {
		omit = append(omit, model.FieldFailedAt)
	}
	if rec.FailReason == "" {
		omit = append(omit, model.FieldFailReason)
	}

	return omit
}

// Start begins scanning the store every processEvery. Calling Start on a
// running scheduler does nothing. Jobs run under a context that Stop does
// not cancel.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runCtx = context.WithoutCancel(ctx)
	s.done = make(chan struct{})
	s.nextScanAt = time.Now().Add(s.config.processEvery)

	s.logger.Infow("scheduler started", "process_every", s.config.processEvery)
	go s.loop(loopCtx, s.done)
}

// Stop halts scanning and releases every lock this scheduler holds. Running
// jobs are not interrupted, and their locks are released too, so another
// scheduler may claim them before they finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}

	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	// queued, deferred and running jobs are all still in locked here
	ids := make([]string, 0, len(s.locked))
	for job := range s.locked {
		ids = append(ids, job.attrs.ID)
	}

	for job, timer := range s.timers {
		timer.Stop()
		delete(s.timers, job)
		s.releaseLocked(job)
	}
	for _, job := range s.queue.clear() {
		s.releaseLocked(job)
	}
	s.toLock = nil
	s.mu.Unlock()

	s.logger.Infow("scheduler stopped", "unlocking", len(ids))

	if err := s.store.Unlock(ctx, ids); err != nil {
		s.logger.Warnw("failed to unlock jobs on stop", "error", err)
		return err
	}

	return nil
}

// Close stops the scheduler and closes the store when the scheduler opened
// it itself.
func (s *Scheduler) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	if s.ownsStore {
		err = errors.CombineErrors(err, s.store.Close())
	}

	return err
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.processEvery)
	defer ticker.Stop()

	for {
		if err := s.processJobs(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warnw("job scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
