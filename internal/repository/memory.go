package repository

import (
	"context"
	"encoding/json"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/agenda/internal/model"
	"github.com/google/uuid"
)

// memory keeps records in a map guarded by one mutex, which makes every
// operation atomic. Records are copied in and out.
type memory struct {
	mu     sync.Mutex
	jobs   map[string]model.JobRecord
	closed bool
}

// NewMemory returns a process-local repository. Schedulers sharing it behave
// like processes sharing a database.
func NewMemory() Repository {
	return &memory{jobs: make(map[string]model.JobRecord)}
}

func (m *memory) Init(ctx context.Context) error {
	return m.Ping(ctx)
}

func (m *memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	return nil
}

func (m *memory) Find(_ context.Context, q model.Query) ([]model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	return m.find(q)
}

func (m *memory) Insert(_ context.Context, rec model.JobRecord) (model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return model.JobRecord{}, ErrClosed
	}

	return m.insert(rec), nil
}

func (m *memory) Update(_ context.Context, q model.Query, rec model.JobRecord, omit ...string) ([]model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	return m.update(q, rec, omit)
}

func (m *memory) Upsert(_ context.Context, q model.Query, rec model.JobRecord, opts model.UpsertOptions) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	existing, err := m.find(q)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		inserted := m.insert(rec)
		return &inserted, nil
	}
	if opts.InsertOnly {
		return &existing[0], nil
	}

	updated, err := m.update(q, rec, opts.Omit)
	if err != nil || len(updated) == 0 {
		return nil, err
	}

	return &updated[0], nil
}

func (m *memory) find(q model.Query) ([]model.JobRecord, error) {
	out := make([]model.JobRecord, 0)
	for _, rec := range m.sorted() {
		ok, err := matches(rec, q)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec.Clone())
		}
	}

	return out, nil
}

func (m *memory) insert(rec model.JobRecord) model.JobRecord {
	rec = normalize(rec)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	m.jobs[rec.ID] = rec.Clone()
	return rec.Clone()
}

func (m *memory) update(q model.Query, rec model.JobRecord, omit []string) ([]model.JobRecord, error) {
	rec = normalize(rec)
	out := make([]model.JobRecord, 0)
	for _, existing := range m.sorted() {
		ok, err := matches(existing, q)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		updated := keep(rec.Clone(), existing, omit)
		updated.ID = existing.ID

		m.jobs[updated.ID] = updated
		out = append(out, updated.Clone())
	}

	return out, nil
}

func (m *memory) LockNext(_ context.Context, q model.LockQuery) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	var next *model.JobRecord
	for _, rec := range m.sorted() {
		if rec.Name != q.Name || rec.Disabled || rec.NextRunAt == nil {
			continue
		}
		if rec.NextRunAt.After(q.Horizon) {
			continue
		}
		if rec.LockedAt != nil && rec.LockedAt.After(q.LockDeadline) {
			continue
		}

		if next == nil || before(rec, *next) {
			candidate := rec
			next = &candidate
		}
	}

	if next == nil {
		return nil, nil
	}

	lockedAt := q.LockedAt
	next.LockedAt = &lockedAt
	m.jobs[next.ID] = next.Clone()

	locked := next.Clone()
	return &locked, nil
}

func (m *memory) LockByID(_ context.Context, id string, lockedAt time.Time) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	rec, ok := m.jobs[id]
	if !ok || rec.LockedAt != nil || rec.Disabled {
		return nil, nil
	}

	rec.LockedAt = &lockedAt
	m.jobs[id] = rec

	locked := rec.Clone()
	return &locked, nil
}

func (m *memory) Unlock(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for _, id := range ids {
		if rec, ok := m.jobs[id]; ok {
			rec.LockedAt = nil
			m.jobs[id] = rec
		}
	}

	return nil
}

func (m *memory) Delete(_ context.Context, q model.Query) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	var n int64
	for id, rec := range m.jobs {
		ok, err := matches(rec, q)
		if err != nil {
			return n, err
		}
		if ok {
			delete(m.jobs, id)
			n++
		}
	}

	return n, nil
}

func (m *memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// sorted returns the records in a stable order so that scans are
// deterministic.
func (m *memory) sorted() []model.JobRecord {
	out := make([]model.JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})

	return out
}

func before(a, b model.JobRecord) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	return a.NextRunAt.Before(*b.NextRunAt)
}

// keep copies the omitted fields of existing into rec.
func keep(rec, existing model.JobRecord, omit []string) model.JobRecord {
	for _, field := range omit {
		switch field {
		case model.FieldNextRunAt:
			rec.NextRunAt = existing.NextRunAt
		case model.FieldLastRunAt:
			rec.LastRunAt = existing.LastRunAt
		case model.FieldLastFinishedAt:
			rec.LastFinishedAt = existing.LastFinishedAt
		case model.FieldLockedAt:
			rec.LockedAt = existing.LockedAt
		case model.FieldFailedAt:
			rec.FailedAt = existing.FailedAt
		case model.FieldFailReason:
			rec.FailReason = existing.FailReason
		}
	}

	return rec
}

func normalize(rec model.JobRecord) model.JobRecord {
	if rec.Type == "" {
		rec.Type = model.TypeNormal
	}

	return rec
}

func matches(rec model.JobRecord, q model.Query) (bool, error) {
	switch {
	case q.ID != "" && rec.ID != q.ID:
		return false, nil
	case len(q.IDs) > 0 && !slices.Contains(q.IDs, rec.ID):
		return false, nil
	case q.Name != "" && rec.Name != q.Name:
		return false, nil
	case len(q.Names) > 0 && !slices.Contains(q.Names, rec.Name):
		return false, nil
	case len(q.ExcludeNames) > 0 && slices.Contains(q.ExcludeNames, rec.Name):
		return false, nil
	case q.Type != "" && rec.Type != q.Type:
		return false, nil
	case q.Disabled != nil && rec.Disabled != *q.Disabled:
		return false, nil
	case q.NextRunAt != nil && (rec.NextRunAt == nil || rec.NextRunAt.UnixMilli() != q.NextRunAt.UnixMilli()):
		return false, nil
	}

	if len(q.Data) == 0 {
		return true, nil
	}

	var doc map[string]json.RawMessage
	if len(rec.Data) == 0 || json.Unmarshal(rec.Data, &doc) != nil {
		return false, nil
	}

	for k, v := range q.Data {
		raw, ok := doc[k]
		if !ok {
			return false, nil
		}

		want, err := normalizeJSON(v)
		if err != nil {
			return false, errors.Wrapf(err, "failed to encode data predicate %q", k)
		}

		var got any
		if err := json.Unmarshal(raw, &got); err != nil {
			return false, nil
		}

		if !reflect.DeepEqual(got, want) {
			return false, nil
		}
	}

	return true, nil
}

func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	err = json.Unmarshal(b, &out)
	return out, err
}
