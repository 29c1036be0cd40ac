package test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-tick/agenda"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type executions struct {
	mu     sync.Mutex
	counts map[string]int
	by     map[string]string
}

func newExecutions() *executions {
	return &executions{
		counts: make(map[string]int),
		by:     make(map[string]string),
	}
}

func (e *executions) processor(scheduler string) agenda.ProcessorFunc {
	return func(_ context.Context, job *agenda.Job) error {
		time.Sleep(5 * time.Millisecond)

		e.mu.Lock()
		defer e.mu.Unlock()

		e.counts[job.ID()]++
		e.by[job.ID()] = scheduler
		return nil
	}
}

func (e *executions) snapshot() (map[string]int, map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[string]int, len(e.counts))
	for k, v := range e.counts {
		counts[k] = v
	}

	by := make(map[string]string, len(e.by))
	for k, v := range e.by {
		by[k] = v
	}

	return counts, by
}

func TestDueJobsShouldRunOnceAcrossSchedulers(t *testing.T) {
	const jobs = 30

	data := []struct {
		name   string
		stores func(t *testing.T) (agenda.Store, agenda.Store)
	}{
		{
			name: "shared memory store",
			stores: func(t *testing.T) (agenda.Store, agenda.Store) {
				store := agenda.NewMemoryStore()
				return store, store
			},
		},
		{
			name: "sqlite file",
			stores: func(t *testing.T) (agenda.Store, agenda.Store) {
				path := filepath.Join(t.TempDir(), "jobs.db")
				dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)

				first, err := agenda.NewSQLiteStore(context.Background(), dsn, "agendaJobs")
				require.NoError(t, err)
				second, err := agenda.NewSQLiteStore(context.Background(), dsn, "agendaJobs")
				require.NoError(t, err)

				t.Cleanup(func() {
					assert.NoError(t, first.Close())
					assert.NoError(t, second.Close())
				})
				return first, second
			},
		},
	}

	for _, d := range data {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			firstStore, secondStore := d.stores(t)
			runs := newExecutions()

			var completed atomic.Int32
			onComplete := agenda.WithListener(agenda.EventComplete, func(agenda.Event) {
				completed.Add(1)
			})

			first, err := agenda.Open(ctx, firstStore,
				agenda.WithName("first"),
				agenda.WithProcessEvery(50*time.Millisecond),
				agenda.WithLogger(zaptest.NewLogger(t).Sugar()),
				onComplete,
			)
			require.NoError(t, err)

			second, err := agenda.Open(ctx, secondStore,
				agenda.WithName("second"),
				agenda.WithProcessEvery(50*time.Millisecond),
				agenda.WithLogger(zaptest.NewLogger(t).Sugar()),
				onComplete,
			)
			require.NoError(t, err)

			first.Define("work", runs.processor("first"), agenda.DefinitionOptions{Concurrency: 4})
			second.Define("work", runs.processor("second"), agenda.DefinitionOptions{Concurrency: 4})

			for i := 0; i < jobs; i++ {
				_, err := first.Now(ctx, "work", map[string]any{"n": i})
				require.NoError(t, err)
			}

			first.Start(ctx)
			second.Start(ctx)

			require.Eventually(t, func() bool {
				return completed.Load() == jobs
			}, 10*time.Second, 20*time.Millisecond)

			require.NoError(t, first.Stop(ctx))
			require.NoError(t, second.Stop(ctx))

			counts, by := runs.snapshot()
			assert.Len(t, counts, jobs)
			for id, n := range counts {
				assert.Equal(t, 1, n, "job %s ran %d times", id, n)
			}

			stored, err := first.Jobs(ctx, agenda.Query{Name: "work"})
			require.NoError(t, err)
			require.Len(t, stored, jobs)
			for _, job := range stored {
				attrs := job.Attrs()
				assert.Nil(t, attrs.LockedAt)
				assert.Nil(t, attrs.NextRunAt)
				assert.NotNil(t, attrs.LastFinishedAt)
				assert.Equal(t, by[job.ID()], attrs.LastModifiedBy)
			}
		})
	}
}

func TestRepeatingJobShouldNotOverlapAcrossSchedulers(t *testing.T) {
	ctx := context.Background()
	store := agenda.NewMemoryStore()

	var running, overlaps, runs atomic.Int32
	process := agenda.ProcessorFunc(func(context.Context, *agenda.Job) error {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
		return nil
	})

	var completed atomic.Int32
	onComplete := agenda.WithListener(agenda.EventComplete, func(agenda.Event) {
		completed.Add(1)
	})

	schedulers := make([]*agenda.Scheduler, 0, 3)
	for i := 0; i < 3; i++ {
		s, err := agenda.Open(ctx, store,
			agenda.WithName(fmt.Sprintf("node-%d", i)),
			agenda.WithProcessEvery(30*time.Millisecond),
			agenda.WithLogger(zaptest.NewLogger(t).Sugar()),
			onComplete,
		)
		require.NoError(t, err)

		s.Define("heartbeat", process)
		schedulers = append(schedulers, s)
	}

	_, err := schedulers[0].Every(ctx, "50ms", "heartbeat", nil)
	require.NoError(t, err)

	for _, s := range schedulers {
		s.Start(ctx)
	}

	require.Eventually(t, func() bool {
		return runs.Load() >= 5
	}, 5*time.Second, 10*time.Millisecond)

	// Stop releases locks of running jobs, so overlaps are only counted
	// while every node is up.
	assert.Zero(t, overlaps.Load())

	for _, s := range schedulers {
		require.NoError(t, s.Stop(ctx))
	}

	require.Eventually(t, func() bool {
		return running.Load() == 0 && completed.Load() == runs.Load()
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := schedulers[0].Jobs(ctx, agenda.Query{Name: "heartbeat"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestEveryShouldKeepOneRowAcrossSchedulers(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", filepath.Join(t.TempDir(), "jobs.db"))

	const nodes = 4
	schedulers := make([]*agenda.Scheduler, 0, nodes)
	for i := 0; i < nodes; i++ {
		s, err := agenda.OpenSQLite(ctx, dsn,
			agenda.WithName(fmt.Sprintf("node-%d", i)),
			agenda.WithLogger(zaptest.NewLogger(t).Sugar()),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			assert.NoError(t, s.Close(context.Background()))
		})

		schedulers = append(schedulers, s)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func(s *agenda.Scheduler) {
			defer wg.Done()
			<-start

			_, err := s.Every(ctx, "1 minute", "report", nil)
			assert.NoError(t, err)
		}(s)
	}
	close(start)
	wg.Wait()

	stored, err := schedulers[0].Jobs(ctx, agenda.Query{Name: "report"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
