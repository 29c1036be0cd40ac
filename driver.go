package agenda

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/agenda/internal/repository"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// NewPostgresStore connects to postgres and creates the jobs table if it is
// missing. Close releases the connection.
func NewPostgresStore(ctx context.Context, conn, table string) (Store, error) {
	return connect(ctx, "postgres", conn, table)
}

// NewSQLiteStore opens a sqlite database, e.g. "file:jobs.db" or
// "file::memory:", and creates the jobs table if it is missing.
func NewSQLiteStore(ctx context.Context, dsn, table string) (Store, error) {
	return connect(ctx, "sqlite", dsn, table)
}

// NewStore runs on an existing connection opened with the "postgres" or
// "sqlite" driver. The caller keeps ownership of db.
func NewStore(ctx context.Context, db *sqlx.DB, table string) (Store, error) {
	if table == "" {
		table = DefaultTable
	}

	store, err := repository.New(db, table)
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// OpenPostgres builds a scheduler on a postgres store of its own, created in
// the table set with WithTable. Close releases the connection.
func OpenPostgres(ctx context.Context, conn string, options ...Option[Config]) (*Scheduler, error) {
	return openOwned(ctx, "postgres", conn, options...)
}

// OpenSQLite is OpenPostgres for a sqlite database.
func OpenSQLite(ctx context.Context, dsn string, options ...Option[Config]) (*Scheduler, error) {
	return openOwned(ctx, "sqlite", dsn, options...)
}

func openOwned(ctx context.Context, driver, dsn string, options ...Option[Config]) (*Scheduler, error) {
	config := DefaultConfig(options...)

	store, err := connect(ctx, driver, dsn, config.Table())
	if err != nil {
		return nil, err
	}

	s := New(store, options...)
	s.ownsStore = true
	if err := s.Init(ctx); err != nil {
		return nil, errors.CombineErrors(err, store.Close())
	}

	return s, nil
}

// NewMemoryStore keeps jobs in process memory. Schedulers in one process
// may share it.
func NewMemoryStore() Store {
	return repository.NewMemory()
}

func connect(ctx context.Context, driver, dsn, table string) (Store, error) {
	if table == "" {
		table = DefaultTable
	}

	store, err := repository.Connect(ctx, driver, dsn, table)
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, errors.CombineErrors(err, store.Close())
	}

	return store, nil
}
