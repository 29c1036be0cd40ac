package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-tick/agenda/internal/model"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrClosed            = errors.New("repository is closed")
	ErrInvalidTableName  = errors.New("invalid table name")
	ErrUnsupportedDriver = errors.New("unsupported sql driver")
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Repository is the store adapter the scheduler runs on. LockNext and
// LockByID must select, stamp and return a row as one indivisible operation.
type Repository interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Find(ctx context.Context, q model.Query) ([]model.JobRecord, error)
	Insert(ctx context.Context, rec model.JobRecord) (model.JobRecord, error)
	Update(ctx context.Context, q model.Query, rec model.JobRecord, omit ...string) ([]model.JobRecord, error)
	Upsert(ctx context.Context, q model.Query, rec model.JobRecord, opts model.UpsertOptions) (*model.JobRecord, error)
	LockNext(ctx context.Context, q model.LockQuery) (*model.JobRecord, error)
	LockByID(ctx context.Context, id string, lockedAt time.Time) (*model.JobRecord, error)
	Unlock(ctx context.Context, ids []string) error
	Delete(ctx context.Context, q model.Query) (int64, error)
	Close() error
}

// Connection is satisfied by *sqlx.DB and *sqlx.Conn.
type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type repository struct {
	db      *sqlx.DB
	dialect dialect
	table   string
	owned   bool
}

func (r *repository) Init(ctx context.Context) error {
	for _, stmt := range r.dialect.schema(r.table) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errors.WithDetail(errors.Wrap(err, "failed to create jobs table"), fmt.Sprintf("Table: %s", r.table))
		}
	}

	return nil
}

func (r *repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *repository) Find(ctx context.Context, q model.Query) ([]model.JobRecord, error) {
	return r.find(ctx, r.db, q)
}

func (r *repository) Insert(ctx context.Context, rec model.JobRecord) (model.JobRecord, error) {
	return r.insert(ctx, r.db, rec)
}

func (r *repository) Update(ctx context.Context, q model.Query, rec model.JobRecord, omit ...string) ([]model.JobRecord, error) {
	return r.update(ctx, r.db, q, rec, omit)
}

// Upsert looks up q and inserts, returns or updates under one exclusive
// transaction per name, so concurrent writers never insert twice.
func (r *repository) Upsert(ctx context.Context, q model.Query, rec model.JobRecord, opts model.UpsertOptions) (*model.JobRecord, error) {
	var saved *model.JobRecord
	err := r.exclusive(ctx, q.Name, func(conn Connection) error {
		existing, err := r.find(ctx, conn, q)
		if err != nil {
			return err
		}

		if len(existing) == 0 {
			inserted, err := r.insert(ctx, conn, rec)
			if err != nil {
				return err
			}

			saved = &inserted
			return nil
		}

		if opts.InsertOnly {
			saved = &existing[0]
			return nil
		}

		updated, err := r.update(ctx, conn, q, rec, opts.Omit)
		if err != nil {
			return err
		}
		if len(updated) > 0 {
			saved = &updated[0]
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return saved, nil
}

func (r *repository) find(ctx context.Context, conn Connection, q model.Query) ([]model.JobRecord, error) {
	where, args, err := r.where(q)
	if err != nil {
		return nil, err
	}

	var rows []row
	query := fmt.Sprintf(`SELECT %s FROM %s%s`, columnList, r.quoted(), where)
	if err := conn.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to find jobs")
	}

	return fromRows(rows), nil
}

func (r *repository) insert(ctx context.Context, conn Connection, rec model.JobRecord) (model.JobRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	values := toRow(rec).values()
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		placeholders[i] = r.dialect.placeholder(c)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		r.quoted(),
		columnList,
		strings.Join(placeholders, ", "),
		columnList,
	)

	var inserted row
	if err := conn.GetContext(ctx, &inserted, r.db.Rebind(query), values...); err != nil {
		err = errors.Wrap(err, "failed to insert job")
		return model.JobRecord{}, errors.WithDetail(err, fmt.Sprintf("Job: %s", rec.Name))
	}

	return inserted.record(), nil
}

func (r *repository) update(ctx context.Context, conn Connection, q model.Query, rec model.JobRecord, omit []string) ([]model.JobRecord, error) {
	where, whereArgs, err := r.where(q)
	if err != nil {
		return nil, err
	}

	values := toRow(rec).values()
	sets := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns)+len(whereArgs))
	for i, c := range columns {
		if c == "id" || slices.Contains(omit, c) {
			continue
		}

		sets = append(sets, c+" = "+r.dialect.placeholder(c))
		args = append(args, values[i])
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf(
		`UPDATE %s SET %s%s RETURNING %s`,
		r.quoted(),
		strings.Join(sets, ", "),
		where,
		columnList,
	)

	var rows []row
	if err := conn.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		err = errors.Wrap(err, "failed to update jobs")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job: %s", rec.Name))
	}

	return fromRows(rows), nil
}

// exclusive runs fn inside a transaction on a dedicated connection. The
// transaction holds the dialect's write lock for name before fn reads.
func (r *repository) exclusive(ctx context.Context, name string, fn func(conn Connection) error) error {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, r.dialect.begin); err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if r.dialect.nameLock != "" {
		if _, err := conn.ExecContext(ctx, r.db.Rebind(r.dialect.nameLock), r.table+":"+name); err != nil {
			return rollback(conn, errors.WithDetail(errors.Wrap(err, "failed to lock job name"), fmt.Sprintf("Job: %s", name)))
		}
	}

	if err := fn(conn); err != nil {
		return rollback(conn, err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return rollback(conn, errors.Wrap(err, "failed to commit transaction"))
	}

	return nil
}

func rollback(conn *sqlx.Conn, err error) error {
	if _, rerr := conn.ExecContext(context.Background(), "ROLLBACK"); rerr != nil {
		return errors.CombineErrors(err, errors.Wrap(rerr, "failed to roll back transaction"))
	}

	return err
}

func (r *repository) LockNext(ctx context.Context, q model.LockQuery) (*model.JobRecord, error) {
	query := fmt.Sprintf(
		`UPDATE %[1]s SET locked_at = ?
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE name = ?
			  AND disabled = ?
			  AND next_run_at IS NOT NULL
			  AND next_run_at <= ?
			  AND (locked_at IS NULL OR locked_at <= ?)
			ORDER BY priority DESC, next_run_at ASC
			LIMIT 1%[2]s
		)
		AND (locked_at IS NULL OR locked_at <= ?)
		RETURNING %[3]s`,
		r.quoted(),
		r.dialect.rowLock,
		columnList,
	)

	deadline := q.LockDeadline.UnixMilli()
	var locked row
	err := r.db.GetContext(
		ctx,
		&locked,
		r.db.Rebind(query),
		q.LockedAt.UnixMilli(),
		q.Name,
		false,
		q.Horizon.UnixMilli(),
		deadline,
		deadline,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		err = errors.Wrap(err, "failed to lock next job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job: %s", q.Name))
	}

	rec := locked.record()
	return &rec, nil
}

func (r *repository) LockByID(ctx context.Context, id string, lockedAt time.Time) (*model.JobRecord, error) {
	query := fmt.Sprintf(
		`UPDATE %s SET locked_at = ? WHERE id = ? AND locked_at IS NULL AND disabled = ? RETURNING %s`,
		r.quoted(),
		columnList,
	)

	var locked row
	err := r.db.GetContext(ctx, &locked, r.db.Rebind(query), lockedAt.UnixMilli(), id, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		err = errors.Wrap(err, "failed to lock job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}

	rec := locked.record()
	return &rec, nil
}

func (r *repository) Unlock(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(fmt.Sprintf(`UPDATE %s SET locked_at = NULL WHERE id IN (?)`, r.quoted()), ids)
	if err != nil {
		return errors.Wrap(err, "failed to build unlock query")
	}

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to unlock jobs"), fmt.Sprintf("Jobs: %d", len(ids)))
	}

	return nil
}

func (r *repository) Delete(ctx context.Context, q model.Query) (int64, error) {
	where, args, err := r.where(q)
	if err != nil {
		return 0, err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(`DELETE FROM %s%s`, r.quoted(), where)), args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete jobs")
	}

	return res.RowsAffected()
}

func (r *repository) Close() error {
	if !r.owned {
		return nil
	}

	return r.db.Close()
}

func (r *repository) quoted() string {
	return `"` + r.table + `"`
}

func (r *repository) where(q model.Query) (string, []any, error) {
	clauses, args, err := r.dialect.predicates(q)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to build job query")
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}

	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// New wraps an open connection. The caller keeps ownership of db.
func New(db *sqlx.DB, table string) (Repository, error) {
	if !tableNameRe.MatchString(table) {
		return nil, errors.WithDetail(ErrInvalidTableName, fmt.Sprintf("Table: %q", table))
	}

	d, ok := dialectFor(db.DriverName())
	if !ok {
		return nil, errors.WithDetail(ErrUnsupportedDriver, fmt.Sprintf("Driver: %s", db.DriverName()))
	}

	return &repository{db: db, dialect: d, table: table}, nil
}

// Connect opens a connection owned by the returned repository.
func Connect(ctx context.Context, driver, dsn, table string) (Repository, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", driver)
	}

	if driver == "sqlite" {
		// one writer at a time; also keeps ":memory:" on a single database
		db.SetMaxOpenConns(1)
	}

	repo, err := New(db, table)
	if err != nil {
		return nil, errors.CombineErrors(err, db.Close())
	}

	repo.(*repository).owned = true
	return repo, nil
}
