package repository

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/go-tick/agenda/internal/model"
	"github.com/jmoiron/sqlx"
)

type dialect struct {
	name     string
	dataType string
	boolType string
	rowLock  string
	jsonCast string

	// begin opens a transaction; nameLock, when set, serializes
	// transactions on one key.
	begin    string
	nameLock string
}

var (
	postgres = dialect{
		name:     "postgres",
		dataType: "JSONB",
		boolType: "BOOLEAN NOT NULL DEFAULT FALSE",
		rowLock:  " FOR UPDATE SKIP LOCKED",
		jsonCast: "::jsonb",
		begin:    "BEGIN",
		nameLock: "SELECT pg_advisory_xact_lock(hashtext(?))",
	}

	sqlite = dialect{
		name:     "sqlite",
		dataType: "TEXT",
		boolType: "BOOLEAN NOT NULL DEFAULT 0",
		// takes the database write lock up front
		begin: "BEGIN IMMEDIATE",
	}
)

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case "postgres", "pgx", "cloudsqlpostgres":
		return postgres, true
	case "sqlite", "sqlite3":
		return sqlite, true
	default:
		return dialect{}, false
	}
}

func (d dialect) schema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'normal',
			data %s,
			priority INTEGER NOT NULL DEFAULT 0,
			next_run_at BIGINT,
			last_run_at BIGINT,
			last_finished_at BIGINT,
			locked_at BIGINT,
			failed_at BIGINT,
			fail_reason TEXT NOT NULL DEFAULT '',
			repeat_interval TEXT NOT NULL DEFAULT '',
			repeat_timezone TEXT NOT NULL DEFAULT '',
			repeat_at TEXT NOT NULL DEFAULT '',
			disabled %s,
			last_modified_by TEXT NOT NULL DEFAULT ''
		)`, table, d.dataType, d.boolType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%[1]s_lock_idx" ON "%[1]s" (name, next_run_at, locked_at)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%[1]s_type_idx" ON "%[1]s" (name, type)`, table),
	}
}

func (d dialect) placeholder(column string) string {
	if column == "data" {
		return "?" + d.jsonCast
	}

	return "?"
}

func (d dialect) predicates(q model.Query) ([]string, []any, error) {
	var clauses []string
	var args []any

	add := func(clause string, arg ...any) {
		clauses = append(clauses, clause)
		args = append(args, arg...)
	}

	in := func(clause string, values []string) error {
		expanded, inArgs, err := sqlx.In(clause, values)
		if err != nil {
			return err
		}

		add(expanded, inArgs...)
		return nil
	}

	if q.ID != "" {
		add("id = ?", q.ID)
	}
	if len(q.IDs) > 0 {
		if err := in("id IN (?)", q.IDs); err != nil {
			return nil, nil, err
		}
	}
	if q.Name != "" {
		add("name = ?", q.Name)
	}
	if len(q.Names) > 0 {
		if err := in("name IN (?)", q.Names); err != nil {
			return nil, nil, err
		}
	}
	if len(q.ExcludeNames) > 0 {
		if err := in("name NOT IN (?)", q.ExcludeNames); err != nil {
			return nil, nil, err
		}
	}
	if q.Type != "" {
		add("type = ?", q.Type)
	}
	if q.Disabled != nil {
		add("disabled = ?", *q.Disabled)
	}
	if q.NextRunAt != nil {
		add("next_run_at = ?", q.NextRunAt.UnixMilli())
	}

	if len(q.Data) == 0 {
		return clauses, args, nil
	}

	if d.name == postgres.name {
		doc, err := json.Marshal(q.Data)
		if err != nil {
			return nil, nil, err
		}

		add("data @> ?::jsonb", string(doc))
		return clauses, args, nil
	}

	keys := make([]string, 0, len(q.Data))
	for k := range q.Data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		v, err := json.Marshal(q.Data[k])
		if err != nil {
			return nil, nil, err
		}

		path := `$."` + strings.ReplaceAll(k, `"`, `\"`) + `"`
		add("json_extract(data, ?) = json_extract(?, '$')", path, string(v))
	}

	return clauses, args, nil
}
