package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-service-command"
	"github.com/lib/pq"
)

const defaultStateTable = "service_resource_state"

// SQLStore persists records in a PostgreSQL table keyed by (environment, service).
type SQLStore struct {
	db    *sql.DB
	table string
	now   func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewSQLStore builds a store over db. An empty table selects the default name.
func NewSQLStore(db *sql.DB, table string) *SQLStore {
	table = strings.TrimSpace(table)
	if table == "" {
		table = defaultStateTable
	}
	return &SQLStore{
		db:    db,
		table: pq.QuoteIdentifier(table),
		now:   time.Now,
	}
}

func (s *SQLStore) Load(ctx context.Context, env, service string) (*command.ResourceState, error) {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT platform, payload, saved_at FROM %s WHERE environment = $1 AND service = $2`, s.table)
	var (
		platform string
		payload  string
		savedAt  string
	)
	err = s.db.QueryRowContext(ctx, q, env, service).Scan(&platform, &payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, command.NewStateIOError("query resource state", err, stateMeta(env, service))
	}
	rec, err := scanRecord(platform, payload, savedAt, env, service)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLStore) Save(ctx context.Context, env, service string, rec command.ResourceState) error {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = s.now().UTC()
	}

	q := fmt.Sprintf(`INSERT INTO %s (environment, service, platform, payload, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (environment, service) DO UPDATE SET
			platform = EXCLUDED.platform,
			payload = EXCLUDED.payload,
			saved_at = EXCLUDED.saved_at`, s.table)
	_, err = s.db.ExecContext(ctx, q,
		env,
		service,
		string(rec.Platform),
		string(rec.Payload),
		rec.SavedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return command.NewStateIOError("upsert resource state", err, stateMeta(env, service))
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context, env, service string) error {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE environment = $1 AND service = $2`, s.table)
	if _, err := s.db.ExecContext(ctx, q, env, service); err != nil {
		return command.NewStateIOError("delete resource state", err, stateMeta(env, service))
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, env string) ([]Entry, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT service, platform, payload, saved_at FROM %s WHERE environment = $1 ORDER BY service`, s.table)
	rows, err := s.db.QueryContext(ctx, q, env)
	if err != nil {
		return nil, command.NewStateIOError("list resource state", err, map[string]any{"environment": env})
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var service, platform, payload, savedAt string
		if err := rows.Scan(&service, &platform, &payload, &savedAt); err != nil {
			return nil, command.NewStateIOError("scan resource state", err, map[string]any{"environment": env})
		}
		rec, err := scanRecord(platform, payload, savedAt, env, service)
		if err != nil {
			out = append(out, Entry{Environment: env, Service: service, Err: err})
			continue
		}
		out = append(out, Entry{Environment: env, Service: service, State: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, command.NewStateIOError("list resource state", err, map[string]any{"environment": env})
	}
	return out, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return command.NewStateIOError("sql state store not configured", nil, nil)
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		environment TEXT NOT NULL,
		service TEXT NOT NULL,
		platform TEXT NOT NULL,
		payload TEXT NOT NULL,
		saved_at TEXT NOT NULL,
		PRIMARY KEY (environment, service)
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return command.NewStateIOError("create resource state table", err, nil)
	}
	s.schemaReady = true
	return nil
}

func scanRecord(platform, payload, savedAt, env, service string) (command.ResourceState, error) {
	if platform == "" || !json.Valid([]byte(payload)) {
		return command.ResourceState{}, command.NewStateIOError("corrupt resource state", nil, stateMeta(env, service))
	}
	rec := command.ResourceState{
		Platform: command.Platform(platform),
		Payload:  json.RawMessage(payload),
	}
	if savedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, savedAt)
		if err != nil {
			return command.ResourceState{}, command.NewStateIOError("corrupt resource state timestamp", err, stateMeta(env, service))
		}
		rec.SavedAt = ts
	}
	return rec, nil
}
