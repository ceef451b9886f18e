package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/logging"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// Options configures a Store.
type Options struct {
	// PollInterval is how often invocation subscribers poll for new rows.
	PollInterval time.Duration
	// Now is the store clock.
	Now func() time.Time
	// Logging services.
	Logger logging.Logger
}

// Store is a core.Store on a *sql.DB.
type Store struct {
	db           *sql.DB
	dialect      Dialect
	pollInterval time.Duration
	now          func() time.Time
	logger       logging.Logger
}

var _ core.Store = (*Store)(nil)

// New wraps db. Call Migrate before first use on a fresh database.
func New(db *sql.DB, dialect Dialect, optFns ...func(o *Options)) *Store {
	opts := Options{
		PollInterval: 500 * time.Millisecond,
		Now:          time.Now,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Store{
		db:           db,
		dialect:      dialect,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		logger:       opts.Logger,
	}
}

// Open connects to dsn, verifies the connection and migrates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string, optFns ...func(o *Options)) (*Store, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// SQLite has a single writer.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := New(db, dialect, optFns...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}

func schema(d Dialect) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hardware_type TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			cache_hash TEXT NOT NULL,
			lab TEXT,
			server_info TEXT NOT NULL,
			hardware_type TEXT NOT NULL,
			server_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS execution_messages (
			seq ` + serial + `,
			execution_id TEXT NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			data TEXT NOT NULL,
			idx INTEGER NOT NULL,
			virtual_index INTEGER,
			terminal_mode INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS execution_messages_execution_id ON execution_messages (execution_id, seq)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			seq ` + serial + `,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			data TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS invocations_server_id ON invocations (server_id, seq)`,
	}
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

// PutServer registers or replaces a server identity.
func (s *Store) PutServer(ctx context.Context, server core.Server) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO servers (id, name, hardware_type) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, hardware_type = excluded.hardware_type`),
		server.ID, server.Name, server.HardwareType)
	if err != nil {
		return fmt.Errorf("put server %s: %w", server.ID, err)
	}
	return nil
}

// GetServer implements core.ServerRegistry.
func (s *Store) GetServer(ctx context.Context, serverID string) (*core.Server, error) {
	var server core.Server
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, hardware_type FROM servers WHERE id = ?`), serverID).
		Scan(&server.ID, &server.Name, &server.HardwareType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server %s: %w", serverID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", serverID, err)
	}
	return &server, nil
}

// CreateExecution implements core.ExecutionStore.
func (s *Store) CreateExecution(ctx context.Context, execution core.Execution) error {
	lab, err := json.Marshal(execution.Lab)
	if err != nil {
		return fmt.Errorf("encode lab: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO executions (id, cache_hash, lab, server_info, hardware_type, server_id, user_id, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		execution.ID, execution.CacheHash, string(lab), execution.ServerInfo, execution.HardwareType,
		execution.ServerID, execution.UserID, string(execution.Status), s.timestamp())
	if err != nil {
		return fmt.Errorf("create execution %s: %w", execution.ID, err)
	}
	return nil
}

// CompleteExecution implements core.ExecutionStore.
func (s *Store) CompleteExecution(ctx context.Context, executionID string, status core.ExecutionStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE executions SET status = ?, finished_at = ? WHERE id = ?`),
		string(status), s.timestamp(), executionID)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", executionID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", executionID, err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s: %w", executionID, core.ErrNotFound)
	}
	return nil
}

// GetExecution implements core.ExecutionStore.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	var (
		execution  core.Execution
		lab        sql.NullString
		status     string
		startedAt  string
		finishedAt sql.NullString
	)

	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, cache_hash, lab, server_info, hardware_type, server_id, user_id, status, started_at, finished_at
		FROM executions WHERE id = ?`), executionID).
		Scan(&execution.ID, &execution.CacheHash, &lab, &execution.ServerInfo, &execution.HardwareType,
			&execution.ServerID, &execution.UserID, &status, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}

	execution.Status = core.ExecutionStatus(status)

	if lab.Valid && lab.String != "" && lab.String != "null" {
		if err := json.Unmarshal([]byte(lab.String), &execution.Lab); err != nil {
			return nil, fmt.Errorf("decode lab of %s: %w", executionID, err)
		}
	}

	if execution.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at of %s: %w", executionID, err)
	}

	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at of %s: %w", executionID, err)
		}
		execution.FinishedAt = &t
	}

	return &execution, nil
}

// AppendMessage implements core.MessageStore.
func (s *Store) AppendMessage(ctx context.Context, executionID string, msg core.ExecutionMessage) (core.ExecutionMessage, error) {
	now := s.now()
	msg.Timestamp = now

	var virtual sql.NullInt64
	if msg.VirtualIndex != nil {
		virtual = sql.NullInt64{Int64: int64(*msg.VirtualIndex), Valid: true}
	}

	terminal := 0
	if msg.TerminalMode {
		terminal = 1
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO execution_messages (execution_id, id, kind, data, idx, virtual_index, terminal_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		executionID, msg.ID, string(msg.Kind), msg.Data, msg.Index, virtual, terminal, formatTime(now))
	if err != nil {
		return core.ExecutionMessage{}, fmt.Errorf("append message to %s: %w", executionID, err)
	}

	return msg, nil
}

// ListMessages implements core.MessageStore.
func (s *Store) ListMessages(ctx context.Context, executionID string) ([]core.ExecutionMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, kind, data, idx, virtual_index, terminal_mode, created_at
		FROM execution_messages WHERE execution_id = ? ORDER BY seq`), executionID)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", executionID, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []core.ExecutionMessage
	for rows.Next() {
		var (
			m         core.ExecutionMessage
			kind      string
			virtual   sql.NullInt64
			terminal  int
			createdAt string
		)
		if err := rows.Scan(&m.ID, &kind, &m.Data, &m.Index, &virtual, &terminal, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message of %s: %w", executionID, err)
		}
		m.Kind = core.MessageKind(kind)
		m.TerminalMode = terminal != 0
		if virtual.Valid {
			v := int(virtual.Int64)
			m.VirtualIndex = &v
		}
		if m.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", executionID, err)
	}

	return msgs, nil
}
