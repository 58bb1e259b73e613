package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/bcrosbie/personaliz/internal/metrics"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultDBMaxOpenConns    = 25
	defaultDBMaxIdleConns    = 10
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBConnMaxIdleTime = 5 * time.Minute
	defaultDBPingTimeout     = 5 * time.Second
)

const agentColumns = `id, name, description, role, goal, tools, schedule, schedule_time,
	command, args, timeout, config_json, created_at, updated_at, is_active`

const logColumns = `id, agent_id, agent_name, event_type, message, details, timestamp`

const handlerColumns = `id, name, event_type, url, interval_seconds, last_check, is_active, config_json`

// SQLStore implements Store over database/sql. One mutex serializes every
// operation regardless of dialect.
type SQLStore struct {
	mu      sync.Mutex
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

type Option func(*SQLStore)

// WithClock replaces time.Now for store-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// DefaultSQLitePath is ~/.personaliz/personaliz.db, or a relative path when
// the home directory cannot be resolved.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".personaliz", "personaliz.db")
	}
	return filepath.Join(home, ".personaliz", "personaliz.db")
}

func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLStore, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return nil, domain.InvalidArgument("sqlite path is required")
	}
	if clean != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
			return nil, domain.Unavailable("failed to create database directory", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+clean+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, domain.Unavailable("failed to open sqlite database", err)
	}
	db.SetMaxOpenConns(1)

	return open(ctx, db, DialectSQLite, opts)
}

func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, domain.InvalidArgument("DATABASE_URL is required when PERSONALIZ_STORE_DRIVER=postgres")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, domain.Unavailable("failed to open postgres connection", err)
	}
	db.SetMaxOpenConns(defaultDBMaxOpenConns)
	db.SetMaxIdleConns(defaultDBMaxIdleConns)
	db.SetConnMaxLifetime(defaultDBConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultDBConnMaxIdleTime)

	return open(ctx, db, DialectPostgres, opts)
}

func open(ctx context.Context, db *sql.DB, dialect Dialect, opts []Option) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultDBPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, domain.Unavailable(fmt.Sprintf("failed to connect to %s", dialect), err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("ping", time.Now(), &err)

	if err := s.db.PingContext(ctx); err != nil {
		return domain.Unavailable("store ping failed", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unavailable("failed to start schema transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, statement := range s.dialect.schema() {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return domain.Unavailable(fmt.Sprintf("failed to run schema statement: %s", statement), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Unavailable("failed to commit schema transaction", err)
	}
	return nil
}

func (s *SQLStore) timestamp() string {
	return domain.FormatTime(s.now())
}

func (s *SQLStore) writeError(message string, err error) error {
	if isConstraintViolation(err) {
		return domain.Conflict(message, err)
	}
	return domain.Unavailable(message, err)
}

// observe wraps metrics.ObserveStoreOp so deferred calls see the named error.
func observe(operation string, started time.Time, err *error) {
	metrics.ObserveStoreOp(operation, started, *err)
}

func (s *SQLStore) CreateAgent(ctx context.Context, agent domain.Agent) (id int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("create_agent", time.Now(), &err)

	now := s.timestamp()
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO agents (name, description, role, goal, tools, schedule, schedule_time,
			command, args, timeout, config_json, created_at, updated_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		agent.Name,
		nullable(agent.Description),
		nullable(agent.Role),
		nullable(agent.Goal),
		nullable(agent.Tools),
		agent.Schedule,
		nullable(agent.ScheduleTime),
		agent.Command,
		agent.Args,
		agent.Timeout,
		agent.ConfigJSON,
		now,
		now,
		agent.IsActive,
	).Scan(&id)
	if err != nil {
		return 0, s.writeError(fmt.Sprintf("failed to create agent %q", agent.Name), err)
	}
	return id, nil
}

func (s *SQLStore) ListAgents(ctx context.Context) (items []domain.Agent, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("list_agents", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, domain.Unavailable("failed to list agents", err)
	}
	defer rows.Close()

	items = []domain.Agent{}
	for rows.Next() {
		item, scanErr := scanAgent(rows)
		if scanErr != nil {
			return nil, domain.Unavailable("failed to decode agent row", scanErr)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("failed to iterate agent rows", err)
	}
	return items, nil
}

func (s *SQLStore) GetAgentByName(ctx context.Context, name string) (agent domain.Agent, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("get_agent_by_name", time.Now(), &err)

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+agentColumns+` FROM agents WHERE name = ?`), name)
	return s.agentFromRow(row)
}

func (s *SQLStore) GetAgentByID(ctx context.Context, id int64) (agent domain.Agent, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("get_agent_by_id", time.Now(), &err)

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	return s.agentFromRow(row)
}

func (s *SQLStore) agentFromRow(row *sql.Row) (domain.Agent, bool, error) {
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return domain.Agent{}, false, nil
	}
	if err != nil {
		return domain.Agent{}, false, domain.Unavailable("failed to load agent", err)
	}
	return agent, true, nil
}

func (s *SQLStore) UpdateAgent(ctx context.Context, id int64, agent domain.Agent) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("update_agent", time.Now(), &err)

	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE agents
		SET name = ?, description = ?, role = ?, goal = ?, tools = ?, schedule = ?,
			schedule_time = ?, command = ?, args = ?, timeout = ?, config_json = ?,
			updated_at = ?, is_active = ?
		WHERE id = ?
	`),
		agent.Name,
		nullable(agent.Description),
		nullable(agent.Role),
		nullable(agent.Goal),
		nullable(agent.Tools),
		agent.Schedule,
		nullable(agent.ScheduleTime),
		agent.Command,
		agent.Args,
		agent.Timeout,
		agent.ConfigJSON,
		s.timestamp(),
		agent.IsActive,
		id,
	)
	if err != nil {
		return s.writeError(fmt.Sprintf("failed to update agent %d", id), err)
	}
	return requireRow(result, fmt.Sprintf("agent %d not found", id))
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id int64) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("delete_agent", time.Now(), &err)

	// agent_logs rows are left in place as history.
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return s.writeError(fmt.Sprintf("failed to delete agent %d", id), err)
	}
	return requireRow(result, fmt.Sprintf("agent %d not found", id))
}

func (s *SQLStore) LogAgentEvent(ctx context.Context, log domain.AgentLog) (id int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("log_agent_event", time.Now(), &err)

	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO agent_logs (agent_id, agent_name, event_type, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		log.AgentID,
		log.AgentName,
		log.EventType,
		log.Message,
		nullable(log.Details),
		s.timestamp(),
	).Scan(&id)
	if err != nil {
		return 0, s.writeError("failed to write agent log", err)
	}
	return id, nil
}

func (s *SQLStore) ListAgentLogs(ctx context.Context, agentID *int64, limit int) (items []domain.AgentLog, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("list_agent_logs", time.Now(), &err)

	limit = ClampLogLimit(limit)
	query := `SELECT ` + logColumns + ` FROM agent_logs`
	args := []any{}
	if agentID != nil {
		query += ` WHERE agent_id = ?`
		args = append(args, *agentID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, domain.Unavailable("failed to list agent logs", err)
	}
	defer rows.Close()

	items = []domain.AgentLog{}
	for rows.Next() {
		var item domain.AgentLog
		var details sql.NullString
		if err := rows.Scan(
			&item.ID,
			&item.AgentID,
			&item.AgentName,
			&item.EventType,
			&item.Message,
			&details,
			&item.Timestamp,
		); err != nil {
			return nil, domain.Unavailable("failed to decode agent log row", err)
		}
		item.Details = fromNull(details)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("failed to iterate agent log rows", err)
	}
	return items, nil
}

func (s *SQLStore) CreateEventHandler(ctx context.Context, handler domain.EventHandler) (id int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("create_event_handler", time.Now(), &err)

	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO event_handlers (name, event_type, url, interval_seconds, last_check, is_active, config_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		handler.Name,
		handler.EventType,
		nullable(handler.URL),
		handler.IntervalSeconds,
		nullable(handler.LastCheck),
		handler.IsActive,
		handler.ConfigJSON,
	).Scan(&id)
	if err != nil {
		return 0, s.writeError(fmt.Sprintf("failed to create event handler %q", handler.Name), err)
	}
	return id, nil
}

func (s *SQLStore) ListEventHandlers(ctx context.Context) (items []domain.EventHandler, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("list_event_handlers", time.Now(), &err)

	return s.queryHandlers(ctx, `SELECT `+handlerColumns+` FROM event_handlers WHERE is_active = ? ORDER BY id ASC`, true)
}

func (s *SQLStore) ListAllEventHandlers(ctx context.Context) (items []domain.EventHandler, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("list_all_event_handlers", time.Now(), &err)

	return s.queryHandlers(ctx, `SELECT `+handlerColumns+` FROM event_handlers ORDER BY id ASC`)
}

func (s *SQLStore) queryHandlers(ctx context.Context, query string, args ...any) ([]domain.EventHandler, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, domain.Unavailable("failed to list event handlers", err)
	}
	defer rows.Close()

	items := []domain.EventHandler{}
	for rows.Next() {
		var item domain.EventHandler
		var url sql.NullString
		var lastCheck sql.NullString
		if err := rows.Scan(
			&item.ID,
			&item.Name,
			&item.EventType,
			&url,
			&item.IntervalSeconds,
			&lastCheck,
			&item.IsActive,
			&item.ConfigJSON,
		); err != nil {
			return nil, domain.Unavailable("failed to decode event handler row", err)
		}
		item.URL = fromNull(url)
		item.LastCheck = fromNull(lastCheck)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("failed to iterate event handler rows", err)
	}
	return items, nil
}

func (s *SQLStore) SetEventHandlerActive(ctx context.Context, id int64, active bool) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("set_event_handler_active", time.Now(), &err)

	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`UPDATE event_handlers SET is_active = ? WHERE id = ?`), active, id)
	if err != nil {
		return s.writeError(fmt.Sprintf("failed to update event handler %d", id), err)
	}
	return requireRow(result, fmt.Sprintf("event handler %d not found", id))
}

// UpdateEventHandlerLastCheck reports false without error when id is unknown.
func (s *SQLStore) UpdateEventHandlerLastCheck(ctx context.Context, id int64) (updated bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("update_event_handler_last_check", time.Now(), &err)

	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`UPDATE event_handlers SET last_check = ? WHERE id = ?`), s.timestamp(), id)
	if err != nil {
		return false, s.writeError(fmt.Sprintf("failed to update last check of event handler %d", id), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, domain.Unavailable("failed to read last check update result", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) DeleteEventHandler(ctx context.Context, id int64) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("delete_event_handler", time.Now(), &err)

	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM event_handlers WHERE id = ?`), id)
	if err != nil {
		return s.writeError(fmt.Sprintf("failed to delete event handler %d", id), err)
	}
	return requireRow(result, fmt.Sprintf("event handler %d not found", id))
}

func (s *SQLStore) GetSetting(ctx context.Context, key string) (setting domain.Setting, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("get_setting", time.Now(), &err)

	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT key, value, updated_at FROM settings WHERE key = ?`), key).
		Scan(&setting.Key, &setting.Value, &setting.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Setting{}, false, nil
	}
	if err != nil {
		return domain.Setting{}, false, domain.Unavailable(fmt.Sprintf("failed to load setting %q", key), err)
	}
	return setting, true, nil
}

func (s *SQLStore) PutSetting(ctx context.Context, key, value string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("put_setting", time.Now(), &err)

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value, s.timestamp())
	if err != nil {
		return s.writeError(fmt.Sprintf("failed to store setting %q", key), err)
	}
	return nil
}

func (s *SQLStore) ListSettings(ctx context.Context) (items []domain.Setting, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer observe("list_settings", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key ASC`)
	if err != nil {
		return nil, domain.Unavailable("failed to list settings", err)
	}
	defer rows.Close()

	items = []domain.Setting{}
	for rows.Next() {
		var item domain.Setting
		if err := rows.Scan(&item.Key, &item.Value, &item.UpdatedAt); err != nil {
			return nil, domain.Unavailable("failed to decode setting row", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("failed to iterate setting rows", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.Agent, error) {
	var item domain.Agent
	var description, role, goal, tools, scheduleTime sql.NullString
	if err := row.Scan(
		&item.ID,
		&item.Name,
		&description,
		&role,
		&goal,
		&tools,
		&item.Schedule,
		&scheduleTime,
		&item.Command,
		&item.Args,
		&item.Timeout,
		&item.ConfigJSON,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.IsActive,
	); err != nil {
		return domain.Agent{}, err
	}
	item.Description = fromNull(description)
	item.Role = fromNull(role)
	item.Goal = fromNull(goal)
	item.Tools = fromNull(tools)
	item.ScheduleTime = fromNull(scheduleTime)
	return item, nil
}

func requireRow(result sql.Result, notFound string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Unavailable("failed to read affected rows", err)
	}
	if affected == 0 {
		return domain.NotFound(notFound)
	}
	return nil
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func fromNull(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return domain.StringPtr(value.String)
}
