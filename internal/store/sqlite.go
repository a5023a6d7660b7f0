package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore provides SQLite-based storage for all persisted ocproxy state.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		alias TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		auto_worktree INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS channel_bindings (
		channel_id TEXT PRIMARY KEY,
		project_alias TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (project_alias) REFERENCES projects(alias) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS thread_sessions (
		thread_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		project_path TEXT NOT NULL,
		port INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worktree_mappings (
		thread_id TEXT PRIMARY KEY,
		branch_name TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		project_path TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		user_id TEXT NOT NULL,
		queued_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_entries_thread_id ON queue_entries(thread_id);

	CREATE TABLE IF NOT EXISTS queue_settings (
		thread_id TEXT PRIMARY KEY,
		paused INTEGER NOT NULL DEFAULT 0,
		continue_on_failure INTEGER NOT NULL DEFAULT 0,
		fresh_context INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS allowlist (
		user_id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS passthrough_threads (
		thread_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL,
		enabled_by TEXT NOT NULL,
		enabled_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS port_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		port_min INTEGER NOT NULL,
		port_max INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Project operations

// AddProject registers an alias, overwriting the path of an existing one.
func (s *SQLiteStore) AddProject(ctx context.Context, alias, path string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (alias, path) VALUES (?, ?)
		ON CONFLICT(alias) DO UPDATE SET path = excluded.path
	`, alias, path)
	return err
}

func (s *SQLiteStore) GetProject(ctx context.Context, alias string) (*Project, bool, error) {
	var p Project
	var auto int
	err := s.db.QueryRowContext(ctx,
		`SELECT alias, path, auto_worktree FROM projects WHERE alias = ?`, alias).
		Scan(&p.Alias, &p.Path, &auto)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p.AutoWorktree = auto != 0
	return &p, true, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alias, path, auto_worktree FROM projects ORDER BY alias`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		var auto int
		if err := rows.Scan(&p.Alias, &p.Path, &auto); err != nil {
			return nil, err
		}
		p.AutoWorktree = auto != 0
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// RemoveProject deletes a project and its channel bindings.
func (s *SQLiteStore) RemoveProject(ctx context.Context, alias string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE alias = ?`, alias)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		// Foreign keys handle bindings, but older databases may predate the
		// constraint, so clean up explicitly as well.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM channel_bindings WHERE project_alias = ?`, alias)
	}
	return n > 0, nil
}

func (s *SQLiteStore) SetProjectAutoWorktree(ctx context.Context, alias string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET auto_worktree = ? WHERE alias = ?`, boolToInt(enabled), alias)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %q not found", alias)
	}
	return nil
}

// Channel binding operations

func (s *SQLiteStore) SetChannelBinding(ctx context.Context, channelID, projectAlias string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_bindings (channel_id, project_alias) VALUES (?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET project_alias = excluded.project_alias
	`, channelID, projectAlias)
	return err
}

func (s *SQLiteStore) GetChannelBinding(ctx context.Context, channelID string) (*ChannelBinding, bool, error) {
	var b ChannelBinding
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, project_alias, model FROM channel_bindings WHERE channel_id = ?`, channelID).
		Scan(&b.ChannelID, &b.ProjectAlias, &b.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

func (s *SQLiteStore) SetChannelModel(ctx context.Context, channelID, model string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_bindings SET model = ? WHERE channel_id = ?`, model, channelID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("channel %q has no project binding", channelID)
	}
	return nil
}

func (s *SQLiteStore) EffectiveProjectPath(ctx context.Context, channelID string) (string, bool, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `
		SELECT p.path FROM channel_bindings b
		JOIN projects p ON p.alias = b.project_alias
		WHERE b.channel_id = ?
	`, channelID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

// Thread session operations

func (s *SQLiteStore) GetThreadSession(ctx context.Context, threadID string) (*ThreadSession, bool, error) {
	var ts ThreadSession
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, session_id, project_path, port, created_at, last_used_at
		FROM thread_sessions WHERE thread_id = ?
	`, threadID).Scan(&ts.ThreadID, &ts.SessionID, &ts.ProjectPath, &ts.Port, &ts.CreatedAt, &ts.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &ts, true, nil
}

// SetThreadSession overwrites any existing record for the thread.
func (s *SQLiteStore) SetThreadSession(ctx context.Context, session *ThreadSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_sessions (thread_id, session_id, project_path, port, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			session_id = excluded.session_id,
			project_path = excluded.project_path,
			port = excluded.port,
			created_at = excluded.created_at,
			last_used_at = excluded.last_used_at
	`, session.ThreadID, session.SessionID, session.ProjectPath, session.Port,
		session.CreatedAt, session.LastUsedAt)
	return err
}

func (s *SQLiteStore) UpdateThreadSessionLastUsed(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE thread_sessions SET last_used_at = ? WHERE thread_id = ?`,
		time.Now().UTC(), threadID)
	return err
}

func (s *SQLiteStore) ClearThreadSession(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_sessions WHERE thread_id = ?`, threadID)
	return err
}

func (s *SQLiteStore) ListThreadSessions(ctx context.Context) ([]*ThreadSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, session_id, project_path, port, created_at, last_used_at
		FROM thread_sessions ORDER BY last_used_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*ThreadSession
	for rows.Next() {
		var ts ThreadSession
		if err := rows.Scan(&ts.ThreadID, &ts.SessionID, &ts.ProjectPath, &ts.Port,
			&ts.CreatedAt, &ts.LastUsedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &ts)
	}
	return sessions, rows.Err()
}

// Worktree mapping operations

func (s *SQLiteStore) SetWorktreeMapping(ctx context.Context, mapping *WorktreeMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktree_mappings (thread_id, branch_name, worktree_path, project_path, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			branch_name = excluded.branch_name,
			worktree_path = excluded.worktree_path,
			project_path = excluded.project_path,
			description = excluded.description,
			created_at = excluded.created_at
	`, mapping.ThreadID, mapping.BranchName, mapping.WorktreePath, mapping.ProjectPath,
		mapping.Description, mapping.CreatedAt)
	return err
}

func (s *SQLiteStore) GetWorktreeMapping(ctx context.Context, threadID string) (*WorktreeMapping, bool, error) {
	var m WorktreeMapping
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, branch_name, worktree_path, project_path, description, created_at
		FROM worktree_mappings WHERE thread_id = ?
	`, threadID).Scan(&m.ThreadID, &m.BranchName, &m.WorktreePath, &m.ProjectPath,
		&m.Description, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

func (s *SQLiteStore) RemoveWorktreeMapping(ctx context.Context, threadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM worktree_mappings WHERE thread_id = ?`, threadID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ListWorktreeMappings(ctx context.Context) ([]*WorktreeMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, branch_name, worktree_path, project_path, description, created_at
		FROM worktree_mappings ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*WorktreeMapping
	for rows.Next() {
		var m WorktreeMapping
		if err := rows.Scan(&m.ThreadID, &m.BranchName, &m.WorktreePath, &m.ProjectPath,
			&m.Description, &m.CreatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// Queue operations

func (s *SQLiteStore) AppendQueueEntry(ctx context.Context, threadID string, entry *QueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (thread_id, prompt, user_id, queued_at)
		VALUES (?, ?, ?, ?)
	`, threadID, entry.Prompt, entry.UserID, entry.QueuedAt)
	return err
}

// PopQueueEntry removes and returns the oldest entry for the thread.
func (s *SQLiteStore) PopQueueEntry(ctx context.Context, threadID string) (*QueueEntry, bool, error) {
	var id int64
	var e QueueEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, prompt, user_id, queued_at FROM queue_entries
		WHERE thread_id = ? ORDER BY id LIMIT 1
	`, threadID).Scan(&id, &e.Prompt, &e.UserID, &e.QueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func (s *SQLiteStore) ListQueueEntries(ctx context.Context, threadID string) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prompt, user_id, queued_at FROM queue_entries
		WHERE thread_id = ? ORDER BY id
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.Prompt, &e.UserID, &e.QueuedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) ClearQueue(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE thread_id = ?`, threadID)
	return err
}

func (s *SQLiteStore) QueueLength(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE thread_id = ?`, threadID).Scan(&n)
	return n, err
}

// Queue settings operations

func (s *SQLiteStore) GetQueueSettings(ctx context.Context, threadID string) (QueueSettings, error) {
	var paused, cont, fresh int
	err := s.db.QueryRowContext(ctx, `
		SELECT paused, continue_on_failure, fresh_context FROM queue_settings
		WHERE thread_id = ?
	`, threadID).Scan(&paused, &cont, &fresh)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultQueueSettings(), nil
	}
	if err != nil {
		return QueueSettings{}, err
	}
	return QueueSettings{
		Paused:            paused != 0,
		ContinueOnFailure: cont != 0,
		FreshContext:      fresh != 0,
	}, nil
}

func (s *SQLiteStore) SetQueueSettings(ctx context.Context, threadID string, settings QueueSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_settings (thread_id, paused, continue_on_failure, fresh_context)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			paused = excluded.paused,
			continue_on_failure = excluded.continue_on_failure,
			fresh_context = excluded.fresh_context
	`, threadID, boolToInt(settings.Paused), boolToInt(settings.ContinueOnFailure),
		boolToInt(settings.FreshContext))
	return err
}

// Allowlist operations

func (s *SQLiteStore) GetAllowedUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM allowlist ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) AddAllowedUserID(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO allowlist (user_id) VALUES (?)`, userID)
	return err
}

func (s *SQLiteStore) RemoveAllowedUserID(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM allowlist WHERE user_id = ?`, userID)
	return err
}

// Passthrough operations

func (s *SQLiteStore) SetPassthrough(ctx context.Context, threadID string, enabled bool, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passthrough_threads (thread_id, enabled, enabled_by, enabled_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			enabled = excluded.enabled,
			enabled_by = excluded.enabled_by,
			enabled_at = excluded.enabled_at
	`, threadID, boolToInt(enabled), userID, time.Now().UTC())
	return err
}

func (s *SQLiteStore) IsPassthroughEnabled(ctx context.Context, threadID string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM passthrough_threads WHERE thread_id = ?`, threadID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled != 0, nil
}

func (s *SQLiteStore) RemovePassthrough(ctx context.Context, threadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM passthrough_threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Port range operations

func (s *SQLiteStore) GetPortRange(ctx context.Context) (*PortRange, bool, error) {
	var pr PortRange
	err := s.db.QueryRowContext(ctx,
		`SELECT port_min, port_max FROM port_config WHERE id = 1`).Scan(&pr.Min, &pr.Max)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &pr, true, nil
}

func (s *SQLiteStore) SetPortRange(ctx context.Context, pr PortRange) error {
	if pr.Min <= 0 || pr.Max < pr.Min {
		return fmt.Errorf("invalid port range %d-%d", pr.Min, pr.Max)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO port_config (id, port_min, port_max) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET port_min = excluded.port_min, port_max = excluded.port_max
	`, pr.Min, pr.Max)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
