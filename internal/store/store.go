// Package store provides persistent state for ocproxy: the project registry,
// channel bindings, per-thread sessions, worktree mappings, prompt queues and
// their settings, the authorization allowlist, and the port-range override.
package store

import (
	"context"
	"time"
)

// Project is an alias -> filesystem path registration.
type Project struct {
	Alias        string `json:"alias"`
	Path         string `json:"path"`
	AutoWorktree bool   `json:"auto_worktree"`
}

// ChannelBinding binds a chat channel to a project alias, with an optional
// preferred model.
type ChannelBinding struct {
	ChannelID    string `json:"channel_id"`
	ProjectAlias string `json:"project_alias"`
	Model        string `json:"model,omitempty"`
}

// ThreadSession binds a conversation thread to an agent-side session.
type ThreadSession struct {
	ThreadID    string    `json:"thread_id"`
	SessionID   string    `json:"session_id"`
	ProjectPath string    `json:"project_path"`
	Port        int       `json:"port"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// WorktreeMapping records the isolated checkout assigned to a thread.
type WorktreeMapping struct {
	ThreadID     string    `json:"thread_id"`
	BranchName   string    `json:"branch_name"`
	WorktreePath string    `json:"worktree_path"`
	ProjectPath  string    `json:"project_path"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
}

// QueueEntry is a pending prompt for a thread.
type QueueEntry struct {
	Prompt   string    `json:"prompt"`
	UserID   string    `json:"user_id"`
	QueuedAt time.Time `json:"queued_at"`
}

// QueueSettings holds per-thread dispatch behavior flags.
type QueueSettings struct {
	Paused            bool `json:"paused"`
	ContinueOnFailure bool `json:"continue_on_failure"`
	FreshContext      bool `json:"fresh_context"`
}

// DefaultQueueSettings returns the settings applied to a thread that has
// never been configured.
func DefaultQueueSettings() QueueSettings {
	return QueueSettings{
		Paused:            false,
		ContinueOnFailure: false,
		FreshContext:      true,
	}
}

// PassthroughThread marks a thread whose plain messages are dispatched as prompts.
type PassthroughThread struct {
	ThreadID  string    `json:"thread_id"`
	Enabled   bool      `json:"enabled"`
	EnabledBy string    `json:"enabled_by"`
	EnabledAt time.Time `json:"enabled_at"`
}

// PortRange is an optional override of the default port scan range.
type PortRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Store is the persistence interface consumed by the orchestration core.
type Store interface {
	// Projects
	AddProject(ctx context.Context, alias, path string) error
	GetProject(ctx context.Context, alias string) (*Project, bool, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	RemoveProject(ctx context.Context, alias string) (bool, error)
	SetProjectAutoWorktree(ctx context.Context, alias string, enabled bool) error

	// Channel bindings
	SetChannelBinding(ctx context.Context, channelID, projectAlias string) error
	GetChannelBinding(ctx context.Context, channelID string) (*ChannelBinding, bool, error)
	SetChannelModel(ctx context.Context, channelID, model string) error
	// EffectiveProjectPath resolves a channel to its bound project's path.
	EffectiveProjectPath(ctx context.Context, channelID string) (string, bool, error)

	// Thread sessions
	GetThreadSession(ctx context.Context, threadID string) (*ThreadSession, bool, error)
	SetThreadSession(ctx context.Context, session *ThreadSession) error
	UpdateThreadSessionLastUsed(ctx context.Context, threadID string) error
	ClearThreadSession(ctx context.Context, threadID string) error
	ListThreadSessions(ctx context.Context) ([]*ThreadSession, error)

	// Worktree mappings
	SetWorktreeMapping(ctx context.Context, mapping *WorktreeMapping) error
	GetWorktreeMapping(ctx context.Context, threadID string) (*WorktreeMapping, bool, error)
	RemoveWorktreeMapping(ctx context.Context, threadID string) (bool, error)
	ListWorktreeMappings(ctx context.Context) ([]*WorktreeMapping, error)

	// Prompt queues
	AppendQueueEntry(ctx context.Context, threadID string, entry *QueueEntry) error
	PopQueueEntry(ctx context.Context, threadID string) (*QueueEntry, bool, error)
	ListQueueEntries(ctx context.Context, threadID string) ([]*QueueEntry, error)
	ClearQueue(ctx context.Context, threadID string) error
	QueueLength(ctx context.Context, threadID string) (int, error)

	// Queue settings
	GetQueueSettings(ctx context.Context, threadID string) (QueueSettings, error)
	SetQueueSettings(ctx context.Context, threadID string, settings QueueSettings) error

	// Allowlist
	GetAllowedUserIDs(ctx context.Context) ([]string, error)
	AddAllowedUserID(ctx context.Context, userID string) error
	RemoveAllowedUserID(ctx context.Context, userID string) error

	// Passthrough threads
	SetPassthrough(ctx context.Context, threadID string, enabled bool, userID string) error
	IsPassthroughEnabled(ctx context.Context, threadID string) (bool, error)
	RemovePassthrough(ctx context.Context, threadID string) (bool, error)

	// Port range override
	GetPortRange(ctx context.Context) (*PortRange, bool, error)
	SetPortRange(ctx context.Context, pr PortRange) error

	Close() error
}
