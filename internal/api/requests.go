package api

import "time"

// AddProjectRequest registers a project alias.
type AddProjectRequest struct {
	Alias string `json:"alias" binding:"required"`
	Path  string `json:"path" binding:"required"`
}

// SetAutoWorktreeRequest toggles automatic worktree creation for a project.
type SetAutoWorktreeRequest struct {
	Enabled bool `json:"enabled"`
}

// BindChannelRequest binds a channel to a project alias.
type BindChannelRequest struct {
	ChannelID    string `json:"channel_id" binding:"required"`
	ProjectAlias string `json:"project_alias" binding:"required"`
	Model        string `json:"model,omitempty"`
}

// EnqueueRequest appends a prompt to a thread's queue.
type EnqueueRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	UserID string `json:"user_id"`
}

// QueueSettingsRequest updates a thread's queue settings.
type QueueSettingsRequest struct {
	Paused            *bool `json:"paused,omitempty"`
	ContinueOnFailure *bool `json:"continue_on_failure,omitempty"`
	FreshContext      *bool `json:"fresh_context,omitempty"`
}

// AllowlistRequest adds or removes an allowlisted user.
type AllowlistRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// Response types

// InstanceResponse describes a managed agent server.
type InstanceResponse struct {
	ProjectPath string    `json:"project_path"`
	Model       string    `json:"model,omitempty"`
	Port        int       `json:"port"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	Exited      bool      `json:"exited"`
	ExitCode    int       `json:"exit_code,omitempty"`
	ExitError   string    `json:"exit_error,omitempty"`
}

// ThreadSessionResponse describes a thread's session binding.
type ThreadSessionResponse struct {
	ThreadID    string    `json:"thread_id"`
	SessionID   string    `json:"session_id"`
	ProjectPath string    `json:"project_path"`
	Port        int       `json:"port"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// QueueResponse describes a thread's queue.
type QueueResponse struct {
	ThreadID string               `json:"thread_id"`
	Length   int                  `json:"length"`
	Settings QueueSettingsBody    `json:"settings"`
	Entries  []QueueEntryResponse `json:"entries"`
}

// QueueSettingsBody mirrors queue settings in responses.
type QueueSettingsBody struct {
	Paused            bool `json:"paused"`
	ContinueOnFailure bool `json:"continue_on_failure"`
	FreshContext      bool `json:"fresh_context"`
}

// QueueEntryResponse is one queued prompt.
type QueueEntryResponse struct {
	Prompt   string    `json:"prompt"`
	UserID   string    `json:"user_id"`
	QueuedAt time.Time `json:"queued_at"`
}

// ProjectResponse is a registered project.
type ProjectResponse struct {
	Alias        string `json:"alias"`
	Path         string `json:"path"`
	AutoWorktree bool   `json:"auto_worktree"`
}

// WorktreeResponse is a thread's worktree mapping.
type WorktreeResponse struct {
	ThreadID     string    `json:"thread_id"`
	BranchName   string    `json:"branch_name"`
	WorktreePath string    `json:"worktree_path"`
	ProjectPath  string    `json:"project_path"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
