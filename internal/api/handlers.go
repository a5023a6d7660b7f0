package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/auth"
	"github.com/ocproxy/ocproxy/internal/common/errors"
	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/queue"
	"github.com/ocproxy/ocproxy/internal/serve"
	"github.com/ocproxy/ocproxy/internal/session"
	"github.com/ocproxy/ocproxy/internal/store"
	"github.com/ocproxy/ocproxy/internal/worktree"
)

// Interrupter aborts the in-flight prompt for a thread, if any.
type Interrupter interface {
	Interrupt(ctx context.Context, threadID string) bool
}

// Handler contains HTTP handlers for the status and admin API.
type Handler struct {
	supervisor  *serve.Supervisor
	registry    *session.Registry
	queues      *queue.Service
	store       store.Store
	allowlist   *auth.Allowlist
	worktrees   *worktree.Manager
	interrupter Interrupter
	logger      *logger.Logger
}

// SetInterrupter attaches the prompt interrupter.
func (h *Handler) SetInterrupter(i Interrupter) {
	h.interrupter = i
}

// NewHandler creates an API handler.
func NewHandler(
	supervisor *serve.Supervisor,
	registry *session.Registry,
	queues *queue.Service,
	st store.Store,
	allowlist *auth.Allowlist,
	worktrees *worktree.Manager,
	log *logger.Logger,
) *Handler {
	return &Handler{
		supervisor: supervisor,
		registry:   registry,
		queues:     queues,
		store:      st,
		allowlist:  allowlist,
		worktrees:  worktrees,
		logger:     log,
	}
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListInstances returns all managed agent servers.
// GET /api/v1/instances
func (h *Handler) ListInstances(c *gin.Context) {
	states := h.supervisor.Instances()
	out := make([]InstanceResponse, 0, len(states))
	for _, s := range states {
		out = append(out, InstanceResponse{
			ProjectPath: s.ProjectPath,
			Model:       s.Model,
			Port:        s.Port,
			PID:         s.PID,
			StartedAt:   s.StartedAt,
			Exited:      s.Exited,
			ExitCode:    s.ExitCode,
			ExitError:   s.ExitError,
		})
	}
	c.JSON(http.StatusOK, gin.H{"instances": out})
}

// StopInstance stops the server for a project path.
// DELETE /api/v1/instances?project_path=...&model=...
func (h *Handler) StopInstance(c *gin.Context) {
	projectPath := c.Query("project_path")
	if projectPath == "" {
		appErr := errors.BadRequest("project_path is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.supervisor.Stop(c.Request.Context(), projectPath, c.Query("model")); err != nil {
		appErr := errors.NotFound("instance", projectPath)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSessions returns all thread session bindings.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		appErr := errors.InternalError("failed to list sessions", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := make([]ThreadSessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ThreadSessionResponse{
			ThreadID:    s.ThreadID,
			SessionID:   s.SessionID,
			ProjectPath: s.ProjectPath,
			Port:        s.Port,
			CreatedAt:   s.CreatedAt,
			LastUsedAt:  s.LastUsedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// ClearSession drops a thread's session binding.
// DELETE /api/v1/sessions/:threadId
func (h *Handler) ClearSession(c *gin.Context) {
	threadID := c.Param("threadId")
	if err := h.registry.ClearForThread(c.Request.Context(), threadID); err != nil {
		appErr := errors.InternalError("failed to clear session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// InterruptSession aborts the in-flight prompt for a thread.
// POST /api/v1/sessions/:threadId/interrupt
func (h *Handler) InterruptSession(c *gin.Context) {
	threadID := c.Param("threadId")
	if h.interrupter == nil || !h.interrupter.Interrupt(c.Request.Context(), threadID) {
		appErr := errors.NotFound("session", threadID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetQueue returns a thread's queue state.
// GET /api/v1/queues/:threadId
func (h *Handler) GetQueue(c *gin.Context) {
	threadID := c.Param("threadId")
	ctx := c.Request.Context()

	entries, err := h.queues.Entries(ctx, threadID)
	if err != nil {
		appErr := errors.InternalError("failed to list queue", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	settings, err := h.queues.Settings(ctx, threadID)
	if err != nil {
		appErr := errors.InternalError("failed to load queue settings", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := QueueResponse{
		ThreadID: threadID,
		Length:   len(entries),
		Settings: QueueSettingsBody{
			Paused:            settings.Paused,
			ContinueOnFailure: settings.ContinueOnFailure,
			FreshContext:      settings.FreshContext,
		},
	}
	for _, e := range entries {
		out.Entries = append(out.Entries, QueueEntryResponse{
			Prompt:   e.Prompt,
			UserID:   e.UserID,
			QueuedAt: e.QueuedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// Enqueue appends a prompt to a thread's queue.
// POST /api/v1/queues/:threadId/entries
func (h *Handler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	n, err := h.queues.Enqueue(c.Request.Context(), c.Param("threadId"), req.Prompt, req.UserID)
	if err != nil {
		appErr := errors.InternalError("failed to enqueue prompt", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"length": n})
}

// ClearQueue drops all queued prompts for a thread.
// DELETE /api/v1/queues/:threadId
func (h *Handler) ClearQueue(c *gin.Context) {
	if err := h.queues.Clear(c.Request.Context(), c.Param("threadId")); err != nil {
		appErr := errors.InternalError("failed to clear queue", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateQueueSettings patches a thread's queue settings.
// PATCH /api/v1/queues/:threadId/settings
func (h *Handler) UpdateQueueSettings(c *gin.Context) {
	var req QueueSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	threadID := c.Param("threadId")
	ctx := c.Request.Context()

	if req.Paused != nil {
		var err error
		if *req.Paused {
			err = h.queues.Pause(ctx, threadID)
		} else {
			err = h.queues.Resume(ctx, threadID)
		}
		if err != nil {
			appErr := errors.InternalError("failed to update queue settings", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}
	if req.ContinueOnFailure != nil {
		if err := h.queues.SetContinueOnFailure(ctx, threadID, *req.ContinueOnFailure); err != nil {
			appErr := errors.InternalError("failed to update queue settings", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}
	if req.FreshContext != nil {
		if err := h.queues.SetFreshContext(ctx, threadID, *req.FreshContext); err != nil {
			appErr := errors.InternalError("failed to update queue settings", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	settings, err := h.queues.Settings(ctx, threadID)
	if err != nil {
		appErr := errors.InternalError("failed to load queue settings", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, QueueSettingsBody{
		Paused:            settings.Paused,
		ContinueOnFailure: settings.ContinueOnFailure,
		FreshContext:      settings.FreshContext,
	})
}

// ListProjects returns registered projects.
// GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.store.ListProjects(c.Request.Context())
	if err != nil {
		appErr := errors.InternalError("failed to list projects", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, ProjectResponse{
			Alias:        p.Alias,
			Path:         p.Path,
			AutoWorktree: p.AutoWorktree,
		})
	}
	c.JSON(http.StatusOK, gin.H{"projects": out})
}

// AddProject registers a project alias.
// POST /api/v1/projects
func (h *Handler) AddProject(c *gin.Context) {
	var req AddProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.store.AddProject(c.Request.Context(), req.Alias, req.Path); err != nil {
		appErr := errors.InternalError("failed to add project", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, ProjectResponse{Alias: req.Alias, Path: req.Path})
}

// RemoveProject deletes a project alias.
// DELETE /api/v1/projects/:alias
func (h *Handler) RemoveProject(c *gin.Context) {
	alias := c.Param("alias")
	removed, err := h.store.RemoveProject(c.Request.Context(), alias)
	if err != nil {
		appErr := errors.InternalError("failed to remove project", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !removed {
		appErr := errors.NotFound("project", alias)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetAutoWorktree toggles auto worktree creation for a project.
// PUT /api/v1/projects/:alias/auto-worktree
func (h *Handler) SetAutoWorktree(c *gin.Context) {
	var req SetAutoWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.store.SetProjectAutoWorktree(c.Request.Context(), c.Param("alias"), req.Enabled); err != nil {
		appErr := errors.NotFound("project", c.Param("alias"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// BindChannel binds a channel to a project.
// POST /api/v1/bindings
func (h *Handler) BindChannel(c *gin.Context) {
	var req BindChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	ctx := c.Request.Context()

	if _, ok, err := h.store.GetProject(ctx, req.ProjectAlias); err != nil || !ok {
		appErr := errors.NotFound("project", req.ProjectAlias)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.store.SetChannelBinding(ctx, req.ChannelID, req.ProjectAlias); err != nil {
		appErr := errors.InternalError("failed to bind channel", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Model != "" {
		if err := h.store.SetChannelModel(ctx, req.ChannelID, req.Model); err != nil {
			appErr := errors.InternalError("failed to set channel model", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}
	c.Status(http.StatusCreated)
}

// ListAllowlist returns allowlisted user ids.
// GET /api/v1/allowlist
func (h *Handler) ListAllowlist(c *gin.Context) {
	ids, err := h.allowlist.List(c.Request.Context())
	if err != nil {
		appErr := errors.InternalError("failed to list allowlist", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": ids})
}

// AddToAllowlist authorizes a user.
// POST /api/v1/allowlist
func (h *Handler) AddToAllowlist(c *gin.Context) {
	var req AllowlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.allowlist.Add(c.Request.Context(), req.UserID); err != nil {
		appErr := errors.InternalError("failed to add user", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveFromAllowlist deauthorizes a user.
// DELETE /api/v1/allowlist/:userId
func (h *Handler) RemoveFromAllowlist(c *gin.Context) {
	if err := h.allowlist.Remove(c.Request.Context(), c.Param("userId")); err != nil {
		appErr := errors.Conflict(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListWorktrees returns thread worktree mappings.
// GET /api/v1/worktrees
func (h *Handler) ListWorktrees(c *gin.Context) {
	mappings, err := h.worktrees.List(c.Request.Context())
	if err != nil {
		appErr := errors.InternalError("failed to list worktrees", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := make([]WorktreeResponse, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, WorktreeResponse{
			ThreadID:     m.ThreadID,
			BranchName:   m.BranchName,
			WorktreePath: m.WorktreePath,
			ProjectPath:  m.ProjectPath,
			Description:  m.Description,
			CreatedAt:    m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"worktrees": out})
}
