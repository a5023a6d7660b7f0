package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/store"
)

// Registry persists thread to session bindings through the store.
type Registry struct {
	store  store.Store
	logger *logger.Logger
}

// NewRegistry creates a thread session registry.
func NewRegistry(st store.Store, log *logger.Logger) *Registry {
	return &Registry{
		store:  st,
		logger: log.WithFields(zap.String("component", "session-registry")),
	}
}

// GetForThread returns the stored session binding for a thread.
func (r *Registry) GetForThread(ctx context.Context, threadID string) (*store.ThreadSession, bool, error) {
	return r.store.GetThreadSession(ctx, threadID)
}

// SetForThread binds a session to a thread, replacing any previous binding.
func (r *Registry) SetForThread(ctx context.Context, threadID, sessionID, projectPath string, port int) error {
	now := time.Now().UTC()
	err := r.store.SetThreadSession(ctx, &store.ThreadSession{
		ThreadID:    threadID,
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Port:        port,
		CreatedAt:   now,
		LastUsedAt:  now,
	})
	if err != nil {
		return err
	}
	r.logger.Debug("bound session to thread",
		zap.String("thread_id", threadID),
		zap.String("session_id", sessionID),
		zap.Int("port", port))
	return nil
}

// UpdateLastUsed bumps the binding's last used timestamp.
func (r *Registry) UpdateLastUsed(ctx context.Context, threadID string) error {
	return r.store.UpdateThreadSessionLastUsed(ctx, threadID)
}

// ClearForThread drops the thread's binding. Clearing an unbound thread is a
// no-op.
func (r *Registry) ClearForThread(ctx context.Context, threadID string) error {
	return r.store.ClearThreadSession(ctx, threadID)
}

// List returns all thread bindings.
func (r *Registry) List(ctx context.Context) ([]*store.ThreadSession, error) {
	return r.store.ListThreadSessions(ctx)
}
