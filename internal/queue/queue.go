// Package queue holds per-thread prompt queues and the dispatcher that
// advances them.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/events"
	"github.com/ocproxy/ocproxy/internal/events/bus"
	"github.com/ocproxy/ocproxy/internal/store"
)

// Service manages queued prompts and queue settings for threads.
type Service struct {
	store    store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates a queue service.
func NewService(st store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "queue-service")),
	}
}

// Enqueue appends a prompt to the thread's queue and returns the new length.
func (s *Service) Enqueue(ctx context.Context, threadID, prompt, userID string) (int, error) {
	err := s.store.AppendQueueEntry(ctx, threadID, &store.QueueEntry{
		Prompt:   prompt,
		UserID:   userID,
		QueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	n, err := s.store.QueueLength(ctx, threadID)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("queued prompt",
		zap.String("thread_id", threadID),
		zap.Int("queue_length", n))
	return n, nil
}

// Entries lists the thread's queued prompts in order.
func (s *Service) Entries(ctx context.Context, threadID string) ([]*store.QueueEntry, error) {
	return s.store.ListQueueEntries(ctx, threadID)
}

// Length returns the number of queued prompts for the thread.
func (s *Service) Length(ctx context.Context, threadID string) (int, error) {
	return s.store.QueueLength(ctx, threadID)
}

// Clear drops every queued prompt for the thread.
func (s *Service) Clear(ctx context.Context, threadID string) error {
	if err := s.store.ClearQueue(ctx, threadID); err != nil {
		return err
	}
	s.publish(ctx, events.QueueCleared, threadID, nil)
	return nil
}

// Settings returns the thread's queue settings, defaults when never set.
func (s *Service) Settings(ctx context.Context, threadID string) (store.QueueSettings, error) {
	return s.store.GetQueueSettings(ctx, threadID)
}

// Pause stops the dispatcher from advancing the thread's queue.
func (s *Service) Pause(ctx context.Context, threadID string) error {
	return s.updateSettings(ctx, threadID, func(st *store.QueueSettings) { st.Paused = true })
}

// Resume lets the dispatcher advance the thread's queue again.
func (s *Service) Resume(ctx context.Context, threadID string) error {
	return s.updateSettings(ctx, threadID, func(st *store.QueueSettings) { st.Paused = false })
}

// SetContinueOnFailure controls whether a failed prompt stops the queue.
func (s *Service) SetContinueOnFailure(ctx context.Context, threadID string, v bool) error {
	return s.updateSettings(ctx, threadID, func(st *store.QueueSettings) { st.ContinueOnFailure = v })
}

// SetFreshContext controls whether each queued prompt starts a new session.
func (s *Service) SetFreshContext(ctx context.Context, threadID string, v bool) error {
	return s.updateSettings(ctx, threadID, func(st *store.QueueSettings) { st.FreshContext = v })
}

func (s *Service) updateSettings(ctx context.Context, threadID string, mutate func(*store.QueueSettings)) error {
	settings, err := s.store.GetQueueSettings(ctx, threadID)
	if err != nil {
		return err
	}
	mutate(&settings)
	return s.store.SetQueueSettings(ctx, threadID, settings)
}

// pop removes the front entry, nil when empty.
func (s *Service) pop(ctx context.Context, threadID string) (*store.QueueEntry, bool, error) {
	return s.store.PopQueueEntry(ctx, threadID)
}

func (s *Service) publish(ctx context.Context, eventType, threadID string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["thread_id"] = threadID
	event := bus.NewEvent(eventType, "queue-service", data)
	if err := s.eventBus.Publish(ctx, events.BuildThreadSubject(threadID), event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
