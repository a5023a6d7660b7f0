package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/events"
	"github.com/ocproxy/ocproxy/internal/session"
)

const announceLimit = 100

// PromptRunner executes one prompt end to end. The orchestrator implements
// this.
type PromptRunner interface {
	RunPrompt(ctx context.Context, channelID, threadID, prompt, parentChannelID string) error
}

// Notifier posts messages into a chat thread.
type Notifier interface {
	Notify(ctx context.Context, threadID, message string) error
}

// Dispatcher advances thread queues when the thread goes idle.
type Dispatcher struct {
	service  *Service
	clients  *session.ClientMap
	notifier Notifier
	runner   PromptRunner
	logger   *logger.Logger
}

// NewDispatcher creates a dispatcher. The runner is attached afterwards with
// SetRunner since the orchestrator needs the dispatcher to exist first.
func NewDispatcher(service *Service, clients *session.ClientMap, notifier Notifier, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		service:  service,
		clients:  clients,
		notifier: notifier,
		logger:   log.WithFields(zap.String("component", "queue-dispatcher")),
	}
}

// SetRunner attaches the prompt runner.
func (d *Dispatcher) SetRunner(runner PromptRunner) {
	d.runner = runner
}

// IsBusy reports whether the thread has a prompt in flight.
func (d *Dispatcher) IsBusy(threadID string) bool {
	client, ok := d.clients.Get(threadID)
	return ok && client.IsConnected()
}

// ProcessNext pops and runs the thread's next queued prompt. A paused or
// empty queue is a no-op.
func (d *Dispatcher) ProcessNext(ctx context.Context, channelID, threadID, parentChannelID string) error {
	settings, err := d.service.Settings(ctx, threadID)
	if err != nil {
		return err
	}
	if settings.Paused {
		d.logger.Debug("queue paused, not advancing", zap.String("thread_id", threadID))
		return nil
	}

	entry, ok, err := d.service.pop(ctx, threadID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	remaining, err := d.service.Length(ctx, threadID)
	if err != nil {
		remaining = 0
	}

	d.service.publish(ctx, events.QueueAdvanced, threadID, map[string]interface{}{
		"user_id":   entry.UserID,
		"remaining": remaining,
	})

	if d.notifier != nil {
		msg := fmt.Sprintf("Processing queued prompt from <@%s> (%d remaining): %s",
			entry.UserID, remaining, truncate(entry.Prompt, announceLimit))
		if err := d.notifier.Notify(ctx, threadID, msg); err != nil {
			d.logger.Warn("failed to announce queued prompt",
				zap.String("thread_id", threadID),
				zap.Error(err))
		}
	}

	d.logger.Info("advancing queue",
		zap.String("thread_id", threadID),
		zap.Int("remaining", remaining))

	if d.runner == nil {
		return fmt.Errorf("no runner attached")
	}
	return d.runner.RunPrompt(ctx, channelID, threadID, entry.Prompt, parentChannelID)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
