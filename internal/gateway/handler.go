package gateway

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/queue"
	"github.com/ocproxy/ocproxy/internal/store"
)

// Authorizer decides whether a user may drive the bot.
type Authorizer interface {
	IsAuthorized(ctx context.Context, userID string) (bool, error)
}

// Handler routes inbound chat messages to the prompt pipeline. A message is
// dispatched when the thread is in passthrough mode or the bot is mentioned;
// everything else is ignored.
type Handler struct {
	botUserID  string
	authorizer Authorizer
	store      store.Store
	dispatcher *queue.Dispatcher
	queues     *queue.Service
	runner     queue.PromptRunner
	notifier   *Notifier
	logger     *logger.Logger
}

// NewHandler creates the inbound message handler.
func NewHandler(
	botUserID string,
	authorizer Authorizer,
	st store.Store,
	dispatcher *queue.Dispatcher,
	queues *queue.Service,
	runner queue.PromptRunner,
	notifier *Notifier,
	log *logger.Logger,
) *Handler {
	return &Handler{
		botUserID:  botUserID,
		authorizer: authorizer,
		store:      st,
		dispatcher: dispatcher,
		queues:     queues,
		runner:     runner,
		notifier:   notifier,
		logger:     log.WithFields(zap.String("component", "gateway-handler")),
	}
}

// HandleMessage processes one inbound message.
func (h *Handler) HandleMessage(msg InboundMessage) {
	ctx := context.Background()

	if msg.UserID == "" || msg.UserID == h.botUserID {
		return
	}
	if msg.ThreadID == "" {
		return
	}

	ok, err := h.authorizer.IsAuthorized(ctx, msg.UserID)
	if err != nil {
		h.logger.Error("authorization check failed", zap.Error(err))
		return
	}
	if !ok {
		h.logger.Debug("ignoring message from unauthorized user",
			zap.String("user_id", msg.UserID))
		return
	}

	prompt, dispatch := h.extractPrompt(ctx, msg)
	if !dispatch {
		return
	}

	if h.dispatcher.IsBusy(msg.ThreadID) {
		n, err := h.queues.Enqueue(ctx, msg.ThreadID, prompt, msg.UserID)
		if err != nil {
			h.logger.Error("failed to enqueue prompt", zap.Error(err))
			return
		}
		_ = h.notifier.Notify(ctx, msg.ThreadID,
			fmt.Sprintf("Busy with another prompt; yours is #%d in the queue.", n))
		return
	}

	go func() {
		if err := h.runner.RunPrompt(ctx, msg.ChannelID, msg.ThreadID, prompt, msg.ParentChannelID); err != nil {
			h.logger.Error("prompt run failed",
				zap.String("thread_id", msg.ThreadID),
				zap.Error(err))
		}
	}()
}

// extractPrompt decides whether the message is addressed to the bot and
// returns the prompt text.
func (h *Handler) extractPrompt(ctx context.Context, msg InboundMessage) (string, bool) {
	text := strings.TrimSpace(msg.Text)

	mention := "<@" + h.botUserID + ">"
	if strings.HasPrefix(text, mention) {
		prompt := strings.TrimSpace(strings.TrimPrefix(text, mention))
		return prompt, prompt != ""
	}

	passthrough, err := h.store.IsPassthroughEnabled(ctx, msg.ThreadID)
	if err != nil {
		h.logger.Error("passthrough check failed", zap.Error(err))
		return "", false
	}
	if passthrough && text != "" {
		return text, true
	}
	return "", false
}
