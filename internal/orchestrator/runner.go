// Package orchestrator drives one prompt from a chat thread through an agent
// server: server spawn, session resolution, streaming, and queue advance.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/events"
	"github.com/ocproxy/ocproxy/internal/events/bus"
	"github.com/ocproxy/ocproxy/internal/session"
	"github.com/ocproxy/ocproxy/internal/store"
	"github.com/ocproxy/ocproxy/internal/streaming"
	"github.com/ocproxy/ocproxy/internal/worktree"
)

const (
	defaultReadyTimeout    = 30 * time.Second
	defaultRefreshInterval = 1 * time.Second
	descriptionLimit       = 50
)

// ChannelNotifier posts bot output into the chat platform.
type ChannelNotifier interface {
	// Notify posts a plain message to a channel or thread.
	Notify(ctx context.Context, channelID, message string) error
	// StreamUpdate replaces the in-progress response shown in the thread.
	StreamUpdate(ctx context.Context, threadID, text string) error
	// StreamFinal renders the finished response.
	StreamFinal(ctx context.Context, threadID, text string) error
}

// ServerManager spawns and readies agent servers.
type ServerManager interface {
	Spawn(ctx context.Context, projectPath, model string) (int, error)
	WaitForReady(ctx context.Context, port int, timeout time.Duration, projectPath, model string) error
}

// SessionAPI is the slice of the agent session API the runner needs.
type SessionAPI interface {
	Create(ctx context.Context, port int) (string, error)
	SendPrompt(ctx context.Context, port int, sessionID, text, model string) error
	Validate(ctx context.Context, port int, sessionID string) bool
	Abort(ctx context.Context, port int, sessionID string) bool
}

// QueueDispatcher advances a thread's queue after a prompt finishes.
type QueueDispatcher interface {
	ProcessNext(ctx context.Context, channelID, threadID, parentChannelID string) error
}

// QueueService is the slice of the queue service the runner needs for its
// failure policy.
type QueueService interface {
	Settings(ctx context.Context, threadID string) (store.QueueSettings, error)
	Clear(ctx context.Context, threadID string) error
	Enqueue(ctx context.Context, threadID, prompt, userID string) (int, error)
}

// Runner executes prompts end to end.
type Runner struct {
	store      store.Store
	registry   *session.Registry
	clients    *session.ClientMap
	worktrees  *worktree.Manager
	servers    ServerManager
	api        SessionAPI
	notifier   ChannelNotifier
	dispatcher QueueDispatcher
	queues     QueueService
	eventBus   bus.EventBus
	logger     *logger.Logger

	readyTimeout    time.Duration
	refreshInterval time.Duration

	// overridable in tests
	newStreamClient func() *streaming.Client
}

// NewRunner creates a prompt runner. The dispatcher is attached afterwards
// with SetDispatcher to break the construction cycle with the queue package.
func NewRunner(
	st store.Store,
	registry *session.Registry,
	clients *session.ClientMap,
	worktrees *worktree.Manager,
	servers ServerManager,
	api SessionAPI,
	notifier ChannelNotifier,
	queues QueueService,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Runner {
	r := &Runner{
		store:           st,
		registry:        registry,
		clients:         clients,
		worktrees:       worktrees,
		servers:         servers,
		api:             api,
		notifier:        notifier,
		queues:          queues,
		eventBus:        eventBus,
		logger:          log.WithFields(zap.String("component", "runner")),
		readyTimeout:    defaultReadyTimeout,
		refreshInterval: defaultRefreshInterval,
	}
	r.newStreamClient = func() *streaming.Client {
		return streaming.NewClient(log)
	}
	return r
}

// SetDispatcher attaches the queue dispatcher.
func (r *Runner) SetDispatcher(d QueueDispatcher) {
	r.dispatcher = d
}

// SetReadyTimeout overrides how long to wait for a spawned server.
func (r *Runner) SetReadyTimeout(d time.Duration) {
	r.readyTimeout = d
}

// RunPrompt executes one prompt for a thread. It returns once the prompt has
// been submitted; streaming callbacks carry the work to completion.
func (r *Runner) RunPrompt(ctx context.Context, channelID, threadID, prompt, parentChannelID string) error {
	bindChannel := parentChannelID
	if bindChannel == "" {
		bindChannel = channelID
	}

	r.logger.Info("running prompt",
		zap.String("thread_id", threadID),
		zap.String("channel_id", bindChannel))

	err := r.run(ctx, channelID, threadID, prompt, parentChannelID, bindChannel)
	if err != nil {
		r.failed(context.Background(), channelID, threadID, parentChannelID, err)
	}
	return err
}

func (r *Runner) run(ctx context.Context, channelID, threadID, prompt, parentChannelID, bindChannel string) error {
	projectPath, model, err := r.resolveProject(ctx, threadID, bindChannel, prompt)
	if err != nil {
		return err
	}

	port, err := r.servers.Spawn(ctx, projectPath, model)
	if err != nil {
		return err
	}
	if err := r.servers.WaitForReady(ctx, port, r.readyTimeout, projectPath, model); err != nil {
		return err
	}

	// Fresh context drops the thread's session binding before every prompt,
	// queued or direct, so resolveSession starts a new session.
	if settings, err := r.queues.Settings(ctx, threadID); err != nil {
		r.logger.Warn("failed to load queue settings", zap.Error(err))
	} else if settings.FreshContext {
		if err := r.registry.ClearForThread(ctx, threadID); err != nil {
			r.logger.Warn("failed to clear session for fresh context",
				zap.String("thread_id", threadID),
				zap.Error(err))
		}
	}

	sessionID, err := r.resolveSession(ctx, threadID, projectPath, port)
	if err != nil {
		return err
	}

	client := r.newStreamClient()
	if !r.clients.Claim(threadID, client) {
		// Another prompt won the race; park this one instead of dropping it.
		if _, qerr := r.queues.Enqueue(ctx, threadID, prompt, ""); qerr != nil {
			r.logger.Error("failed to queue prompt for busy thread", zap.Error(qerr))
		}
		_ = r.notifier.Notify(ctx, threadID, "Already working on a prompt here; yours was queued.")
		return nil
	}

	render := newRenderState()
	stop := newStopper()

	refresh := time.NewTicker(r.refreshInterval)
	go func() {
		defer refresh.Stop()
		for {
			select {
			case <-stop.ch:
				return
			case <-refresh.C:
				if text, dirty := render.take(); dirty {
					if err := r.notifier.StreamUpdate(context.Background(), threadID, text); err != nil {
						r.logger.Warn("stream update failed", zap.Error(err))
					}
				}
			}
		}
	}()

	client.OnPartUpdated(func(p streaming.PartEvent) {
		if p.SessionID != sessionID {
			return
		}
		render.set(p.Text)
	})

	client.OnSessionIdle(func(id string) {
		if id != sessionID {
			return
		}
		stop.stop()

		final := render.rendered()
		if final != "" {
			if err := r.notifier.StreamFinal(context.Background(), threadID, final); err != nil {
				r.logger.Warn("final render failed", zap.Error(err))
			}
		}

		client.Disconnect()
		r.clients.Clear(threadID)
		_ = r.registry.UpdateLastUsed(context.Background(), threadID)

		r.publish(context.Background(), events.PromptCompleted, threadID, nil)
		r.logger.Info("prompt completed", zap.String("thread_id", threadID))

		if r.dispatcher != nil {
			if err := r.dispatcher.ProcessNext(context.Background(), channelID, threadID, parentChannelID); err != nil {
				r.logger.Error("failed to advance queue", zap.Error(err))
			}
		}
	})

	client.OnError(func(streamErr error) {
		stop.stop()
		client.Disconnect()
		r.clients.Clear(threadID)

		_ = r.notifier.Notify(context.Background(), threadID,
			fmt.Sprintf("Lost connection to the agent: %v", streamErr))
		r.publish(context.Background(), events.PromptFailed, threadID, map[string]interface{}{
			"error": streamErr.Error(),
		})

		r.continueOrClear(context.Background(), channelID, threadID, parentChannelID)
	})

	if err := client.Connect(context.Background(), fmt.Sprintf("http://127.0.0.1:%d", port)); err != nil {
		stop.stop()
		r.clients.Clear(threadID)
		return err
	}

	if err := r.api.SendPrompt(ctx, port, sessionID, prompt, model); err != nil {
		stop.stop()
		client.Disconnect()
		r.clients.Clear(threadID)
		return err
	}

	r.publish(ctx, events.PromptStarted, threadID, map[string]interface{}{
		"port": port,
	})
	return nil
}

// resolveProject picks the working directory for the thread: its worktree if
// one is mapped, else the channel-bound project, creating an auto worktree
// when the project asks for one.
func (r *Runner) resolveProject(ctx context.Context, threadID, bindChannel, prompt string) (projectPath, model string, err error) {
	binding, bound, err := r.store.GetChannelBinding(ctx, bindChannel)
	if err != nil {
		return "", "", err
	}
	if bound {
		model = binding.Model
	}

	if mapping, ok, err := r.worktrees.MappingForThread(ctx, threadID); err != nil {
		return "", "", err
	} else if ok {
		return mapping.WorktreePath, model, nil
	}

	if !bound {
		return "", "", fmt.Errorf("no project is bound to this channel")
	}
	project, ok, err := r.store.GetProject(ctx, binding.ProjectAlias)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("bound project %q no longer exists", binding.ProjectAlias)
	}

	if project.AutoWorktree && r.worktrees.IsEnabled() {
		description := prompt
		if len(description) > descriptionLimit {
			description = description[:descriptionLimit]
		}
		mapping, err := r.worktrees.Create(ctx, threadID, project.Path,
			worktree.AutoBranchName(threadID), description)
		if err != nil {
			return "", "", fmt.Errorf("failed to create worktree: %w", err)
		}
		return mapping.WorktreePath, model, nil
	}

	return project.Path, model, nil
}

// resolveSession reuses the thread's session when it still lives on this
// server and path, otherwise creates a new one and rebinds.
func (r *Runner) resolveSession(ctx context.Context, threadID, projectPath string, port int) (string, error) {
	binding, ok, err := r.registry.GetForThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	if ok && binding.ProjectPath == projectPath && r.api.Validate(ctx, port, binding.SessionID) {
		_ = r.registry.UpdateLastUsed(ctx, threadID)
		return binding.SessionID, nil
	}

	sessionID, err := r.api.Create(ctx, port)
	if err != nil {
		return "", err
	}
	if err := r.registry.SetForThread(ctx, threadID, sessionID, projectPath, port); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Interrupt aborts the thread's in-flight session work. The stream stays up;
// the server reports idle on its own once the abort lands.
func (r *Runner) Interrupt(ctx context.Context, threadID string) bool {
	binding, ok, err := r.registry.GetForThread(ctx, threadID)
	if err != nil || !ok {
		return false
	}
	return r.api.Abort(ctx, binding.Port, binding.SessionID)
}

// failed is the single error path for everything before the prompt was
// submitted.
func (r *Runner) failed(ctx context.Context, channelID, threadID, parentChannelID string, err error) {
	r.logger.Error("prompt failed",
		zap.String("thread_id", threadID),
		zap.Error(err))

	if client, ok := r.clients.Get(threadID); ok {
		client.Disconnect()
		r.clients.Clear(threadID)
	}

	target := threadID
	if target == "" {
		target = channelID
	}
	_ = r.notifier.Notify(ctx, target, fmt.Sprintf("Failed to run prompt: %v", err))

	r.publish(ctx, events.PromptFailed, threadID, map[string]interface{}{
		"error": err.Error(),
	})

	r.continueOrClear(ctx, channelID, threadID, parentChannelID)
}

// continueOrClear applies the thread's failure policy: keep draining the
// queue, or drop what remains.
func (r *Runner) continueOrClear(ctx context.Context, channelID, threadID, parentChannelID string) {
	settings, err := r.queues.Settings(ctx, threadID)
	if err != nil {
		r.logger.Error("failed to load queue settings", zap.Error(err))
		return
	}
	if settings.ContinueOnFailure {
		if r.dispatcher != nil {
			if err := r.dispatcher.ProcessNext(ctx, channelID, threadID, parentChannelID); err != nil {
				r.logger.Error("failed to advance queue", zap.Error(err))
			}
		}
		return
	}
	if err := r.queues.Clear(ctx, threadID); err != nil {
		r.logger.Error("failed to clear queue", zap.Error(err))
	}
}

func (r *Runner) publish(ctx context.Context, eventType, threadID string, data map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["thread_id"] = threadID
	event := bus.NewEvent(eventType, "runner", data)
	if err := r.eventBus.Publish(ctx, events.BuildThreadSubject(threadID), event); err != nil {
		r.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// renderState holds the latest full snapshot of the response text. Every
// text part update overwrites it wholesale, whatever part it came from.
type renderState struct {
	mu    sync.Mutex
	text  string
	dirty bool
}

func newRenderState() *renderState {
	return &renderState{}
}

func (s *renderState) set(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	s.dirty = true
}

// take returns the rendered text and whether anything changed since the last
// take.
func (s *renderState) take() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return "", false
	}
	s.dirty = false
	return s.text, true
}

func (s *renderState) rendered() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// stopper closes its channel exactly once however many callbacks race to
// stop it.
type stopper struct {
	once sync.Once
	ch   chan struct{}
}

func newStopper() *stopper {
	return &stopper{ch: make(chan struct{})}
}

func (s *stopper) stop() {
	s.once.Do(func() { close(s.ch) })
}
