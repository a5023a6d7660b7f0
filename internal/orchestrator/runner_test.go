package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/queue"
	"github.com/ocproxy/ocproxy/internal/session"
	"github.com/ocproxy/ocproxy/internal/store"
	"github.com/ocproxy/ocproxy/internal/worktree"
)

// fakeAgentServer imitates the agent server's session and event endpoints.
type fakeAgentServer struct {
	t      *testing.T
	ts     *httptest.Server
	port   int
	events chan string
	done   chan struct{}

	mu       sync.Mutex
	sessions map[string]bool
	nextID   int
	prompts  []string
}

func newFakeAgentServer(t *testing.T) *fakeAgentServer {
	f := &fakeAgentServer{
		t:        t,
		events:   make(chan string, 16),
		done:     make(chan struct{}),
		sessions: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			f.mu.Lock()
			f.nextID++
			id := fmt.Sprintf("ses_%d", f.nextID)
			f.sessions[id] = true
			f.mu.Unlock()
			fmt.Fprintf(w, `{"id":%q}`, id)
			return
		}
		w.Write([]byte("[]"))
	})
	mux.HandleFunc("/session/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/session/"), "/")
		id := parts[0]
		f.mu.Lock()
		live := f.sessions[id]
		f.mu.Unlock()
		if !live {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if len(parts) > 1 && parts[1] == "prompt_async" {
			f.mu.Lock()
			f.prompts = append(f.prompts, id)
			f.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case frame := <-f.events:
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			case <-f.done:
				return
			case <-r.Context().Done():
				return
			}
		}
	})

	f.ts = httptest.NewServer(mux)
	t.Cleanup(func() { close(f.done); f.ts.Close() })

	u, err := url.Parse(f.ts.URL)
	require.NoError(t, err)
	f.port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return f
}

func (f *fakeAgentServer) emitPart(sessionID, partID, text string) {
	f.events <- fmt.Sprintf(
		`{"type":"message.part.updated","properties":{"part":{"id":%q,"type":"text","sessionID":%q,"messageID":"msg_1","text":%q}}}`,
		partID, sessionID, text)
}

func (f *fakeAgentServer) emitIdle(sessionID string) {
	f.events <- fmt.Sprintf(`{"type":"session.idle","properties":{"sessionID":%q}}`, sessionID)
}

type fakeServers struct {
	port     int
	spawnErr error
	readyErr error
}

func (f *fakeServers) Spawn(ctx context.Context, projectPath, model string) (int, error) {
	return f.port, f.spawnErr
}

func (f *fakeServers) WaitForReady(ctx context.Context, port int, timeout time.Duration, projectPath, model string) error {
	return f.readyErr
}

type notifyRecorder struct {
	mu       sync.Mutex
	notifies []string
	updates  []string
	finals   []string
}

func (n *notifyRecorder) Notify(ctx context.Context, channelID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifies = append(n.notifies, message)
	return nil
}

func (n *notifyRecorder) StreamUpdate(ctx context.Context, threadID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, text)
	return nil
}

func (n *notifyRecorder) StreamFinal(ctx context.Context, threadID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finals = append(n.finals, text)
	return nil
}

func (n *notifyRecorder) snapshot() (notifies, updates, finals []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notifies...),
		append([]string(nil), n.updates...),
		append([]string(nil), n.finals...)
}

type runnerFixture struct {
	runner   *Runner
	store    store.Store
	registry *session.Registry
	clients  *session.ClientMap
	queues   *queue.Service
	notifier *notifyRecorder
	agent    *fakeAgentServer
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	log := logger.Default()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.AddProject(ctx, "api", "/srv/api"))
	require.NoError(t, st.SetChannelBinding(ctx, "chan-1", "api"))

	agent := newFakeAgentServer(t)
	registry := session.NewRegistry(st, log)
	clients := session.NewClientMap()
	queues := queue.NewService(st, nil, log)
	notifier := &notifyRecorder{}

	wt, err := worktree.NewManager(worktree.Config{Enabled: false}, st, log)
	require.NoError(t, err)

	runner := NewRunner(st, registry, clients, wt,
		&fakeServers{port: agent.port}, session.NewAPIClient(log),
		notifier, queues, nil, log)
	runner.refreshInterval = 20 * time.Millisecond

	dispatcher := queue.NewDispatcher(queues, clients, notifier, log)
	dispatcher.SetRunner(runner)
	runner.SetDispatcher(dispatcher)

	return &runnerFixture{
		runner:   runner,
		store:    st,
		registry: registry,
		clients:  clients,
		queues:   queues,
		notifier: notifier,
		agent:    agent,
	}
}

func TestRunPromptStreamsToCompletion(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "build it", ""))

	// The prompt landed and the thread is claimed
	binding, ok, err := f.registry.GetForThread(ctx, "thread-1")
	require.NoError(t, err)
	require.True(t, ok)
	_, claimed := f.clients.Get("thread-1")
	assert.True(t, claimed)

	f.agent.emitPart(binding.SessionID, "prt_1", "working")
	f.agent.emitPart(binding.SessionID, "prt_1", "working on it")

	require.Eventually(t, func() bool {
		_, updates, _ := f.notifier.snapshot()
		return len(updates) > 0
	}, 2*time.Second, 10*time.Millisecond)

	f.agent.emitIdle(binding.SessionID)

	require.Eventually(t, func() bool {
		_, _, finals := f.notifier.snapshot()
		return len(finals) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, finals := f.notifier.snapshot()
	assert.Equal(t, "working on it", finals[0])

	// Claim released after idle
	require.Eventually(t, func() bool {
		_, claimed := f.clients.Get("thread-1")
		return !claimed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunPromptReusesValidSession(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	// Session reuse only happens with fresh context off
	require.NoError(t, f.queues.SetFreshContext(ctx, "thread-1", false))

	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "first", ""))
	binding, _, err := f.registry.GetForThread(ctx, "thread-1")
	require.NoError(t, err)

	f.agent.emitIdle(binding.SessionID)
	require.Eventually(t, func() bool {
		_, claimed := f.clients.Get("thread-1")
		return !claimed
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "second", ""))
	again, _, err := f.registry.GetForThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, binding.SessionID, again.SessionID)
}

func TestRunPromptFreshContextForcesNewSession(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	// Fresh context defaults to on: every prompt starts a new session
	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "first", ""))
	binding, _, err := f.registry.GetForThread(ctx, "thread-1")
	require.NoError(t, err)

	f.agent.emitIdle(binding.SessionID)
	require.Eventually(t, func() bool {
		_, claimed := f.clients.Get("thread-1")
		return !claimed
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "second", ""))
	again, _, err := f.registry.GetForThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.NotEqual(t, binding.SessionID, again.SessionID)
}

func TestStreamRenderLastSnapshotWins(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "go", ""))
	binding, _, err := f.registry.GetForThread(ctx, "thread-1")
	require.NoError(t, err)

	// Each update carries the full text so far; a new part id does not
	// append, it replaces.
	f.agent.emitPart(binding.SessionID, "prt_1", "step one")
	f.agent.emitPart(binding.SessionID, "prt_2", "step one\nstep two")
	f.agent.emitIdle(binding.SessionID)

	require.Eventually(t, func() bool {
		_, _, finals := f.notifier.snapshot()
		return len(finals) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, finals := f.notifier.snapshot()
	assert.Equal(t, "step one\nstep two", finals[0])
}

func TestRunPromptCreatesNewSessionWhenPathChanges(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	// A stale binding from a different project path is not reused
	require.NoError(t, f.registry.SetForThread(ctx, "thread-1", "ses_stale", "/srv/other", f.agent.port))

	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "go", ""))
	binding, _, err := f.registry.GetForThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.NotEqual(t, "ses_stale", binding.SessionID)
	assert.Equal(t, "/srv/api", binding.ProjectPath)
}

func TestRunPromptFailsWithoutBinding(t *testing.T) {
	f := newRunnerFixture(t)

	err := f.runner.RunPrompt(context.Background(), "chan-unbound", "thread-1", "go", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no project is bound")

	notifies, _, _ := f.notifier.snapshot()
	require.NotEmpty(t, notifies)
	assert.Contains(t, notifies[0], "Failed to run prompt")
}

func TestRunPromptFailureClearsQueueByDefault(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	_, err := f.queues.Enqueue(ctx, "thread-1", "later", "user-1")
	require.NoError(t, err)

	f.runner.servers = &fakeServers{readyErr: fmt.Errorf("server never came up")}
	require.Error(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "go", ""))

	n, err := f.queues.Length(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunPromptFailureContinuesWhenConfigured(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.queues.SetContinueOnFailure(ctx, "thread-1", true))
	_, err := f.queues.Enqueue(ctx, "thread-1", "recover", "user-1")
	require.NoError(t, err)

	failing := &fakeServers{readyErr: fmt.Errorf("boom")}
	f.runner.servers = failing
	require.Error(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "go", ""))

	// The queued prompt was popped and attempted (it fails too, but it ran)
	n, err := f.queues.Length(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClaimLossQueuesPrompt(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "first", ""))

	// Thread is claimed; the second prompt gets parked
	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "second", ""))

	n, err := f.queues.Length(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	notifies, _, _ := f.notifier.snapshot()
	require.NotEmpty(t, notifies)
	assert.Contains(t, notifies[len(notifies)-1], "queued")
}

func TestIdleAdvancesQueue(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "first", ""))
	_, err := f.queues.Enqueue(ctx, "thread-1", "second", "user-1")
	require.NoError(t, err)

	binding, _, err := f.registry.GetForThread(ctx, "thread-1")
	require.NoError(t, err)
	f.agent.emitIdle(binding.SessionID)

	// The dispatcher drains the queue and submits the second prompt
	require.Eventually(t, func() bool {
		n, err := f.queues.Length(ctx, "thread-1")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		f.agent.mu.Lock()
		defer f.agent.mu.Unlock()
		return len(f.agent.prompts) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInterrupt(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	assert.False(t, f.runner.Interrupt(ctx, "thread-1"))

	require.NoError(t, f.runner.RunPrompt(ctx, "chan-1", "thread-1", "go", ""))
	assert.True(t, f.runner.Interrupt(ctx, "thread-1"))
}
