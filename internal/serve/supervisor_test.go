package serve

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ocproxy/ocproxy/internal/common/errors"
	"github.com/ocproxy/ocproxy/internal/common/logger"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := NewSupervisor(Config{Binary: "opencode", PortMin: 42097, PortMax: 42110}, nil, logger.Default())
	s.readyPoll = 10 * time.Millisecond
	t.Cleanup(func() { s.StopAll(context.Background()) })
	return s
}

func sleepCommand(port int, projectPath string) *exec.Cmd {
	return exec.Command("sleep", "60")
}

func failCommand(port int, projectPath string) *exec.Cmd {
	return exec.Command("sh", "-c", "echo boom >&2; exit 3")
}

func TestTailBufferTrim(t *testing.T) {
	buf := newTailBuffer(10)
	n, err := buf.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, "6789abcdef", buf.String())

	_, _ = buf.Write([]byte("XY"))
	assert.Equal(t, "89abcdefXY", buf.String())
}

func TestExitMessagePreference(t *testing.T) {
	assert.Equal(t, "bad flag", exitMessage(1, "bad flag\n", "some output"))
	assert.Equal(t, "some output", exitMessage(1, "  ", "some output"))
	assert.Equal(t, "exited with code 7", exitMessage(7, "", ""))
}

func TestPortFinderSkipsUsedAndOrphans(t *testing.T) {
	f := newPortFinder(100, 104)
	f.probe = func(ctx context.Context, port int) bool { return port == 101 }
	f.bind = func(port int) bool { return port != 102 }

	port, err := f.Find(context.Background(), map[int]bool{100: true})
	require.NoError(t, err)
	assert.Equal(t, 103, port)
}

func TestPortFinderExhaustion(t *testing.T) {
	f := newPortFinder(100, 101)
	f.probe = func(ctx context.Context, port int) bool { return false }
	f.bind = func(port int) bool { return false }

	_, err := f.Find(context.Background(), nil)
	require.Error(t, err)
	var noPort *apperrors.NoPortAvailableError
	require.ErrorAs(t, err, &noPort)
	assert.Contains(t, err.Error(), "100-101")
}

func TestSpawnIsIdempotentPerKey(t *testing.T) {
	s := newTestSupervisor(t)
	s.newCommand = sleepCommand

	port1, err := s.Spawn(context.Background(), "/srv/api", "")
	require.NoError(t, err)

	port2, err := s.Spawn(context.Background(), "/srv/api", "")
	require.NoError(t, err)
	assert.Equal(t, port1, port2)

	// A pinned model is a distinct key and gets its own server
	port3, err := s.Spawn(context.Background(), "/srv/api", "anthropic/claude-sonnet-4")
	require.NoError(t, err)
	assert.NotEqual(t, port1, port3)

	assert.Len(t, s.Instances(), 2)
}

func TestConcurrentSpawnCollapses(t *testing.T) {
	s := newTestSupervisor(t)
	s.newCommand = sleepCommand

	const n = 8
	ports := make(chan int, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			port, err := s.Spawn(context.Background(), "/srv/api", "")
			ports <- port
			errs <- err
		}()
	}

	first := <-ports
	require.NoError(t, <-errs)
	for i := 1; i < n; i++ {
		assert.Equal(t, first, <-ports)
		require.NoError(t, <-errs)
	}
	assert.Len(t, s.Instances(), 1)
}

func TestConcurrentSpawnDistinctKeysGetDistinctPorts(t *testing.T) {
	s := newTestSupervisor(t)
	s.newCommand = sleepCommand

	// A slow scan widens the window in which both spawns see the same
	// port as free.
	s.finder.probe = func(ctx context.Context, port int) bool {
		time.Sleep(20 * time.Millisecond)
		return false
	}
	s.finder.bind = func(port int) bool { return true }

	ports := make(chan int, 2)
	for _, path := range []string{"/srv/api", "/srv/web"} {
		go func(projectPath string) {
			port, err := s.Spawn(context.Background(), projectPath, "")
			assert.NoError(t, err)
			ports <- port
		}(path)
	}

	p1, p2 := <-ports, <-ports
	assert.NotEqual(t, p1, p2)
	assert.Len(t, s.Instances(), 2)
}

func TestExitWatcherRecordsState(t *testing.T) {
	s := newTestSupervisor(t)
	s.newCommand = failCommand

	_, err := s.Spawn(context.Background(), "/srv/api", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := s.GetInstanceState("/srv/api", "")
		return ok && state.Exited
	}, 2*time.Second, 10*time.Millisecond)

	state, ok := s.GetInstanceState("/srv/api", "")
	require.True(t, ok)
	assert.Equal(t, 3, state.ExitCode)
	assert.Equal(t, "boom", state.ExitError)

	// Dead instances no longer hold their port
	_, ok = s.GetPort("/srv/api", "")
	assert.False(t, ok)
}

func TestSpawnReplacesExitedInstance(t *testing.T) {
	s := newTestSupervisor(t)
	s.newCommand = failCommand

	_, err := s.Spawn(context.Background(), "/srv/api", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := s.GetInstanceState("/srv/api", "")
		return ok && state.Exited
	}, 2*time.Second, 10*time.Millisecond)

	s.newCommand = sleepCommand
	port, err := s.Spawn(context.Background(), "/srv/api", "")
	require.NoError(t, err)

	state, ok := s.GetInstanceState("/srv/api", "")
	require.True(t, ok)
	assert.False(t, state.Exited)
	assert.Equal(t, port, state.Port)
}

func TestWaitForReadySucceeds(t *testing.T) {
	s := newTestSupervisor(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session" {
			w.Write([]byte("[]"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	err := s.WaitForReady(context.Background(), serverPort(t, ts), 2*time.Second, "/srv/api", "")
	require.NoError(t, err)
}

func TestWaitForReadyTimesOut(t *testing.T) {
	s := newTestSupervisor(t)

	// Nothing listens on this port
	err := s.WaitForReady(context.Background(), 42109, 50*time.Millisecond, "/srv/api", "")
	require.Error(t, err)
	var ready *apperrors.ReadinessError
	require.ErrorAs(t, err, &ready)
	assert.Equal(t, int64(50), ready.TimeoutMS)
	assert.Contains(t, err.Error(), "failed to become ready")
}

func TestWaitForReadyFailsFastOnEarlyExit(t *testing.T) {
	s := newTestSupervisor(t)
	s.newCommand = failCommand

	port, err := s.Spawn(context.Background(), "/srv/api", "")
	require.NoError(t, err)

	err = s.WaitForReady(context.Background(), port, 5*time.Second, "/srv/api", "")
	require.Error(t, err)
	var startup *apperrors.StartupError
	require.ErrorAs(t, err, &startup)
	assert.Contains(t, err.Error(), "boom")

	// The dead entry is removed so the next Spawn starts fresh
	_, ok := s.GetInstanceState("/srv/api", "")
	assert.False(t, ok)
}

func TestStopRemovesInstance(t *testing.T) {
	s := newTestSupervisor(t)
	s.newCommand = sleepCommand

	_, err := s.Spawn(context.Background(), "/srv/api", "")
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), "/srv/api", ""))
	_, ok := s.GetPort("/srv/api", "")
	assert.False(t, ok)

	err = s.Stop(context.Background(), "/srv/api", "")
	assert.Error(t, err)
}

func TestStopSendsTerminateSignal(t *testing.T) {
	s := newTestSupervisor(t)

	// A SIGKILL would never reach the trap
	marker := filepath.Join(t.TempDir(), "terminated")
	s.newCommand = func(port int, projectPath string) *exec.Cmd {
		script := fmt.Sprintf("trap 'touch %s; exit 0' TERM; sleep 60 & wait", marker)
		return exec.Command("sh", "-c", script)
	}

	_, err := s.Spawn(context.Background(), "/srv/api", "")
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), "/srv/api", ""))
	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func serverPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}
