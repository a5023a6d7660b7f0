package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocproxy/ocproxy/internal/common/logger"
)

// sseServer streams the given frames, then blocks until the test ends unless
// closeAfter is set.
func sseServer(t *testing.T, frames []string, closeAfter bool) *httptest.Server {
	t.Helper()
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/event", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			_, _ = w.Write([]byte("data: " + frame + "\n\n"))
			flusher.Flush()
		}
		if closeAfter {
			return
		}
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(done); ts.Close() })
	return ts
}

type recorder struct {
	mu    sync.Mutex
	parts []PartEvent
	idles []string
	errs  []error
}

func (r *recorder) attach(c *Client) {
	c.OnPartUpdated(func(p PartEvent) {
		r.mu.Lock()
		r.parts = append(r.parts, p)
		r.mu.Unlock()
	})
	c.OnSessionIdle(func(id string) {
		r.mu.Lock()
		r.idles = append(r.idles, id)
		r.mu.Unlock()
	})
	c.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
}

func (r *recorder) snapshot() ([]PartEvent, []string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PartEvent(nil), r.parts...),
		append([]string(nil), r.idles...),
		append([]error(nil), r.errs...)
}

func TestDispatchTextPartAndIdle(t *testing.T) {
	ts := sseServer(t, []string{
		`{"type":"message.part.updated","properties":{"part":{"id":"prt_1","type":"text","sessionID":"ses_1","messageID":"msg_1","text":"hello"}}}`,
		`{"type":"message.part.updated","properties":{"part":{"id":"prt_1","type":"text","sessionID":"ses_1","messageID":"msg_1","text":"hello world"}}}`,
		`{"type":"session.idle","properties":{"sessionID":"ses_1"}}`,
	}, false)

	c := NewClient(logger.Default())
	rec := &recorder{}
	rec.attach(c)

	require.NoError(t, c.Connect(context.Background(), ts.URL))
	defer c.Disconnect()
	assert.True(t, c.IsConnected())

	require.Eventually(t, func() bool {
		_, idles, _ := rec.snapshot()
		return len(idles) == 1
	}, 2*time.Second, 10*time.Millisecond)

	parts, idles, errs := rec.snapshot()
	require.Len(t, parts, 2)
	assert.Equal(t, "hello", parts[0].Text)
	assert.Equal(t, "hello world", parts[1].Text)
	assert.Equal(t, "ses_1", parts[1].SessionID)
	assert.Equal(t, "msg_1", parts[1].MessageID)
	assert.Equal(t, []string{"ses_1"}, idles)
	assert.Empty(t, errs)
}

func TestIgnoresNonTextPartsAndNoise(t *testing.T) {
	ts := sseServer(t, []string{
		`{"type":"message.part.updated","properties":{"part":{"id":"prt_1","type":"tool","sessionID":"ses_1","messageID":"msg_1"}}}`,
		`not json at all`,
		`{"type":"message.updated","properties":{}}`,
		`{"type":"session.idle","properties":{"sessionID":"ses_1"}}`,
	}, false)

	c := NewClient(logger.Default())
	rec := &recorder{}
	rec.attach(c)

	require.NoError(t, c.Connect(context.Background(), ts.URL))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		_, idles, _ := rec.snapshot()
		return len(idles) == 1
	}, 2*time.Second, 10*time.Millisecond)

	parts, _, errs := rec.snapshot()
	assert.Empty(t, parts)
	assert.Empty(t, errs)
}

func TestErrorCallbackOnStreamFailure(t *testing.T) {
	ts := sseServer(t, []string{
		`{"type":"session.idle","properties":{"sessionID":"ses_1"}}`,
	}, true)

	c := NewClient(logger.Default())
	rec := &recorder{}
	rec.attach(c)

	require.NoError(t, c.Connect(context.Background(), ts.URL))

	require.Eventually(t, func() bool {
		_, _, errs := rec.snapshot()
		return len(errs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.IsConnected())
}

func TestDisconnectSuppressesErrorCallback(t *testing.T) {
	ts := sseServer(t, nil, false)

	c := NewClient(logger.Default())
	rec := &recorder{}
	rec.attach(c)

	require.NoError(t, c.Connect(context.Background(), ts.URL))
	c.Disconnect()

	assert.False(t, c.IsConnected())
	// Give the read loop time to unwind; no error callback should fire
	time.Sleep(50 * time.Millisecond)
	_, _, errs := rec.snapshot()
	assert.Empty(t, errs)

	// Repeated disconnects are harmless
	c.Disconnect()
	c.Disconnect()
}

func TestDisconnectBeforeConnect(t *testing.T) {
	c := NewClient(logger.Default())
	c.Disconnect()
	assert.False(t, c.IsConnected())
}

func TestConnectRejectsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewClient(logger.Default())
	err := c.Connect(context.Background(), ts.URL)
	require.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestCallbackRegistrationLastWins(t *testing.T) {
	ts := sseServer(t, []string{
		`{"type":"session.idle","properties":{"sessionID":"ses_1"}}`,
	}, false)

	c := NewClient(logger.Default())
	got := make(chan string, 2)
	c.OnSessionIdle(func(id string) { got <- "first:" + id })
	c.OnSessionIdle(func(id string) { got <- "second:" + id })

	require.NoError(t, c.Connect(context.Background(), ts.URL))
	defer c.Disconnect()

	select {
	case v := <-got:
		assert.Equal(t, "second:ses_1", v)
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback never fired")
	}
}
