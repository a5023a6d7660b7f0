package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	apperrors "github.com/ocproxy/ocproxy/internal/common/errors"
)

const probeTimeout = 1 * time.Second

// portFinder scans a port range for one that is safe to hand to a new server.
// A port is rejected if an active instance holds it, if an orphaned server
// from a previous run still answers HTTP on it, or if the bind test fails.
type portFinder struct {
	min int
	max int

	// overridable in tests
	probe func(ctx context.Context, port int) bool
	bind  func(port int) bool
}

func newPortFinder(min, max int) *portFinder {
	return &portFinder{
		min:   min,
		max:   max,
		probe: probeOrphanServer,
		bind:  canBind,
	}
}

// Find returns the first usable port in the range. used holds ports already
// claimed by active instances.
func (f *portFinder) Find(ctx context.Context, used map[int]bool) (int, error) {
	for port := f.min; port <= f.max; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if used[port] {
			continue
		}
		if f.probe(ctx, port) {
			continue
		}
		if !f.bind(port) {
			continue
		}
		return port, nil
	}
	return 0, &apperrors.NoPortAvailableError{Min: f.min, Max: f.max}
}

// probeOrphanServer reports whether something on the port answers the agent
// server's session endpoint. Any HTTP response counts as occupied.
func probeOrphanServer(ctx context.Context, port int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/session", port), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// canBind tests whether the port can actually be bound on loopback.
func canBind(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
