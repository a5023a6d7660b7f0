// Package serve manages local agent server processes: port allocation,
// spawning, readiness polling, and exit tracking.
package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/ocproxy/ocproxy/internal/common/errors"
	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/events"
	"github.com/ocproxy/ocproxy/internal/events/bus"
)

const tailLimit = 2000

// InstanceState is a snapshot of a managed server process.
type InstanceState struct {
	ProjectPath string
	Model       string
	Port        int
	PID         int
	StartedAt   time.Time
	Exited      bool
	ExitCode    int
	ExitError   string
	Stdout      string
	Stderr      string
}

// instance tracks one spawned server. Exit fields are written once by the
// wait goroutine; exited never flips back to false.
type instance struct {
	key         string
	projectPath string
	model       string
	port        int
	cmd         *exec.Cmd
	stdout      *tailBuffer
	stderr      *tailBuffer
	startedAt   time.Time

	mu        sync.Mutex
	exited    bool
	exitCode  int
	exitError string
}

func (i *instance) snapshot() *InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	pid := 0
	if i.cmd.Process != nil {
		pid = i.cmd.Process.Pid
	}
	return &InstanceState{
		ProjectPath: i.projectPath,
		Model:       i.model,
		Port:        i.port,
		PID:         pid,
		StartedAt:   i.startedAt,
		Exited:      i.exited,
		ExitCode:    i.exitCode,
		ExitError:   i.exitError,
		Stdout:      i.stdout.String(),
		Stderr:      i.stderr.String(),
	}
}

func (i *instance) isExited() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exited
}

// Supervisor spawns one agent server per allocation key and tracks its
// lifetime. The key is the project path, suffixed with the model when one is
// pinned, so distinct models for one project get separate servers.
type Supervisor struct {
	binary   string
	finder   *portFinder
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.RWMutex
	instances map[string]*instance

	// spawnMu serializes the port scan and registration across keys;
	// singleflight only collapses spawns for the same key, so without it two
	// spawns for different keys could pick the same free port.
	spawnMu sync.Mutex

	spawnGroup singleflight.Group

	readyPoll time.Duration

	// overridable in tests
	newCommand func(port int, projectPath string) *exec.Cmd
}

// Config holds supervisor settings.
type Config struct {
	Binary  string
	PortMin int
	PortMax int
}

// NewSupervisor creates a supervisor for the given port range.
func NewSupervisor(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		binary:    cfg.Binary,
		finder:    newPortFinder(cfg.PortMin, cfg.PortMax),
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "serve-supervisor")),
		instances: make(map[string]*instance),
		readyPoll: 1 * time.Second,
	}
	s.newCommand = s.defaultCommand
	return s
}

func (s *Supervisor) defaultCommand(port int, projectPath string) *exec.Cmd {
	cmd := exec.Command(s.binary, "serve", "--port", strconv.Itoa(port))
	cmd.Dir = projectPath
	cmd.Env = os.Environ()
	return cmd
}

func allocationKey(projectPath, model string) string {
	if model == "" {
		return projectPath
	}
	return projectPath + ":" + model
}

// Spawn ensures a server is running for the project path (and model, if set)
// and returns its port. Concurrent calls for the same key collapse into one
// spawn.
func (s *Supervisor) Spawn(ctx context.Context, projectPath, model string) (int, error) {
	key := allocationKey(projectPath, model)

	port, err, _ := s.spawnGroup.Do(key, func() (interface{}, error) {
		return s.spawn(ctx, key, projectPath, model)
	})
	if err != nil {
		return 0, err
	}
	return port.(int), nil
}

func (s *Supervisor) spawn(ctx context.Context, key, projectPath, model string) (int, error) {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	s.mu.Lock()
	if existing, ok := s.instances[key]; ok {
		if !existing.isExited() {
			port := existing.port
			s.mu.Unlock()
			return port, nil
		}
		// Dead entry from a crashed server; replace it.
		delete(s.instances, key)
	}

	used := make(map[int]bool, len(s.instances))
	for _, inst := range s.instances {
		if !inst.isExited() {
			used[inst.port] = true
		}
	}
	s.mu.Unlock()

	port, err := s.finder.Find(ctx, used)
	if err != nil {
		return 0, err
	}

	inst := &instance{
		key:         key,
		projectPath: projectPath,
		model:       model,
		port:        port,
		stdout:      newTailBuffer(tailLimit),
		stderr:      newTailBuffer(tailLimit),
		startedAt:   time.Now(),
	}
	inst.cmd = s.newCommand(port, projectPath)
	inst.cmd.Stdout = inst.stdout
	inst.cmd.Stderr = inst.stderr

	if err := inst.cmd.Start(); err != nil {
		return 0, &apperrors.StartupError{Detail: err.Error()}
	}

	s.mu.Lock()
	s.instances[key] = inst
	s.mu.Unlock()

	s.logger.Info("spawned agent server",
		zap.String("project_path", projectPath),
		zap.String("model", model),
		zap.Int("port", port),
		zap.Int("pid", inst.cmd.Process.Pid))

	go s.watchExit(inst)

	s.publishEvent(ctx, events.ServeStarted, inst)

	return port, nil
}

// watchExit records exit state once the process ends. The instance stays in
// the registry so readiness polling can detect the early death; the next
// Spawn for the key replaces it.
func (s *Supervisor) watchExit(inst *instance) {
	err := inst.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	inst.mu.Lock()
	inst.exited = true
	inst.exitCode = exitCode
	inst.exitError = exitMessage(exitCode, inst.stderr.String(), inst.stdout.String())
	inst.mu.Unlock()

	s.logger.Warn("agent server exited",
		zap.String("project_path", inst.projectPath),
		zap.Int("port", inst.port),
		zap.Int("exit_code", exitCode))

	s.publishEvent(context.Background(), events.ServeExited, inst)
}

// exitMessage picks the most useful description of a dead server: stderr
// first, stdout next, the bare exit code last.
func exitMessage(exitCode int, stderrTail, stdoutTail string) string {
	if t := strings.TrimSpace(stderrTail); t != "" {
		return t
	}
	if t := strings.TrimSpace(stdoutTail); t != "" {
		return t
	}
	return fmt.Sprintf("exited with code %d", exitCode)
}

// GetPort returns the port of a live instance for the key.
func (s *Supervisor) GetPort(projectPath, model string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[allocationKey(projectPath, model)]
	if !ok || inst.isExited() {
		return 0, false
	}
	return inst.port, true
}

// GetInstanceState returns a snapshot of the instance for the key, exited or
// not.
func (s *Supervisor) GetInstanceState(projectPath, model string) (*InstanceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[allocationKey(projectPath, model)]
	if !ok {
		return nil, false
	}
	return inst.snapshot(), true
}

// Instances returns snapshots of all tracked instances.
func (s *Supervisor) Instances() []*InstanceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*InstanceState, 0, len(s.instances))
	for _, inst := range s.instances {
		result = append(result, inst.snapshot())
	}
	return result
}

// Stop kills the instance for the key and removes it from the registry.
func (s *Supervisor) Stop(ctx context.Context, projectPath, model string) error {
	key := allocationKey(projectPath, model)

	s.mu.Lock()
	inst, ok := s.instances[key]
	if ok {
		delete(s.instances, key)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no server for %q", key)
	}

	if !inst.isExited() && inst.cmd.Process != nil {
		if err := inst.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("failed to terminate agent server",
				zap.Int("port", inst.port),
				zap.Error(err))
		}
	}

	s.logger.Info("stopped agent server",
		zap.String("project_path", inst.projectPath),
		zap.Int("port", inst.port))

	s.publishEvent(ctx, events.ServeStopped, inst)
	return nil
}

// StopAll kills every tracked instance.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	all := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		all = append(all, inst)
	}
	s.instances = make(map[string]*instance)
	s.mu.Unlock()

	for _, inst := range all {
		if !inst.isExited() && inst.cmd.Process != nil {
			_ = inst.cmd.Process.Signal(syscall.SIGTERM)
		}
		s.publishEvent(ctx, events.ServeStopped, inst)
	}

	s.logger.Info("stopped all agent servers", zap.Int("count", len(all)))
}

// WaitForReady polls the server's session endpoint until it answers. An
// instance that dies while we wait fails fast with its captured output; a
// server that never answers fails with a readiness timeout.
func (s *Supervisor) WaitForReady(ctx context.Context, port int, timeout time.Duration, projectPath, model string) error {
	key := allocationKey(projectPath, model)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: probeTimeout}
	url := fmt.Sprintf("http://127.0.0.1:%d/session", port)

	for {
		s.mu.Lock()
		if inst, ok := s.instances[key]; ok && inst.isExited() {
			delete(s.instances, key)
			state := inst.snapshot()
			s.mu.Unlock()
			return &apperrors.StartupError{Detail: state.ExitError}
		}
		s.mu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}

		if time.Now().After(deadline) {
			return &apperrors.ReadinessError{Port: port, TimeoutMS: timeout.Milliseconds()}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.readyPoll):
		}
	}
}

func (s *Supervisor) publishEvent(ctx context.Context, eventType string, inst *instance) {
	if s.eventBus == nil {
		return
	}

	state := inst.snapshot()
	data := map[string]interface{}{
		"project_path": state.ProjectPath,
		"model":        state.Model,
		"port":         state.Port,
		"pid":          state.PID,
		"started_at":   state.StartedAt,
	}
	if state.Exited {
		data["exit_code"] = state.ExitCode
		data["exit_error"] = state.ExitError
	}

	event := bus.NewEvent(eventType, "serve-supervisor", data)
	if err := s.eventBus.Publish(ctx, events.BuildServeSubject(), event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
