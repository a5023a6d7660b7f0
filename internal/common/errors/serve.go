package errors

import "fmt"

// NoPortAvailableError indicates the configured port range is exhausted.
type NoPortAvailableError struct {
	Min int
	Max int
}

func (e *NoPortAvailableError) Error() string {
	return fmt.Sprintf("no available ports in range %d-%d", e.Min, e.Max)
}

// StartupError indicates the agent subprocess exited before becoming ready.
// Detail carries the captured stderr/stdout tail or spawn error message.
type StartupError struct {
	Detail string
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("agent server failed to start: %s", e.Detail)
}

// ReadinessError indicates the liveness endpoint never answered within the timeout.
type ReadinessError struct {
	Port      int
	TimeoutMS int64
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("service at port %d failed to become ready within %dms", e.Port, e.TimeoutMS)
}

// SessionCreateError indicates a non-2xx response from the session create endpoint.
type SessionCreateError struct {
	Status     int
	StatusText string
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("failed to create session: %d %s", e.Status, e.StatusText)
}

// PromptSendError indicates a non-2xx response from the prompt endpoint.
type PromptSendError struct {
	Status     int
	StatusText string
}

func (e *PromptSendError) Error() string {
	return fmt.Sprintf("failed to send prompt: %d %s", e.Status, e.StatusText)
}
