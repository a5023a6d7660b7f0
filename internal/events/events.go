// Package events defines the event types and subjects published on the bus.
package events

// Event types published by ocproxy components.
const (
	ServeStarted = "serve.started"
	ServeExited  = "serve.exited"
	ServeStopped = "serve.stopped"

	PromptStarted   = "prompt.started"
	PromptCompleted = "prompt.completed"
	PromptFailed    = "prompt.failed"

	QueueAdvanced = "queue.advanced"
	QueueCleared  = "queue.cleared"
)

// BuildThreadSubject returns the bus subject for events scoped to a thread.
func BuildThreadSubject(threadID string) string {
	return "ocproxy.thread." + threadID
}

// BuildServeSubject returns the bus subject for agent server lifecycle events.
func BuildServeSubject() string {
	return "ocproxy.serve"
}
