// Package session talks to agent server session endpoints and tracks which
// chat thread owns which session.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ocproxy/ocproxy/internal/common/errors"
	"github.com/ocproxy/ocproxy/internal/common/logger"
)

// APIClient is an HTTP client for the agent server's session API on a local
// port.
type APIClient struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewAPIClient creates a session API client.
func NewAPIClient(log *logger.Logger) *APIClient {
	return &APIClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithFields(zap.String("component", "session-api")),
	}
}

func baseURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// Create opens a new session and returns its id.
func (c *APIClient) Create(ctx context.Context, port int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL(port)+"/session", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", &apperrors.SessionCreateError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if body.ID == "" {
		return "", fmt.Errorf("session response missing id")
	}

	c.logger.Debug("created session",
		zap.Int("port", port),
		zap.String("session_id", body.ID))
	return body.ID, nil
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptModel struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type promptRequest struct {
	Parts []promptPart `json:"parts"`
	Model *promptModel `json:"model,omitempty"`
}

// SendPrompt submits a prompt to the session without waiting for completion.
// Progress and completion arrive over the event stream. A model of the form
// "provider/model" is forwarded; anything without a slash is dropped.
func (c *APIClient) SendPrompt(ctx context.Context, port int, sessionID, text, model string) error {
	body := promptRequest{
		Parts: []promptPart{{Type: "text", Text: text}},
	}
	if provider, modelID, ok := strings.Cut(model, "/"); ok {
		body.Model = &promptModel{ProviderID: provider, ModelID: modelID}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/session/%s/prompt_async", baseURL(port), sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &apperrors.PromptSendError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// Validate reports whether the session still exists on the server. Transport
// failures count as invalid.
func (c *APIClient) Validate(ctx context.Context, port int, sessionID string) bool {
	url := fmt.Sprintf("%s/session/%s", baseURL(port), sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 300
}

// Abort asks the server to interrupt the session's current work.
func (c *APIClient) Abort(ctx context.Context, port int, sessionID string) bool {
	url := fmt.Sprintf("%s/session/%s/abort", baseURL(port), sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 300
}

// List returns ids of sessions on the server, empty on any failure.
func (c *APIClient) List(ctx context.Context, port int) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(port)+"/session", nil)
	if err != nil {
		return nil
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil
	}

	var sessions []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}
