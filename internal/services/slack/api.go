// Package slack is the service adapter for Slack: Socket Mode ingress,
// Web API egress with edit-in-place progress messages.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultAPIURL is the Slack Web API base.
const DefaultAPIURL = "https://slack.com/api"

// APIClient is a minimal Slack Web API client.
type APIClient struct {
	baseURL  string
	botToken string
	client   *http.Client
}

// NewAPIClient creates a client. baseURL == "" targets production.
func NewAPIClient(botToken, baseURL string) *APIClient {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &APIClient{
		baseURL:  baseURL,
		botToken: botToken,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a Slack ok=false response.
type apiError struct {
	method string
	code   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("slack: %s failed: %s", e.method, e.code)
}

// IsMsgTooLong reports whether err is Slack's msg_too_long rejection.
func IsMsgTooLong(err error) bool {
	apiErr, ok := err.(*apiError)
	return ok && apiErr.code == "msg_too_long"
}

func (c *APIClient) call(ctx context.Context, method, token string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	raw, err := decodeTee(resp, &envelope)
	if err != nil {
		return fmt.Errorf("slack: decode %s: %w", method, err)
	}
	if !envelope.OK {
		code := envelope.Error
		if code == "" {
			code = "unknown"
		}
		return &apiError{method: method, code: code}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("slack: decode %s result: %w", method, err)
		}
	}
	return nil
}

func decodeTee(resp *http.Response, envelope any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	raw := buf.Bytes()
	if err := json.Unmarshal(raw, envelope); err != nil {
		return nil, err
	}
	return raw, nil
}

// AuthTest returns the bot's own identity.
func (c *APIClient) AuthTest(ctx context.Context) (userID, user string, err error) {
	var out struct {
		UserID string `json:"user_id"`
		User   string `json:"user"`
	}
	if err := c.call(ctx, "auth.test", c.botToken, struct{}{}, &out); err != nil {
		return "", "", err
	}
	return out.UserID, out.User, nil
}

// ConnectionsOpen returns a Socket Mode WebSocket URL. Requires the
// app-level token, not the bot token.
func (c *APIClient) ConnectionsOpen(ctx context.Context, appToken string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, "apps.connections.open", appToken, struct{}{}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// PostMessage posts to a channel (optionally inside a thread) and returns
// the message timestamp.
func (c *APIClient) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	payload := map[string]any{"channel": channel, "text": text}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	var out struct {
		TS string `json:"ts"`
	}
	if err := c.call(ctx, "chat.postMessage", c.botToken, payload, &out); err != nil {
		return "", err
	}
	return out.TS, nil
}

// UpdateMessage replaces a message's text.
func (c *APIClient) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	return c.call(ctx, "chat.update", c.botToken, map[string]any{
		"channel": channel, "ts": ts, "text": text,
	}, nil)
}

// ThreadMessage is one reply in a thread.
type ThreadMessage struct {
	User string `json:"user"`
	Text string `json:"text"`
	TS   string `json:"ts"`
}

// ThreadReplies fetches a thread's messages in order.
func (c *APIClient) ThreadReplies(ctx context.Context, channel, threadTS string) ([]ThreadMessage, error) {
	var out struct {
		Messages []ThreadMessage `json:"messages"`
	}
	err := c.call(ctx, "conversations.replies", c.botToken, map[string]any{
		"channel": channel, "ts": threadTS, "limit": 200,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// UserName resolves a user's display name.
func (c *APIClient) UserName(ctx context.Context, userID string) (string, error) {
	var out struct {
		User struct {
			Name     string `json:"name"`
			RealName string `json:"real_name"`
		} `json:"user"`
	}
	if err := c.call(ctx, "users.info", c.botToken, map[string]any{"user": userID}, &out); err != nil {
		return "", err
	}
	if out.User.RealName != "" {
		return out.User.RealName, nil
	}
	return out.User.Name, nil
}
