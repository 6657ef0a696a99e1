package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIClient is a minimal GitHub REST client authenticated with the App's
// installation token.
type APIClient struct {
	auth    *AppAuth
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a client. baseURL == "" targets api.github.com.
func NewAPIClient(auth *AppAuth, baseURL string) *APIClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &APIClient{
		auth:    auth,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("github: encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	token, err := c.auth.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("github: %s %s returned HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("github: decode %s: %w", path, err)
		}
	}
	return nil
}

// CreateComment posts an issue (or PR) comment and returns its id.
func (c *APIClient) CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, issueNumber)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// UpdateComment replaces a comment's body.
func (c *APIClient) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	return c.do(ctx, http.MethodPatch, path, map[string]string{"body": body}, nil)
}

// CreateIssueReaction reacts on an issue itself.
func (c *APIClient) CreateIssueReaction(ctx context.Context, owner, repo string, issueNumber int, reaction string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/reactions", owner, repo, issueNumber)
	return c.do(ctx, http.MethodPost, path, map[string]string{"content": reaction}, nil)
}

// CreateCommentReaction reacts on an issue comment.
func (c *APIClient) CreateCommentReaction(ctx context.Context, owner, repo string, commentID int64, reaction string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", owner, repo, commentID)
	return c.do(ctx, http.MethodPost, path, map[string]string{"content": reaction}, nil)
}
