package linear

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/acp-bridge/internal/bridge"
	"github.com/basket/acp-bridge/internal/repo"
)

// webhookMaxAge bounds accepted webhook timestamp skew.
const webhookMaxAge = time.Minute

// AdapterConfig configures a Linear adapter instance.
type AdapterConfig struct {
	Manager       bridge.Orchestrator
	API           *APIClient
	AgentName     string
	WebhookSecret string
	RoutePath     string // e.g. "/webhooks/linear" or "/webhooks/linear/codex"
	Logger        *slog.Logger
}

// Adapter implements bridge.ServiceAdapter for Linear's Agents API.
// Progress renders as ephemeral thought/action activities; the final
// message becomes a response activity.
type Adapter struct {
	cfg    AdapterConfig
	logger *slog.Logger

	// messageMu guards per-session accumulated message text used for the
	// final response activity.
	messageMu sync.Mutex
	messages  map[string]*strings.Builder

	wg sync.WaitGroup
}

// NewAdapter creates a Linear adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("component", "linear", "agent", cfg.AgentName),
		messages: make(map[string]*strings.Builder),
	}
}

// ServiceName implements bridge.ServiceAdapter.
func (a *Adapter) ServiceName() string {
	if a.cfg.AgentName == "" {
		return "linear"
	}
	return "linear:" + a.cfg.AgentName
}

// Start implements bridge.ServiceAdapter; webhook adapters have no
// background work.
func (a *Adapter) Start(_ context.Context) error { return nil }

// Close waits for in-flight webhook work.
func (a *Adapter) Close(_ context.Context) error {
	a.wg.Wait()
	return nil
}

// OnSessionCreated implements bridge.ServiceAdapter for completeness; the
// webhook handler builds requests directly.
func (a *Adapter) OnSessionCreated(event any) (bridge.SessionRequest, error) {
	payload, ok := event.(*SessionEventPayload)
	if !ok || payload.AgentSession == nil {
		return bridge.SessionRequest{}, bridge.ErrNotSupported
	}
	return a.sessionRequest(payload), nil
}

// RegisterRoutes wires the webhook endpoint.
func (a *Adapter) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+a.cfg.RoutePath, a.handleWebhook)
}

// handleWebhook verifies and acknowledges the event, then dispatches the
// actual work to a background goroutine: Linear expects a 200 within five
// seconds.
func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if a.cfg.WebhookSecret != "" {
		if !VerifySignature(rawBody, r.Header.Get("Linear-Signature"), a.cfg.WebhookSecret) {
			a.logger.Warn("invalid webhook signature")
			http.Error(w, "bad signature", http.StatusBadRequest)
			return
		}
	}

	var payload SessionEventPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		a.logger.Warn("malformed webhook payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if !VerifyTimestamp(payload.WebhookTimestamp, webhookMaxAge) {
		a.logger.Warn("webhook timestamp too old", "webhook_id", payload.WebhookID)
		http.Error(w, "stale webhook", http.StatusBadRequest)
		return
	}

	a.logger.Info("webhook received", "type", payload.Type, "action", payload.Action)
	if payload.Type == "AgentSessionEvent" && payload.AgentSession != nil {
		switch payload.Action {
		case "created":
			a.dispatch(func(ctx context.Context) { a.handleCreated(ctx, &payload) })
		case "prompted":
			a.dispatch(func(ctx context.Context) { a.handlePrompted(ctx, &payload) })
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) dispatch(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(context.Background())
	}()
}

func (a *Adapter) sessionRequest(payload *SessionEventPayload) bridge.SessionRequest {
	prompt := payload.PromptContext
	issueTitle := ""
	if issue := payload.AgentSession.Issue; issue != nil {
		issueTitle = issue.Title
		if issueTitle == "" {
			issueTitle = issue.Identifier
		}
		if prompt == "" {
			prompt = "Issue: " + issueTitle
		}
	}
	slug := "linear-task"
	if issueTitle != "" {
		slug = repo.Slugify(issueTitle, 60)
	}
	return bridge.SessionRequest{
		ExternalSessionID: payload.AgentSession.ID,
		ServiceName:       a.ServiceName(),
		AgentName:         a.cfg.AgentName,
		Prompt:            prompt,
		DescriptiveName:   slug,
	}
}

func (a *Adapter) handleCreated(ctx context.Context, payload *SessionEventPayload) {
	req := a.sessionRequest(payload)

	a.maybeStartIssue(ctx, payload)

	if err := a.cfg.Manager.HandleNewSession(ctx, a, req); err != nil {
		a.logger.Error("session failed", "session_id", req.ExternalSessionID, "error", err)
	}
}

func (a *Adapter) handlePrompted(ctx context.Context, payload *SessionEventPayload) {
	sessionID := payload.AgentSession.ID

	if payload.AgentActivity != nil && payload.AgentActivity.Signal == "stop" {
		if err := a.cfg.Manager.HandleStop(ctx, sessionID); err != nil {
			a.logger.Warn("stop failed", "session_id", sessionID, "error", err)
		}
		return
	}

	prompt := ""
	if activity := payload.AgentActivity; activity != nil {
		if activity.Content != nil && activity.Content.Body != "" {
			prompt = activity.Content.Body
		} else if activity.Body != "" {
			prompt = activity.Body
		}
	}
	if prompt == "" {
		prompt = payload.PromptContext
	}
	if prompt == "" {
		a.logger.Warn("empty prompt in prompted webhook", "session_id", sessionID)
		return
	}

	err := a.cfg.Manager.HandleFollowup(ctx, sessionID, prompt)
	if bridge.IsNoSuchSession(err) {
		// The session predates our persistence (or was removed); start over.
		payload.PromptContext = prompt
		a.handleCreated(ctx, payload)
		return
	}
	if err != nil {
		a.logger.Error("follow-up failed", "session_id", sessionID, "error", err)
	}
}

// maybeStartIssue moves the delegated issue into its team's first started
// state. Best-effort.
func (a *Adapter) maybeStartIssue(ctx context.Context, payload *SessionEventPayload) {
	issue := payload.AgentSession.Issue
	if issue == nil || issue.TeamID == "" {
		return
	}
	stateID, err := a.cfg.API.StartedStateID(ctx, issue.TeamID)
	if err != nil || stateID == "" {
		if err != nil {
			a.logger.Warn("started-state lookup failed", "issue", issue.ID, "error", err)
		}
		return
	}
	if err := a.cfg.API.UpdateIssueState(ctx, issue.ID, stateID); err != nil {
		a.logger.Warn("issue state update failed", "issue", issue.ID, "error", err)
	}
}

// SendUpdate implements bridge.ServiceAdapter.
func (a *Adapter) SendUpdate(ctx context.Context, sessionID string, update bridge.Update) error {
	switch update.Kind {
	case bridge.KindThought:
		return a.cfg.API.CreateActivity(ctx, sessionID, ActivityInput{
			Type: "thought", Body: update.Text, Ephemeral: true,
		})

	case bridge.KindMessageChunk:
		// Accumulated for the final response activity; Linear has no
		// incremental message surface.
		a.messageMu.Lock()
		buf, ok := a.messages[sessionID]
		if !ok {
			buf = &strings.Builder{}
			a.messages[sessionID] = buf
		}
		buf.WriteString(update.Text)
		a.messageMu.Unlock()
		return nil

	case bridge.KindAction:
		return a.cfg.API.CreateActivity(ctx, sessionID, ActivityInput{
			Type:      "action",
			Action:    update.Title,
			Parameter: strings.Join(update.Locations, ", "),
			Result:    actionResult(update),
			Ephemeral: true,
		})

	case bridge.KindPlan:
		return a.cfg.API.UpdateSessionPlan(ctx, sessionID, update.Steps)

	case bridge.KindError:
		return a.cfg.API.CreateActivity(ctx, sessionID, ActivityInput{
			Type: "error", Body: update.Text,
		})
	}
	return nil
}

// SendCompletion implements bridge.ServiceAdapter.
func (a *Adapter) SendCompletion(ctx context.Context, sessionID, message, sessionURL string) error {
	a.messageMu.Lock()
	buf := a.messages[sessionID]
	delete(a.messages, sessionID)
	a.messageMu.Unlock()

	body := message
	if buf != nil && strings.TrimSpace(buf.String()) != "" {
		body = buf.String()
	}

	if sessionURL != "" {
		if err := a.cfg.API.UpdateSessionURLs(ctx, sessionID, map[string]string{"Session log": sessionURL}); err != nil {
			a.logger.Warn("session url update failed", "session_id", sessionID, "error", err)
		}
	}
	return a.cfg.API.CreateActivity(ctx, sessionID, ActivityInput{Type: "response", Body: body})
}

// SendError implements bridge.ServiceAdapter.
func (a *Adapter) SendError(ctx context.Context, sessionID, errMsg string) error {
	a.messageMu.Lock()
	delete(a.messages, sessionID)
	a.messageMu.Unlock()
	return a.cfg.API.CreateActivity(ctx, sessionID, ActivityInput{Type: "error", Body: errMsg})
}

func actionResult(update bridge.Update) string {
	if update.Status != bridge.ActionCompleted || update.Result == "" {
		return ""
	}
	result := update.Result
	if len(result) > 2000 {
		result = result[:2000]
	}
	return result
}

var _ bridge.ServiceAdapter = (*Adapter)(nil)
