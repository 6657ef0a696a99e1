package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/basket/acp-bridge/internal/bridge"
	"github.com/basket/acp-bridge/internal/repo"
)

// progressPlaceholder is the initial body of the edit-in-place comment.
const progressPlaceholder = "_Thinking..._"

// maxCommentLength stays under GitHub's 65536-character comment cap.
const maxCommentLength = 60_000

// sessionState tracks the comment the adapter edits in place.
type sessionState struct {
	Owner             string `json:"owner"`
	Repo              string `json:"repo"`
	IssueNumber       int    `json:"issue_number"`
	ProgressCommentID int64  `json:"progress_comment_id"`
	CurrentText       string `json:"current_text"`
}

// AdapterConfig configures a GitHub adapter instance.
type AdapterConfig struct {
	Manager   bridge.Orchestrator
	API       *APIClient
	Auth      *AppAuth
	AgentName string

	// BotLogin overrides App-slug auto-detection ("myapp[bot]").
	BotLogin string

	WebhookSecret string
	RoutePath     string
	Logger        *slog.Logger
}

// Adapter implements bridge.ServiceAdapter for GitHub App webhooks: issue
// bodies and comments that @mention the App start or continue sessions;
// progress renders by editing a single comment.
type Adapter struct {
	cfg    AdapterConfig
	logger *slog.Logger

	mu       sync.Mutex
	botLogin string
	sessions map[string]*sessionState
	messages map[string]*strings.Builder
	// activeIssues survives session completion so a later mention on the
	// same issue becomes a follow-up.
	activeIssues map[string]struct{}

	wg sync.WaitGroup
}

// NewAdapter creates a GitHub adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:          cfg,
		logger:       logger.With("component", "github", "agent", cfg.AgentName),
		botLogin:     cfg.BotLogin,
		sessions:     make(map[string]*sessionState),
		messages:     make(map[string]*strings.Builder),
		activeIssues: make(map[string]struct{}),
	}
}

// ServiceName implements bridge.ServiceAdapter.
func (a *Adapter) ServiceName() string {
	if a.cfg.AgentName == "" {
		return "github"
	}
	return "github:" + a.cfg.AgentName
}

// Start auto-detects the bot login from the App slug when not configured,
// and rebuilds state from restored sessions.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	needsLogin := a.botLogin == ""
	a.mu.Unlock()

	if needsLogin && a.cfg.Auth != nil {
		slug, err := a.cfg.Auth.AppSlug(ctx)
		if err != nil {
			a.logger.Warn("app slug detection failed; mention detection disabled until configured", "error", err)
		} else {
			a.mu.Lock()
			a.botLogin = slug + "[bot]"
			a.mu.Unlock()
			a.logger.Info("detected bot login", "login", slug+"[bot]")
		}
	}

	a.restoreSessions()
	return nil
}

// Close waits for in-flight webhook work.
func (a *Adapter) Close(_ context.Context) error {
	a.wg.Wait()
	return nil
}

// OnSessionCreated implements bridge.ServiceAdapter; webhook dispatch
// builds requests directly.
func (a *Adapter) OnSessionCreated(_ any) (bridge.SessionRequest, error) {
	return bridge.SessionRequest{}, bridge.ErrNotSupported
}

func (a *Adapter) restoreSessions() {
	restored := a.cfg.Manager.SessionsForService(a.ServiceName())
	if len(restored) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ps := range restored {
		raw, err := json.Marshal(ps.ServiceMetadata)
		if err != nil {
			continue
		}
		var state sessionState
		if err := json.Unmarshal(raw, &state); err != nil || state.Owner == "" {
			continue
		}
		a.sessions[ps.ExternalSessionID] = &state
		a.activeIssues[ps.ExternalSessionID] = struct{}{}
	}
	a.logger.Info("restored github sessions", "count", len(restored))
}

// RegisterRoutes wires the webhook endpoint.
func (a *Adapter) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+a.cfg.RoutePath, a.handleWebhook)
}

func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if a.cfg.WebhookSecret != "" {
		if !VerifySignature(rawBody, r.Header.Get("X-Hub-Signature-256"), a.cfg.WebhookSecret) {
			a.logger.Warn("invalid webhook signature")
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	switch eventType {
	case "ping":
		a.logger.Info("webhook ping received")

	case "issues":
		var payload IssuesPayload
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if payload.Action == "opened" {
			a.dispatch(func(ctx context.Context) { a.handleIssueOpened(ctx, &payload) })
		}

	case "issue_comment":
		var payload IssueCommentPayload
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if payload.Action == "created" {
			a.dispatch(func(ctx context.Context) { a.handleIssueComment(ctx, &payload) })
		}

	case "pull_request_review_comment":
		var payload ReviewCommentPayload
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if payload.Action == "created" {
			a.dispatch(func(ctx context.Context) { a.handleReviewComment(ctx, &payload) })
		}

	default:
		a.logger.Debug("ignoring github event", "event", eventType)
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

// isOwnComment filters the bot's own traffic. Before the login is known
// every bot comment is ignored, which is the safe direction.
func (a *Adapter) isOwnComment(user User) bool {
	if user.Type != "Bot" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botLogin == "" || user.Login == a.botLogin
}

// extractMention returns the text with the @mention stripped, or ok=false
// when the body does not mention the bot.
func (a *Adapter) extractMention(body string) (string, bool) {
	a.mu.Lock()
	login := a.botLogin
	a.mu.Unlock()
	if login == "" || body == "" {
		return "", false
	}
	slug := strings.TrimSuffix(login, "[bot]")
	pattern := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(slug) + `(?:\[bot\])?\s*`)
	if !pattern.MatchString(body) {
		return "", false
	}
	return strings.TrimSpace(pattern.ReplaceAllString(body, "")), true
}

func splitFullName(fullName string) (owner, name string) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 {
		return fullName, ""
	}
	return parts[0], parts[1]
}

func (a *Adapter) sessionKey(fullName string, issueNumber int) string {
	if a.cfg.AgentName == "" {
		return fmt.Sprintf("github:%s:%d", fullName, issueNumber)
	}
	return fmt.Sprintf("github:%s:%d:%s", fullName, issueNumber, a.cfg.AgentName)
}

func (a *Adapter) handleIssueOpened(ctx context.Context, payload *IssuesPayload) {
	if a.isOwnComment(payload.Sender) {
		return
	}
	prompt, ok := a.extractMention(payload.Issue.Body)
	if !ok || prompt == "" {
		return
	}

	owner, name := splitFullName(payload.Repository.FullName)
	sessionID := a.sessionKey(payload.Repository.FullName, payload.Issue.Number)

	if err := a.cfg.API.CreateIssueReaction(ctx, owner, name, payload.Issue.Number, "eyes"); err != nil {
		a.logger.Warn("reaction failed", "session_id", sessionID, "error", err)
	}

	fullPrompt := fmt.Sprintf("GitHub issue: %s (#%d)\n\nIssue body:\n%s",
		payload.Issue.Title, payload.Issue.Number, prompt)
	a.startOrContinue(ctx, sessionID, owner, name, payload.Issue.Number, payload.Issue.Title, fullPrompt)
}

func (a *Adapter) handleIssueComment(ctx context.Context, payload *IssueCommentPayload) {
	if a.isOwnComment(payload.Comment.User) {
		return
	}
	prompt, ok := a.extractMention(payload.Comment.Body)
	if !ok || prompt == "" {
		return
	}

	owner, name := splitFullName(payload.Repository.FullName)
	sessionID := a.sessionKey(payload.Repository.FullName, payload.Issue.Number)

	if err := a.cfg.API.CreateCommentReaction(ctx, owner, name, payload.Comment.ID, "eyes"); err != nil {
		a.logger.Warn("reaction failed", "session_id", sessionID, "error", err)
	}
	a.startOrContinue(ctx, sessionID, owner, name, payload.Issue.Number, payload.Issue.Title, prompt)
}

func (a *Adapter) handleReviewComment(ctx context.Context, payload *ReviewCommentPayload) {
	if a.isOwnComment(payload.Comment.User) {
		return
	}
	prompt, ok := a.extractMention(payload.Comment.Body)
	if !ok || prompt == "" {
		return
	}

	owner, name := splitFullName(payload.Repository.FullName)
	sessionID := a.sessionKey(payload.Repository.FullName, payload.PullRequest.Number)
	a.startOrContinue(ctx, sessionID, owner, name, payload.PullRequest.Number, payload.PullRequest.Title, prompt)
}

// startOrContinue posts a fresh progress comment, then either follows up
// on a known session or starts a new one.
func (a *Adapter) startOrContinue(ctx context.Context, sessionID, owner, name string, issueNumber int, title, prompt string) {
	commentID, err := a.cfg.API.CreateComment(ctx, owner, name, issueNumber, progressPlaceholder)
	if err != nil {
		a.logger.Error("progress comment failed", "session_id", sessionID, "error", err)
		return
	}

	a.mu.Lock()
	state, known := a.sessions[sessionID]
	_, active := a.activeIssues[sessionID]
	if !known {
		state = &sessionState{Owner: owner, Repo: name, IssueNumber: issueNumber}
		a.sessions[sessionID] = state
	}
	state.ProgressCommentID = commentID
	state.CurrentText = progressPlaceholder
	a.activeIssues[sessionID] = struct{}{}
	a.mu.Unlock()

	if known || active {
		err := a.cfg.Manager.HandleFollowup(ctx, sessionID, prompt)
		if err == nil {
			return
		}
		if !bridge.IsNoSuchSession(err) {
			a.logger.Error("follow-up failed", "session_id", sessionID, "error", err)
			return
		}
		// Fall through: nothing to resume, start fresh.
	}

	req := bridge.SessionRequest{
		ExternalSessionID: sessionID,
		ServiceName:       a.ServiceName(),
		AgentName:         a.cfg.AgentName,
		Prompt:            prompt,
		DescriptiveName:   repo.Slugify(title, 60),
		ServiceMetadata:   state.metadata(),
	}
	if err := a.cfg.Manager.HandleNewSession(ctx, a, req); err != nil {
		a.logger.Error("session failed", "session_id", sessionID, "error", err)
	}
}

func (s *sessionState) metadata() map[string]any {
	return map[string]any{
		"owner":               s.Owner,
		"repo":                s.Repo,
		"issue_number":        s.IssueNumber,
		"progress_comment_id": s.ProgressCommentID,
		"current_text":        s.CurrentText,
	}
}

// SendUpdate implements bridge.ServiceAdapter: progress renders by
// editing the session's progress comment.
func (a *Adapter) SendUpdate(ctx context.Context, sessionID string, update bridge.Update) error {
	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		a.logger.Warn("update for unknown session", "session_id", sessionID)
		return nil
	}
	owner, name, commentID, current := state.Owner, state.Repo, state.ProgressCommentID, state.CurrentText
	a.mu.Unlock()

	var newText string
	switch update.Kind {
	case bridge.KindThought:
		newText = "🤔 " + update.Text

	case bridge.KindAction:
		line := "⚙️ `" + update.Title + "`"
		if update.Status == bridge.ActionFailed {
			line = "⚠️ `" + update.Title + "` failed"
		}
		newText = current + "\n" + line

	case bridge.KindPlan:
		var lines []string
		for _, step := range update.Steps {
			marker := "- [ ]"
			if step.Status == bridge.PlanCompleted {
				marker = "- [x]"
			}
			lines = append(lines, marker+" "+step.Content)
		}
		newText = "**Plan**\n" + strings.Join(lines, "\n")

	case bridge.KindMessageChunk:
		a.mu.Lock()
		buf, ok := a.messages[sessionID]
		if !ok {
			buf = &strings.Builder{}
			a.messages[sessionID] = buf
		}
		buf.WriteString(update.Text)
		a.mu.Unlock()
		return nil

	case bridge.KindError:
		newText = "❌ " + update.Text

	default:
		return nil
	}

	if len(newText) > maxCommentLength {
		newText = newText[:maxCommentLength] + "\n\n_(truncated)_"
	}
	if err := a.cfg.API.UpdateComment(ctx, owner, name, commentID, newText); err != nil {
		return err
	}
	a.mu.Lock()
	if state, ok := a.sessions[sessionID]; ok {
		state.CurrentText = newText
	}
	a.mu.Unlock()
	return nil
}

// SendCompletion replaces the progress comment with the final response.
func (a *Adapter) SendCompletion(ctx context.Context, sessionID, message, sessionURL string) error {
	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	buf := a.messages[sessionID]
	delete(a.messages, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	text := message
	if buf != nil && strings.TrimSpace(buf.String()) != "" {
		text = buf.String()
	}
	if sessionURL != "" {
		text += "\n\n[View full session](" + sessionURL + ")"
	}
	if len(text) > maxCommentLength {
		text = text[:maxCommentLength] + "\n\n_(truncated)_"
	}
	return a.cfg.API.UpdateComment(ctx, state.Owner, state.Repo, state.ProgressCommentID, text)
}

// SendError replaces the progress comment with the failure.
func (a *Adapter) SendError(ctx context.Context, sessionID, errMsg string) error {
	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	delete(a.messages, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.cfg.API.UpdateComment(ctx, state.Owner, state.Repo, state.ProgressCommentID, "❌ "+errMsg)
}

var _ bridge.ServiceAdapter = (*Adapter)(nil)
