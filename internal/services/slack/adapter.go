package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/basket/acp-bridge/internal/bridge"
	"github.com/basket/acp-bridge/internal/repo"
)

// Slack's hard limit is ~40k characters; stay well under it.
const (
	maxMessageLength      = 30_000
	retryMaxMessageLength = 10_000
	truncationNotice      = "\n\n_(message truncated — too long for Slack)_"
	maxThreadContextChars = 20_000
)

var mentionPattern = regexp.MustCompile(`<@\w+>\s*`)

// sessionState tracks the progress message the adapter edits in place.
type sessionState struct {
	Channel     string `json:"channel"`
	ThreadTS    string `json:"thread_ts"`
	ProgressTS  string `json:"progress_message_ts"`
	CurrentText string `json:"current_text"`
}

// event is the slice of Slack events the adapter routes.
type event struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// AdapterConfig configures a Slack adapter instance.
type AdapterConfig struct {
	Manager   bridge.Orchestrator
	API       *APIClient
	AppToken  string
	AgentName string
	Logger    *slog.Logger
}

// Adapter implements bridge.ServiceAdapter over Slack Socket Mode. New
// sessions start from @app mentions; thread replies that mention the bot
// continue them. Progress renders by editing a single "thinking" message.
type Adapter struct {
	cfg    AdapterConfig
	logger *slog.Logger
	socket *SocketClient

	mu        sync.Mutex
	botUserID string
	sessions  map[string]*sessionState
	messages  map[string]*strings.Builder
	// activeThreads survives session completion so later mentions become
	// follow-ups rather than fresh sessions.
	activeThreads map[string]struct{} // channel + "\x00" + thread_ts
	userNames     map[string]string

	cancelRun context.CancelFunc
	done      chan struct{}
}

// NewAdapter creates a Slack adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:           cfg,
		logger:        logger.With("component", "slack", "agent", cfg.AgentName),
		sessions:      make(map[string]*sessionState),
		messages:      make(map[string]*strings.Builder),
		activeThreads: make(map[string]struct{}),
		userNames:     make(map[string]string),
		done:          make(chan struct{}),
	}
	a.socket = NewSocketClient(cfg.API, cfg.AppToken, a.handleEnvelope, a.logger)
	return a
}

// ServiceName implements bridge.ServiceAdapter.
func (a *Adapter) ServiceName() string {
	if a.cfg.AgentName == "" {
		return "slack"
	}
	return "slack:" + a.cfg.AgentName
}

// RegisterRoutes implements bridge.ServiceAdapter; Socket Mode needs no
// HTTP ingress.
func (a *Adapter) RegisterRoutes(_ *http.ServeMux) {}

// Start resolves the bot identity, rebuilds state from restored sessions,
// and opens the socket in the background.
func (a *Adapter) Start(ctx context.Context) error {
	userID, user, err := a.cfg.API.AuthTest(ctx)
	if err != nil {
		a.logger.Warn("auth.test failed; mention detection degraded", "error", err)
	} else {
		a.mu.Lock()
		a.botUserID = userID
		a.mu.Unlock()
		a.logger.Info("slack bot identity", "user_id", userID, "user", user)
	}

	a.restoreSessions()

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelRun = cancel
	go func() {
		defer close(a.done)
		if err := a.socket.Run(runCtx); err != nil {
			a.logger.Error("socket mode terminated", "error", err)
		}
	}()
	return nil
}

// Close stops the socket loop.
func (a *Adapter) Close(_ context.Context) error {
	if a.cancelRun != nil {
		a.cancelRun()
		<-a.done
	}
	return nil
}

// OnSessionCreated implements bridge.ServiceAdapter; socket adapters call
// the manager directly.
func (a *Adapter) OnSessionCreated(_ any) (bridge.SessionRequest, error) {
	return bridge.SessionRequest{}, bridge.ErrNotSupported
}

// restoreSessions rebuilds progress-message state from persisted sessions
// after a restart.
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
		if err := json.Unmarshal(raw, &state); err != nil || state.Channel == "" {
			continue
		}
		a.sessions[ps.ExternalSessionID] = &state
		if state.ThreadTS != "" {
			a.activeThreads[threadKey(state.Channel, state.ThreadTS)] = struct{}{}
		}
	}
	a.logger.Info("restored slack sessions", "count", len(restored))
}

func threadKey(channel, threadTS string) string {
	return channel + "\x00" + threadTS
}

func (a *Adapter) handleEnvelope(envelope EventEnvelope) {
	var payload struct {
		Event event `json:"event"`
	}
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		a.logger.Warn("malformed event payload", "error", err)
		return
	}

	ctx := context.Background()
	switch payload.Event.Type {
	case "app_mention":
		a.handleAppMention(ctx, payload.Event)
	case "message":
		a.handleThreadMessage(ctx, payload.Event)
	}
}

func (a *Adapter) sessionID(channel, threadTS string) string {
	if a.cfg.AgentName == "" {
		return fmt.Sprintf("slack:%s:%s", channel, threadTS)
	}
	return fmt.Sprintf("slack:%s:%s:%s", channel, threadTS, a.cfg.AgentName)
}

func (a *Adapter) handleAppMention(ctx context.Context, ev event) {
	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}
	sessionID := a.sessionID(ev.Channel, threadTS)

	prompt := strings.TrimSpace(mentionPattern.ReplaceAllString(ev.Text, ""))
	if prompt == "" {
		if _, err := a.cfg.API.PostMessage(ctx, ev.Channel, "Hi! Please include a message when you @mention me.", threadTS); err != nil {
			a.logger.Warn("empty-mention reply failed", "error", err)
		}
		return
	}

	a.mu.Lock()
	_, known := a.sessions[sessionID]
	_, activeThread := a.activeThreads[threadKey(ev.Channel, threadTS)]
	a.mu.Unlock()

	// A mention inside a thread the bot already works in continues the
	// session instead of starting a duplicate.
	if known || activeThread {
		a.followUp(ctx, sessionID, ev, threadTS, prompt)
		return
	}

	// Pull earlier thread messages in as context when mentioned mid-thread.
	threadContext := ""
	if ev.ThreadTS != "" {
		threadContext = a.threadContext(ctx, ev.Channel, threadTS, ev.TS)
	}

	progressTS, err := a.cfg.API.PostMessage(ctx, ev.Channel, "🤔 Thinking...", threadTS)
	if err != nil {
		a.logger.Error("initial progress message failed", "error", err)
		return
	}

	state := &sessionState{
		Channel:     ev.Channel,
		ThreadTS:    threadTS,
		ProgressTS:  progressTS,
		CurrentText: "🤔 Thinking...",
	}
	a.mu.Lock()
	a.sessions[sessionID] = state
	a.activeThreads[threadKey(ev.Channel, threadTS)] = struct{}{}
	a.mu.Unlock()

	req := bridge.SessionRequest{
		ExternalSessionID: sessionID,
		ServiceName:       a.ServiceName(),
		AgentName:         a.cfg.AgentName,
		Prompt:            threadContext + prompt,
		DescriptiveName:   repo.Slugify(prompt, 60),
		ServiceMetadata:   state.metadata(),
	}
	if err := a.cfg.Manager.HandleNewSession(ctx, a, req); err != nil {
		a.logger.Error("session failed", "session_id", sessionID, "error", err)
	}
}

// handleThreadMessage continues a session when someone mentions the bot in
// an active thread via a plain message event.
func (a *Adapter) handleThreadMessage(ctx context.Context, ev event) {
	if ev.Subtype == "bot_message" || ev.BotID != "" || ev.User == "" || ev.ThreadTS == "" {
		return
	}

	a.mu.Lock()
	botUserID := a.botUserID
	_, activeThread := a.activeThreads[threadKey(ev.Channel, ev.ThreadTS)]
	a.mu.Unlock()

	if !activeThread {
		return
	}
	// Untagged thread chatter is not for us.
	if botUserID == "" || !strings.Contains(ev.Text, "<@"+botUserID+">") {
		return
	}

	prompt := strings.TrimSpace(mentionPattern.ReplaceAllString(ev.Text, ""))
	if prompt == "" {
		return
	}
	a.followUp(ctx, a.sessionID(ev.Channel, ev.ThreadTS), ev, ev.ThreadTS, prompt)
}

func (a *Adapter) followUp(ctx context.Context, sessionID string, ev event, threadTS, prompt string) {
	// Follow-ups get a fresh progress message rather than editing the old
	// one, which already carries the previous turn's final text.
	progressTS, err := a.cfg.API.PostMessage(ctx, ev.Channel, "🤔 Thinking...", threadTS)
	if err != nil {
		a.logger.Error("follow-up progress message failed", "error", err)
		return
	}

	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	if !ok {
		state = &sessionState{Channel: ev.Channel, ThreadTS: threadTS}
		a.sessions[sessionID] = state
	}
	state.ProgressTS = progressTS
	state.CurrentText = "🤔 Thinking..."
	a.mu.Unlock()

	threadContext := a.threadContext(ctx, ev.Channel, threadTS, ev.TS)
	err = a.cfg.Manager.HandleFollowup(ctx, sessionID, threadContext+prompt)
	if bridge.IsNoSuchSession(err) {
		a.logger.Warn("no session to resume; starting fresh", "session_id", sessionID)
		req := bridge.SessionRequest{
			ExternalSessionID: sessionID,
			ServiceName:       a.ServiceName(),
			AgentName:         a.cfg.AgentName,
			Prompt:            threadContext + prompt,
			DescriptiveName:   repo.Slugify(prompt, 60),
			ServiceMetadata:   a.stateMetadata(sessionID),
		}
		if err := a.cfg.Manager.HandleNewSession(ctx, a, req); err != nil {
			a.logger.Error("restart failed", "session_id", sessionID, "error", err)
		}
		return
	}
	if err != nil {
		a.logger.Error("follow-up failed", "session_id", sessionID, "error", err)
	}
}

// threadContext formats earlier thread messages for the prompt, capped so
// a long thread cannot swamp the turn.
func (a *Adapter) threadContext(ctx context.Context, channel, threadTS, excludeTS string) string {
	replies, err := a.cfg.API.ThreadReplies(ctx, channel, threadTS)
	if err != nil {
		a.logger.Warn("thread history fetch failed", "error", err)
		return ""
	}

	var lines []string
	for _, msg := range replies {
		if msg.TS == excludeTS || msg.Text == "" {
			continue
		}
		name := "bot"
		if msg.User != "" {
			name = a.userName(ctx, msg.User)
		}
		lines = append(lines, name+": "+msg.Text)
	}
	if len(lines) == 0 {
		return ""
	}

	joined := strings.Join(lines, "\n")
	if len(joined) > maxThreadContextChars {
		joined = "...(earlier messages trimmed)...\n" + joined[len(joined)-maxThreadContextChars:]
	}
	return "Here is the conversation history from this Slack thread:\n\n" + joined + "\n\n---\n\n"
}

func (a *Adapter) userName(ctx context.Context, userID string) string {
	a.mu.Lock()
	if name, ok := a.userNames[userID]; ok {
		a.mu.Unlock()
		return name
	}
	a.mu.Unlock()

	name, err := a.cfg.API.UserName(ctx, userID)
	if err != nil || name == "" {
		name = userID
	}
	a.mu.Lock()
	a.userNames[userID] = name
	a.mu.Unlock()
	return name
}

func (s *sessionState) metadata() map[string]any {
	return map[string]any{
		"channel":             s.Channel,
		"thread_ts":           s.ThreadTS,
		"progress_message_ts": s.ProgressTS,
		"current_text":        s.CurrentText,
	}
}

func (a *Adapter) stateMetadata(sessionID string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state, ok := a.sessions[sessionID]; ok {
		return state.metadata()
	}
	return nil
}

// SendUpdate implements bridge.ServiceAdapter: progress renders by
// editing the session's progress message in place.
func (a *Adapter) SendUpdate(ctx context.Context, sessionID string, update bridge.Update) error {
	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		a.logger.Warn("update for unknown session", "session_id", sessionID)
		return nil
	}
	channel, ts, current := state.Channel, state.ProgressTS, state.CurrentText
	a.mu.Unlock()

	var newText string
	switch update.Kind {
	case bridge.KindThought:
		newText = "💭 " + update.Text

	case bridge.KindAction:
		line := "⚙️ `" + update.Title + "`"
		if update.Status == bridge.ActionFailed {
			line = "⚠️ `" + update.Title + "` failed"
		}
		newText = current + "\n" + line
		newText = trimOldLines(newText, maxMessageLength)

	case bridge.KindPlan:
		var lines []string
		for _, step := range update.Steps {
			marker := "☐"
			switch step.Status {
			case bridge.PlanCompleted:
				marker = "☑"
			case bridge.PlanInProgress:
				marker = "▸"
			}
			lines = append(lines, marker+" "+step.Content)
		}
		newText = "📋 *Plan*\n" + strings.Join(lines, "\n")

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

	newText = truncateForSlack(newText, maxMessageLength)
	if err := a.safeUpdateMessage(ctx, channel, ts, newText); err != nil {
		return err
	}
	a.mu.Lock()
	if state, ok := a.sessions[sessionID]; ok {
		state.CurrentText = newText
	}
	a.mu.Unlock()
	return nil
}

// SendCompletion replaces the progress message with the final response.
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
		text += "\n\n<" + sessionURL + "|View full session>"
	}
	return a.safeUpdateMessage(ctx, state.Channel, state.ProgressTS, truncateForSlack(text, maxMessageLength))
}

// SendError replaces the progress message with the failure.
func (a *Adapter) SendError(ctx context.Context, sessionID, errMsg string) error {
	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	delete(a.messages, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.safeUpdateMessage(ctx, state.Channel, state.ProgressTS, "❌ "+errMsg)
}

// safeUpdateMessage retries msg_too_long rejections with a shorter text.
func (a *Adapter) safeUpdateMessage(ctx context.Context, channel, ts, text string) error {
	err := a.cfg.API.UpdateMessage(ctx, channel, ts, text)
	if err == nil || !IsMsgTooLong(err) {
		return err
	}
	a.logger.Warn("slack msg_too_long, retrying shorter", "channel", channel, "ts", ts)
	return a.cfg.API.UpdateMessage(ctx, channel, ts, truncateForSlack(text, retryMaxMessageLength))
}

func truncateForSlack(text string, maxLength int) string {
	if len(text) <= maxLength {
		return text
	}
	cut := maxLength - len(truncationNotice)
	if cut <= 0 {
		return truncationNotice[:maxLength]
	}
	return text[:cut] + truncationNotice
}

// trimOldLines drops lines from the top until the text fits.
func trimOldLines(text string, maxLength int) string {
	if len(text) <= maxLength {
		return text
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 && len(strings.Join(lines, "\n")) > maxLength {
		lines = lines[1:]
	}
	return "_(earlier tool calls trimmed)_\n" + strings.Join(lines, "\n")
}

var _ bridge.ServiceAdapter = (*Adapter)(nil)
