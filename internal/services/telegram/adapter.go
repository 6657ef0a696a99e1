// Package telegram is a chat adapter: direct messages to the bot start
// agent sessions, with streaming progress rendered through message edits.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/acp-bridge/internal/bridge"
	"github.com/basket/acp-bridge/internal/repo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botAPI abstracts tgbotapi.BotAPI for tests.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// sessionState tracks the chat and the progress message edited in place.
type sessionState struct {
	ChatID      int64  `json:"chat_id"`
	ProgressID  int    `json:"progress_message_id"`
	CurrentText string `json:"current_text"`
}

// AdapterConfig configures a Telegram adapter instance.
type AdapterConfig struct {
	Manager    bridge.Orchestrator
	Token      string
	AllowedIDs []int64
	AgentName  string
	Logger     *slog.Logger

	// newBot overrides bot construction in tests.
	newBot func(token string) (botAPI, error)
}

// Adapter implements bridge.ServiceAdapter over Telegram long polling.
// Each chat maps to one session; /stop cancels the running turn.
type Adapter struct {
	cfg     AdapterConfig
	logger  *slog.Logger
	allowed map[int64]struct{}

	mu       sync.Mutex
	bot      botAPI
	sessions map[string]*sessionState
	messages map[string]*strings.Builder

	cancelRun context.CancelFunc
	done      chan struct{}
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("component", "telegram", "agent", cfg.AgentName),
		allowed:  allowed,
		sessions: make(map[string]*sessionState),
		messages: make(map[string]*strings.Builder),
		done:     make(chan struct{}),
	}
}

// ServiceName implements bridge.ServiceAdapter.
func (a *Adapter) ServiceName() string {
	if a.cfg.AgentName == "" {
		return "telegram"
	}
	return "telegram:" + a.cfg.AgentName
}

// RegisterRoutes implements bridge.ServiceAdapter; long polling needs no
// HTTP ingress.
func (a *Adapter) RegisterRoutes(_ *http.ServeMux) {}

// Start connects the bot and begins the polling loop in the background.
func (a *Adapter) Start(_ context.Context) error {
	newBot := a.cfg.newBot
	if newBot == nil {
		newBot = func(token string) (botAPI, error) {
			return tgbotapi.NewBotAPI(token)
		}
	}
	bot, err := newBot(a.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	a.mu.Lock()
	a.bot = bot
	a.mu.Unlock()

	a.restoreSessions()

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelRun = cancel
	go func() {
		defer close(a.done)
		a.pollLoop(runCtx, bot)
	}()
	a.logger.Info("telegram adapter started")
	return nil
}

// Close stops the polling loop.
func (a *Adapter) Close(_ context.Context) error {
	if a.cancelRun != nil {
		a.cancelRun()
		<-a.done
	}
	return nil
}

// OnSessionCreated implements bridge.ServiceAdapter; socket-style
// adapters call the manager directly.
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
		meta := ps.ServiceMetadata
		if meta == nil {
			continue
		}
		state := &sessionState{}
		if v, ok := meta["chat_id"].(float64); ok {
			state.ChatID = int64(v)
		}
		if v, ok := meta["progress_message_id"].(float64); ok {
			state.ProgressID = int(v)
		}
		if state.ChatID == 0 {
			continue
		}
		a.sessions[ps.ExternalSessionID] = state
	}
	a.logger.Info("restored telegram sessions", "count", len(restored))
}

// pollLoop drives long polling with reconnect backoff and stall
// detection (the library blocks rather than closing the channel when the
// connection dies).
func (a *Adapter) pollLoop(ctx context.Context, bot botAPI) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		cfg := tgbotapi.NewUpdate(0)
		cfg.Timeout = 60
		updates := bot.GetUpdatesChan(cfg)

		pollErr := a.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return // context cancelled
		}

		a.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *Adapter) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// 60s long-poll timeout; silence well past that means a dead
	// connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if len(a.allowed) > 0 {
				if _, ok := a.allowed[update.Message.From.ID]; !ok {
					a.logger.Warn("telegram access denied", "user_id", update.Message.From.ID)
					continue
				}
			}
			a.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (a *Adapter) sessionID(chatID int64) string {
	if a.cfg.AgentName == "" {
		return fmt.Sprintf("telegram:%d", chatID)
	}
	return fmt.Sprintf("telegram:%d:%s", chatID, a.cfg.AgentName)
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	sessionID := a.sessionID(msg.Chat.ID)

	if content == "/stop" {
		if err := a.cfg.Manager.HandleStop(ctx, sessionID); err != nil {
			a.reply(msg.Chat.ID, "Nothing to stop.")
		}
		return
	}

	progressID, err := a.postMessage(msg.Chat.ID, "🤔 Thinking...")
	if err != nil {
		a.logger.Error("progress message failed", "error", err)
		return
	}

	a.mu.Lock()
	state, known := a.sessions[sessionID]
	if !known {
		state = &sessionState{ChatID: msg.Chat.ID}
		a.sessions[sessionID] = state
	}
	state.ProgressID = progressID
	state.CurrentText = "🤔 Thinking..."
	a.mu.Unlock()

	if known {
		err := a.cfg.Manager.HandleFollowup(ctx, sessionID, content)
		if err == nil {
			return
		}
		if !bridge.IsNoSuchSession(err) {
			a.logger.Error("follow-up failed", "session_id", sessionID, "error", err)
			return
		}
	}

	req := bridge.SessionRequest{
		ExternalSessionID: sessionID,
		ServiceName:       a.ServiceName(),
		AgentName:         a.cfg.AgentName,
		Prompt:            content,
		DescriptiveName:   repo.Slugify(content, 60),
		ServiceMetadata: map[string]any{
			"chat_id":             msg.Chat.ID,
			"progress_message_id": progressID,
		},
	}
	if err := a.cfg.Manager.HandleNewSession(ctx, a, req); err != nil {
		a.logger.Error("session failed", "session_id", sessionID, "error", err)
	}
}

// SendUpdate implements bridge.ServiceAdapter: progress renders by
// editing the session's progress message.
func (a *Adapter) SendUpdate(_ context.Context, sessionID string, update bridge.Update) error {
	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	chatID, progressID, current := state.ChatID, state.ProgressID, state.CurrentText
	a.mu.Unlock()

	var newText string
	switch update.Kind {
	case bridge.KindThought:
		newText = "💭 " + update.Text
	case bridge.KindAction:
		newText = current + "\n⚙️ " + update.Title
	case bridge.KindPlan:
		var lines []string
		for _, step := range update.Steps {
			marker := "•"
			if step.Status == bridge.PlanCompleted {
				marker = "✓"
			}
			lines = append(lines, marker+" "+step.Content)
		}
		newText = "Plan:\n" + strings.Join(lines, "\n")
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

	// Telegram caps messages at 4096 characters.
	if len(newText) > 4000 {
		newText = newText[len(newText)-4000:]
	}
	if err := a.editMessage(chatID, progressID, newText); err != nil {
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
func (a *Adapter) SendCompletion(_ context.Context, sessionID, message, sessionURL string) error {
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
		text += "\n\n" + sessionURL
	}
	if len(text) > 4000 {
		text = text[:4000] + "…"
	}
	return a.editMessage(state.ChatID, state.ProgressID, text)
}

// SendError replaces the progress message with the failure.
func (a *Adapter) SendError(_ context.Context, sessionID, errMsg string) error {
	a.mu.Lock()
	state, ok := a.sessions[sessionID]
	delete(a.messages, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.editMessage(state.ChatID, state.ProgressID, "❌ "+errMsg)
}

func (a *Adapter) postMessage(chatID int64, text string) (int, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return 0, fmt.Errorf("telegram: not started")
	}
	sent, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (a *Adapter) editMessage(chatID int64, messageID int, text string) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram: not started")
	}
	_, err := bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

func (a *Adapter) reply(chatID int64, text string) {
	if _, err := a.postMessage(chatID, text); err != nil {
		a.logger.Error("telegram reply failed", "error", err)
	}
}

var _ bridge.ServiceAdapter = (*Adapter)(nil)
