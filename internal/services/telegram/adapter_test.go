package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/acp-bridge/internal/bridge"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeBot struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	nextID  int
	updates chan tgbotapi.Update
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBot) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {}

func (f *fakeBot) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeOrchestrator struct {
	mu        sync.Mutex
	started   []bridge.SessionRequest
	followups [][2]string
	stops     []string
}

func (f *fakeOrchestrator) HandleNewSession(_ context.Context, _ bridge.ServiceAdapter, req bridge.SessionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return nil
}

func (f *fakeOrchestrator) HandleFollowup(_ context.Context, id, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followups = append(f.followups, [2]string{id, prompt})
	return nil
}

func (f *fakeOrchestrator) HandleStop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	return nil
}

func (f *fakeOrchestrator) SessionsForService(string) []bridge.PersistedSession { return nil }
func (f *fakeOrchestrator) SessionURL(string) string                            { return "" }

func newTestAdapter(t *testing.T, orch *fakeOrchestrator) (*Adapter, *fakeBot) {
	t.Helper()
	bot := newFakeBot()
	adapter := NewAdapter(AdapterConfig{
		Manager:    orch,
		Token:      "123:abc",
		AllowedIDs: []int64{1},
		AgentName:  "claude",
		newBot:     func(string) (botAPI, error) { return bot, nil },
	})
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { adapter.Close(context.Background()) })
	return adapter, bot
}

func message(userID, chatID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text: text,
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: chatID},
	}
}

func TestAdapter_MessageStartsSession(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, bot := newTestAdapter(t, orch)

	adapter.handleMessage(context.Background(), message(1, 99, "fix the flaky test"))

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.started) != 1 {
		t.Fatalf("started = %+v", orch.started)
	}
	req := orch.started[0]
	if req.ExternalSessionID != "telegram:99:claude" {
		t.Fatalf("session id = %q", req.ExternalSessionID)
	}
	if req.ServiceMetadata["chat_id"] != int64(99) {
		t.Fatalf("metadata = %v", req.ServiceMetadata)
	}
	if texts := bot.texts(); len(texts) != 1 || texts[0] != "🤔 Thinking..." {
		t.Fatalf("sent = %v", texts)
	}
}

func TestAdapter_SecondMessageIsFollowup(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, _ := newTestAdapter(t, orch)
	ctx := context.Background()

	adapter.handleMessage(ctx, message(1, 99, "first"))
	adapter.handleMessage(ctx, message(1, 99, "second"))

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.started) != 1 {
		t.Fatalf("started = %+v", orch.started)
	}
	if len(orch.followups) != 1 || orch.followups[0][1] != "second" {
		t.Fatalf("followups = %v", orch.followups)
	}
}

func TestAdapter_StopCommand(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, _ := newTestAdapter(t, orch)
	ctx := context.Background()

	adapter.handleMessage(ctx, message(1, 99, "work"))
	adapter.handleMessage(ctx, message(1, 99, "/stop"))

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.stops) != 1 || orch.stops[0] != "telegram:99:claude" {
		t.Fatalf("stops = %v", orch.stops)
	}
	// /stop must not queue as a prompt.
	if len(orch.followups) != 0 {
		t.Fatalf("followups = %v", orch.followups)
	}
}

func TestAdapter_ProgressAndCompletion(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, bot := newTestAdapter(t, orch)
	ctx := context.Background()

	adapter.handleMessage(ctx, message(1, 99, "work"))
	sessionID := "telegram:99:claude"

	adapter.SendUpdate(ctx, sessionID, bridge.Update{Kind: bridge.KindThought, Text: "thinking hard"})
	adapter.SendUpdate(ctx, sessionID, bridge.Update{Kind: bridge.KindMessageChunk, Text: "All done."})
	adapter.SendCompletion(ctx, sessionID, "Work completed", "")

	texts := bot.texts()
	if len(texts) != 3 {
		t.Fatalf("sent = %v", texts)
	}
	if texts[1] != "💭 thinking hard" {
		t.Fatalf("thought = %q", texts[1])
	}
	if texts[2] != "All done." {
		t.Fatalf("final = %q", texts[2])
	}
}

func TestAdapter_PollAllowlist(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, bot := newTestAdapter(t, orch)

	// Denied user goes through the poll loop filter.
	bot.updates <- tgbotapi.Update{Message: message(666, 50, "let me in")}
	bot.updates <- tgbotapi.Update{Message: message(1, 99, "allowed")}

	waitFor(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		return len(orch.started) == 1
	})

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if orch.started[0].ExternalSessionID != "telegram:99:claude" {
		t.Fatalf("started = %+v", orch.started)
	}
	if strings.Contains(orch.started[0].Prompt, "let me in") {
		t.Fatal("denied user reached the manager")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
