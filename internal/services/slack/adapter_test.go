package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/basket/acp-bridge/internal/bridge"
)

// fakeSlackAPI implements enough of the Web API for adapter tests.
type fakeSlackAPI struct {
	mu       sync.Mutex
	posted   []map[string]any
	updates  []map[string]any
	tooLong  bool
	nextTS   int
}

func (f *fakeSlackAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")

		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "auth.test"):
			w.Write([]byte(`{"ok":true,"user_id":"UBOT","user":"bridge-bot"}`))
		case strings.HasSuffix(r.URL.Path, "chat.postMessage"):
			f.posted = append(f.posted, payload)
			f.nextTS++
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": ts(f.nextTS)})
		case strings.HasSuffix(r.URL.Path, "chat.update"):
			if f.tooLong {
				text, _ := payload["text"].(string)
				if len(text) > retryMaxMessageLength {
					w.Write([]byte(`{"ok":false,"error":"msg_too_long"}`))
					return
				}
			}
			f.updates = append(f.updates, payload)
			w.Write([]byte(`{"ok":true}`))
		case strings.HasSuffix(r.URL.Path, "conversations.replies"):
			w.Write([]byte(`{"ok":true,"messages":[{"user":"U1","text":"earlier message","ts":"1.0"}]}`))
		case strings.HasSuffix(r.URL.Path, "users.info"):
			w.Write([]byte(`{"ok":true,"user":{"name":"ana","real_name":"Ana"}}`))
		default:
			w.Write([]byte(`{"ok":true}`))
		}
	})
}

func ts(n int) string { return "1700000000." + string(rune('0'+n)) }

type fakeOrchestrator struct {
	mu        sync.Mutex
	started   []bridge.SessionRequest
	followups [][2]string
	followErr error
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
	if f.followErr != nil {
		return f.followErr
	}
	f.followups = append(f.followups, [2]string{id, prompt})
	return nil
}

func (f *fakeOrchestrator) HandleStop(_ context.Context, _ string) error { return nil }
func (f *fakeOrchestrator) SessionsForService(string) []bridge.PersistedSession {
	return nil
}
func (f *fakeOrchestrator) SessionURL(string) string { return "" }

func newTestAdapter(t *testing.T, orch *fakeOrchestrator) (*Adapter, *fakeSlackAPI) {
	t.Helper()
	api := &fakeSlackAPI{}
	server := httptest.NewServer(api.handler())
	t.Cleanup(server.Close)

	adapter := NewAdapter(AdapterConfig{
		Manager:   orch,
		API:       NewAPIClient("xoxb-test", server.URL),
		AppToken:  "xapp-test",
		AgentName: "claude",
	})
	// Tests drive events directly; no socket.
	adapter.mu.Lock()
	adapter.botUserID = "UBOT"
	adapter.mu.Unlock()
	return adapter, api
}

func mentionEvent(channel, ts, threadTS, text string) event {
	return event{Type: "app_mention", Channel: channel, TS: ts, ThreadTS: threadTS, Text: text, User: "U1"}
}

func TestAdapter_MentionStartsSession(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, api := newTestAdapter(t, orch)

	adapter.handleAppMention(context.Background(), mentionEvent("C1", "100.1", "", "<@UBOT> fix the build"))

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.started) != 1 {
		t.Fatalf("started = %+v", orch.started)
	}
	req := orch.started[0]
	if req.ExternalSessionID != "slack:C1:100.1:claude" {
		t.Fatalf("session id = %q", req.ExternalSessionID)
	}
	if req.Prompt != "fix the build" {
		t.Fatalf("prompt = %q", req.Prompt)
	}
	if req.ServiceMetadata["channel"] != "C1" {
		t.Fatalf("metadata = %v", req.ServiceMetadata)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.posted) != 1 || api.posted[0]["text"] != "🤔 Thinking..." {
		t.Fatalf("posted = %v", api.posted)
	}
}

func TestAdapter_EmptyMentionGetsHelp(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, api := newTestAdapter(t, orch)

	adapter.handleAppMention(context.Background(), mentionEvent("C1", "100.1", "", "<@UBOT>"))

	if len(orch.started) != 0 {
		t.Fatal("empty mention started a session")
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.posted) != 1 || !strings.Contains(api.posted[0]["text"].(string), "include a message") {
		t.Fatalf("posted = %v", api.posted)
	}
}

func TestAdapter_ThreadReplyBecomesFollowup(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, _ := newTestAdapter(t, orch)
	ctx := context.Background()

	adapter.handleAppMention(ctx, mentionEvent("C1", "100.1", "", "<@UBOT> fix it"))

	// A later reply in the same thread, mentioning the bot.
	adapter.handleThreadMessage(ctx, event{
		Type: "message", Channel: "C1", TS: "100.9", ThreadTS: "100.1",
		Text: "<@UBOT> also update the docs", User: "U2",
	})

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.followups) != 1 {
		t.Fatalf("followups = %v", orch.followups)
	}
	if orch.followups[0][0] != "slack:C1:100.1:claude" {
		t.Fatalf("followup session = %q", orch.followups[0][0])
	}
	if !strings.Contains(orch.followups[0][1], "also update the docs") {
		t.Fatalf("followup prompt = %q", orch.followups[0][1])
	}
	// Thread history was prefetched as context.
	if !strings.Contains(orch.followups[0][1], "conversation history") {
		t.Fatalf("missing thread context: %q", orch.followups[0][1])
	}
}

func TestAdapter_IgnoresBotAndUntaggedMessages(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, _ := newTestAdapter(t, orch)
	ctx := context.Background()

	adapter.handleAppMention(ctx, mentionEvent("C1", "100.1", "", "<@UBOT> fix it"))

	adapter.handleThreadMessage(ctx, event{Type: "message", Channel: "C1", ThreadTS: "100.1", Text: "<@UBOT> hi", BotID: "B9"})
	adapter.handleThreadMessage(ctx, event{Type: "message", Channel: "C1", ThreadTS: "100.1", Text: "untagged chatter", User: "U2", TS: "101"})
	adapter.handleThreadMessage(ctx, event{Type: "message", Channel: "C2", ThreadTS: "999.9", Text: "<@UBOT> wrong thread", User: "U2", TS: "102"})

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.followups) != 0 {
		t.Fatalf("followups = %v", orch.followups)
	}
}

func TestAdapter_ProgressRendering(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, api := newTestAdapter(t, orch)
	ctx := context.Background()

	adapter.handleAppMention(ctx, mentionEvent("C1", "100.1", "", "<@UBOT> fix it"))
	sessionID := "slack:C1:100.1:claude"

	adapter.SendUpdate(ctx, sessionID, bridge.Update{Kind: bridge.KindThought, Text: "reading the code"})
	adapter.SendUpdate(ctx, sessionID, bridge.Update{Kind: bridge.KindAction, Title: "go test ./...", Status: bridge.ActionCompleted})
	adapter.SendUpdate(ctx, sessionID, bridge.Update{Kind: bridge.KindMessageChunk, Text: "All fixed."})
	adapter.SendCompletion(ctx, sessionID, "Work completed", "https://bridge/sessions/s1")

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.updates) != 3 {
		t.Fatalf("updates = %v", api.updates)
	}
	if api.updates[0]["text"] != "💭 reading the code" {
		t.Fatalf("thought = %v", api.updates[0]["text"])
	}
	if !strings.Contains(api.updates[1]["text"].(string), "⚙️ `go test ./...`") {
		t.Fatalf("action = %v", api.updates[1]["text"])
	}
	final := api.updates[2]["text"].(string)
	if !strings.Contains(final, "All fixed.") || !strings.Contains(final, "View full session") {
		t.Fatalf("final = %q", final)
	}
}

func TestAdapter_MsgTooLongRetries(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, api := newTestAdapter(t, orch)
	ctx := context.Background()

	adapter.handleAppMention(ctx, mentionEvent("C1", "100.1", "", "<@UBOT> fix it"))
	api.mu.Lock()
	api.tooLong = true
	api.mu.Unlock()

	long := strings.Repeat("x", 20_000)
	if err := adapter.SendUpdate(ctx, "slack:C1:100.1:claude", bridge.Update{Kind: bridge.KindThought, Text: long}); err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.updates) != 1 {
		t.Fatalf("updates = %d, want 1 successful retry", len(api.updates))
	}
	if text := api.updates[0]["text"].(string); len(text) > retryMaxMessageLength {
		t.Fatalf("retry text too long: %d", len(text))
	}
}

func TestTruncateForSlack(t *testing.T) {
	if got := truncateForSlack("short", 100); got != "short" {
		t.Fatalf("short text altered: %q", got)
	}
	long := strings.Repeat("a", 200)
	got := truncateForSlack(long, 100)
	if len(got) > 100 {
		t.Fatalf("len = %d", len(got))
	}
	if !strings.Contains(got, "truncated") {
		t.Fatalf("notice missing: %q", got)
	}
}
