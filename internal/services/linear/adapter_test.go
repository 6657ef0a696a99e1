package linear

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/acp-bridge/internal/bridge"
)

// fakeOrchestrator records manager calls.
type fakeOrchestrator struct {
	mu        sync.Mutex
	started   []bridge.SessionRequest
	followups [][2]string
	stops     []string
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

func (f *fakeOrchestrator) HandleStop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	return nil
}

func (f *fakeOrchestrator) SessionsForService(string) []bridge.PersistedSession { return nil }
func (f *fakeOrchestrator) SessionURL(string) string                           { return "" }

// graphqlRecorder is an httptest Linear API that records mutations.
type graphqlRecorder struct {
	mu       sync.Mutex
	requests []graphqlRequest
}

func (g *graphqlRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		g.requests = append(g.requests, req)
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"agentActivityCreate":{"success":true}}}`))
	})
}

func (g *graphqlRecorder) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func newTestAdapter(t *testing.T, orch *fakeOrchestrator) (*Adapter, *graphqlRecorder) {
	t.Helper()
	recorder := &graphqlRecorder{}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)

	adapter := NewAdapter(AdapterConfig{
		Manager:       orch,
		API:           NewAPIClient("lin_api_test", server.URL),
		AgentName:     "claude",
		WebhookSecret: "whsec",
		RoutePath:     "/webhooks/linear",
	})
	return adapter, recorder
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, adapter *Adapter, payload string, signature string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	adapter.RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/linear", strings.NewReader(payload))
	if signature != "" {
		req.Header.Set("Linear-Signature", signature)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func createdPayload(t *testing.T) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"type":   "AgentSessionEvent",
		"action": "created",
		"agentSession": map[string]any{
			"id": "las_123",
			"issue": map[string]any{
				"id": "iss_1", "identifier": "ENG-42", "title": "Fix the login crash", "teamId": "",
			},
		},
		"promptContext":    "Please fix the login crash",
		"webhookTimestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(payload)
}

func TestAdapter_CreatedWebhookStartsSession(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, _ := newTestAdapter(t, orch)

	payload := createdPayload(t)
	rec := postWebhook(t, adapter, payload, sign([]byte(payload), "whsec"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	adapter.Close(context.Background())

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.started) != 1 {
		t.Fatalf("started = %+v", orch.started)
	}
	req := orch.started[0]
	if req.ExternalSessionID != "las_123" {
		t.Fatalf("session id = %q", req.ExternalSessionID)
	}
	if req.ServiceName != "linear:claude" {
		t.Fatalf("service = %q", req.ServiceName)
	}
	if req.Prompt != "Please fix the login crash" {
		t.Fatalf("prompt = %q", req.Prompt)
	}
	if req.DescriptiveName != "fix-the-login-crash" {
		t.Fatalf("slug = %q", req.DescriptiveName)
	}
}

func TestAdapter_BadSignatureRejected(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, _ := newTestAdapter(t, orch)

	payload := createdPayload(t)
	rec := postWebhook(t, adapter, payload, "deadbeef")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	adapter.Close(context.Background())
	if len(orch.started) != 0 {
		t.Fatal("unsigned webhook processed")
	}
}

func TestAdapter_StaleTimestampRejected(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, _ := newTestAdapter(t, orch)

	payload, _ := json.Marshal(map[string]any{
		"type": "AgentSessionEvent", "action": "created",
		"agentSession":     map[string]any{"id": "las_old"},
		"webhookTimestamp": time.Now().Add(-10 * time.Minute).UnixMilli(),
	})
	rec := postWebhook(t, adapter, string(payload), sign(payload, "whsec"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdapter_PromptedFollowupAndStop(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, _ := newTestAdapter(t, orch)

	followup, _ := json.Marshal(map[string]any{
		"type": "AgentSessionEvent", "action": "prompted",
		"agentSession":  map[string]any{"id": "las_123"},
		"agentActivity": map[string]any{"content": map[string]any{"type": "prompt", "body": "also add a test"}},
	})
	rec := postWebhook(t, adapter, string(followup), sign(followup, "whsec"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	adapter.Close(context.Background())

	orch.mu.Lock()
	if len(orch.followups) != 1 || orch.followups[0] != [2]string{"las_123", "also add a test"} {
		t.Fatalf("followups = %v", orch.followups)
	}
	orch.mu.Unlock()

	stop, _ := json.Marshal(map[string]any{
		"type": "AgentSessionEvent", "action": "prompted",
		"agentSession":  map[string]any{"id": "las_123"},
		"agentActivity": map[string]any{"signal": "stop"},
	})
	rec = postWebhook(t, adapter, string(stop), sign(stop, "whsec"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	adapter.Close(context.Background())

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.stops) != 1 || orch.stops[0] != "las_123" {
		t.Fatalf("stops = %v", orch.stops)
	}
}

func TestAdapter_UpdatesRenderAsActivities(t *testing.T) {
	orch := &fakeOrchestrator{}
	adapter, recorder := newTestAdapter(t, orch)
	ctx := context.Background()

	if err := adapter.SendUpdate(ctx, "las_1", bridge.Update{Kind: bridge.KindThought, Text: "reading code"}); err != nil {
		t.Fatalf("thought: %v", err)
	}
	if err := adapter.SendUpdate(ctx, "las_1", bridge.Update{
		Kind: bridge.KindAction, Title: "Edit file", Status: bridge.ActionCompleted, Locations: []string{"main.go"},
	}); err != nil {
		t.Fatalf("action: %v", err)
	}
	// Message chunks buffer silently.
	if err := adapter.SendUpdate(ctx, "las_1", bridge.Update{Kind: bridge.KindMessageChunk, Text: "I fixed it."}); err != nil {
		t.Fatalf("message: %v", err)
	}
	if recorder.count() != 2 {
		t.Fatalf("api calls = %d, want 2 (thought + action)", recorder.count())
	}

	// Completion flushes the accumulated message as the response body.
	if err := adapter.SendCompletion(ctx, "las_1", "Work completed", ""); err != nil {
		t.Fatalf("completion: %v", err)
	}
	recorder.mu.Lock()
	last := recorder.requests[len(recorder.requests)-1]
	recorder.mu.Unlock()
	input := last.Variables["input"].(map[string]any)
	content := input["content"].(map[string]any)
	if content["type"] != "response" || content["body"] != "I fixed it." {
		t.Fatalf("response content = %v", content)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"x":1}`)
	good := sign(body, "secret")
	if !VerifySignature(body, good, "secret") {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature(body, good, "other") {
		t.Fatal("wrong secret accepted")
	}
	if VerifySignature(body, "", "secret") {
		t.Fatal("empty signature accepted")
	}
}
