package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/acp-bridge/internal/acp"
)

// fakeStore is an in-memory SessionStore.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]PersistedSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]PersistedSession)}
}

func (s *fakeStore) Put(session PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ExternalSessionID] = session
	return nil
}

func (s *fakeStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *fakeStore) List() ([]PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PersistedSession, 0, len(s.sessions))
	for _, ps := range s.sessions {
		out = append(out, ps)
	}
	return out, nil
}

func (s *fakeStore) get(id string) (PersistedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[id]
	return ps, ok
}

// fakeRepo hands out numbered worktrees and records cleanups.
type fakeRepo struct {
	mu        sync.Mutex
	counter   int
	cleanups  []string
	resumes   []string
	provision error
}

func (r *fakeRepo) Provision(_ context.Context, slug string) (RepoHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.provision != nil {
		return RepoHandle{}, r.provision
	}
	r.counter++
	cwd := fmt.Sprintf("/work/%s-%d", slug, r.counter)
	return RepoHandle{
		Cwd:        cwd,
		BranchName: fmt.Sprintf("acp-agent/%s-%d", slug, r.counter),
		Env:        []string{"GH_TOKEN=fake"},
		Cleanup: func(_ context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.cleanups = append(r.cleanups, cwd)
			return nil
		},
	}, nil
}

func (r *fakeRepo) Resume(_ context.Context, branch, cwd string) (RepoHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes = append(r.resumes, branch)
	return RepoHandle{Cwd: cwd, BranchName: branch, Env: []string{"GH_TOKEN=fresh"}}, nil
}

// fakeRunner scripts agent turns. The script receives the prompt and an
// emit function, and returns the stop reason; it runs until Cancel fires
// when slow is set.
type fakeRunner struct {
	id       string
	onUpdate acp.UpdateFunc
	slow     bool
	script   func(prompt string, emit func(acp.Update))

	mu        sync.Mutex
	started   bool
	resumedID string
	cwd       string
	closed    bool
	cancelCh  chan struct{}
	prompts   []string
}

func (f *fakeRunner) Start(_ context.Context, cwd, resumeSessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.cwd = cwd
	f.resumedID = resumeSessionID
	if resumeSessionID != "" {
		return resumeSessionID, nil
	}
	return f.id, nil
}

func (f *fakeRunner) Prompt(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, text)
	emit := f.onUpdate
	f.mu.Unlock()

	send := func(u acp.Update) {
		if emit != nil {
			emit(acp.UpdateEnvelope{SessionID: f.id, Update: u})
		}
	}
	if f.script != nil {
		f.script(text, send)
	} else {
		send(acp.Update{Kind: acp.UpdateAgentThoughtChunk, Content: &acp.ContentBlock{Type: "text", Text: "thinking"}})
		send(acp.Update{Kind: acp.UpdateAgentMessageChunk, Content: &acp.ContentBlock{Type: "text", Text: "done: " + text}})
	}
	if f.slow {
		select {
		case <-f.cancelCh:
			return acp.StopCancelled, nil
		case <-time.After(5 * time.Second):
		}
	}
	return acp.StopEndTurn, nil
}

func (f *fakeRunner) Cancel(_ context.Context) error {
	select {
	case f.cancelCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeRunner) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// runnerFactory builds fakeRunners and remembers them in order.
type runnerFactory struct {
	mu      sync.Mutex
	slow    bool
	script  func(prompt string, emit func(acp.Update))
	runners []*fakeRunner
}

func (rf *runnerFactory) factory(command string, env []string, onUpdate acp.UpdateFunc) AgentRunner {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	runner := &fakeRunner{
		id:       fmt.Sprintf("acp-sess-%d", len(rf.runners)+1),
		onUpdate: onUpdate,
		slow:     rf.slow,
		script:   rf.script,
		cancelCh: make(chan struct{}, 1),
	}
	rf.runners = append(rf.runners, runner)
	return runner
}

func (rf *runnerFactory) runner(i int) *fakeRunner {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if i >= len(rf.runners) {
		return nil
	}
	return rf.runners[i]
}

func resolveTestAgent(name string) (string, string, error) {
	if name == "" {
		name = "claude"
	}
	if name != "claude" {
		return "", "", fmt.Errorf("unknown agent %q", name)
	}
	return name, "claude-code-acp", nil
}

func newTestManager(t *testing.T, store *fakeStore, repo *fakeRepo, rf *runnerFactory) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		Repo:         repo,
		Store:        store,
		Runners:      rf.factory,
		ResolveAgent: resolveTestAgent,
		Window:       20 * time.Millisecond,
		BaseURL:      "https://bridge.example.com",
	})
}

func newSessionRequest(id string) SessionRequest {
	return SessionRequest{
		ExternalSessionID: id,
		ServiceName:       "svc-a",
		AgentName:         "claude",
		Prompt:            "fix the typo",
		DescriptiveName:   "svc-a-issue-1",
		ServiceMetadata:   map[string]any{"channel": "C1"},
	}
}

func TestManager_NewSessionHappyPath(t *testing.T) {
	store, repo, rf := newFakeStore(), &fakeRepo{}, &runnerFactory{}
	manager := newTestManager(t, store, repo, rf)
	adapter := newRecordingAdapter("svc-a")

	if err := manager.HandleNewSession(context.Background(), adapter, newSessionRequest("svc-a:issue-1")); err != nil {
		t.Fatalf("HandleNewSession: %v", err)
	}

	// Persistence carries the acp session id and worktree.
	ps, ok := store.get("svc-a:issue-1")
	if !ok {
		t.Fatal("session not persisted")
	}
	if ps.AcpSessionID != "acp-sess-1" {
		t.Fatalf("acp session id = %q", ps.AcpSessionID)
	}
	if ps.Cwd == "" || ps.BranchName == "" {
		t.Fatalf("persisted session incomplete: %+v", ps)
	}
	if ps.ServiceMetadata["channel"] != "C1" {
		t.Fatalf("metadata lost: %+v", ps.ServiceMetadata)
	}

	// Adapter saw the ack thought, at least one streamed update, and
	// exactly one completion carrying the agent's message.
	updates := adapter.waitUpdates(t, 2, 2*time.Second)
	if updates[0].Kind != KindThought {
		t.Fatalf("first update = %+v, want ack thought", updates[0])
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.completions) != 1 {
		t.Fatalf("completions = %v", adapter.completions)
	}
	if adapter.completions[0] != "done: fix the typo" {
		t.Fatalf("completion = %q", adapter.completions[0])
	}
	if adapter.sessionURLs[0] != "https://bridge.example.com/sessions/acp-sess-1" {
		t.Fatalf("session url = %q", adapter.sessionURLs[0])
	}
	if len(adapter.errors) != 0 {
		t.Fatalf("unexpected errors: %v", adapter.errors)
	}
}

func TestManager_DuplicateSessionBecomesFollowup(t *testing.T) {
	store, repo, rf := newFakeStore(), &fakeRepo{}, &runnerFactory{}
	manager := newTestManager(t, store, repo, rf)
	adapter := newRecordingAdapter("svc-a")

	req := newSessionRequest("svc-a:issue-1")
	if err := manager.HandleNewSession(context.Background(), adapter, req); err != nil {
		t.Fatalf("first: %v", err)
	}
	req.Prompt = "also lowercase it"
	if err := manager.HandleNewSession(context.Background(), adapter, req); err != nil {
		t.Fatalf("duplicate: %v", err)
	}

	// One subprocess only; the duplicate ran as a follow-up turn on it.
	if rf.runner(1) != nil {
		t.Fatal("duplicate request spawned a second agent")
	}
	first := rf.runner(0)
	first.mu.Lock()
	defer first.mu.Unlock()
	if len(first.prompts) != 2 || first.prompts[1] != "also lowercase it" {
		t.Fatalf("prompts = %v", first.prompts)
	}
}

func TestManager_FollowupWhileBusyQueues(t *testing.T) {
	store, repo := newFakeStore(), &fakeRepo{}
	release := make(chan struct{})
	rf := &runnerFactory{
		script: func(prompt string, emit func(acp.Update)) {
			emit(acp.Update{Kind: acp.UpdateAgentMessageChunk, Content: &acp.ContentBlock{Type: "text", Text: "did: " + prompt}})
			if prompt == "first" {
				<-release
			}
		},
	}
	manager := newTestManager(t, store, repo, rf)
	adapter := newRecordingAdapter("svc-a")

	req := newSessionRequest("svc-a:issue-1")
	req.Prompt = "first"

	done := make(chan error, 1)
	go func() { done <- manager.HandleNewSession(context.Background(), adapter, req) }()

	// Wait until the first turn is actually in flight.
	waitFor(t, 2*time.Second, func() bool {
		r := rf.runner(0)
		if r == nil {
			return false
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.prompts) == 1
	})

	if err := manager.HandleFollowup(context.Background(), "svc-a:issue-1", "second"); err != nil {
		t.Fatalf("HandleFollowup: %v", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("HandleNewSession: %v", err)
	}

	// The queued prompt ran exactly once, after the first turn, and both
	// completions arrived in order.
	waitFor(t, 2*time.Second, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return len(adapter.completions) == 2
	})
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.completions[0] != "did: first" || adapter.completions[1] != "did: second" {
		t.Fatalf("completions = %v", adapter.completions)
	}
}

func TestManager_FollowupUnknownSession(t *testing.T) {
	manager := newTestManager(t, newFakeStore(), &fakeRepo{}, &runnerFactory{})
	err := manager.HandleFollowup(context.Background(), "ghost", "hello?")
	if !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("err = %v, want ErrNoSuchSession", err)
	}
}

func TestManager_RestartRecovery(t *testing.T) {
	store, repo, rf := newFakeStore(), &fakeRepo{}, &runnerFactory{}
	manager := newTestManager(t, store, repo, rf)
	adapter := newRecordingAdapter("svc-a")

	if err := manager.HandleNewSession(context.Background(), adapter, newSessionRequest("svc-a:issue-1")); err != nil {
		t.Fatalf("HandleNewSession: %v", err)
	}
	persisted, _ := store.get("svc-a:issue-1")
	manager.Shutdown(context.Background())

	// "New process": fresh manager over the same store.
	rf2 := &runnerFactory{}
	manager2 := newTestManager(t, store, repo, rf2)
	adapter2 := newRecordingAdapter("svc-a")
	if n := manager2.RestoreSessionsForAdapter(adapter2); n != 1 {
		t.Fatalf("restored = %d", n)
	}

	if err := manager2.HandleFollowup(context.Background(), "svc-a:issue-1", "revert it"); err != nil {
		t.Fatalf("HandleFollowup after restart: %v", err)
	}

	runner := rf2.runner(0)
	if runner == nil {
		t.Fatal("follow-up did not respawn an agent")
	}
	runner.mu.Lock()
	if runner.resumedID != persisted.AcpSessionID {
		t.Fatalf("resume id = %q, want %q", runner.resumedID, persisted.AcpSessionID)
	}
	if runner.cwd != persisted.Cwd {
		t.Fatalf("resume cwd = %q, want %q", runner.cwd, persisted.Cwd)
	}
	runner.mu.Unlock()

	adapter2.mu.Lock()
	defer adapter2.mu.Unlock()
	if len(adapter2.completions) != 1 {
		t.Fatalf("completions = %v", adapter2.completions)
	}

	// The repo was refreshed for the resumed branch.
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.resumes) != 1 || repo.resumes[0] != persisted.BranchName {
		t.Fatalf("resumes = %v", repo.resumes)
	}
}

func TestManager_Cancellation(t *testing.T) {
	store, repo := newFakeStore(), &fakeRepo{}
	rf := &runnerFactory{slow: true, script: func(prompt string, emit func(acp.Update)) {
		for i := 0; i < 3; i++ {
			emit(acp.Update{Kind: acp.UpdateAgentThoughtChunk, Content: &acp.ContentBlock{Type: "text", Text: "step "}})
		}
	}}
	manager := newTestManager(t, store, repo, rf)
	adapter := newRecordingAdapter("svc-a")

	done := make(chan error, 1)
	go func() {
		done <- manager.HandleNewSession(context.Background(), adapter, newSessionRequest("svc-a:issue-1"))
	}()

	waitFor(t, 2*time.Second, func() bool { return rf.runner(0) != nil })
	waitFor(t, 2*time.Second, func() bool {
		r := rf.runner(0)
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.prompts) == 1
	})

	start := time.Now()
	if err := manager.HandleStop(context.Background(), "svc-a:issue-1"); err != nil {
		t.Fatalf("HandleStop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("HandleNewSession: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}

	adapter.mu.Lock()
	completions := append([]string(nil), adapter.completions...)
	updateCount := len(adapter.updates)
	adapter.mu.Unlock()

	if len(completions) != 1 || completions[0] != "Stopped as requested." {
		t.Fatalf("completions = %v", completions)
	}

	// No further updates after the terminal completion.
	time.Sleep(100 * time.Millisecond)
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.updates) != updateCount {
		t.Fatalf("updates after cancel: %v", adapter.updates[updateCount:])
	}
}

func TestManager_ExclusiveCwds(t *testing.T) {
	store, repo, rf := newFakeStore(), &fakeRepo{}, &runnerFactory{}
	manager := newTestManager(t, store, repo, rf)
	adapter := newRecordingAdapter("svc-a")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := newSessionRequest(fmt.Sprintf("svc-a:issue-%d", i))
			if err := manager.HandleNewSession(context.Background(), adapter, req); err != nil {
				t.Errorf("session %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	cwds := manager.ActiveCwds()
	if len(cwds) != 5 {
		t.Fatalf("distinct cwds = %d, want 5", len(cwds))
	}
}

func TestManager_RemoveSession(t *testing.T) {
	store, repo, rf := newFakeStore(), &fakeRepo{}, &runnerFactory{}
	manager := newTestManager(t, store, repo, rf)
	adapter := newRecordingAdapter("svc-a")

	if err := manager.HandleNewSession(context.Background(), adapter, newSessionRequest("svc-a:issue-1")); err != nil {
		t.Fatalf("HandleNewSession: %v", err)
	}
	if err := manager.RemoveSession(context.Background(), "svc-a:issue-1"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}

	if _, ok := store.get("svc-a:issue-1"); ok {
		t.Fatal("persisted record survived removal")
	}
	repo.mu.Lock()
	cleanups := len(repo.cleanups)
	repo.mu.Unlock()
	if cleanups != 1 {
		t.Fatalf("cleanups = %d", cleanups)
	}
	if !rf.runner(0).isClosed() {
		t.Fatal("agent not closed on removal")
	}
	if err := manager.RemoveSession(context.Background(), "svc-a:issue-1"); !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("second removal err = %v", err)
	}
}

func TestManager_ShutdownKeepsPersistence(t *testing.T) {
	store, repo, rf := newFakeStore(), &fakeRepo{}, &runnerFactory{}
	manager := newTestManager(t, store, repo, rf)
	adapter := newRecordingAdapter("svc-a")

	if err := manager.HandleNewSession(context.Background(), adapter, newSessionRequest("svc-a:issue-1")); err != nil {
		t.Fatalf("HandleNewSession: %v", err)
	}
	manager.Shutdown(context.Background())

	if !rf.runner(0).isClosed() {
		t.Fatal("agent not closed on shutdown")
	}
	if _, ok := store.get("svc-a:issue-1"); !ok {
		t.Fatal("persisted record cleared by shutdown")
	}
	if err := manager.HandleNewSession(context.Background(), adapter, newSessionRequest("svc-a:issue-2")); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("post-shutdown err = %v", err)
	}
}

func TestManager_ProvisionFailureSurfacesError(t *testing.T) {
	store := newFakeStore()
	repo := &fakeRepo{provision: errors.New("clone failed")}
	rf := &runnerFactory{}
	manager := newTestManager(t, store, repo, rf)
	adapter := newRecordingAdapter("svc-a")

	if err := manager.HandleNewSession(context.Background(), adapter, newSessionRequest("svc-a:issue-1")); err == nil {
		t.Fatal("provision failure not returned")
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.errors) != 1 {
		t.Fatalf("errors = %v", adapter.errors)
	}
	// The failed session must not linger and block a retry.
	if _, ok := store.get("svc-a:issue-1"); ok {
		t.Fatal("failed session persisted")
	}
}

func (f *fakeRunner) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
