package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/acp-bridge/internal/acp"
	"github.com/basket/acp-bridge/internal/bus"
	otelbridge "github.com/basket/acp-bridge/internal/otel"
	"github.com/basket/acp-bridge/internal/shared"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// AgentRunner abstracts one agent subprocess (acp.Session) so tests can
// script turns without spawning processes.
type AgentRunner interface {
	Start(ctx context.Context, cwd, resumeSessionID string) (string, error)
	Prompt(ctx context.Context, text string) (string, error)
	Cancel(ctx context.Context) error
	Close(ctx context.Context) error
}

// RunnerFactory builds an AgentRunner for an agent command. onUpdate
// receives the subprocess's session/update stream.
type RunnerFactory func(command string, env []string, onUpdate acp.UpdateFunc) AgentRunner

// DefaultRunnerFactory spawns real acp.Sessions.
func DefaultRunnerFactory(logger *slog.Logger) RunnerFactory {
	return func(command string, env []string, onUpdate acp.UpdateFunc) AgentRunner {
		return acp.NewSession(acp.SessionConfig{
			Command:  command,
			Env:      env,
			OnUpdate: onUpdate,
			Logger:   logger,
		})
	}
}

// AgentResolver maps an agent name (possibly empty) to its binary command.
type AgentResolver func(name string) (agentName, command string, err error)

// ManagerConfig wires the session manager's collaborators.
type ManagerConfig struct {
	Repo         RepositoryProvider
	Store        SessionStore
	Journal      UpdateJournal // may be nil
	Bus          *bus.Bus      // may be nil
	Runners      RunnerFactory
	ResolveAgent AgentResolver
	Window       time.Duration
	BaseURL      string // viewer link base; "" disables session URLs
	Tracer       trace.Tracer
	Metrics      *otelbridge.Metrics // may be nil
	Logger       *slog.Logger
}

// activeSession is the in-memory record of a live or restored session.
// Runtime handles (runner, router) are nil after a restore until the first
// follow-up respawns them.
type activeSession struct {
	externalSessionID string
	serviceName       string
	agentName         string
	adapter           ServiceAdapter
	acpSessionID      string
	cwd               string
	branchName        string
	serviceMetadata   map[string]any

	runner  AgentRunner
	router  *UpdateRouter
	cleanup func(ctx context.Context) error

	// Turn serialization: at most one prompt turn in flight; follow-ups
	// queue FIFO behind it.
	turnRunning bool
	queue       []string
}

// Manager orchestrates bridge sessions between service adapters and ACP
// agents. All public methods are safe for concurrent use; per-session work
// is strictly serialized.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	tracer trace.Tracer

	mu           sync.Mutex
	sessions     map[string]*activeSession
	shuttingDown bool
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("acp-bridge")
	}
	if cfg.Runners == nil {
		cfg.Runners = DefaultRunnerFactory(logger)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultDebounceWindow
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		sessions: make(map[string]*activeSession),
	}
}

// SessionURL returns the viewer link for an ACP session id, or "".
func (m *Manager) SessionURL(acpSessionID string) string {
	if m.cfg.BaseURL == "" || acpSessionID == "" {
		return ""
	}
	return m.cfg.BaseURL + "/sessions/" + acpSessionID
}

// HandleNewSession starts a session for the request and runs its first
// prompt turn to completion. If a session already exists for the external
// id, the request is treated as a follow-up.
func (m *Manager) HandleNewSession(ctx context.Context, adapter ServiceAdapter, req SessionRequest) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if _, exists := m.sessions[req.ExternalSessionID]; exists {
		m.mu.Unlock()
		return m.HandleFollowup(ctx, req.ExternalSessionID, req.Prompt)
	}
	// Reserve the id before any slow work so a concurrent duplicate event
	// becomes a follow-up instead of a second session (invariant: at most
	// one active session per external id).
	active := &activeSession{
		externalSessionID: req.ExternalSessionID,
		serviceName:       req.ServiceName,
		agentName:         req.AgentName,
		adapter:           adapter,
		serviceMetadata:   req.ServiceMetadata,
		turnRunning:       true,
	}
	m.sessions[req.ExternalSessionID] = active
	m.mu.Unlock()

	ctx = shared.WithSessionID(shared.WithService(ctx, req.ServiceName), req.ExternalSessionID)

	if err := m.startSession(ctx, active, req); err != nil {
		m.mu.Lock()
		delete(m.sessions, req.ExternalSessionID)
		m.mu.Unlock()
		m.publish(bus.TopicSessionFailed, active, "", err.Error())
		return err
	}

	m.publish(bus.TopicSessionStarted, active, "", "")
	m.runTurn(ctx, active, req.Prompt)
	m.drainQueue(ctx, active)
	return nil
}

// startSession provisions the worktree, spawns the agent, and persists the
// session record. Errors are reported to the adapter before returning.
func (m *Manager) startSession(ctx context.Context, active *activeSession, req SessionRequest) error {
	// Immediate acknowledgment so the user sees life before the clone.
	m.sendAck(ctx, active, "Starting work...")

	agentName, command, err := m.resolveAgent(req.AgentName)
	if err != nil {
		m.sendError(ctx, active, "Unknown agent requested")
		return err
	}

	slug := req.DescriptiveName
	if slug == "" {
		slug = req.ServiceName
	}
	handle, err := m.cfg.Repo.Provision(ctx, slug)
	if err != nil {
		m.logger.Error("repo provision failed", "session_id", active.externalSessionID, "error", err)
		m.sendError(ctx, active, "Failed to prepare repository")
		return fmt.Errorf("provision: %w", err)
	}

	router := m.newRouter(active)
	runner := m.cfg.Runners(command, handle.Env, router.HandleUpdate)

	m.mu.Lock()
	active.agentName = agentName
	active.cwd = handle.Cwd
	active.branchName = handle.BranchName
	active.cleanup = handle.Cleanup
	active.router = router
	active.runner = runner
	m.mu.Unlock()

	// Persist before the handshake so a crash mid-spawn leaves a record;
	// the acp session id lands in a second write below.
	m.persist(active)

	acpSessionID, err := runner.Start(ctx, handle.Cwd, "")
	if err != nil {
		m.logger.Error("agent start failed", "session_id", active.externalSessionID, "command", command, "error", err)
		m.sendError(ctx, active, "Failed to start agent session")
		if handle.Cleanup != nil {
			_ = handle.Cleanup(context.WithoutCancel(ctx))
		}
		_ = m.cfg.Store.Delete(active.externalSessionID)
		return fmt.Errorf("agent start: %w", err)
	}
	m.mu.Lock()
	active.acpSessionID = acpSessionID
	m.mu.Unlock()
	m.persist(active)

	m.logger.Info("session started",
		"session_id", active.externalSessionID,
		"service", active.serviceName,
		"agent", active.agentName,
		"acp_session_id", acpSessionID,
		"branch", active.branchName)
	return nil
}

// HandleFollowup issues a follow-up prompt on an existing session,
// respawning the agent with resume when the session was restored from
// persistence. While a turn is in flight the prompt queues FIFO.
func (m *Manager) HandleFollowup(ctx context.Context, externalSessionID, prompt string) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	active, ok := m.sessions[externalSessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchSession
	}
	if active.turnRunning {
		active.queue = append(active.queue, prompt)
		m.mu.Unlock()
		m.logger.Info("follow-up queued behind running turn", "session_id", externalSessionID)
		return nil
	}
	active.turnRunning = true
	m.mu.Unlock()

	ctx = shared.WithSessionID(shared.WithService(ctx, active.serviceName), externalSessionID)

	if err := m.ensureRunner(ctx, active); err != nil {
		m.mu.Lock()
		active.turnRunning = false
		m.mu.Unlock()
		return err
	}

	m.runTurn(ctx, active, prompt)
	m.drainQueue(ctx, active)
	return nil
}

// ensureRunner respawns the agent subprocess for a restored session.
func (m *Manager) ensureRunner(ctx context.Context, active *activeSession) error {
	if active.runner != nil {
		return nil
	}
	if active.acpSessionID == "" {
		return ErrNoSuchSession
	}

	m.sendAck(ctx, active, "Processing follow-up...")

	_, command, err := m.resolveAgent(active.agentName)
	if err != nil {
		m.sendError(ctx, active, "Agent for this session is no longer configured")
		return err
	}

	// Refresh the worktree and tokens; on failure resume with stale state
	// rather than dropping the follow-up.
	var env []string
	if active.branchName != "" {
		handle, err := m.cfg.Repo.Resume(ctx, active.branchName, active.cwd)
		if err != nil {
			m.logger.Warn("repo resume failed, continuing with existing worktree",
				"session_id", active.externalSessionID, "error", err)
		} else {
			env = handle.Env
			if handle.Cleanup != nil {
				active.cleanup = handle.Cleanup
			}
		}
	}

	router := m.newRouter(active)
	runner := m.cfg.Runners(command, env, router.HandleUpdate)

	if _, err := runner.Start(ctx, active.cwd, active.acpSessionID); err != nil {
		m.logger.Error("agent resume failed", "session_id", active.externalSessionID, "error", err)
		m.sendError(ctx, active, "Failed to resume session")
		return fmt.Errorf("agent resume: %w", err)
	}

	m.mu.Lock()
	active.router = router
	active.runner = runner
	m.mu.Unlock()
	m.logger.Info("session resumed", "session_id", active.externalSessionID, "acp_session_id", active.acpSessionID)
	return nil
}

// runTurn executes one prompt turn and reports its outcome to the adapter.
func (m *Manager) runTurn(ctx context.Context, active *activeSession, prompt string) {
	m.mu.Lock()
	runner, router := active.runner, active.router
	m.mu.Unlock()
	if runner == nil || router == nil {
		return
	}
	adapter := active.adapter
	sessionURL := m.SessionURL(active.acpSessionID)

	turnCtx, span := otelbridge.StartSpan(ctx, m.tracer, "bridge.turn",
		otelbridge.AttrSessionID.String(active.externalSessionID),
		otelbridge.AttrService.String(active.serviceName),
		otelbridge.AttrAgent.String(active.agentName),
	)
	started := time.Now()

	stopReason, err := runner.Prompt(turnCtx, prompt)
	final := router.FinishTurn()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordTurn(turnCtx, active.serviceName, active.agentName, stopReason, time.Since(started))
	}
	span.SetAttributes(otelbridge.AttrStopReason.String(stopReason))
	span.End()

	if err != nil {
		m.logger.Error("prompt turn failed", "session_id", active.externalSessionID, "error", err)
		m.publish(bus.TopicSessionFailed, active, "", err.Error())
		// The subprocess is suspect after a transport error; drop the
		// runner so the next follow-up respawns with resume.
		m.teardownRunner(ctx, active)
		m.sendError(ctx, active, "Agent encountered an error during execution")
		return
	}

	switch stopReason {
	case acp.StopEndTurn:
		message := final
		if strings.TrimSpace(message) == "" {
			message = "Work completed"
		}
		m.sendCompletion(ctx, adapter, active, message, sessionURL)
		m.publish(bus.TopicSessionCompleted, active, stopReason, "")
	case acp.StopCancelled:
		m.sendCompletion(ctx, adapter, active, "Stopped as requested.", sessionURL)
		m.publish(bus.TopicSessionCancelled, active, stopReason, "")
	case acp.StopRefusal, acp.StopMaxTokens:
		m.publish(bus.TopicSessionFailed, active, stopReason, "")
		m.sendError(ctx, active, fmt.Sprintf("Agent stopped (reason: %s)", stopReason))
	default:
		m.sendCompletion(ctx, adapter, active, fmt.Sprintf("Agent stopped (reason: %s)", stopReason), sessionURL)
		m.publish(bus.TopicSessionCompleted, active, stopReason, "")
	}
}

// drainQueue runs queued follow-up prompts until the queue is empty, then
// releases the turn slot.
func (m *Manager) drainQueue(ctx context.Context, active *activeSession) {
	for {
		m.mu.Lock()
		// A failed turn tears the runner down; queued prompts cannot run
		// until a follow-up respawns it.
		if len(active.queue) == 0 || m.shuttingDown || active.runner == nil {
			active.queue = nil
			active.turnRunning = false
			m.mu.Unlock()
			return
		}
		prompt := active.queue[0]
		active.queue = active.queue[1:]
		m.mu.Unlock()

		m.runTurn(ctx, active, prompt)
	}
}

// HandleStop cancels the in-flight turn for a session. The blocked prompt
// resolves with the cancelled stop reason; the adapter receives a short
// terminal completion and nothing further from the turn.
func (m *Manager) HandleStop(ctx context.Context, externalSessionID string) error {
	m.mu.Lock()
	active, ok := m.sessions[externalSessionID]
	var runner AgentRunner
	if ok {
		runner = active.runner
		// Cancellation also voids anything the user queued behind the turn.
		active.queue = nil
	}
	m.mu.Unlock()

	if !ok {
		return ErrNoSuchSession
	}
	if runner == nil {
		return nil
	}
	return runner.Cancel(ctx)
}

// RemoveSession closes the agent, prunes the worktree, and deletes the
// persisted record. The branch stays for review.
func (m *Manager) RemoveSession(ctx context.Context, externalSessionID string) error {
	m.mu.Lock()
	active, ok := m.sessions[externalSessionID]
	if ok {
		delete(m.sessions, externalSessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNoSuchSession
	}

	m.teardownRunner(ctx, active)
	if active.cleanup != nil {
		if err := active.cleanup(ctx); err != nil {
			m.logger.Warn("worktree cleanup failed", "session_id", externalSessionID, "error", err)
		}
	}
	if err := m.cfg.Store.Delete(externalSessionID); err != nil {
		m.logger.Warn("persistence delete failed", "session_id", externalSessionID, "error", err)
	}
	m.publish(bus.TopicSessionRemoved, active, "", "")
	m.logger.Info("session removed", "session_id", externalSessionID)
	return nil
}

// RestoreSessionsForAdapter recreates active-session records (with nil
// runtime handles) from persistence for every stored session whose service
// matches the adapter. Follow-ups can then resume them.
func (m *Manager) RestoreSessionsForAdapter(adapter ServiceAdapter) int {
	stored, err := m.cfg.Store.List()
	if err != nil {
		m.logger.Error("failed to read persisted sessions", "error", err)
		return 0
	}

	restored := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range stored {
		if ps.ServiceName != adapter.ServiceName() {
			continue
		}
		if _, exists := m.sessions[ps.ExternalSessionID]; exists {
			continue
		}
		m.sessions[ps.ExternalSessionID] = &activeSession{
			externalSessionID: ps.ExternalSessionID,
			serviceName:       ps.ServiceName,
			agentName:         ps.AgentName,
			adapter:           adapter,
			acpSessionID:      ps.AcpSessionID,
			cwd:               ps.Cwd,
			branchName:        ps.BranchName,
			serviceMetadata:   ps.ServiceMetadata,
		}
		restored++
	}
	if restored > 0 {
		m.logger.Info("restored persisted sessions", "service", adapter.ServiceName(), "count", restored)
	}
	return restored
}

// SessionsForService returns the persisted projections of the active
// sessions owned by the named adapter. Adapters use this to rebuild their
// own state after a restore.
func (m *Manager) SessionsForService(serviceName string) []PersistedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PersistedSession
	for _, active := range m.sessions {
		if active.serviceName == serviceName {
			out = append(out, m.persistedView(active))
		}
	}
	return out
}

// ActiveCwds returns the working directories currently owned by sessions.
// The cleanup scheduler excludes them from pruning.
func (m *Manager) ActiveCwds() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.sessions))
	for _, active := range m.sessions {
		if active.cwd != "" {
			out[active.cwd] = struct{}{}
		}
	}
	return out
}

// Shutdown closes every live agent subprocess. Persisted records stay so
// sessions are recoverable after restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shuttingDown = true
	actives := make([]*activeSession, 0, len(m.sessions))
	for _, active := range m.sessions {
		actives = append(actives, active)
	}
	m.sessions = make(map[string]*activeSession)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, active := range actives {
		wg.Add(1)
		go func(active *activeSession) {
			defer wg.Done()
			m.teardownRunner(ctx, active)
		}(active)
	}
	wg.Wait()
	m.logger.Info("session manager shut down", "sessions", len(actives))
}

func (m *Manager) teardownRunner(ctx context.Context, active *activeSession) {
	m.mu.Lock()
	router, runner := active.router, active.runner
	active.router, active.runner = nil, nil
	m.mu.Unlock()

	if router != nil {
		router.Close()
	}
	if runner != nil {
		if err := runner.Close(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("agent close failed", "session_id", active.externalSessionID, "error", err)
		}
	}
}

func (m *Manager) newRouter(active *activeSession) *UpdateRouter {
	return NewUpdateRouter(RouterConfig{
		Adapter:           active.adapter,
		ExternalSessionID: active.externalSessionID,
		Window:            m.cfg.Window,
		Journal:           m.cfg.Journal,
		Bus:               m.cfg.Bus,
		Logger:            m.logger,
	})
}

func (m *Manager) resolveAgent(name string) (string, string, error) {
	if m.cfg.ResolveAgent == nil {
		return shared.DefaultAgentName, "claude-code-acp", nil
	}
	return m.cfg.ResolveAgent(name)
}

func (m *Manager) persist(active *activeSession) {
	m.mu.Lock()
	view := m.persistedView(active)
	m.mu.Unlock()
	if err := m.cfg.Store.Put(view); err != nil {
		m.logger.Error("persistence write failed", "session_id", active.externalSessionID, "error", err)
	}
}

func (m *Manager) persistedView(active *activeSession) PersistedSession {
	return PersistedSession{
		ExternalSessionID: active.externalSessionID,
		ServiceName:       active.serviceName,
		AgentName:         active.agentName,
		AcpSessionID:      active.acpSessionID,
		Cwd:               active.cwd,
		BranchName:        active.branchName,
		ServiceMetadata:   active.serviceMetadata,
	}
}

func (m *Manager) sendAck(ctx context.Context, active *activeSession, text string) {
	err := active.adapter.SendUpdate(ctx, active.externalSessionID, Update{Kind: KindThought, Text: text})
	if err != nil {
		m.logger.Warn("ack delivery failed", "session_id", active.externalSessionID, "error", err)
	}
}

func (m *Manager) sendError(ctx context.Context, active *activeSession, message string) {
	err := active.adapter.SendError(context.WithoutCancel(ctx), active.externalSessionID, message)
	if err != nil {
		m.logger.Warn("error delivery failed", "session_id", active.externalSessionID, "error", err)
	}
}

func (m *Manager) sendCompletion(ctx context.Context, adapter ServiceAdapter, active *activeSession, message, sessionURL string) {
	err := adapter.SendCompletion(context.WithoutCancel(ctx), active.externalSessionID, message, sessionURL)
	if err != nil {
		m.logger.Warn("completion delivery failed", "session_id", active.externalSessionID, "error", err)
	}
}

func (m *Manager) publish(topic string, active *activeSession, stopReason, errText string) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(topic, bus.SessionEvent{
		ExternalSessionID: active.externalSessionID,
		ServiceName:       active.serviceName,
		AgentName:         active.agentName,
		StopReason:        stopReason,
		Error:             errText,
	})
}

// Err helpers surfaced for adapters.
func IsNoSuchSession(err error) bool { return errors.Is(err, ErrNoSuchSession) }

var _ Orchestrator = (*Manager)(nil)
