package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Session lifecycle errors.
var (
	ErrSpawnFailed     = errors.New("acp: agent spawn failed")
	ErrHandshakeFailed = errors.New("acp: handshake failed")
	ErrNotStarted      = errors.New("acp: session not started")
	ErrPromptInFlight  = errors.New("acp: a prompt turn is already in flight")
)

const (
	initializeTimeout = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
	killGracePeriod   = 5 * time.Second
)

// UpdateFunc receives every session/update notification for the session's
// prompt turns, in receive order.
type UpdateFunc func(env UpdateEnvelope)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Command is the agent binary to spawn (resolved via PATH).
	Command string

	// Env entries appended to the inherited environment (per-session API
	// tokens from the repository provider).
	Env []string

	// OnUpdate receives session/update notifications. May be nil.
	OnUpdate UpdateFunc

	Logger *slog.Logger
}

// Session owns one agent subprocess and its ACP connection.
//
// Lifecycle: Start (spawn + initialize + session/new-or-load) → Prompt
// (repeatable, one at a time) → Close. Close is idempotent.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	client    *Client
	host      *hostServices
	sessionID string
	prompting bool

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates an unstarted session for the given agent command.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: logger}
}

// SessionID returns the agent-issued session id, or "" before Start.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Start spawns the agent subprocess, performs the initialize handshake, and
// creates a new agent session (resumeSessionID == "") or resumes an
// existing one. Returns the ACP session id.
func (s *Session) Start(ctx context.Context, cwd, resumeSessionID string) (string, error) {
	cmd := exec.Command(s.cfg.Command)
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSpawnFailed, s.cfg.Command, err)
	}

	// Stderr is the agent's own log channel; keep it out of the protocol
	// stream and forward it line by line.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			s.logger.Debug("agent stderr", "command", s.cfg.Command, "line", scanner.Text())
		}
	}()

	client := NewClient(stdin, stdout, s.logger)
	host := newHostServices(s.logger)
	host.register(client)
	client.OnNotification(func(method string, params json.RawMessage) {
		if method != "session/update" || s.cfg.OnUpdate == nil {
			return
		}
		var env UpdateEnvelope
		if err := json.Unmarshal(params, &env); err != nil {
			s.logger.Warn("acp: malformed session/update", "error", err)
			return
		}
		s.cfg.OnUpdate(env)
	})

	s.mu.Lock()
	s.cmd = cmd
	s.client = client
	s.host = host
	s.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	var initResp InitializeResponse
	err = client.Call(initCtx, "initialize", InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		ClientCapabilities: ClientCapabilities{
			FS:       FSCapabilities{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
		ClientInfo: Implementation{Name: "acp-bridge", Title: "ACP Bridge", Version: "0.1.0"},
	}, &initResp)
	if err != nil {
		s.kill()
		return "", fmt.Errorf("%w: initialize: %v", ErrHandshakeFailed, err)
	}

	sessionID := resumeSessionID
	if resumeSessionID != "" {
		// Agents differ on the resume verb: loadSession-capable agents take
		// session/load, the rest session/resume.
		method := "session/resume"
		if initResp.AgentCapabilities.LoadSession {
			method = "session/load"
		}
		err = client.Call(initCtx, method, LoadSessionRequest{
			SessionID:  resumeSessionID,
			Cwd:        cwd,
			McpServers: []any{},
		}, nil)
		if err != nil {
			s.kill()
			return "", fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, method, err)
		}
		s.logger.Info("acp session resumed", "session_id", sessionID, "cwd", cwd)
	} else {
		var resp NewSessionResponse
		err = client.Call(initCtx, "session/new", NewSessionRequest{Cwd: cwd, McpServers: []any{}}, &resp)
		if err != nil {
			s.kill()
			return "", fmt.Errorf("%w: session/new: %v", ErrHandshakeFailed, err)
		}
		sessionID = resp.SessionID
		s.logger.Info("acp session started", "session_id", sessionID, "cwd", cwd)
	}

	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
	return sessionID, nil
}

// Prompt sends one user turn and blocks until the agent finishes it.
// Returns the stop reason. At most one prompt may be in flight.
func (s *Session) Prompt(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	client, sessionID := s.client, s.sessionID
	if client == nil || sessionID == "" {
		s.mu.Unlock()
		return "", ErrNotStarted
	}
	if s.prompting {
		s.mu.Unlock()
		return "", ErrPromptInFlight
	}
	s.prompting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.prompting = false
		s.mu.Unlock()
	}()

	var resp PromptResponse
	err := client.Call(ctx, "session/prompt", PromptRequest{
		SessionID: sessionID,
		Prompt:    []ContentBlock{TextBlock(text)},
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.StopReason, nil
}

// Cancel asks the agent to abort the in-flight turn; the blocked Prompt
// resolves with the cancelled stop reason.
func (s *Session) Cancel(_ context.Context) error {
	s.mu.Lock()
	client, sessionID := s.client, s.sessionID
	s.mu.Unlock()
	if client == nil || sessionID == "" {
		return ErrNotStarted
	}
	return client.Notify("session/cancel", CancelNotification{SessionID: sessionID})
}

// Close shuts the agent down: best-effort shutdown request, exit
// notification, SIGTERM, and after a grace period SIGKILL. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.doClose(ctx)
	})
	return s.closeErr
}

func (s *Session) doClose(ctx context.Context) error {
	s.mu.Lock()
	client, cmd, host := s.client, s.cmd, s.host
	s.mu.Unlock()

	if client != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if _, err := client.Request(shutdownCtx, "shutdown", struct{}{}); err != nil {
			s.logger.Debug("agent shutdown request failed", "error", err)
		}
		cancel()
		_ = client.Notify("exit", nil)
		client.Close()
	}
	if host != nil {
		host.releaseAll()
	}

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(killGracePeriod):
		s.logger.Warn("agent did not exit in grace period, killing", "command", s.cfg.Command)
		_ = cmd.Process.Kill()
		<-done
	}

	s.logger.Info("acp session stopped", "session_id", s.SessionID())
	return nil
}

// kill tears the subprocess down after a failed handshake.
func (s *Session) kill() {
	s.mu.Lock()
	client, cmd := s.client, s.cmd
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}
