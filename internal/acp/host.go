package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// hostServices answers the agent's permission, filesystem and terminal
// requests by delegating to the OS. Permission prompts are auto-approved,
// which makes the client suitable for fully autonomous operation.
type hostServices struct {
	logger *slog.Logger

	mu        sync.Mutex
	terminals map[string]*terminal
}

func newHostServices(logger *slog.Logger) *hostServices {
	if logger == nil {
		logger = slog.Default()
	}
	return &hostServices{
		logger:    logger,
		terminals: make(map[string]*terminal),
	}
}

// register wires every agent-initiated method the client serves.
func (h *hostServices) register(c *Client) {
	c.Handle("session/request_permission", h.requestPermission)
	c.Handle("fs/read_text_file", h.readTextFile)
	c.Handle("fs/write_text_file", h.writeTextFile)
	c.Handle("terminal/create", h.createTerminal)
	c.Handle("terminal/output", h.terminalOutput)
	c.Handle("terminal/wait_for_exit", h.waitForExit)
	c.Handle("terminal/kill", h.killTerminal)
	c.Handle("terminal/release", h.releaseTerminal)
}

// requestPermission selects the first allow option, preferring allow_always
// over allow_once. With no allow option on offer it still selects the first
// option rather than rejecting; the agent asked, and an autonomous bridge
// has no one to escalate to.
func (h *hostServices) requestPermission(_ context.Context, params json.RawMessage) (any, error) {
	var req PermissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("decode permission request: %w", err)
	}
	if len(req.Options) == 0 {
		return nil, fmt.Errorf("permission request carries no options")
	}

	chosen := req.Options[0]
	for _, opt := range req.Options {
		if opt.Kind == "allow_always" {
			chosen = opt
			break
		}
		if opt.Kind == "allow_once" && !strings.HasPrefix(chosen.Kind, "allow") {
			chosen = opt
		}
	}

	h.logger.Debug("auto-approved permission", "session_id", req.SessionID, "option", chosen.OptionID, "kind", chosen.Kind)
	return PermissionResponse{
		Outcome: PermissionOutcome{Outcome: "selected", OptionID: chosen.OptionID},
	}, nil
}

func (h *hostServices) readTextFile(_ context.Context, params json.RawMessage) (any, error) {
	var req ReadTextFileRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("decode read request: %w", err)
	}

	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, err
	}
	text := string(data)

	if req.Line > 0 || req.Limit > 0 {
		lines := strings.SplitAfter(text, "\n")
		start := 0
		if req.Line > 0 {
			start = req.Line - 1 // 1-indexed
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if req.Limit > 0 && start+req.Limit < end {
			end = start + req.Limit
		}
		text = strings.Join(lines[start:end], "")
	}

	return ReadTextFileResponse{Content: text}, nil
}

func (h *hostServices) writeTextFile(_ context.Context, params json.RawMessage) (any, error) {
	var req WriteTextFileRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("decode write request: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// terminal tracks one running subprocess spawned on the agent's behalf.
type terminal struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	output   strings.Builder
	exitCode *int
}

func (t *terminal) appendOutput(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.output.Write(data)
}

func (t *terminal) snapshot() (string, *int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output.String(), t.exitCode
}

func (h *hostServices) createTerminal(_ context.Context, params json.RawMessage) (any, error) {
	var req CreateTerminalRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("decode terminal request: %w", err)
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Cwd
	cmd.Env = os.Environ()
	for _, v := range req.Env {
		cmd.Env = append(cmd.Env, v.Name+"="+v.Value)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", req.Command, err)
	}

	term := &terminal{cmd: cmd, done: make(chan struct{})}
	id := uuid.NewString()
	h.mu.Lock()
	h.terminals[id] = term
	h.mu.Unlock()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				term.appendOutput(buf[:n])
			}
			if rerr != nil {
				if rerr != io.EOF {
					h.logger.Debug("terminal read ended", "terminal_id", id, "error", rerr)
				}
				break
			}
		}
		err := cmd.Wait()
		code := exitCodeOf(err)
		term.mu.Lock()
		term.exitCode = &code
		term.mu.Unlock()
		close(term.done)
	}()

	return CreateTerminalResponse{TerminalID: id}, nil
}

func (h *hostServices) lookup(params json.RawMessage) (*terminal, error) {
	var req TerminalRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("decode terminal request: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	term, ok := h.terminals[req.TerminalID]
	if !ok {
		return nil, fmt.Errorf("unknown terminal: %s", req.TerminalID)
	}
	return term, nil
}

func (h *hostServices) terminalOutput(_ context.Context, params json.RawMessage) (any, error) {
	term, err := h.lookup(params)
	if err != nil {
		return nil, err
	}
	output, exit := term.snapshot()
	return TerminalOutputResponse{Output: output, ExitStatus: exit}, nil
}

func (h *hostServices) waitForExit(_ context.Context, params json.RawMessage) (any, error) {
	term, err := h.lookup(params)
	if err != nil {
		return nil, err
	}
	<-term.done
	_, exit := term.snapshot()
	code := 0
	if exit != nil {
		code = *exit
	}
	return WaitForExitResponse{ExitCode: code}, nil
}

func (h *hostServices) killTerminal(_ context.Context, params json.RawMessage) (any, error) {
	term, err := h.lookup(params)
	if err != nil {
		return nil, err
	}
	select {
	case <-term.done:
	default:
		_ = term.cmd.Process.Kill()
	}
	return struct{}{}, nil
}

func (h *hostServices) releaseTerminal(_ context.Context, params json.RawMessage) (any, error) {
	var req TerminalRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("decode terminal request: %w", err)
	}
	h.mu.Lock()
	term, ok := h.terminals[req.TerminalID]
	delete(h.terminals, req.TerminalID)
	h.mu.Unlock()
	if ok {
		select {
		case <-term.done:
		default:
			_ = term.cmd.Process.Signal(os.Interrupt)
		}
	}
	return struct{}{}, nil
}

// releaseAll terminates every tracked terminal. Called when the owning
// session closes.
func (h *hostServices) releaseAll() {
	h.mu.Lock()
	terms := make([]*terminal, 0, len(h.terminals))
	for id, t := range h.terminals {
		terms = append(terms, t)
		delete(h.terminals, id)
	}
	h.mu.Unlock()
	for _, t := range terms {
		select {
		case <-t.done:
		default:
			_ = t.cmd.Process.Kill()
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
