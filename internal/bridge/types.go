// Package bridge contains the core of the ACP bridge: the service-adapter
// contract, the debounced update router, and the session manager that wires
// external conversations to agent subprocesses.
package bridge

import (
	"context"
	"net/http"
)

// SessionRequest is a service-agnostic request to start (or continue) an
// agent session.
type SessionRequest struct {
	// ExternalSessionID is unique per adapter × logical conversation
	// (e.g. a Linear agent session id, "slack:C123:171234.5678").
	ExternalSessionID string

	ServiceName string

	// AgentName selects the configured agent binary; empty means default.
	AgentName string

	// Prompt is the opening user message.
	Prompt string

	// DescriptiveName is a short human slug used for the branch name.
	DescriptiveName string

	IsFollowup bool

	// ServiceMetadata is an opaque bag the adapter may retrieve after a
	// restart (channel ids, comment ids, …). Must be JSON-serializable.
	ServiceMetadata map[string]any
}

// Update kinds delivered to adapters.
const (
	KindThought      = "thought"
	KindAction       = "action"
	KindMessageChunk = "message_chunk"
	KindPlan         = "plan"
	KindError        = "error"
)

// Action statuses.
const (
	ActionPending    = "pending"
	ActionInProgress = "in_progress"
	ActionCompleted  = "completed"
	ActionFailed     = "failed"
)

// Plan step statuses (external rendering convention).
const (
	PlanPending    = "pending"
	PlanInProgress = "inProgress"
	PlanCompleted  = "completed"
	PlanCanceled   = "canceled"
)

// PlanStep is one entry of a plan update.
type PlanStep struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Update is a debounced, user-facing update derived from one or more raw
// ACP notifications. Kind discriminates; unrelated fields stay zero.
type Update struct {
	Kind string `json:"kind"`

	// thought / message_chunk / error
	Text string `json:"text,omitempty"`

	// action
	ToolCallID string   `json:"tool_call_id,omitempty"`
	Title      string   `json:"title,omitempty"`
	ActionKind string   `json:"action_kind,omitempty"`
	Status     string   `json:"status,omitempty"`
	Result     string   `json:"result,omitempty"`
	Locations  []string `json:"locations,omitempty"`

	// plan
	Steps []PlanStep `json:"steps,omitempty"`
}

// ServiceAdapter is the contract every ingress/egress integration
// implements. Webhook adapters wire routes in RegisterRoutes and parse
// events in OnSessionCreated; socket adapters run their connection from
// Start and call the session manager directly.
type ServiceAdapter interface {
	// ServiceName is unique per adapter instance (e.g. "linear:claude").
	ServiceName() string

	// RegisterRoutes wires ingress HTTP routes. No-op for socket adapters.
	RegisterRoutes(mux *http.ServeMux)

	// Start begins background work (e.g. opens the socket). No-op for
	// webhook adapters. Must not block.
	Start(ctx context.Context) error

	// Close releases adapter resources.
	Close(ctx context.Context) error

	// OnSessionCreated parses an inbound event into a session request.
	// Socket adapters return ErrNotSupported.
	OnSessionCreated(event any) (SessionRequest, error)

	// SendUpdate renders a user-visible update on the external service.
	SendUpdate(ctx context.Context, sessionID string, update Update) error

	// SendCompletion delivers the terminal success message. sessionURL
	// links the session viewer when configured, else "".
	SendCompletion(ctx context.Context, sessionID, message, sessionURL string) error

	// SendError delivers a terminal failure message.
	SendError(ctx context.Context, sessionID, errMsg string) error
}

// Orchestrator is the slice of the session manager adapters call into.
type Orchestrator interface {
	HandleNewSession(ctx context.Context, adapter ServiceAdapter, req SessionRequest) error
	HandleFollowup(ctx context.Context, externalSessionID, prompt string) error
	HandleStop(ctx context.Context, externalSessionID string) error
	SessionsForService(serviceName string) []PersistedSession
	SessionURL(acpSessionID string) string
}

// PersistedSession is the durable projection of an active session: plain
// data, no live handles.
type PersistedSession struct {
	ExternalSessionID string         `json:"external_session_id"`
	ServiceName       string         `json:"service_name"`
	AgentName         string         `json:"agent_name"`
	AcpSessionID      string         `json:"acp_session_id"`
	Cwd               string         `json:"cwd"`
	BranchName        string         `json:"branch_name"`
	ServiceMetadata   map[string]any `json:"service_metadata,omitempty"`
}

// RepoHandle is an isolated working directory issued for one session.
type RepoHandle struct {
	Cwd        string
	BranchName string

	// Env carries per-session API tokens for the agent subprocess.
	Env []string

	// Cleanup prunes the worktree (the branch stays for review).
	Cleanup func(ctx context.Context) error
}

// RepositoryProvider issues per-session working directories.
type RepositoryProvider interface {
	// Provision creates a worktree on a fresh branch for a new session.
	Provision(ctx context.Context, slug string) (RepoHandle, error)

	// Resume refreshes an existing session's worktree (fetch, token
	// refresh) ahead of a follow-up turn.
	Resume(ctx context.Context, branch, cwd string) (RepoHandle, error)
}

// SessionStore persists the external-session-id → PersistedSession map.
type SessionStore interface {
	Put(session PersistedSession) error
	Delete(externalSessionID string) error
	List() ([]PersistedSession, error)
}

// UpdateJournal records emitted updates for the viewer. Implementations
// must be safe for concurrent use; failures are logged, never propagated.
type UpdateJournal interface {
	Append(externalSessionID string, update Update) error
}
