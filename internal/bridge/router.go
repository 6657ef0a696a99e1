package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/acp-bridge/internal/acp"
	"github.com/basket/acp-bridge/internal/bus"
)

// DefaultDebounceWindow is the rolling window for coalescing chunk-rate
// updates into user-visible ones.
const DefaultDebounceWindow = 2 * time.Second

// RouterConfig configures an UpdateRouter.
type RouterConfig struct {
	Adapter           ServiceAdapter
	ExternalSessionID string
	Window            time.Duration
	Journal           UpdateJournal // may be nil
	Bus               *bus.Bus      // may be nil
	Logger            *slog.Logger
}

// actionState is the latest observed state for one tool call id.
type actionState struct {
	update Update
	dirty  bool // changed since last emission
}

// UpdateRouter consumes raw ACP session/update notifications (arriving at
// LLM-token cadence) and emits a sparser sequence of Updates to the
// adapter. Text chunks of the same kind coalesce inside the rolling
// window; a kind change, a plan, an error, or end of turn flushes.
// Emissions are serialized: the adapter sees strict arrival order.
type UpdateRouter struct {
	cfg    RouterConfig
	window time.Duration
	logger *slog.Logger

	mu           sync.Mutex
	thoughtBuf   strings.Builder
	messageBuf   strings.Builder
	actions      map[string]*actionState
	actionOrder  []string
	finalMessage strings.Builder
	timer        *time.Timer
	timerArmed   bool
	closed       bool
}

// NewUpdateRouter creates a router for one session's turns.
func NewUpdateRouter(cfg RouterConfig) *UpdateRouter {
	window := cfg.Window
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateRouter{
		cfg:     cfg,
		window:  window,
		logger:  logger,
		actions: make(map[string]*actionState),
	}
}

// HandleUpdate processes a single raw ACP update. Safe for concurrent use,
// though the ACP session delivers serially.
func (r *UpdateRouter) HandleUpdate(env acp.UpdateEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	update := env.Update
	switch update.Kind {
	case acp.UpdateAgentThoughtChunk:
		if update.Content != nil && update.Content.Text != "" {
			// A thought after buffered message text is a kind change.
			if r.messageBuf.Len() > 0 || len(r.actions) > 0 {
				r.flushLocked()
			}
			r.thoughtBuf.WriteString(update.Content.Text)
			r.armTimerLocked()
		}

	case acp.UpdateAgentMessageChunk:
		if update.Content != nil && update.Content.Text != "" {
			if r.thoughtBuf.Len() > 0 || len(r.actions) > 0 {
				r.flushLocked()
			}
			r.messageBuf.WriteString(update.Content.Text)
			r.finalMessage.WriteString(update.Content.Text)
			r.armTimerLocked()
		}

	case acp.UpdateToolCall, acp.UpdateToolCallUpdate:
		// Text before a tool call flushes so the action lands in order.
		if r.thoughtBuf.Len() > 0 || r.messageBuf.Len() > 0 {
			r.flushLocked()
		}
		r.coalesceActionLocked(update)
		r.armTimerLocked()

	case acp.UpdatePlan:
		// Plans are rare and carry meaningful state; bypass the window.
		r.flushLocked()
		steps := make([]PlanStep, 0, len(update.Entries))
		for _, entry := range update.Entries {
			steps = append(steps, PlanStep{
				Content: entry.Content,
				Status:  planStatus(entry.Status),
			})
		}
		r.emitLocked(Update{Kind: KindPlan, Steps: steps})

	case acp.UpdateUserMessageChunk:
		// Echo of our own prompt; ignored.

	default:
		r.logger.Debug("unhandled acp update kind", "kind", update.Kind)
	}
}

// EmitError delivers an error update immediately, bypassing the window.
func (r *UpdateRouter) EmitError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.flushLocked()
	r.emitLocked(Update{Kind: KindError, Text: message})
}

// Flush drains all open buffers to the adapter.
func (r *UpdateRouter) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

// FinishTurn flushes open buffers and returns the full message text
// accumulated over the turn, resetting it for the next turn.
func (r *UpdateRouter) FinishTurn() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	final := r.finalMessage.String()
	r.finalMessage.Reset()
	return final
}

// Close stops the router; further updates are dropped.
func (r *UpdateRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	r.closed = true
	r.disarmTimerLocked()
}

func (r *UpdateRouter) coalesceActionLocked(update acp.Update) {
	id := update.ToolCallID
	if id == "" {
		return
	}
	state, ok := r.actions[id]
	if !ok {
		state = &actionState{}
		r.actions[id] = state
		r.actionOrder = append(r.actionOrder, id)
	}

	// Later states supersede earlier ones; only fill fields the update
	// actually carries so a bare status change keeps the original title.
	out := state.update
	out.Kind = KindAction
	out.ToolCallID = id
	if update.Title != "" {
		out.Title = update.Title
	}
	if update.ToolKind != "" {
		out.ActionKind = update.ToolKind
	}
	if update.Status != "" {
		out.Status = update.Status
	} else if out.Status == "" {
		out.Status = ActionPending
	}
	if len(update.RawOutput) > 0 {
		out.Result = string(update.RawOutput)
	}
	if len(update.Locations) > 0 {
		out.Locations = out.Locations[:0]
		for _, loc := range update.Locations {
			if loc.Path != "" {
				out.Locations = append(out.Locations, loc.Path)
			}
		}
	}
	state.update = out
	state.dirty = true

	// Terminal states flush immediately so the final state is never lost
	// to a crash inside the window.
	if out.Status == ActionCompleted || out.Status == ActionFailed {
		r.flushActionsLocked()
	}
}

func (r *UpdateRouter) armTimerLocked() {
	if r.timerArmed {
		return
	}
	r.timerArmed = true
	r.timer = time.AfterFunc(r.window, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.timerArmed = false
		if !r.closed {
			r.flushLocked()
		}
	})
}

func (r *UpdateRouter) disarmTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerArmed = false
}

// flushLocked drains thought, message, then action buffers, in that order.
func (r *UpdateRouter) flushLocked() {
	if r.thoughtBuf.Len() > 0 {
		text := r.thoughtBuf.String()
		r.thoughtBuf.Reset()
		r.emitLocked(Update{Kind: KindThought, Text: text})
	}
	if r.messageBuf.Len() > 0 {
		text := r.messageBuf.String()
		r.messageBuf.Reset()
		r.emitLocked(Update{Kind: KindMessageChunk, Text: text})
	}
	r.flushActionsLocked()
	r.disarmTimerLocked()
}

func (r *UpdateRouter) flushActionsLocked() {
	for _, id := range r.actionOrder {
		state := r.actions[id]
		if !state.dirty {
			continue
		}
		r.emitLocked(state.update)
		state.dirty = false
		if state.update.Status == ActionCompleted || state.update.Status == ActionFailed {
			delete(r.actions, id)
		}
	}
	// Rebuild the order list with only the still-open actions.
	remaining := r.actionOrder[:0]
	for _, id := range r.actionOrder {
		if _, ok := r.actions[id]; ok {
			remaining = append(remaining, id)
		}
	}
	r.actionOrder = remaining
}

func (r *UpdateRouter) emitLocked(update Update) {
	if r.cfg.Journal != nil {
		if err := r.cfg.Journal.Append(r.cfg.ExternalSessionID, update); err != nil {
			r.logger.Warn("journal append failed", "session_id", r.cfg.ExternalSessionID, "error", err)
		}
	}
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(bus.TopicUpdateEmitted, bus.UpdateEvent{
			ExternalSessionID: r.cfg.ExternalSessionID,
			Kind:              update.Kind,
		})
	}
	// Adapter rendering failures must not kill the session.
	if err := r.cfg.Adapter.SendUpdate(context.Background(), r.cfg.ExternalSessionID, update); err != nil {
		r.logger.Warn("adapter rejected update", "session_id", r.cfg.ExternalSessionID, "kind", update.Kind, "error", err)
	}
}

func planStatus(acpStatus string) string {
	switch acpStatus {
	case "in_progress":
		return PlanInProgress
	case "completed":
		return PlanCompleted
	case "canceled", "cancelled":
		return PlanCanceled
	default:
		return PlanPending
	}
}
