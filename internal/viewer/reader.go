// Package viewer serves HTML transcripts of agent sessions by reading the
// agents' own JSONL session files.
package viewer

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Entry is one transcript entry in the viewer's normalized shape.
type Entry struct {
	Type      string  `json:"type"` // "user" | "assistant"
	Timestamp string  `json:"timestamp,omitempty"`
	Message   Message `json:"message"`
}

// Message carries the content blocks of one entry.
type Message struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

// Block is a content block: text, thinking, tool_use, or tool_result.
type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Reader locates and parses session transcripts.
type Reader struct {
	// claudeRoot / codexRoot are the agents' session storage roots.
	claudeRoot string
	codexRoot  string
	logger     *slog.Logger
}

// NewReader creates a Reader over the default per-home session roots.
func NewReader(home string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		claudeRoot: filepath.Join(home, ".claude", "projects"),
		codexRoot:  filepath.Join(home, ".codex", "sessions"),
		logger:     logger,
	}
}

// findSessionFile searches the known session roots for a JSONL file
// matching the session id. Claude stores
// <root>/<project>/<session_id>.jsonl; Codex nests by date with a
// rollout-<ts>-<session_id>.jsonl name.
func (r *Reader) findSessionFile(sessionID string) string {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") {
		return ""
	}

	var found string
	if _, err := os.Stat(r.claudeRoot); err == nil {
		filepath.WalkDir(r.claudeRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || found != "" {
				return nil
			}
			// Subagent transcripts shadow the main session's name.
			if strings.Contains(path, string(filepath.Separator)+"subagents"+string(filepath.Separator)) {
				return nil
			}
			if d.Name() == sessionID+".jsonl" {
				found = path
			}
			return nil
		})
	}
	if found != "" {
		return found
	}

	if _, err := os.Stat(r.codexRoot); err == nil {
		filepath.WalkDir(r.codexRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || found != "" {
				return nil
			}
			if strings.HasSuffix(d.Name(), sessionID+".jsonl") {
				found = path
			}
			return nil
		})
	}
	return found
}

// ReadSession parses a session transcript, detecting and normalizing the
// Codex format. Returns nil when the session is unknown.
func (r *Reader) ReadSession(sessionID string) []Entry {
	path := r.findSessionFile(sessionID)
	if path == "" {
		return nil
	}

	raw := r.readJSONL(path)
	if len(raw) == 0 {
		return nil
	}

	// Codex transcripts open with a session_meta entry.
	if kind, _ := raw[0]["type"].(string); kind == "session_meta" {
		return normalizeCodex(raw)
	}
	return normalizeClaude(raw)
}

func (r *Reader) readJSONL(path string) []map[string]json.RawMessage {
	file, err := os.Open(path)
	if err != nil {
		r.logger.Warn("session file open failed", "path", path, "error", err)
		return nil
	}
	defer file.Close()

	var entries []map[string]json.RawMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			r.logger.Warn("skipping malformed transcript line", "path", path, "line", line)
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func stringField(entry map[string]json.RawMessage, key string) string {
	var out string
	if raw, ok := entry[key]; ok {
		json.Unmarshal(raw, &out)
	}
	return out
}

// normalizeClaude keeps user/assistant entries as-is.
func normalizeClaude(raw []map[string]json.RawMessage) []Entry {
	var out []Entry
	for _, item := range raw {
		kind := stringField(item, "type")
		if kind != "user" && kind != "assistant" {
			continue
		}
		entry := Entry{Type: kind, Timestamp: stringField(item, "timestamp")}
		if rawMsg, ok := item["message"]; ok {
			if err := json.Unmarshal(rawMsg, &entry.Message); err != nil {
				continue
			}
		}
		if len(entry.Message.Content) == 0 {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// codexPayload is the payload of a Codex response_item entry.
type codexPayload struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Summary []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"summary"`
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
	Output    string `json:"output"`
}

// normalizeCodex converts Codex response_item entries into the viewer
// shape: messages, reasoning summaries as thinking blocks, function calls
// as tool_use/tool_result pairs.
func normalizeCodex(raw []map[string]json.RawMessage) []Entry {
	var out []Entry
	for _, item := range raw {
		if stringField(item, "type") != "response_item" {
			continue
		}
		ts := stringField(item, "timestamp")

		var payload codexPayload
		if rawPayload, ok := item["payload"]; ok {
			if err := json.Unmarshal(rawPayload, &payload); err != nil {
				continue
			}
		}

		switch payload.Type {
		case "message":
			if payload.Role == "developer" {
				continue
			}
			role := "assistant"
			if payload.Role == "user" {
				role = "user"
			}
			var blocks []Block
			for _, block := range payload.Content {
				if block.Type == "input_text" || block.Type == "output_text" {
					blocks = append(blocks, Block{Type: "text", Text: block.Text})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, Entry{Type: role, Timestamp: ts, Message: Message{Role: role, Content: blocks}})

		case "reasoning":
			var parts []string
			for _, s := range payload.Summary {
				if s.Type == "summary_text" && s.Text != "" {
					parts = append(parts, s.Text)
				}
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, Entry{Type: "assistant", Timestamp: ts, Message: Message{
				Role:    "assistant",
				Content: []Block{{Type: "thinking", Thinking: strings.Join(parts, "\n")}},
			}})

		case "function_call":
			input := json.RawMessage(payload.Arguments)
			if !json.Valid(input) {
				quoted, _ := json.Marshal(payload.Arguments)
				input = quoted
			}
			out = append(out, Entry{Type: "assistant", Timestamp: ts, Message: Message{
				Role:    "assistant",
				Content: []Block{{Type: "tool_use", ID: payload.CallID, Name: payload.Name, Input: input}},
			}})

		case "function_call_output":
			content, _ := json.Marshal(payload.Output)
			out = append(out, Entry{Type: "user", Timestamp: ts, Message: Message{
				Role:    "user",
				Content: []Block{{Type: "tool_result", ToolUseID: payload.CallID, Content: content}},
			}})
		}
	}
	return out
}
