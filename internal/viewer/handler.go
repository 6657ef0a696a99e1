package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/basket/acp-bridge/internal/persistence"
	"github.com/yuin/goldmark"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Handler serves the session viewer pages.
type Handler struct {
	reader   *Reader
	journal  *persistence.Journal // may be nil
	logger   *slog.Logger
	markdown goldmark.Markdown
}

// NewHandler creates the viewer handler. journal may be nil when the
// update journal is disabled.
func NewHandler(reader *Reader, journal *persistence.Journal, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reader:  reader,
		journal: journal,
		logger:  logger,
		// Agent output is untrusted; no raw HTML passthrough.
		markdown: goldmark.New(goldmark.WithRendererOptions(gmhtml.WithHardWraps())),
	}
}

// RegisterRoutes wires the viewer endpoints.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions/{id}", h.handlePage)
	mux.HandleFunc("GET /sessions/{id}/data", h.handleData)
	mux.HandleFunc("GET /sessions/{id}/updates", h.handleUpdates)
}

func (h *Handler) handleData(w http.ResponseWriter, r *http.Request) {
	entries := h.reader.ReadSession(r.PathValue("id"))
	if entries == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// handleUpdates serves the bridge's own journal of delivered updates.
func (h *Handler) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	entries, err := h.journal.Entries(r.PathValue("id"), 0)
	if err != nil {
		h.logger.Error("journal read failed", "error", err)
		http.Error(w, "journal read failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

var pageTemplate = template.Must(template.New("session").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Session {{.SessionID}}</title>
<style>
body { font-family: -apple-system, system-ui, sans-serif; max-width: 56rem; margin: 2rem auto; padding: 0 1rem; background: #fafafa; color: #1a1a1a; }
.entry { border-radius: 8px; padding: .75rem 1rem; margin: .75rem 0; background: #fff; border: 1px solid #e4e4e4; }
.entry.user { border-left: 4px solid #4a7dff; }
.entry.assistant { border-left: 4px solid #27a869; }
.role { font-size: .75rem; text-transform: uppercase; letter-spacing: .05em; color: #888; margin-bottom: .35rem; }
.thinking { color: #777; font-style: italic; white-space: pre-wrap; }
.tool { font-family: ui-monospace, monospace; font-size: .85rem; background: #f4f4f4; border-radius: 6px; padding: .5rem; margin: .25rem 0; overflow-x: auto; }
pre { overflow-x: auto; }
</style>
</head>
<body>
<h1>Agent session</h1>
<p><code>{{.SessionID}}</code></p>
{{range .Entries}}
<div class="entry {{.Type}}">
<div class="role">{{.Type}}</div>
{{range .Blocks}}{{.}}{{end}}
</div>
{{end}}
</body>
</html>
`))

type pageEntry struct {
	Type   string
	Blocks []template.HTML
}

func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	entries := h.reader.ReadSession(sessionID)
	if entries == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	page := struct {
		SessionID string
		Entries   []pageEntry
	}{SessionID: sessionID}

	for _, entry := range entries {
		rendered := pageEntry{Type: entry.Type}
		for _, block := range entry.Message.Content {
			if fragment := h.renderBlock(block); fragment != "" {
				rendered.Blocks = append(rendered.Blocks, fragment)
			}
		}
		if len(rendered.Blocks) > 0 {
			page.Entries = append(page.Entries, rendered)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, page); err != nil {
		h.logger.Error("viewer render failed", "session_id", sessionID, "error", err)
	}
}

func (h *Handler) renderBlock(block Block) template.HTML {
	switch block.Type {
	case "text":
		var buf bytes.Buffer
		if err := h.markdown.Convert([]byte(block.Text), &buf); err != nil {
			return template.HTML("<pre>" + html.EscapeString(block.Text) + "</pre>")
		}
		return template.HTML(buf.String())

	case "thinking":
		return template.HTML(`<div class="thinking">` + html.EscapeString(block.Thinking) + `</div>`)

	case "tool_use":
		input := strings.TrimSpace(string(block.Input))
		if len(input) > 2000 {
			input = input[:2000] + "…"
		}
		return template.HTML(fmt.Sprintf(`<div class="tool">→ %s %s</div>`,
			html.EscapeString(block.Name), html.EscapeString(input)))

	case "tool_result":
		result := strings.TrimSpace(string(block.Content))
		if len(result) > 2000 {
			result = result[:2000] + "…"
		}
		return template.HTML(`<div class="tool">← ` + html.EscapeString(result) + `</div>`)
	}
	return ""
}
