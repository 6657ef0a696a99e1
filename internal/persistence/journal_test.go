package persistence

import (
	"path/filepath"
	"testing"

	"github.com/basket/acp-bridge/internal/bridge"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	return journal
}

func TestJournal_AppendAndRead(t *testing.T) {
	journal := openTestJournal(t)

	updates := []bridge.Update{
		{Kind: bridge.KindThought, Text: "reading the issue"},
		{Kind: bridge.KindAction, ToolCallID: "T1", Title: "Edit file", Status: bridge.ActionCompleted},
		{Kind: bridge.KindMessageChunk, Text: "fixed it"},
	}
	for _, u := range updates {
		if err := journal.Append("svc-a:issue-1", u); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := journal.Append("other-session", bridge.Update{Kind: bridge.KindThought, Text: "x"}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	entries, err := journal.Entries("svc-a:issue-1", 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, entry := range entries {
		if entry.Update.Kind != updates[i].Kind || entry.Update.Text != updates[i].Text {
			t.Fatalf("entry %d = %+v, want %+v", i, entry.Update, updates[i])
		}
	}
	if entries[1].Update.ToolCallID != "T1" {
		t.Fatalf("action fields lost: %+v", entries[1].Update)
	}
}

func TestJournal_Limit(t *testing.T) {
	journal := openTestJournal(t)
	for i := 0; i < 5; i++ {
		journal.Append("s", bridge.Update{Kind: bridge.KindThought, Text: "t"})
	}
	entries, err := journal.Entries("s", 2)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
}

func TestJournal_DeleteSession(t *testing.T) {
	journal := openTestJournal(t)
	journal.Append("a", bridge.Update{Kind: bridge.KindThought, Text: "t"})
	journal.Append("b", bridge.Update{Kind: bridge.KindThought, Text: "t"})

	if err := journal.DeleteSession("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if entries, _ := journal.Entries("a", 0); len(entries) != 0 {
		t.Fatalf("entries survived delete: %+v", entries)
	}
	if entries, _ := journal.Entries("b", 0); len(entries) != 1 {
		t.Fatalf("unrelated session affected: %+v", entries)
	}
}
