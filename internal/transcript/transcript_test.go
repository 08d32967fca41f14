package transcript

import (
	"context"
	"strings"
	"testing"
)

func TestInMemoryStoreSaveAndRecent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		err := store.SaveEntry(ctx, Entry{SessionID: "s1", Role: RoleParticipant, Content: content})
		if err != nil {
			t.Fatalf("SaveEntry() error = %v", err)
		}
	}
	if err := store.SaveEntry(ctx, Entry{SessionID: "s2", Role: RoleAgent, Content: "other session"}); err != nil {
		t.Fatalf("SaveEntry() error = %v", err)
	}

	entries, err := store.RecentEntries(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("RecentEntries() len = %d, want 2", len(entries))
	}
	if entries[0].Content != "second" || entries[1].Content != "third" {
		t.Fatalf("RecentEntries() = %q, %q, want second, third", entries[0].Content, entries[1].Content)
	}
	if entries[0].ID == "" || entries[0].CreatedAt.IsZero() {
		t.Fatalf("SaveEntry() did not assign ID/CreatedAt: %+v", entries[0])
	}
}

func TestInMemoryStoreSessionWindowBounded(t *testing.T) {
	store := NewInMemoryStoreCap(3)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c", "d", "e"} {
		if err := store.SaveEntry(ctx, Entry{SessionID: "s1", Role: RoleParticipant, Content: content}); err != nil {
			t.Fatalf("SaveEntry() error = %v", err)
		}
	}

	entries, err := store.RecentEntries(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("RecentEntries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("RecentEntries() len = %d, want 3", len(entries))
	}
	if entries[0].Content != "c" || entries[2].Content != "e" {
		t.Fatalf("window = %q..%q, want c..e", entries[0].Content, entries[2].Content)
	}

	store.DropSession("s1")
	entries, err = store.RecentEntries(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("RecentEntries() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("RecentEntries() after DropSession len = %d, want 0", len(entries))
	}
}

func TestRecentEntriesUnknownSession(t *testing.T) {
	store := NewInMemoryStore()
	entries, err := store.RecentEntries(context.Background(), "missing", 10)
	if err != nil {
		t.Fatalf("RecentEntries() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("RecentEntries() len = %d, want 0", len(entries))
	}
}

func TestRedactPII(t *testing.T) {
	input := "Reach me at dav@example.com or +1 (555) 321-7654 and charge 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIICleanInputUnchanged(t *testing.T) {
	input := "Tell me about the weather tomorrow."
	out, changed := RedactPII(input)
	if changed {
		t.Fatalf("changed = true, want false")
	}
	if out != input {
		t.Fatalf("RedactPII() = %q, want input unchanged", out)
	}
}

func TestRedactEntry(t *testing.T) {
	e := Entry{Content: "my email is dav@example.com"}
	Redact(&e)
	if !e.PIIRedacted {
		t.Fatalf("PIIRedacted = false, want true")
	}
	if strings.Contains(e.Content, "example.com") {
		t.Fatalf("content still contains address: %q", e.Content)
	}
}
