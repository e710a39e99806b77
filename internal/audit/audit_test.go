package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendCreatesFileAndWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	id1, err := log.Append(&Entry{Kind: "llm_call", Model: "test-model", Prompt: "p", Response: "r"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id1 == "" {
		t.Fatalf("expected id")
	}
	_, err = log.Append(&Entry{Kind: "label", ParentID: id1, Label: "accepted", Reason: "ok"})
	if err != nil {
		t.Fatalf("append label: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	lines := 0
	for sc.Scan() {
		lines++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

func TestTail(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	t.Run("missing file", func(t *testing.T) {
		entries, err := log.Tail(10)
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
		if entries != nil {
			t.Fatalf("expected nil for missing file, got %d entries", len(entries))
		}
	})

	for _, kind := range []string{"llm_call", "llm_call", "label"} {
		if _, err := log.Append(&Entry{Kind: kind}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	t.Run("last n oldest first", func(t *testing.T) {
		entries, err := log.Tail(2)
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].Kind != "llm_call" || entries[1].Kind != "label" {
			t.Errorf("expected [llm_call label], got [%s %s]", entries[0].Kind, entries[1].Kind)
		}
	})

	t.Run("skips malformed lines", func(t *testing.T) {
		f, err := os.OpenFile(log.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := f.WriteString("{truncated"); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = f.Close()

		entries, err := log.Tail(0)
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
		if len(entries) != 3 {
			t.Errorf("expected 3 parseable entries, got %d", len(entries))
		}
	})
}
