package state

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
)

func TestFileJournal_PersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	journal, err := NewFileJournal(dir, nil)
	if err != nil {
		t.Fatalf("NewFileJournal() error = %v", err)
	}
	if err := journal.MarkArchived("m1", "100@EMAIL_1"); err != nil {
		t.Fatalf("MarkArchived() error = %v", err)
	}
	if err := journal.MarkArchived("m2", "200@EMAIL_2"); err != nil {
		t.Fatalf("MarkArchived() error = %v", err)
	}
	if err := journal.Forget("m1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewFileJournal(dir, nil)
	if err != nil {
		t.Fatalf("NewFileJournal() reopen error = %v", err)
	}
	defer reopened.Close()

	if _, ok := reopened.Archived("m1"); ok {
		t.Error("Expected m1 to be forgotten")
	}
	entry, ok := reopened.Archived("m2")
	if !ok || entry != "200@EMAIL_2" {
		t.Errorf("Archived(m2) = %q, %v", entry, ok)
	}
	if got := reopened.Snapshot().Pending; got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}
}

func TestFileJournal_CompactsTombstones(t *testing.T) {
	dir := t.TempDir()

	journal, err := NewFileJournal(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := journal.MarkArchived(id, "entry-"+id); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []string{"a", "b"} {
		if err := journal.Forget(id); err != nil {
			t.Fatal(err)
		}
	}
	journal.Close()

	reopened, err := NewFileJournal(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	reopened.Close()

	if lines := countLines(t, filepath.Join(dir, journalFileName)); lines != 1 {
		t.Fatalf("expected compacted journal with 1 line, got %d", lines)
	}
}

func TestFileJournal_ForgetUnknownIsNoop(t *testing.T) {
	dir := t.TempDir()
	journal, err := NewFileJournal(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := journal.Forget("never-seen"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	journal.Close()

	if lines := countLines(t, filepath.Join(dir, journalFileName)); lines != 0 {
		t.Fatalf("expected empty journal, got %d lines", lines)
	}
}

func TestFileJournal_RejectsCorruptLineMidFile(t *testing.T) {
	dir := t.TempDir()
	data := "{not json}\n" + `{"message_id":"m1","entry":"100@EMAIL_1"}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, journalFileName), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileJournal(dir, nil); err == nil {
		t.Fatal("Expected error for corrupt journal")
	}
}

func TestFileJournal_RejectsCorruptTerminatedLastLine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, journalFileName), []byte("{not json}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileJournal(dir, nil); err == nil {
		t.Fatal("Expected error for corrupt journal")
	}
}

func TestFileJournal_RecoversFromTornAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, journalFileName)

	journal, err := NewFileJournal(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := journal.MarkArchived("msg-1", "100@EMAIL_1"); err != nil {
		t.Fatal(err)
	}
	journal.Close()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.WriteString(`{"message_id":"msg-2","ent`); err != nil {
		t.Fatal(err)
	}
	file.Close()

	reopened, err := NewFileJournal(dir, nil)
	if err != nil {
		t.Fatalf("NewFileJournal() after torn append error = %v", err)
	}
	if entry, ok := reopened.Archived("msg-1"); !ok || entry != "100@EMAIL_1" {
		t.Errorf("Archived(msg-1) = %q, %v", entry, ok)
	}
	if _, ok := reopened.Archived("msg-2"); ok {
		t.Error("torn record must not be loaded")
	}
	if err := reopened.MarkArchived("msg-3", "300@EMAIL_3"); err != nil {
		t.Fatal(err)
	}
	reopened.Close()

	again, err := NewFileJournal(dir, nil)
	if err != nil {
		t.Fatalf("NewFileJournal() second reopen error = %v", err)
	}
	defer again.Close()

	if got := again.Snapshot().Pending; got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
	if entry, ok := again.Archived("msg-3"); !ok || entry != "300@EMAIL_3" {
		t.Errorf("Archived(msg-3) = %q, %v", entry, ok)
	}
}

func TestFileJournal_KeepsValidUnterminatedLastLine(t *testing.T) {
	dir := t.TempDir()
	data := `{"message_id":"m1","entry":"100@EMAIL_1"}`
	if err := os.WriteFile(filepath.Join(dir, journalFileName), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	journal, err := NewFileJournal(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := journal.MarkArchived("m2", "200@EMAIL_2"); err != nil {
		t.Fatal(err)
	}
	journal.Close()

	if lines := countLines(t, filepath.Join(dir, journalFileName)); lines != 2 {
		t.Fatalf("expected 2 separate records, got %d lines", lines)
	}
}

func TestMemoryJournal_MessageIDs(t *testing.T) {
	journal := NewMemoryJournal()
	_ = journal.MarkArchived("a", "1@EMAIL_a")
	_ = journal.MarkArchived("b", "2@EMAIL_b")
	_ = journal.Forget("a")

	ids := journal.MessageIDs()
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("MessageIDs() = %v, want [b]", ids)
	}
}

func TestNewFileJournal_EmptyDir(t *testing.T) {
	if _, err := NewFileJournal("  ", nil); err == nil {
		t.Fatal("Expected error for empty state dir")
	}
}

func TestMemoryJournal_IgnoresEmptyID(t *testing.T) {
	journal := NewMemoryJournal()
	if err := journal.MarkArchived("", "x"); err != nil {
		t.Fatal(err)
	}
	if _, ok := journal.Archived(""); ok {
		t.Fatal("empty id must never be reported as archived")
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	n := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n
}
