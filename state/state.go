package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Journal remembers messages that were archived but not yet deleted from
// the mailbox, so a failed delete never leads to a second archive entry.
type Journal interface {
	Archived(messageID string) (entry string, ok bool)
	MarkArchived(messageID, entry string) error
	Forget(messageID string) error
	// MessageIDs lists the messages still waiting for deletion.
	MessageIDs() []string
	Snapshot() Snapshot
}

type Snapshot struct {
	Pending int
}

type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]string)}
}

func (m *MemoryJournal) Archived(messageID string) (string, bool) {
	if messageID == "" {
		return "", false
	}

	m.mu.RLock()
	entry, ok := m.entries[messageID]
	m.mu.RUnlock()
	return entry, ok
}

func (m *MemoryJournal) MarkArchived(messageID, entry string) error {
	if messageID == "" {
		return nil
	}

	m.mu.Lock()
	m.entries[messageID] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryJournal) Forget(messageID string) error {
	m.mu.Lock()
	delete(m.entries, messageID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryJournal) MessageIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

func (m *MemoryJournal) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.entries)
	m.mu.RUnlock()
	return Snapshot{Pending: count}
}

// FileJournal persists the journal as JSON lines. Every record is flushed
// and synced before the call returns, because the drain loop deletes the
// source message right after.
type FileJournal struct {
	*MemoryJournal
	path    string
	logger  *slog.Logger
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	MessageID string `json:"message_id"`
	Entry     string `json:"entry,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

const journalFileName = "archived.jsonl"

// NewFileJournal loads the journal in stateDir. A record torn by a crash
// during the last append is dropped; damage anywhere else is an error.
func NewFileJournal(stateDir string, logger *slog.Logger) (*FileJournal, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	journal := &FileJournal{
		MemoryJournal: NewMemoryJournal(),
		path:          filepath.Join(stateDir, journalFileName),
		logger:        logger,
	}

	lines, unterminated, err := journal.load()
	if err != nil {
		return nil, err
	}
	if unterminated || lines > len(journal.entries) {
		if err := journal.compact(); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(journal.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	journal.file = file
	journal.writer = bufio.NewWriterSize(file, 4*1024)

	return journal, nil
}

// load replays the state file. unterminated reports that the file does
// not end in a newline and must be rewritten before appending.
func (f *FileJournal) load() (lines int, unterminated bool, err error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read state file: %w", err)
	}
	unterminated = len(data) > 0 && data[len(data)-1] != '\n'

	rows := bytes.Split(data, []byte{'\n'})
	for i, text := range rows {
		if len(bytes.TrimSpace(text)) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			// Only the unterminated tail can be a half-written record.
			if i == len(rows)-1 {
				if f.logger != nil {
					f.logger.Warn("dropping torn record at end of state file", "file", f.path, "line", i+1, "err", err)
				}
				return lines, true, nil
			}
			return 0, false, fmt.Errorf("parse state line %d: %w", i+1, err)
		}
		if record.MessageID == "" {
			continue
		}
		lines++

		f.mu.Lock()
		if record.Deleted {
			delete(f.entries, record.MessageID)
		} else {
			f.entries[record.MessageID] = record.Entry
		}
		f.mu.Unlock()
	}

	return lines, unterminated, nil
}

// compact rewrites the journal with only the pending entries.
func (f *FileJournal) compact() error {
	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create compacted state file: %w", err)
	}

	w := bufio.NewWriter(file)
	f.mu.RLock()
	for id, entry := range f.entries {
		data, err := json.Marshal(fileRecord{MessageID: id, Entry: entry})
		if err != nil {
			f.mu.RUnlock()
			_ = file.Close()
			return fmt.Errorf("encode state record: %w", err)
		}
		_, _ = w.Write(data)
		_ = w.WriteByte('\n')
	}
	f.mu.RUnlock()

	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("write compacted state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync compacted state file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close compacted state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileJournal) MarkArchived(messageID, entry string) error {
	if messageID == "" {
		return nil
	}
	if err := f.MemoryJournal.MarkArchived(messageID, entry); err != nil {
		return err
	}
	return f.append(fileRecord{MessageID: messageID, Entry: entry})
}

func (f *FileJournal) Forget(messageID string) error {
	if _, ok := f.Archived(messageID); !ok {
		return nil
	}
	if err := f.MemoryJournal.Forget(messageID); err != nil {
		return err
	}
	return f.append(fileRecord{MessageID: messageID, Deleted: true})
}

func (f *FileJournal) append(record fileRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileJournal) Close() error {
	if f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}

	return firstErr
}
