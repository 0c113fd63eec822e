// Package mbox drains a local mbox spool file as a mailbox.Service.
package mbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-dl/mailbox"
	"github.com/dhcgn/mail-dl/model"
	"github.com/dhcgn/mail-dl/rfc822"
)

var ErrLocked = errors.New("mbox spool is locked")

const (
	defaultLockTimeout = 30 * time.Second
	lockPollInterval   = 100 * time.Millisecond
	// staleLockAge follows the common MDA convention for abandoned dotlocks.
	staleLockAge = 5 * time.Minute
)

type Options struct {
	Path        string
	LockTimeout time.Duration
}

// Spool is a mailbox backed by an mbox file. Messages are listed in file
// order and identified by the SHA-256 of their raw bytes.
type Spool struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	logger      *slog.Logger

	mu  sync.Mutex
	raw map[string][]byte
}

func NewSpool(opts Options, logger *slog.Logger) (*Spool, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	return &Spool{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: timeout,
		logger:      logger,
		raw:         make(map[string][]byte),
	}, nil
}

func (s *Spool) List(ctx context.Context, top int) ([]model.RawMessage, error) {
	if top < 1 {
		return nil, fmt.Errorf("list top must be positive, got %d", top)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	raws, modTime, err := readSpool(s.path)
	unlock()
	if err != nil {
		return nil, err
	}

	clear(s.raw)
	if len(raws) > top {
		raws = raws[:top]
	}

	messages := make([]model.RawMessage, 0, len(raws))
	for idx, raw := range raws {
		id := MessageID(raw)
		msg, err := rfc822.Parse(id, raw)
		if err != nil && s.logger != nil {
			s.logger.Warn("message structure is damaged, using what could be parsed", "messageID", id, "index", idx, "err", err)
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = modTime
		}
		s.raw[id] = raw
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *Spool) OpenAttachment(ctx context.Context, messageID, attachmentID string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.raw[messageID]
	if !ok {
		unlock, err := s.lock(ctx)
		if err != nil {
			return nil, err
		}
		raws, _, err := readSpool(s.path)
		unlock()
		if err != nil {
			return nil, err
		}
		for _, candidate := range raws {
			if MessageID(candidate) == messageID {
				raw, ok = candidate, true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", mailbox.ErrMessageNotFound, messageID)
		}
	}
	return rfc822.OpenAttachment(raw, attachmentID)
}

// Delete rewrites the spool without the first message with the given id.
// The new spool is written next to the old one and renamed over it.
func (s *Spool) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	raws, _, err := readSpool(s.path)
	if err != nil {
		return err
	}

	kept := make([][]byte, 0, len(raws))
	found := false
	for _, raw := range raws {
		if !found && MessageID(raw) == messageID {
			found = true
			continue
		}
		kept = append(kept, raw)
	}
	if !found {
		return fmt.Errorf("%w: %s", mailbox.ErrMessageNotFound, messageID)
	}

	if err := writeSpool(s.path, kept); err != nil {
		return err
	}
	delete(s.raw, messageID)

	if s.logger != nil {
		s.logger.Debug("message removed from spool", "messageID", messageID, "remaining", len(kept))
	}
	return nil
}

func (s *Spool) Close() error {
	return nil
}

// MessageID returns the hex SHA-256 of a raw message. Trailing line breaks
// are ignored so the id survives a spool rewrite.
func MessageID(raw []byte) string {
	sum := sha256.Sum256(trimTrailingNewlines(raw))
	return hex.EncodeToString(sum[:])
}

// Read calls fn for every message of the mbox file at path.
func Read(path string, fn func(raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}

// readSpool returns all messages and the modification time of the spool.
// A missing spool is an empty mailbox.
func readSpool(path string) ([][]byte, time.Time, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat mbox: %w", err)
	}

	var raws [][]byte
	err = Read(path, func(raw []byte) error {
		raws = append(raws, raw)
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return raws, info.ModTime(), nil
}

func writeSpool(path string, raws [][]byte) error {
	mode := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary spool: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	writer := mboxlib.NewWriter(tmp)
	for idx, raw := range raws {
		w, err := writer.CreateMessage("MAILER-DAEMON", envelopeDate(raw))
		if err != nil {
			cleanup()
			return fmt.Errorf("write message %d: %w", idx, err)
		}
		if _, err := w.Write(trimTrailingNewlines(raw)); err != nil {
			cleanup()
			return fmt.Errorf("write message %d: %w", idx, err)
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			cleanup()
			return fmt.Errorf("write message %d: %w", idx, err)
		}
	}
	if err := writer.Close(); err != nil {
		cleanup()
		return fmt.Errorf("finish spool: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temporary spool: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temporary spool: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temporary spool: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace spool: %w", err)
	}
	return nil
}

func trimTrailingNewlines(raw []byte) []byte {
	return bytes.TrimRight(raw, "\r\n")
}

func envelopeDate(raw []byte) time.Time {
	if msg, err := rfc822.Parse("", raw); err == nil && !msg.ReceivedAt.IsZero() {
		return msg.ReceivedAt
	}
	return time.Now()
}

// lock takes the <spool>.lock dotlock, waiting up to the lock timeout.
func (s *Spool) lock(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(s.lockTimeout)
	for {
		file, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(file, "%d\n", os.Getpid())
			_ = file.Close()
			return func() {
				if err := os.Remove(s.lockPath); err != nil && s.logger != nil {
					s.logger.Warn("remove spool lock failed", "path", s.lockPath, "err", err)
				}
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create spool lock: %w", err)
		}

		if info, statErr := os.Stat(s.lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			if s.logger != nil {
				s.logger.Warn("removing stale spool lock", "path", s.lockPath, "age", time.Since(info.ModTime()).String())
			}
			_ = os.Remove(s.lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, s.lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
