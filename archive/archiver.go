package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-dl/model"
)

type Options struct {
	TargetDir         string
	StagingDir        string
	KeepFailedStaging bool
}

// Option customizes an Archiver.
type Option func(*Archiver)

// WithClock overrides the wall clock used for entry names.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// Archiver turns a message into a complete archive entry. Entries become
// visible in the target directory only through a single rename.
type Archiver struct {
	opts    Options
	fetcher *Fetcher
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	lastMillis int64
}

func New(opts Options, source AttachmentSource, logger *slog.Logger, options ...Option) (*Archiver, error) {
	if strings.TrimSpace(opts.TargetDir) == "" {
		return nil, fmt.Errorf("target directory is empty")
	}
	if strings.TrimSpace(opts.StagingDir) == "" {
		opts.StagingDir = DefaultStagingDir(opts.TargetDir)
	}
	opts.TargetDir = filepath.Clean(opts.TargetDir)
	opts.StagingDir = filepath.Clean(opts.StagingDir)
	if opts.TargetDir == opts.StagingDir {
		return nil, fmt.Errorf("staging directory must differ from target directory")
	}

	if err := os.MkdirAll(opts.TargetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create target directory: %w", err)
	}
	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	a := &Archiver{
		opts:    opts,
		fetcher: NewFetcher(source, logger),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(a)
	}
	return a, nil
}

// DefaultStagingDir places staging next to the target so the final rename
// never crosses a filesystem boundary.
func DefaultStagingDir(targetDir string) string {
	return filepath.Clean(targetDir) + ".staging"
}

// TargetDir returns the directory archive entries are published to.
func (a *Archiver) TargetDir() string {
	return a.opts.TargetDir
}

// Stage creates a fresh staging directory for one message.
func (a *Archiver) Stage() (string, error) {
	dir := filepath.Join(a.opts.StagingDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	return dir, nil
}

// Archive stages, populates and publishes the message. It returns the
// entry name relative to the target directory.
func (a *Archiver) Archive(ctx context.Context, msg model.RawMessage) (string, error) {
	dir, err := a.Stage()
	if err != nil {
		return "", &ArchiveError{MessageID: msg.ID, Step: StepStage, Err: err}
	}

	entry, err := a.ArchiveInto(ctx, msg, dir)
	if err != nil {
		a.discard(msg.ID, dir)
		return "", err
	}
	return entry, nil
}

// ArchiveInto fills an existing staging directory and relocates it into the
// target directory.
func (a *Archiver) ArchiveInto(ctx context.Context, msg model.RawMessage, stagingDir string) (string, error) {
	for _, att := range msg.Attachments {
		if err := ctx.Err(); err != nil {
			return "", &ArchiveError{MessageID: msg.ID, Step: StepCancelled, Err: err}
		}
		if !att.IsFile() {
			if a.logger != nil {
				a.logger.Info("skipping attachment", "messageID", msg.ID, "attachmentID", att.ID, "name", att.Name, "kind", att.Kind, "size", att.Size)
			}
			continue
		}
		if a.logger != nil {
			a.logger.Info("downloading attachment", "messageID", msg.ID, "attachmentID", att.ID, "name", att.Name, "size", att.Size)
		}
		if err := a.fetcher.Fetch(ctx, msg.ID, att, stagingDir); err != nil {
			return "", &ArchiveError{MessageID: msg.ID, Step: StepFetch, Err: err}
		}
	}

	rec := model.Normalize(msg)
	if err := writeRecord(stagingDir, rec); err != nil {
		return "", &ArchiveError{MessageID: msg.ID, Step: StepRecord, Err: err}
	}

	name := EntryName(rec.ReceivedEpoch, a.nextMillis())
	dest := filepath.Join(a.opts.TargetDir, name)

	if _, err := os.Lstat(dest); err == nil {
		return "", &ArchiveError{MessageID: msg.ID, Step: StepRelocate, Err: fmt.Errorf("%w: %s", ErrEntryExists, name)}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", &ArchiveError{MessageID: msg.ID, Step: StepRelocate, Err: err}
	}

	if err := os.Rename(stagingDir, dest); err != nil {
		return "", &ArchiveError{MessageID: msg.ID, Step: StepRelocate, Err: err}
	}
	if err := syncDir(a.opts.TargetDir); err != nil && a.logger != nil {
		a.logger.Warn("sync target directory failed", "dir", a.opts.TargetDir, "err", err)
	}

	if a.logger != nil {
		a.logger.Info("message archived", "messageID", msg.ID, "entry", name, "attachments", len(msg.Attachments))
	}
	return name, nil
}

// Sweep removes staging directories left behind by an interrupted run.
func (a *Archiver) Sweep() (int, error) {
	entries, err := os.ReadDir(a.opts.StagingDir)
	if err != nil {
		return 0, fmt.Errorf("read staging directory: %w", err)
	}
	if a.opts.KeepFailedStaging {
		return 0, nil
	}

	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(a.opts.StagingDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove stale staging %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// nextMillis returns a creation timestamp that is unique for this process.
func (a *Archiver) nextMillis() int64 {
	millis := a.now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()
	if millis <= a.lastMillis {
		millis = a.lastMillis + 1
	}
	a.lastMillis = millis
	return millis
}

func (a *Archiver) discard(messageID, dir string) {
	if a.opts.KeepFailedStaging {
		if a.logger != nil {
			a.logger.Warn("keeping failed staging directory", "messageID", messageID, "dir", dir)
		}
		return
	}
	if err := os.RemoveAll(dir); err != nil && a.logger != nil {
		a.logger.Warn("remove staging directory failed", "messageID", messageID, "dir", dir, "err", err)
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
