package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/mail-dl/archive"
	"github.com/dhcgn/mail-dl/mailbox"
	"github.com/dhcgn/mail-dl/model"
	"github.com/dhcgn/mail-dl/state"
	"github.com/dhcgn/mail-dl/stats"
)

const DefaultPageSize = 10

// Matcher decides whether a message should be archived.
type Matcher interface {
	Match(msg model.RawMessage) (rule string, ok bool)
}

// Archiver persists a message and returns the archive entry name.
type Archiver interface {
	Archive(ctx context.Context, msg model.RawMessage) (string, error)
}

type EventSink interface {
	Emit(evt stats.Event)
}

// ListError means the cycle could not read the mailbox. No message was
// touched.
type ListError struct {
	Err error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("list messages: %v", e.Err)
}

func (e *ListError) Unwrap() error {
	return e.Err
}

// DeleteError means a message was archived but could not be removed from
// the mailbox. The archive entry exists and the message stays journaled.
type DeleteError struct {
	MessageID string
	Entry     string
	Err       error
}

func (e *DeleteError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("delete message %s: %v", e.MessageID, e.Err)
	}
	return fmt.Sprintf("delete message %s (archived as %s): %v", e.MessageID, e.Entry, e.Err)
}

func (e *DeleteError) Unwrap() error {
	return e.Err
}

type CycleResult struct {
	Listed       int
	Processed    int
	Archived     int
	Skipped      int
	Retained     int
	Deleted      int
	DeleteFailed int
	// HasMore reports that the mailbox held more than one page.
	HasMore bool
}

func (r CycleResult) LogAttrs() []any {
	return []any{
		"listed", r.Listed,
		"processed", r.Processed,
		"archived", r.Archived,
		"skipped", r.Skipped,
		"retained", r.Retained,
		"deleted", r.Deleted,
		"deleteFailed", r.DeleteFailed,
		"hasMore", r.HasMore,
	}
}

type Config struct {
	Service  mailbox.Service
	Matcher  Matcher
	Archiver Archiver
	// Journal defaults to an in-memory journal.
	Journal state.Journal
	Events  EventSink
	// PageSize defaults to DefaultPageSize.
	PageSize int
}

// Runner drains one page of the mailbox per Cycle.
type Runner struct {
	svc      mailbox.Service
	matcher  Matcher
	archiver Archiver
	journal  state.Journal
	events   EventSink
	pageSize int
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("mail service must not be nil")
	}
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("matcher must not be nil")
	}
	if cfg.Archiver == nil {
		return nil, fmt.Errorf("archiver must not be nil")
	}
	if cfg.PageSize < 0 {
		return nil, fmt.Errorf("page size must not be negative")
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	journal := cfg.Journal
	if journal == nil {
		journal = state.NewMemoryJournal()
	}

	return &Runner{
		svc:      cfg.Service,
		matcher:  cfg.Matcher,
		archiver: cfg.Archiver,
		journal:  journal,
		events:   cfg.Events,
		pageSize: pageSize,
		logger:   logger,
	}, nil
}

// Cycle lists PageSize+1 messages, processes the first PageSize strictly in
// order and reports whether more remain. Per-message failures are logged
// and do not end the cycle; authentication failures and cancellation do.
func (r *Runner) Cycle(ctx context.Context) (CycleResult, error) {
	msgs, err := r.svc.List(ctx, r.pageSize+1)
	if err != nil {
		listErr := &ListError{Err: err}
		r.emit(stats.Event{Stage: stats.StageList, Type: stats.EventTypeError, Err: listErr})
		if r.logger != nil {
			r.logger.Error("listing messages failed", "err", err)
		}
		return CycleResult{}, listErr
	}

	result := CycleResult{Listed: len(msgs)}
	if len(msgs) == 0 {
		if r.logger != nil {
			r.logger.Debug("mailbox is empty")
		}
		r.pruneJournal(nil)
		return result, nil
	}

	if len(msgs) > r.pageSize {
		result.HasMore = true
		msgs = msgs[:r.pageSize]
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := r.process(ctx, msg, &result); err != nil {
			return result, err
		}
	}
	if !result.HasMore {
		r.pruneJournal(msgs)
	}

	if r.logger != nil {
		attrs := append(result.LogAttrs(), "journalPending", r.journal.Snapshot().Pending)
		r.logger.Info("cycle finished", attrs...)
	}
	return result, nil
}

// process runs one message through journal check, match, archive and
// delete. It only returns errors that must end the cycle.
func (r *Runner) process(ctx context.Context, msg model.RawMessage, result *CycleResult) error {
	result.Processed++
	r.emit(stats.Event{Stage: stats.StageList, Type: stats.EventTypeListed, MessageID: msg.ID})

	entry, archived := r.journal.Archived(msg.ID)
	switch {
	case archived:
		if r.logger != nil {
			r.logger.Info("message already archived, retrying delete", "messageID", msg.ID, "entry", entry)
		}

	default:
		rule, ok := r.matcher.Match(msg)
		if !ok {
			result.Skipped++
			r.emit(stats.Event{Stage: stats.StageMatch, Type: stats.EventTypeSkipped, MessageID: msg.ID})
			if r.logger != nil {
				r.logger.Debug("message does not match, deleting", "messageID", msg.ID, "subject", msg.Subject)
			}
			break
		}
		r.emit(stats.Event{Stage: stats.StageMatch, Type: stats.EventTypeMatched, MessageID: msg.ID, Detail: rule})
		if r.logger != nil {
			r.logger.Info("message matched", "messageID", msg.ID, "subject", msg.Subject, "rule", rule, "attachments", len(msg.Attachments))
		}

		var err error
		entry, err = r.archiver.Archive(ctx, msg)
		if err != nil {
			result.Retained++
			r.emit(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeRetained, MessageID: msg.ID, Err: err})
			r.logArchiveFailure(msg, err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if mailbox.IsAuthError(err) {
				return err
			}
			return nil
		}

		result.Archived++
		r.emit(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchived, MessageID: msg.ID, Detail: entry})
		if err := r.journal.MarkArchived(msg.ID, entry); err != nil && r.logger != nil {
			r.logger.Warn("journal write failed, a failed delete may archive this message again", "messageID", msg.ID, "entry", entry, "err", err)
		}
	}

	return r.delete(ctx, msg, entry, result)
}

func (r *Runner) delete(ctx context.Context, msg model.RawMessage, entry string, result *CycleResult) error {
	err := r.svc.Delete(ctx, msg.ID)
	if err != nil && errors.Is(err, mailbox.ErrMessageNotFound) {
		if r.logger != nil {
			r.logger.Warn("message already gone from mailbox", "messageID", msg.ID, "err", err)
		}
		err = nil
	}

	if err != nil {
		deleteErr := &DeleteError{MessageID: msg.ID, Entry: entry, Err: err}
		result.DeleteFailed++
		r.emit(stats.Event{Stage: stats.StageDelete, Type: stats.EventTypeDeleteFailed, MessageID: msg.ID, Err: deleteErr})
		if r.logger != nil {
			r.logger.Error("deleting message failed", "messageID", msg.ID, "subject", msg.Subject, "entry", entry, "err", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if mailbox.IsAuthError(err) {
			return deleteErr
		}
		return nil
	}

	result.Deleted++
	r.emit(stats.Event{Stage: stats.StageDelete, Type: stats.EventTypeDeleted, MessageID: msg.ID})
	if entry != "" {
		if err := r.journal.Forget(msg.ID); err != nil && r.logger != nil {
			r.logger.Warn("journal cleanup failed", "messageID", msg.ID, "err", err)
		}
	}
	return nil
}

// pruneJournal forgets journaled messages that are absent from a complete
// listing of the mailbox. They were removed outside the agent.
func (r *Runner) pruneJournal(listed []model.RawMessage) {
	present := make(map[string]struct{}, len(listed))
	for _, msg := range listed {
		present[msg.ID] = struct{}{}
	}

	for _, id := range r.journal.MessageIDs() {
		if _, ok := present[id]; ok {
			continue
		}
		entry, _ := r.journal.Archived(id)
		if err := r.journal.Forget(id); err != nil {
			if r.logger != nil {
				r.logger.Warn("journal cleanup failed", "messageID", id, "err", err)
			}
			continue
		}
		if r.logger != nil {
			r.logger.Info("message left the mailbox without being deleted here, dropping journal entry", "messageID", id, "entry", entry)
		}
	}
}

func (r *Runner) logArchiveFailure(msg model.RawMessage, err error) {
	if r.logger == nil {
		return
	}
	attrs := []any{"messageID", msg.ID, "subject", msg.Subject}

	var fetchErr *archive.FetchError
	if errors.As(err, &fetchErr) {
		attrs = append(attrs, "attachmentID", fetchErr.AttachmentID, "attachment", fetchErr.Name, "phase", fetchErr.Phase)
	}
	var archiveErr *archive.ArchiveError
	if errors.As(err, &archiveErr) {
		attrs = append(attrs, "step", archiveErr.Step)
	}
	attrs = append(attrs, "err", err)
	r.logger.Error("archiving failed, message retained", attrs...)
}

func (r *Runner) emit(evt stats.Event) {
	if r.events != nil {
		r.events.Emit(evt)
	}
}
