package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mail-dl/model"
)

// AttachmentSource opens attachment byte streams.
type AttachmentSource interface {
	OpenAttachment(ctx context.Context, messageID, attachmentID string) (io.ReadCloser, error)
}

// Fetcher downloads single attachments into a directory.
type Fetcher struct {
	source AttachmentSource
	logger *slog.Logger
}

func NewFetcher(source AttachmentSource, logger *slog.Logger) *Fetcher {
	return &Fetcher{source: source, logger: logger}
}

// Fetch writes the attachment to dir/<name>. Callers must only pass file
// attachments. On error no file is left behind.
func (f *Fetcher) Fetch(ctx context.Context, messageID string, att model.RawAttachment, dir string) error {
	fail := func(phase FetchPhase, err error) error {
		return &FetchError{MessageID: messageID, AttachmentID: att.ID, Name: att.Name, Phase: phase, Err: err}
	}

	name, err := attachmentFileName(att.Name)
	if err != nil {
		return fail(PhaseWrite, err)
	}
	path := filepath.Join(dir, name)

	stream, err := f.source.OpenAttachment(ctx, messageID, att.ID)
	if err != nil {
		return fail(PhaseOpen, err)
	}
	defer stream.Close()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fail(PhaseWrite, err)
	}

	src := &trackingReader{r: stream}
	written, err := io.Copy(file, src)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		if src.err != nil {
			return fail(PhaseRead, src.err)
		}
		return fail(PhaseWrite, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return fail(PhaseWrite, fmt.Errorf("sync: %w", err))
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return fail(PhaseWrite, fmt.Errorf("close: %w", err))
	}

	if f.logger != nil {
		f.logger.Debug("attachment downloaded", "messageID", messageID, "attachmentID", att.ID, "name", name, "bytes", written, "declaredSize", att.Size)
	}
	return nil
}

// trackingReader remembers read errors so they can be told apart from
// write errors after io.Copy returns.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

var nameReplacer = strings.NewReplacer("/", "_", `\`, "_", "\x00", "_")

// attachmentFileName keeps the original name but never lets it leave the
// staging directory.
func attachmentFileName(name string) (string, error) {
	trimmed := nameReplacer.Replace(strings.TrimSpace(name))
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidAttachment, name)
	}
	if trimmed == RecordFileName {
		return "", fmt.Errorf("%w: %q collides with the record file", ErrInvalidAttachment, name)
	}
	return trimmed, nil
}
