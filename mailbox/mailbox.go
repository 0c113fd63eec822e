// Package mailbox defines the contract between the drain loop and the
// remote mail service, independent of the protocol used to reach it.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dhcgn/mail-dl/model"
)

// Service is a mailbox that can be consumed like a queue.
type Service interface {
	// List returns up to top messages of the source folder ordered by
	// receipt time, oldest first, with attachment metadata expanded.
	List(ctx context.Context, top int) ([]model.RawMessage, error)
	// OpenAttachment streams the bytes of a single attachment.
	OpenAttachment(ctx context.Context, messageID, attachmentID string) (io.ReadCloser, error)
	// Delete removes the message from the mailbox.
	Delete(ctx context.Context, messageID string) error
	Close() error
}

// ErrMessageNotFound is returned when an operation references a message the
// service does not know (or no longer knows) about.
var ErrMessageNotFound = errors.New("message not found")

// AuthError indicates that credentials were rejected or could not be
// obtained. It is fatal for the whole run.
type AuthError struct {
	Backend string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %v", e.Backend, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
