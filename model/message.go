package model

import "time"

// AttachmentKind distinguishes downloadable file attachments from
// embedded items and cloud references.
type AttachmentKind string

const (
	AttachmentKindFile      AttachmentKind = "file"
	AttachmentKindItem      AttachmentKind = "item"
	AttachmentKindReference AttachmentKind = "reference"
)

// Address is a mailbox participant.
type Address struct {
	Name    string
	Address string
}

// String renders the address as "Name <address>", or the bare address
// when no display name is known.
func (a Address) String() string {
	if a.Name != "" {
		return a.Name + " <" + a.Address + ">"
	}
	return a.Address
}

// RawAttachment is the service-provided description of one attachment.
type RawAttachment struct {
	ID          string
	Kind        AttachmentKind
	Name        string
	ContentType string
	Size        int64
	ContentID   string
	Inline      bool
}

// IsFile reports whether the attachment carries downloadable bytes.
func (a RawAttachment) IsFile() bool {
	return a.Kind == AttachmentKindFile
}

// RawMessage represents a single mailbox entry as returned by a mail service.
type RawMessage struct {
	ID              string
	Subject         string
	From            Address
	To              []Address
	Cc              []Address
	Bcc             []Address
	Body            string
	BodyContentType string
	ReceivedAt      time.Time
	// ReceivedRaw is the timestamp exactly as the service reported it, if any.
	ReceivedRaw string
	Attachments []RawAttachment
}
