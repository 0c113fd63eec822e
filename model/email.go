package model

import "time"

// NormalizedEmail is the durable record written as email.json into every
// archive entry. Attachment bytes live next to it as sibling files.
type NormalizedEmail struct {
	ID          string               `json:"id"`
	ReceivedAt  string               `json:"receivedAt"`
	Subject     string               `json:"subject"`
	From        string               `json:"from"`
	To          []string             `json:"to"`
	Cc          []string             `json:"cc"`
	Bcc         []string             `json:"bcc"`
	Body        string               `json:"body"`
	Attachments []AttachmentMetadata `json:"attachments"`

	// ReceivedEpoch is the receipt instant in whole seconds; it names the
	// archive entry and is not part of the serialized record.
	ReceivedEpoch int64 `json:"-"`
}

// AttachmentMetadata describes one attachment inside the record.
type AttachmentMetadata struct {
	ID          string `json:"id"`
	ContentID   string `json:"contentId,omitempty"`
	ContentType string `json:"contentType"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
}

// Normalize derives the durable record from a raw message.
func Normalize(msg RawMessage) NormalizedEmail {
	received := msg.ReceivedRaw
	if received == "" {
		received = msg.ReceivedAt.UTC().Format(time.RFC3339)
	}

	attachments := make([]AttachmentMetadata, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attachments = append(attachments, AttachmentMetadata{
			ID:          att.ID,
			ContentID:   att.ContentID,
			ContentType: att.ContentType,
			Name:        att.Name,
			Size:        att.Size,
		})
	}

	return NormalizedEmail{
		ID:            msg.ID,
		ReceivedAt:    received,
		Subject:       msg.Subject,
		From:          msg.From.String(),
		To:            formatAddresses(msg.To),
		Cc:            formatAddresses(msg.Cc),
		Bcc:           formatAddresses(msg.Bcc),
		Body:          msg.Body,
		Attachments:   attachments,
		ReceivedEpoch: msg.ReceivedAt.Unix(),
	}
}

func formatAddresses(addrs []Address) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}
