// Package rfc822 turns raw RFC 5322 messages into model.RawMessage values
// and serves the decoded bytes of their attachments.
//
// Attachment ids are 1-based ordinals over the attachment parts of the
// message, so the same raw bytes always produce the same ids.
package rfc822

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-dl/model"
)

var ErrAttachmentNotFound = errors.New("attachment not found")

// Parse reads the headers, body and attachment metadata of raw. When the
// MIME structure is broken part way through, the message parsed so far is
// returned together with the error.
func Parse(id string, raw []byte) (model.RawMessage, error) {
	msg, _, err := walk(id, raw, "")
	return msg, err
}

// OpenAttachment returns the transfer-decoded content of one attachment.
func OpenAttachment(raw []byte, attachmentID string) (io.ReadCloser, error) {
	_, content, err := walk("", raw, attachmentID)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentNotFound, attachmentID)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// walk visits every leaf part once. If want is set, the content of that
// attachment is captured and returned.
func walk(id string, raw []byte, want string) (model.RawMessage, []byte, error) {
	msg := model.RawMessage{ID: id}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return msg, nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	readHeader(&msg, mr.Header)

	var (
		plain, html         string
		havePlain, haveHTML bool
	)

	ordinal := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			msg.Body, msg.BodyContentType = pickBody(plain, html, havePlain, haveHTML)
			return msg, nil, fmt.Errorf("read part after attachment %d: %w", ordinal, err)
		}

		var header message.Header
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			header = h.Header
		case *mail.AttachmentHeader:
			header = h.Header
		default:
			continue
		}

		contentType := mediaType(header)
		disposition, _, _ := header.ContentDisposition()
		name, _ := (&mail.AttachmentHeader{Header: header}).Filename()
		cid := contentID(header.Get("Content-Id"))
		attached := strings.EqualFold(disposition, "attachment")

		if !attached && name == "" {
			if contentType == "text/plain" && !havePlain {
				body, err := io.ReadAll(part.Body)
				if err != nil {
					return msg, nil, fmt.Errorf("read text body: %w", err)
				}
				plain, havePlain = string(body), true
				continue
			}
			if contentType == "text/html" && !haveHTML {
				body, err := io.ReadAll(part.Body)
				if err != nil {
					return msg, nil, fmt.Errorf("read html body: %w", err)
				}
				html, haveHTML = string(body), true
				continue
			}
		}

		att := model.RawAttachment{
			Kind:        kindFor(contentType),
			Name:        name,
			ContentType: contentType,
			ContentID:   cid,
			Inline:      !attached && (cid != "" || strings.EqualFold(disposition, "inline")),
		}

		ordinal++
		att.ID = strconv.Itoa(ordinal)
		if att.Name == "" {
			att.Name = "attachment-" + att.ID
		}

		if want != "" && want == att.ID {
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return msg, nil, fmt.Errorf("read attachment %s: %w", att.ID, err)
			}
			return msg, content, nil
		}

		size, err := io.Copy(io.Discard, part.Body)
		if err != nil {
			return msg, nil, fmt.Errorf("read attachment %s: %w", att.ID, err)
		}
		att.Size = size
		msg.Attachments = append(msg.Attachments, att)
	}

	msg.Body, msg.BodyContentType = pickBody(plain, html, havePlain, haveHTML)
	return msg, nil, nil
}

func readHeader(msg *model.RawMessage, h mail.Header) {
	msg.Subject, _ = h.Subject()
	if from := addressList(h, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")
	msg.Bcc = addressList(h, "Bcc")
	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date
	}
}

func addressList(h mail.Header, key string) []model.Address {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, addr := range list {
		out = append(out, model.Address{Name: addr.Name, Address: addr.Address})
	}
	return out
}

// pickBody prefers html over plain text.
func pickBody(plain, html string, havePlain, haveHTML bool) (string, string) {
	switch {
	case haveHTML:
		return html, "html"
	case havePlain:
		return plain, "text"
	default:
		return "", ""
	}
}

// mediaType falls back to text/plain, the RFC 2045 default.
func mediaType(h message.Header) string {
	contentType, _, err := h.ContentType()
	if err != nil || contentType == "" {
		return "text/plain"
	}
	return strings.ToLower(contentType)
}

func kindFor(contentType string) model.AttachmentKind {
	if strings.EqualFold(contentType, "message/rfc822") {
		return model.AttachmentKindItem
	}
	return model.AttachmentKindFile
}

func contentID(raw string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(raw), "<"), ">")
}
