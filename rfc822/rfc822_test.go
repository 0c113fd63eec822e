package rfc822

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-dl/model"
)

const shopFloorReport = "From: Line Lead <lead@example.com>\r\n" +
	"To: drop@example.com, Quality <qa@example.com>\r\n" +
	"Cc: boss@example.com\r\n" +
	"Subject: ZPW 1234 scratched housing\r\n" +
	"Date: Wed, 01 May 2024 08:00:00 +0200\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"alt\"\r\n" +
	"\r\n" +
	"--alt\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"see photo\r\n" +
	"--alt\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>see photo</p>\r\n" +
	"--alt--\r\n" +
	"--outer\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: inline\r\n" +
	"Content-ID: <logo@example>\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"UE5H\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf; name=\"report.pdf\"\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--outer\r\n" +
	"Content-Type: message/rfc822\r\n" +
	"Content-Disposition: attachment; filename=\"forwarded.eml\"\r\n" +
	"\r\n" +
	"Subject: inner\r\n" +
	"\r\n" +
	"inner body\r\n" +
	"--outer--\r\n"

func TestParseShopFloorReport(t *testing.T) {
	msg, err := Parse("m1", []byte(shopFloorReport))
	require.NoError(t, err)

	require.Equal(t, "m1", msg.ID)
	require.Equal(t, "ZPW 1234 scratched housing", msg.Subject)
	require.Equal(t, model.Address{Name: "Line Lead", Address: "lead@example.com"}, msg.From)
	require.Equal(t, []model.Address{{Address: "drop@example.com"}, {Name: "Quality", Address: "qa@example.com"}}, msg.To)
	require.Equal(t, []model.Address{{Address: "boss@example.com"}}, msg.Cc)
	require.Empty(t, msg.Bcc)
	require.True(t, msg.ReceivedAt.Equal(time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)))

	require.Equal(t, "html", msg.BodyContentType)
	require.Contains(t, msg.Body, "<p>see photo</p>")

	require.Len(t, msg.Attachments, 3)

	logo := msg.Attachments[0]
	require.Equal(t, "1", logo.ID)
	require.Equal(t, model.AttachmentKindFile, logo.Kind)
	require.Equal(t, "image/png", logo.ContentType)
	require.Equal(t, "logo@example", logo.ContentID)
	require.True(t, logo.Inline)
	require.Equal(t, "attachment-1", logo.Name)
	require.EqualValues(t, 3, logo.Size)

	pdf := msg.Attachments[1]
	require.Equal(t, "2", pdf.ID)
	require.Equal(t, "report.pdf", pdf.Name)
	require.Equal(t, model.AttachmentKindFile, pdf.Kind)
	require.False(t, pdf.Inline)

	fwd := msg.Attachments[2]
	require.Equal(t, "3", fwd.ID)
	require.Equal(t, model.AttachmentKindItem, fwd.Kind)
	require.Equal(t, "forwarded.eml", fwd.Name)
}

func TestOpenAttachmentDecodesContent(t *testing.T) {
	rc, err := OpenAttachment([]byte(shopFloorReport), "2")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4", string(data))
}

func TestOpenAttachmentUnknownID(t *testing.T) {
	_, err := OpenAttachment([]byte(shopFloorReport), "9")
	require.ErrorIs(t, err, ErrAttachmentNotFound)
}

func TestParsePlainMessage(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: hello\r\n\r\njust text\r\n"
	msg, err := Parse("p", []byte(raw))
	require.NoError(t, err)
	require.Equal(t, "text", msg.BodyContentType)
	require.True(t, strings.HasPrefix(msg.Body, "just text"))
	require.Empty(t, msg.Attachments)
	require.True(t, msg.ReceivedAt.IsZero())
}

func TestParseIDsAreStable(t *testing.T) {
	first, err := Parse("x", []byte(shopFloorReport))
	require.NoError(t, err)
	second, err := Parse("x", []byte(shopFloorReport))
	require.NoError(t, err)
	require.Equal(t, first.Attachments, second.Attachments)
}
