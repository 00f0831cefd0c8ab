package smtpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/listingrelay/internal/store"
)

const multipartMessage = "From: Mobile.de <Alerts@Mobile.de>\r\n" +
	"To: dealer@example.com\r\n" +
	"Subject: Neue Treffer\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"https://suchen.mobile.de/auto-inserat/123\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<a href=\"https://suchen.mobile.de/auto-inserat/123\">Sedan X</a>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Disposition: attachment; filename=\"car.jpg\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"AQID\r\n" +
	"--outer--\r\n"

func TestParseMessage(t *testing.T) {
	msg, recipients, err := parseMessage("bounce@forwarder.test", []string{"Box@Relay.test", "box@relay.test"}, []byte(multipartMessage))
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alerts@mobile.de", msg.From)
	assert.Equal(t, "Neue Treffer", msg.Subject)
	assert.Contains(t, msg.TextBody, "auto-inserat/123")
	assert.Contains(t, msg.HTMLBody, "<a href=")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "car.jpg", msg.Attachments[0].Filename)
	assert.Equal(t, "image/jpeg", msg.Attachments[0].ContentType)
	assert.Equal(t, []byte{1, 2, 3}, msg.Attachments[0].Data)

	assert.Equal(t, []store.Recipient{{Email: "box@relay.test", Type: "to"}}, recipients)
}

func TestParseMessageWithoutHeaders(t *testing.T) {
	msg, _, _ := parseMessage("", []string{"box@relay.test"}, []byte("\r\nplain body only\r\n"))
	assert.Equal(t, "unknown@listingrelay", msg.From)
	assert.Contains(t, msg.TextBody, "plain body only")
}

type fakeInbox struct {
	mailboxes map[string]string
	stored    []store.InboundMessage
}

func (f *fakeInbox) InsertMessage(_ context.Context, message store.InboundMessage, _ []store.Recipient) error {
	f.stored = append(f.stored, message)
	return nil
}

func (f *fakeInbox) MailboxOwned(_ context.Context, address string) (bool, error) {
	_, ok := f.mailboxes[address]
	return ok, nil
}

func (f *fakeInbox) CheckMailbox(_ context.Context, address, password string) (bool, error) {
	pw, ok := f.mailboxes[address]
	return ok && pw == password, nil
}

func TestSessionRejectsUnknownMailbox(t *testing.T) {
	inbox := &fakeInbox{mailboxes: map[string]string{"box@relay.test": "pw"}}
	b := &backend{inbox: inbox, logger: New(inbox, nil, ":0", AuthConfig{}).logger}
	s := &session{backend: b, logger: b.logger}

	require.NoError(t, s.Mail("alerts@mobile.de", nil))
	err := s.Rcpt("other@relay.test", nil)
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)

	require.NoError(t, s.Rcpt("BOX@relay.test", nil))
	require.NoError(t, s.Data(strings.NewReader(multipartMessage)))
	require.Len(t, inbox.stored, 1)
	assert.Equal(t, "Neue Treffer", inbox.stored[0].Subject)
}

func TestSessionAuth(t *testing.T) {
	inbox := &fakeInbox{mailboxes: map[string]string{"box@relay.test": "pw"}}
	b := &backend{inbox: inbox, logger: New(inbox, nil, ":0", AuthConfig{}).logger, auth: AuthConfig{Enabled: true, Username: "relay", Password: "secret"}}

	assert.True(t, b.checkLogin("relay", "secret"))
	assert.True(t, b.checkLogin("box@relay.test", "pw"))
	assert.False(t, b.checkLogin("box@relay.test", "nope"))
	assert.False(t, b.checkLogin("relay", "nope"))

	s := &session{backend: b, logger: b.logger}
	assert.ErrorIs(t, s.Mail("x@y", nil), smtp.ErrAuthRequired)
}
