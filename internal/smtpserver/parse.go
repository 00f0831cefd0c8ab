package smtpserver

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.io/infrasutra/listingrelay/internal/store"
)

// parseMessage decodes a raw RFC 5322 message into an inbox message. The
// envelope recipients decide which mailboxes receive it; header
// recipients are informational only for forwarded mail. On a decode error
// the partially filled message is still returned.
func parseMessage(envelopeFrom string, envelopeTo []string, raw []byte) (store.InboundMessage, []store.Recipient, error) {
	message := store.InboundMessage{
		ID:        uuid.NewString(),
		From:      normalizeEmail(envelopeFrom),
		Raw:       raw,
		RawSize:   int64(len(raw)),
		CreatedAt: time.Now(),
	}
	recipients := envelopeRecipients(envelopeTo)

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		fallbackFrom(&message)
		return message, recipients, err
	}

	if subject, err := reader.Header.Subject(); err == nil {
		message.Subject = subject
	}
	// The header sender wins: forwarding rewrites the envelope, and the
	// original sender is what identifies the listing site.
	if fromList, err := reader.Header.AddressList("From"); err == nil && len(fromList) > 0 {
		message.From = normalizeEmail(fromList[0].Address)
	}
	fallbackFrom(&message)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return message, recipients, err
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
				message.TextBody = appendBody(message.TextBody, string(body))
			case strings.HasPrefix(mediaType, "text/html"):
				message.HTMLBody = appendBody(message.HTMLBody, string(body))
			case strings.HasPrefix(mediaType, "image/"):
				message.Attachments = append(message.Attachments, attachment(header.Get("Content-ID"), mediaType, body))
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			message.Attachments = append(message.Attachments, attachment(filename, contentType, body))
		}
	}

	return message, recipients, nil
}

func attachment(filename, contentType string, body []byte) store.Attachment {
	filename = strings.Trim(strings.TrimSpace(filename), "<>")
	if filename == "" {
		filename = "attachment"
	}
	return store.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Data:        body,
		Size:        int64(len(body)),
	}
}

func appendBody(existing, part string) string {
	if existing == "" {
		return part
	}
	return existing + "\n" + part
}

func fallbackFrom(message *store.InboundMessage) {
	if message.From == "" {
		message.From = "unknown@" + defaultDomain
	}
}

func envelopeRecipients(envelopeTo []string) []store.Recipient {
	seen := map[string]struct{}{}
	var recipients []store.Recipient
	for _, addr := range envelopeTo {
		addr = normalizeEmail(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		recipients = append(recipients, store.Recipient{Email: addr, Type: "to"})
	}
	return recipients
}
