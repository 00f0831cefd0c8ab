package main

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/spf13/cobra"
)

type testAlert struct {
	From    string
	To      string
	Subject string
	URLs    []string
}

func sendTestCmd() *cobra.Command {
	var (
		addr     string
		username string
		password string
		alert    testAlert
	)
	cmd := &cobra.Command{
		Use:   "send-test",
		Short: "Send a sample listing alert to the relay inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			var auth sasl.Client
			if username != "" {
				auth = sasl.NewPlainClient("", username, password)
			}
			msg := buildTestAlert(alert, time.Now())
			if err := smtp.SendMail(addr, auth, alert.From, []string{alert.To}, bytes.NewReader(msg)); err != nil {
				return fmt.Errorf("send alert: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent alert with %d url(s) to %s\n", len(alert.URLs), alert.To)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:2025", "relay SMTP address")
	f.StringVar(&username, "username", "listingrelay", "SMTP username, empty to skip AUTH")
	f.StringVar(&password, "password", "listingrelay", "SMTP password")
	f.StringVar(&alert.From, "from", "alerts@mobile.de", "sender address")
	f.StringVar(&alert.To, "to", "", "relay mailbox address")
	f.StringVar(&alert.Subject, "subject", "New vehicle for your saved search", "subject")
	f.StringSliceVar(&alert.URLs, "url", nil, "listing URL to include (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// buildTestAlert renders a multipart/alternative alert with the URLs in
// both the text and the HTML part, the way listing sites send them.
func buildTestAlert(a testAlert, now time.Time) []byte {
	boundary := fmt.Sprintf("listingrelay-%d", now.UnixNano())
	var text, html strings.Builder
	text.WriteString("New vehicles match your saved search.\r\n")
	html.WriteString("<p>New vehicles match your saved search.</p>")
	for _, u := range a.URLs {
		fmt.Fprintf(&text, "%s\r\n", u)
		fmt.Fprintf(&html, `<p><a href="%s">View listing</a></p>`, u)
	}

	lines := []string{
		"From: " + sanitizeHeader(a.From),
		"To: " + sanitizeHeader(a.To),
		"Subject: " + sanitizeHeader(a.Subject),
		"Date: " + now.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", boundary),
		"",
		"--" + boundary,
		"Content-Type: text/plain; charset=utf-8",
		"",
		text.String(),
		"--" + boundary,
		"Content-Type: text/html; charset=utf-8",
		"",
		html.String(),
		"--" + boundary + "--",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func sanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}
