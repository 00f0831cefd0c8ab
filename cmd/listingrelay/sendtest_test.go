package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTestAlert(t *testing.T) {
	raw := buildTestAlert(testAlert{
		From:    "alerts@mobile.de",
		To:      "dealer@relay.test\r\nBcc: evil@example.com",
		Subject: "New vehicle",
		URLs:    []string{"https://suchen.mobile.de/fahrzeuge/details.html?id=1"},
	}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	subject, err := reader.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "New vehicle", subject)
	assert.Empty(t, reader.Header.Get("Bcc"))

	var bodies []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(part.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(body))
	}
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], "https://suchen.mobile.de/fahrzeuge/details.html?id=1")
	assert.True(t, strings.Contains(bodies[1], `<a href="https://suchen.mobile.de/fahrzeuge/details.html?id=1">`))
}
