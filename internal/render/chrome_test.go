package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderAfterCloseFails(t *testing.T) {
	c := NewChrome(Options{}, nil)
	c.Close()

	_, err := c.Render(context.Background(), "https://cars.test/listing/1")
	require.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, c.allocCtx)
}

func TestNewChromeDefaultsSettle(t *testing.T) {
	c := NewChrome(Options{UserAgent: "test-agent"}, nil)
	assert.Positive(t, c.opts.Settle)
	assert.Nil(t, c.allocCtx, "browser allocator is created lazily")
}
