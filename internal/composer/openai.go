package composer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrCompose marks a composition failure. Callers degrade to Fallback.
var ErrCompose = errors.New("compose failed")

const (
	defaultModel   = openai.GPT4oMini
	defaultTimeout = 60 * time.Second
	maxTokens      = 500
)

type Options struct {
	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAI composes posts with a chat completion. The API key is supplied
// per call because every account brings its own.
type OpenAI struct {
	opts   Options
	client *http.Client
	logger *zap.Logger
}

func NewOpenAI(opts Options, logger *zap.Logger) *OpenAI {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
}

func (c *OpenAI) Compose(ctx context.Context, apiKey string, in Input) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", fmt.Errorf("%w: missing api key", ErrCompose)
	}
	cfg := openai.DefaultConfig(apiKey)
	if c.opts.BaseURL != "" {
		cfg.BaseURL = c.opts.BaseURL
	}
	cfg.HTTPClient = c.client
	client := openai.NewClientWithConfig(cfg)

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(in)},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompose, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrCompose)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrCompose)
	}
	c.logger.Debug("post composed", zap.String("model", c.opts.Model), zap.Int("chars", len(text)))
	return text, nil
}
