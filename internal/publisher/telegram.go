// Package publisher posts composed listings to a Telegram channel.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// ErrPublish wraps every Bot API failure.
var ErrPublish = errors.New("publish failed")

const (
	defaultTimeout  = 30 * time.Second
	maxCaptionRunes = 1024
	maxMediaGroup   = 10
)

// Target is where and with which bot a post goes.
type Target struct {
	Token      string
	ChannelRef string
	// ChatID is the resolved numeric id; zero falls back to ChannelRef.
	ChatID int64
}

type Options struct {
	// Endpoint is the Bot API URL template, tgbotapi.APIEndpoint by default.
	Endpoint string
	Timeout  time.Duration
}

// Telegram keeps one Bot API client per token.
type Telegram struct {
	opts   Options
	client *http.Client
	logger *zap.Logger

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

func NewTelegram(opts Options, logger *zap.Logger) *Telegram {
	if opts.Endpoint == "" {
		opts.Endpoint = tgbotapi.APIEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger,
		bots:   map[string]*tgbotapi.BotAPI{},
	}
}

func (t *Telegram) bot(token string) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bot, ok := t.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, t.opts.Endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("%w: bot login: %w", ErrPublish, err)
	}
	t.bots[token] = bot
	return bot, nil
}

// ResolveChannel turns a channel reference (@username or numeric id) into
// the numeric chat id.
func (t *Telegram) ResolveChannel(_ context.Context, token, ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, fmt.Errorf("%w: empty channel reference", ErrPublish)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	bot, err := t.bot(token)
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(ref, "@") {
		ref = "@" + ref
	}
	chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: ref}})
	if err != nil {
		return 0, fmt.Errorf("%w: get chat %s: %w", ErrPublish, ref, err)
	}
	return chat.ID, nil
}

// Publish sends text with up to ten photos. No photos sends a plain
// message, one photo a captioned photo, several a media group with the
// caption on the first item. A caption over the Bot API limit is sent as a
// follow-up message instead.
func (t *Telegram) Publish(ctx context.Context, target Target, text string, photos [][]byte) error {
	bot, err := t.bot(target.Token)
	if err != nil {
		return err
	}
	chatID := target.ChatID
	if chatID == 0 {
		if chatID, err = t.ResolveChannel(ctx, target.Token, target.ChannelRef); err != nil {
			return err
		}
	}
	if len(photos) > maxMediaGroup {
		photos = photos[:maxMediaGroup]
	}

	caption := text
	followUp := ""
	if len(photos) > 0 && utf8.RuneCountInString(text) > maxCaptionRunes {
		caption, followUp = "", text
	}

	switch len(photos) {
	case 0:
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			return fmt.Errorf("%w: send message: %w", ErrPublish, err)
		}
	case 1:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "photo-1.jpg", Bytes: photos[0]})
		photo.Caption = caption
		if _, err := bot.Send(photo); err != nil {
			return fmt.Errorf("%w: send photo: %w", ErrPublish, err)
		}
	default:
		media := make([]interface{}, 0, len(photos))
		for i, data := range photos {
			item := tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{Name: fmt.Sprintf("photo-%d.jpg", i+1), Bytes: data})
			if i == 0 {
				item.Caption = caption
			}
			media = append(media, item)
		}
		if _, err := bot.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media)); err != nil {
			return fmt.Errorf("%w: send media group: %w", ErrPublish, err)
		}
	}

	if followUp != "" {
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, followUp)); err != nil {
			return fmt.Errorf("%w: send follow-up text: %w", ErrPublish, err)
		}
	}
	t.logger.Debug("posted to channel", zap.Int64("chat_id", chatID), zap.Int("photos", len(photos)))
	return nil
}
