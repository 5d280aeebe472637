package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotClient receives channel posts through the Telegram Bot API using
// long polling. The bot must be an administrator of each channel.
type BotClient struct {
	token       string
	endpoint    string
	pollTimeout int
	logger      *slog.Logger
}

// NewBotClient creates a Bot API client. pollTimeout is the long-poll
// duration in seconds.
func NewBotClient(token string, pollTimeout int, logger *slog.Logger) *BotClient {
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	return &BotClient{
		token:       token,
		endpoint:    tgbotapi.APIEndpoint,
		pollTimeout: pollTimeout,
		logger:      logger.With("component", "telegram"),
	}
}

// Connect authenticates the bot. Requests made by the returned session
// are aborted when ctx ends.
func (c *BotClient) Connect(ctx context.Context) (Session, error) {
	if c.token == "" {
		return nil, errors.New("telegram bot token not configured")
	}
	httpClient := &ctxClient{
		ctx:    ctx,
		client: &http.Client{Timeout: time.Duration(c.pollTimeout+15) * time.Second},
	}
	bot, err := tgbotapi.NewBotAPIWithClient(c.token, c.endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("connecting bot: %w", err)
	}
	c.logger.Info("bot authorized", "username", bot.Self.UserName)
	return &botSession{bot: bot, timeout: c.pollTimeout}, nil
}

// ValidateChannel checks that the bot can see the channel and returns its
// title.
func (c *BotClient) ValidateChannel(ctx context.Context, locator string) (string, error) {
	chat := normalizeHandle(locator)
	if chat == "" {
		return "", errors.New("channel cannot be empty")
	}
	session, err := c.Connect(ctx)
	if err != nil {
		return "", err
	}
	defer session.Close()
	bot := session.(*botSession).bot

	cfg := tgbotapi.ChatInfoConfig{}
	if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
		cfg.ChatID = id
	} else {
		cfg.SuperGroupUsername = "@" + chat
	}
	info, err := bot.GetChat(cfg)
	if err != nil {
		return "", fmt.Errorf("channel not accessible: %w", err)
	}
	if info.Type != "channel" {
		return "", fmt.Errorf("%s is a %s, not a channel", locator, info.Type)
	}
	return info.Title, nil
}

type botSession struct {
	bot     *tgbotapi.BotAPI
	timeout int
	offset  int
	pending []*tgbotapi.Message
}

func (s *botSession) Next(ctx context.Context) (Message, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		updates, err := s.bot.GetUpdates(tgbotapi.UpdateConfig{
			Offset:         s.offset,
			Timeout:        s.timeout,
			AllowedUpdates: []string{"channel_post"},
		})
		if err != nil {
			return Message{}, fmt.Errorf("polling updates: %w", err)
		}
		for _, u := range updates {
			if u.UpdateID >= s.offset {
				s.offset = u.UpdateID + 1
			}
			if u.ChannelPost != nil {
				s.pending = append(s.pending, u.ChannelPost)
			}
		}
	}

	m := s.pending[0]
	s.pending = s.pending[1:]
	return fromBotMessage(m), nil
}

func (s *botSession) Close() error {
	s.pending = nil
	return nil
}

func fromBotMessage(m *tgbotapi.Message) Message {
	msg := Message{
		MessageID: int64(m.MessageID),
		Text:      m.Text,
		Date:      m.Time(),
		HasMedia: len(m.Photo) > 0 || m.Video != nil || m.Document != nil ||
			m.Audio != nil || m.Voice != nil || m.Animation != nil,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
		msg.ChatHandle = strings.TrimPrefix(m.Chat.UserName, "@")
	}
	return msg
}

// ctxClient binds every Bot API request to a context.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c *ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}
