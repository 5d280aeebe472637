// Package stream ingests messages pushed by subscribed channels over a
// long-lived connection.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/TobiSchelling/newswatcher/internal/database"
)

// titleRunes is the length of the title cut from a message's text.
const titleRunes = 100

// State is a phase of the connection loop.
type State int

const (
	StateConnecting State = iota
	StateListening
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Message is an inbound channel post.
type Message struct {
	ChatID     int64
	ChatHandle string
	MessageID  int64
	Text       string
	Date       time.Time
	HasMedia   bool
}

// Client opens sessions to the messaging service.
type Client interface {
	Connect(ctx context.Context) (Session, error)
}

// Session delivers messages until it fails or ctx ends.
type Session interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// SourceLister resolves the channels to listen to.
type SourceLister interface {
	ActiveSourcesForActiveTasks(ctx context.Context, kind database.SourceKind) ([]database.Source, error)
}

// ItemStore persists one item at a time.
type ItemStore interface {
	StoreItem(ctx context.Context, item database.Item) (bool, error)
}

// Producer runs the connect, listen, back off loop.
type Producer struct {
	client  Client
	sources SourceLister
	store   ItemStore
	backoff time.Duration
	logger  *slog.Logger

	// sleep waits for d or until ctx ends.
	sleep func(ctx context.Context, d time.Duration) error

	state   State
	session Session
	index   map[string]database.Source
}

// NewProducer creates a streaming producer.
func NewProducer(client Client, sources SourceLister, store ItemStore, backoff time.Duration, logger *slog.Logger) *Producer {
	return &Producer{
		client:  client,
		sources: sources,
		store:   store,
		backoff: backoff,
		logger:  logger.With("component", "stream"),
		sleep:   sleepCtx,
		state:   StateConnecting,
	}
}

// Run drives the loop until ctx is cancelled. It always returns nil once
// stopped; failures are retried after the backoff interval.
func (p *Producer) Run(ctx context.Context) error {
	p.state = StateConnecting
	for p.state != StateStopped {
		next := p.step(ctx)
		if next != p.state {
			p.logger.Debug("state change", "from", p.state, "to", next)
		}
		p.state = next
	}
	p.logger.Info("stream stopped")
	return nil
}

// step performs the work of the current state and returns the next one.
func (p *Producer) step(ctx context.Context) State {
	if ctx.Err() != nil {
		p.closeSession()
		return StateStopped
	}

	switch p.state {
	case StateConnecting:
		return p.connect(ctx)
	case StateListening:
		return p.listen(ctx)
	case StateBackoff:
		if err := p.sleep(ctx, p.backoff); err != nil {
			return StateStopped
		}
		return StateConnecting
	default:
		return StateStopped
	}
}

func (p *Producer) connect(ctx context.Context) State {
	sources, err := p.sources.ActiveSourcesForActiveTasks(ctx, database.KindTelegram)
	if err != nil {
		p.logger.Error("loading channels failed", "error", err)
		return StateBackoff
	}
	if len(sources) == 0 {
		p.logger.Debug("no active channels")
		return StateBackoff
	}
	p.index = indexSources(sources)

	session, err := p.client.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StateStopped
		}
		p.logger.Error("connect failed", "error", err, "retry_in", p.backoff)
		return StateBackoff
	}
	p.session = session
	p.logger.Info("listening", "channels", len(sources))
	return StateListening
}

func (p *Producer) listen(ctx context.Context) State {
	msg, err := p.session.Next(ctx)
	if err != nil {
		p.closeSession()
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return StateStopped
		}
		p.logger.Warn("session ended", "error", err, "retry_in", p.backoff)
		return StateBackoff
	}
	p.handle(ctx, msg)
	return StateListening
}

// handle stores a message if it comes from a known channel and has text.
func (p *Producer) handle(ctx context.Context, msg Message) {
	src, ok := p.match(msg)
	if !ok {
		p.logger.Debug("dropping message from unknown channel", "chat_id", msg.ChatID, "handle", msg.ChatHandle)
		return
	}
	item, ok := toItem(src, msg)
	if !ok {
		return
	}

	stored, err := p.store.StoreItem(ctx, item)
	if err != nil {
		p.logger.Error("storing message failed", "source_id", src.ID, "message_id", msg.MessageID, "error", err)
		return
	}
	if stored {
		p.logger.Debug("stored message", "source_id", src.ID, "message_id", msg.MessageID)
	}
}

func (p *Producer) match(msg Message) (database.Source, bool) {
	if msg.ChatHandle != "" {
		if src, ok := p.index[normalizeHandle(msg.ChatHandle)]; ok {
			return src, true
		}
	}
	src, ok := p.index[strconv.FormatInt(msg.ChatID, 10)]
	return src, ok
}

func (p *Producer) closeSession() {
	if p.session == nil {
		return
	}
	if err := p.session.Close(); err != nil {
		p.logger.Debug("closing session", "error", err)
	}
	p.session = nil
}

func toItem(src database.Source, msg Message) (database.Item, bool) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return database.Item{}, false
	}

	title := text
	if utf8.RuneCountInString(text) > titleRunes {
		title = string([]rune(text)[:titleRunes]) + "..."
	}

	externalID := strconv.FormatInt(msg.MessageID, 10)
	var url *string
	if handle := strings.TrimPrefix(msg.ChatHandle, "@"); handle != "" {
		u := "https://t.me/" + handle + "/" + externalID
		url = &u
	}

	published := msg.Date
	if published.IsZero() {
		published = time.Now()
	}

	return database.Item{
		SourceID:    src.ID,
		Title:       title,
		Body:        text,
		URL:         url,
		ExternalID:  &externalID,
		PublishedAt: published,
		FetchedAt:   time.Now(),
		RawPayload: map[string]any{
			"message_id": msg.MessageID,
			"chat_id":    msg.ChatID,
			"has_media":  msg.HasMedia,
		},
	}, true
}

// indexSources keys channels by normalized handle or numeric chat id.
func indexSources(sources []database.Source) map[string]database.Source {
	index := make(map[string]database.Source, len(sources))
	for _, s := range sources {
		index[normalizeHandle(s.Locator)] = s
	}
	return index
}

// normalizeHandle reduces "@Name", "t.me/Name" and
// "https://t.me/Name" to "name". Numeric ids are kept as is.
func normalizeHandle(locator string) string {
	h := strings.TrimSpace(locator)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	h = strings.TrimPrefix(h, "t.me/")
	h = strings.TrimPrefix(h, "@")
	h = strings.TrimSuffix(h, "/")
	return strings.ToLower(h)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
