package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tajpoint/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig points the worker sink at one chat (optionally one forum
// thread).
type TelegramConfig struct {
	Token     string
	ChatID    int64
	ThreadID  int
	APIURL    string // empty means the public Bot API
	ParseMode string // default HTML
	Timeout   time.Duration
	// SiteURL makes the "open" action a button linking SiteURL+data.url.
	SiteURL   string
}

// TelegramSink is the background worker renderer: it reaches the user's
// device through a bot chat whether or not the page is open.
type TelegramSink struct {
	cfg TelegramConfig
	bot *tele.Bot
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tele.ModeHTML
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{cfg: cfg, bot: b}, nil
}

func (s *TelegramSink) Name() string { return "worker" }

func (s *TelegramSink) Show(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ParseMode:   s.cfg.ParseMode,
		ThreadID:    s.cfg.ThreadID,
		ReplyMarkup: openButton(p, s.cfg.SiteURL),
	}
	if _, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, formatTelegram(p, s.cfg.ParseMode), opt); err != nil {
		return classifyTelegram(err)
	}
	return nil
}

func formatTelegram(p Payload, parseMode string) string {
	card := tgui.Card{Title: p.Title, Body: p.Body}
	if u := p.URL(); u != "/" {
		card.URL = u
	}
	if strings.EqualFold(parseMode, tele.ModeHTML) {
		return card.HTML()
	}
	return card.Plain()
}

// openButton links the payload's "open" action to site+data.url.
func openButton(p Payload, site string) *tele.ReplyMarkup {
	site = strings.TrimRight(strings.TrimSpace(site), "/")
	if site == "" {
		return nil
	}
	var kb tgui.Keyboard
	for _, a := range p.Actions {
		if a.Action != "open" {
			continue
		}
		u := p.URL()
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			u = site + "/" + strings.TrimLeft(u, "/")
		}
		kb.Link(a.Title, u)
		break
	}
	return kb.Markup()
}

// classifyTelegram maps bot API failures onto the sink error contract.
func classifyTelegram(err error) error {
	var terr *tele.Error
	if errors.As(err, &terr) && (terr.Code == http.StatusForbidden || terr.Code == http.StatusUnauthorized) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return Throttled(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodp *tele.FloodError
	if errors.As(err, &floodp) && floodp != nil {
		return Throttled(err, time.Duration(floodp.RetryAfter)*time.Second)
	}
	return err
}
