package tgui

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// MaxMessageRunes is the Bot API limit for one text message.
const MaxMessageRunes = 4096

// Card is one notification: a bold title, a body and an optional link line.
type Card struct {
	Title string
	Body  string
	URL   string
}

// HTML renders the card for ParseMode=HTML. Only the body is shortened to
// keep the message under MaxMessageRunes.
func (c Card) HTML() string {
	head := B(c.Title)
	var link H
	if c.URL != "" {
		link = Esc(c.URL)
	}
	budget := MaxMessageRunes - len([]rune(head)) - len([]rune(link)) - 2
	body := Esc(TruncRunes(c.Body, escBudget(c.Body, budget)))
	return JoinH("\n", head, body, link).String()
}

// Plain renders the card without markup.
func (c Card) Plain() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Title, c.Body, c.URL} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return TruncRunes(strings.Join(parts, "\n"), MaxMessageRunes)
}

// escBudget finds the longest raw prefix whose escaped form fits budget.
func escBudget(s string, budget int) int {
	if budget <= 0 {
		return 0
	}
	n, used := 0, 0
	for _, r := range s {
		w := len([]rune(string(Esc(string(r)))))
		if used+w > budget-1 {
			return n
		}
		used += w
		n++
	}
	return n + 1
}

// Keyboard builds an inline keyboard of URL buttons, one per row.
type Keyboard struct {
	rm   tele.ReplyMarkup
	rows []tele.Row
}

// Link appends a button opening url. Blank labels or urls are ignored.
func (k *Keyboard) Link(label, url string) *Keyboard {
	if strings.TrimSpace(label) == "" || strings.TrimSpace(url) == "" {
		return k
	}
	k.rows = append(k.rows, k.rm.Row(tele.Btn{Text: label, URL: url}))
	return k
}

// Markup returns nil when no button was added.
func (k *Keyboard) Markup() *tele.ReplyMarkup {
	if len(k.rows) == 0 {
		return nil
	}
	k.rm.Inline(k.rows...)
	return &k.rm
}
