package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

// H is text already escaped for ParseMode=HTML.
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

func B(s string) H { return "<b>" + Esc(s) + "</b>" }

func I(s string) H { return "<i>" + Esc(s) + "</i>" }

// Link escapes both the label and the href.
func Link(label, href string) H {
	return `<a href="` + Esc(href) + `">` + Esc(label) + "</a>"
}

// JoinH joins the non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	var b strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(string(p))
	}
	return H(b.String())
}

// TruncRunes keeps at most n runes of s; a cut string ends in "…" which
// counts toward n.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
