// Package tgui formats notifications for the Telegram Bot API: HTML-safe
// text within the message limit and inline URL buttons.
package tgui
