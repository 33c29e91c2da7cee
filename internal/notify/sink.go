package notify

import (
	"context"
	"errors"
	"io"
	"sync"

	logx "tajpoint/pkg/logx"
)

var (
	ErrPermissionDenied = errors.New("notify: permission denied")
	ErrUnavailable      = errors.New("notify: sink unavailable")
	ErrDisabled         = errors.New("notify: notifications disabled")
)

// Sink shows a notification to the user.
type Sink interface {
	Name() string
	Show(ctx context.Context, p Payload) error
}

// LogSink is the page-level renderer of a headless agent: one structured
// line per notification.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "page" }

func (s *LogSink) Show(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("notification",
		logx.String("title", p.Title),
		logx.String("body", p.Body),
		logx.String("tag", p.Tag),
		logx.String("url", p.URL()),
		logx.Bool("require_interaction", p.RequireInteraction))
	return nil
}

// Cue plays a short audible signal before a notification.
type Cue interface {
	Play(ctx context.Context) error
}

// BellCue writes the terminal bell. A nil writer means no audio device.
type BellCue struct {
	mu sync.Mutex
	W  io.Writer
}

func (c *BellCue) Play(ctx context.Context) error {
	if c == nil || c.W == nil {
		return ErrUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.W, "\a")
	return err
}
