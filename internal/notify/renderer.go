package notify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"tajpoint/internal/eventbus"
	"tajpoint/internal/metrics"
	"tajpoint/internal/model"
	logx "tajpoint/pkg/logx"
)

// Renderer shows a claimed notification: optional audio cue, then the
// worker sink when one is available, falling back to the page sink.
//
// A permission-denied answer from a sink disables rendering and raises the
// permission prompt exactly once for the Renderer's lifetime. SetEnabled(true)
// resumes rendering but never re-arms the prompt.
type Renderer struct {
	templates Templates
	worker    Sink
	page      Sink
	cue       Cue
	bus       eventbus.Bus
	log       logx.Logger
	m         *metrics.Metrics

	enabled  atomic.Bool
	denied   atomic.Bool
	prompted atomic.Bool
}

type RendererDeps struct {
	Templates Templates
	Worker    Sink // nil when no background renderer is configured
	Page      Sink
	Cue       Cue
	Bus       eventbus.Bus
	Log       logx.Logger
	Metrics   *metrics.Metrics
}

func NewRenderer(d RendererDeps) *Renderer {
	if d.Templates == nil {
		d.Templates = DefaultTemplates()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	r := &Renderer{
		templates: d.Templates,
		worker:    d.Worker,
		page:      d.Page,
		cue:       d.Cue,
		bus:       d.Bus,
		log:       d.Log,
		m:         d.Metrics,
	}
	r.enabled.Store(true)
	return r
}

// SetEnabled is the user-facing notifications switch.
func (r *Renderer) SetEnabled(on bool) {
	r.enabled.Store(on)
	if on {
		r.denied.Store(false)
	}
}

func (r *Renderer) Enabled() bool { return r.enabled.Load() && !r.denied.Load() }

// Render resolves the template for a and shows it. It returns the name of the
// sink that rendered it.
func (r *Renderer) Render(ctx context.Context, a model.Announcement) (string, error) {
	return r.Show(ctx, r.templates.For(a))
}

// Show renders a prepared payload.
func (r *Renderer) Show(ctx context.Context, p Payload) (string, error) {
	if !r.enabled.Load() {
		return "", ErrDisabled
	}
	if r.denied.Load() {
		return "", ErrPermissionDenied
	}

	if r.cue != nil {
		if err := r.cue.Play(ctx); err != nil {
			r.log.Trace("audio cue skipped", logx.Err(err))
		}
	}

	var errs []error
	for _, sink := range []Sink{r.worker, r.page} {
		if sink == nil {
			continue
		}
		err := sink.Show(ctx, p)
		if err == nil {
			r.m.Render(sink.Name(), "ok")
			return sink.Name(), nil
		}
		if errors.Is(err, ErrPermissionDenied) {
			r.m.Render(sink.Name(), "denied")
			r.permissionDenied(sink.Name())
			return "", err
		}
		r.m.Render(sink.Name(), "error")
		r.log.Debug("sink failed; falling back", logx.String("sink", sink.Name()), logx.Err(err))
		errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
	}
	if len(errs) == 0 {
		return "", ErrUnavailable
	}
	return "", errors.Join(errs...)
}

func (r *Renderer) permissionDenied(sink string) {
	r.denied.Store(true)
	if !r.prompted.CompareAndSwap(false, true) {
		return
	}
	r.log.Warn("notification permission denied; rendering paused", logx.String("sink", sink))
	eventbus.Post(r.bus, eventbus.PermissionPrompt, nil)
}
