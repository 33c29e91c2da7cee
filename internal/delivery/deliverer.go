// Package delivery runs the three paths that surface announcements: the
// realtime subscription, the visibility catch-up scan and the poll fallback.
// Every path funnels into one Deliverer, which asks the coordinator for a
// claim before anything is rendered.
package delivery

import (
	"context"
	"io"
	"time"

	"tajpoint/internal/eventbus"
	"tajpoint/internal/model"
	"tajpoint/internal/storage"
	logx "tajpoint/pkg/logx"
)

// Path names, used in logs, audit entries and bus events.
const (
	PathRealtime = "realtime"
	PathCatchUp  = "catchup"
	PathPoll     = "poll"
	PathPush     = "push"
)

// EventSource unifies the realtime feed and the REST reads of the
// announcements collection.
type EventSource interface {
	Subscribe(ctx context.Context, onInsert func(model.Announcement), onStatus func(model.ChannelStatus, error)) (io.Closer, error)
	RecentSent(ctx context.Context, limit int) ([]model.Announcement, error)
}

// Claimer is the coordinator gate.
type Claimer interface {
	TryClaim(ctx context.Context, eventID string) bool
}

// Renderer shows a claimed announcement and reports the sink used.
type Renderer interface {
	Render(ctx context.Context, a model.Announcement) (string, error)
}

// Deliverer is the shared tail of every path: eligibility, claim, render.
type Deliverer struct {
	claim  Claimer
	render Renderer
	audit  storage.Store
	bus    eventbus.Bus
	log    logx.Logger
}

func NewDeliverer(claim Claimer, render Renderer, audit storage.Store, bus eventbus.Bus, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{claim: claim, render: render, audit: audit, bus: bus, log: log}
}

// Deliver reports whether this call rendered a (the claim was granted and a
// sink accepted it). A granted claim whose render fails stays claimed: the
// announcement is missed rather than risking a duplicate.
func (d *Deliverer) Deliver(ctx context.Context, path string, a model.Announcement) bool {
	if !a.Eligible() {
		return false
	}
	if !d.claim.TryClaim(ctx, a.ID) {
		d.log.Trace("delivery suppressed", logx.String("path", path), logx.String("id", a.ID))
		return false
	}

	sink, err := d.render.Render(ctx, a)
	entry := storage.AuditEntry{At: time.Now(), Path: path, EventID: a.ID, Outcome: "rendered"}
	if err != nil {
		entry.Outcome = "render_failed"
		entry.Error = err.Error()
		d.log.Warn("notification render failed", logx.String("path", path), logx.String("id", a.ID), logx.Err(err))
	} else {
		d.log.Info("notification delivered", logx.String("path", path), logx.String("id", a.ID), logx.String("sink", sink))
		eventbus.Post(d.bus, eventbus.Delivered, eventbus.DeliveredEvent{EventID: a.ID, Path: path, Sink: sink})
	}
	if d.audit != nil {
		if aerr := d.audit.AppendAudit(ctx, entry); aerr != nil {
			d.log.Debug("audit write skipped", logx.Err(aerr))
		}
	}
	return err == nil
}
