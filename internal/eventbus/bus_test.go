package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: PageVisible})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != PageVisible || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block
	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %q, want a", e.Type)
	}
}

func TestUnsubscribeThenPublish(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: "after"})
}

func TestCodecTypedPayloads(t *testing.T) {
	t.Parallel()
	raw, err := Encode(Event{Type: CmdScheduleNotification, Data: ScheduleNotification{Title: "Majlis", Body: "Tonight", Delay: 120000}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sn, ok := e.Data.(ScheduleNotification)
	if !ok {
		t.Fatalf("Data type = %T, want ScheduleNotification", e.Data)
	}
	if sn.Title != "Majlis" || sn.Delay != 120000 {
		t.Fatalf("payload = %+v", sn)
	}

	e, err = Decode([]byte(`{"type":"SKIP_WAITING"}`))
	if err != nil || e.Type != CmdSkipWaiting || e.Data != nil {
		t.Fatalf("Decode(SKIP_WAITING) = %+v, %v", e, err)
	}
	if _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for message without type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for garbage")
	}
}

func TestSubscribeTypeFilter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, CmdSkipWaiting)
	defer unsub()
	Post(b, PageFocus, nil)
	Post(b, CmdSkipWaiting, nil)
	select {
	case e := <-ch:
		if e.Type != CmdSkipWaiting {
			t.Fatalf("filtered subscriber got %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}
