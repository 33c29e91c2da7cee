package app

import (
	"bufio"
	"context"
	"io"
	"sync"

	"tajpoint/internal/eventbus"
	logx "tajpoint/pkg/logx"
)

// outbound lists the worker-to-page messages the bridge forwards.
var outbound = []string{
	eventbus.MsgAppUpdateAvailable,
	eventbus.MsgWorkerActivated,
	eventbus.MsgNavigate,
	eventbus.MsgSubscribeNotifications,
	eventbus.PermissionPrompt,
}

const maxBridgeLine = 1 << 20

// Bridge connects the bus to a line-delimited JSON stream: every line read
// from r is decoded and published, and every outbound message is written
// to w. Malformed lines are logged and skipped. Bridge returns when r is
// exhausted or ctx ends.
func Bridge(ctx context.Context, bus eventbus.Bus, r io.Reader, w io.Writer, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(32, outbound...)
	defer unsub()

	var wg sync.WaitGroup
	writerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-writerDone:
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				b, err := eventbus.Encode(e)
				if err != nil {
					log.Debug("bridge encode failed", logx.String("type", e.Type), logx.Err(err))
					continue
				}
				if _, err := w.Write(append(b, '\n')); err != nil {
					log.Warn("bridge write failed", logx.Err(err))
					return
				}
			}
		}
	}()
	defer func() {
		close(writerDone)
		wg.Wait()
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxBridgeLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			e, err := eventbus.Decode(line)
			if err != nil {
				log.Debug("bridge dropped malformed line", logx.Err(err))
				continue
			}
			bus.Publish(e)
		}
	}
}
