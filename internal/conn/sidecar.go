package conn

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"bolt/internal/protocol"
	"bolt/internal/session"
	"bolt/internal/telemetry"
	"bolt/internal/transport"
)

// sidecar reads inbound traffic for one connected link. It waits at most
// ReadWait per receive so stop is observed promptly.
type sidecar struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *sidecar) stop() { s.cancel() }
func (s *sidecar) wait() { <-s.done }

func (w *worker) startReader() {
	ctx, cancel := context.WithCancel(w.rec.Context())
	s := &sidecar{cancel: cancel, done: make(chan struct{})}
	w.reader = s
	go func(link transport.Link) {
		defer close(s.done)
		defer func() {
			if v := recover(); v != nil {
				w.sink.IncrCounterWithLabels(telemetry.MetricWorkerPanicCount, 1, w.labels)
				w.logger.Error("reader panicked", zap.Any("panic", v))
			}
		}()
		w.readLoop(ctx, link)
	}(w.link)
}

func (w *worker) readLoop(ctx context.Context, link transport.Link) {
	for ctx.Err() == nil {
		msg, err := link.Recv(w.cfg.ReadWait)
		if errors.Is(err, transport.ErrNoData) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.ioFailed("read", err)
			if w.family.OnReadError == EmitDisconnected {
				w.emit(protocol.Disconnected(w.family.Protocol, w.id()))
			}
			return
		}
		if w.halted.Load() {
			continue
		}

		msg.Type = session.In
		msg.Timestamp = session.Timestamp()
		if msg.ID == "" {
			msg.ID = session.NewMessageID()
		}
		ok := w.session.Update(w.family.Protocol, w.id(), func(c *session.Connection) {
			c.MsgHistory = append(c.MsgHistory, msg)
		})
		if !ok || ctx.Err() != nil {
			continue
		}
		w.sink.IncrCounterWithLabels(telemetry.MetricMsgInCount, 1, w.labels)
		w.sink.IncrCounterWithLabels(telemetry.MetricMsgInBytes, float32(len(msg.Payload())), w.labels)
		w.emit(protocol.ReceivedMsg(w.family.Protocol, w.id(), msg))
	}
}
