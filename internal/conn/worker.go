package conn

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"bolt/internal/protocol"
	"bolt/internal/session"
	"bolt/internal/telemetry"
	"bolt/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// worker drives one connection id. Only its own goroutine touches link,
// reader and state; halted is shared with the reader sidecar.
type worker struct {
	rec     *session.WorkerRecord
	family  Family
	session *session.Session
	cfg     Config
	logger  *zap.Logger
	sink    metrics.MetricSink
	labels  []metrics.Label

	state  State
	link   transport.Link
	reader *sidecar
	halted atomic.Bool
}

func newWorker(r *Reconciler, rec *session.WorkerRecord) *worker {
	return &worker{
		rec:     rec,
		family:  r.family,
		session: r.session,
		cfg:     r.cfg,
		logger:  r.logger.With(telemetry.LabelConnectionID.Z(rec.ConnectionID)),
		sink:    r.sink,
		labels:  []metrics.Label{telemetry.LabelProtocol.M(r.family.Protocol.Lower())},
	}
}

func (w *worker) id() string { return w.rec.ConnectionID }

func (w *worker) run() {
	defer w.session.RemoveRecord(w.rec)
	defer w.shutdown()
	defer func() {
		if v := recover(); v != nil {
			w.sink.IncrCounterWithLabels(telemetry.MetricWorkerPanicCount, 1, w.labels)
			w.logger.Error("worker panicked", zap.Stringer("state", w.state), zap.Any("panic", v), zap.Stack("stack"))
		}
	}()

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	w.step()
	for {
		select {
		case <-w.rec.Done():
			return
		case <-ticker.C:
			w.step()
		}
	}
}

// step applies one state-machine transition from the descriptor flags.
func (w *worker) step() {
	if w.rec.Killed() {
		return
	}
	c, ok := w.session.Connection(w.family.Protocol, w.id())
	if !ok {
		// Removed from desired state; the next reconciliation tick kills us.
		return
	}
	switch {
	case c.Disconnecting:
		w.disconnect()
	case c.Connecting && !c.Connected:
		w.connect(c)
	case c.Connected:
		w.drain(c)
	}
}

func (w *worker) disconnect() {
	from := w.state
	w.state = StateDisconnecting
	hadLink := w.closeLink()
	w.session.Update(w.family.Protocol, w.id(), func(c *session.Connection) {
		c.Connecting = false
		c.Connected = false
		c.Disconnecting = false
	})
	w.halted.Store(false)
	w.state = StateIdle
	if !hadLink {
		return
	}
	w.sink.IncrCounterWithLabels(telemetry.MetricConnCloseCount, 1, w.labels)
	w.logger.Info("disconnected", zap.Stringer("from", from))
	w.emit(protocol.Disconnected(w.family.Protocol, w.id()))
}

func (w *worker) connect(c *session.Connection) {
	if w.link != nil {
		w.closeLink()
	}
	w.state = StateConnecting
	w.halted.Store(false)

	ctx, cancel := context.WithTimeout(w.rec.Context(), w.cfg.ConnectTimeout)
	link, err := w.family.Dialer.Dial(ctx, c)
	cancel()
	if w.rec.Killed() {
		if link != nil {
			_ = link.Close()
		}
		return
	}
	if err != nil {
		reason := err.Error()
		w.session.Update(w.family.Protocol, w.id(), func(c *session.Connection) {
			c.Connecting = false
			c.Connected = false
			c.Failed = true
			c.FailedReason = reason
		})
		w.state = StateFailed
		w.sink.IncrCounterWithLabels(telemetry.MetricConnFailCount, 1, w.labels)
		w.logger.Warn("connect failed", zap.Error(err))
		w.emit(protocol.ConnectionFailed(w.family.Protocol, w.id(), reason))
		return
	}

	ok := w.session.Update(w.family.Protocol, w.id(), func(c *session.Connection) {
		c.Connecting = false
		c.Connected = true
		c.Failed = false
		c.FailedReason = ""
	})
	if !ok {
		_ = link.Close()
		w.state = StateIdle
		return
	}
	w.link = link
	w.state = StateConnected
	w.sink.IncrCounterWithLabels(telemetry.MetricConnEstCount, 1, w.labels)
	w.logger.Info("connected")
	w.emit(protocol.Connected(w.family.Protocol, w.id()))
	w.startReader()
}

// drain writes the queued messages in FIFO order. Each one leaves the queue
// only after its write succeeded.
func (w *worker) drain(c *session.Connection) {
	if w.link == nil {
		// Connected flag without a transport: restored from disk, left over
		// from a recovered panic, or set by the client. The client still
		// believes the connection is up, so tell it otherwise.
		w.logger.Info("connected flag without a link, clearing", zap.Stringer("state", w.state))
		ok := w.session.Update(w.family.Protocol, w.id(), func(c *session.Connection) {
			c.Connected = false
		})
		w.state = StateIdle
		if ok {
			w.emit(protocol.Disconnected(w.family.Protocol, w.id()))
		}
		return
	}
	if w.halted.Load() {
		return
	}
	for _, msg := range c.OutQueue {
		if w.rec.Killed() {
			return
		}
		if err := w.link.Send(msg); err != nil {
			w.ioFailed("write", err)
			return
		}
		sent := msg
		sent.Type = session.Out
		sent.Timestamp = session.Timestamp()
		if sent.ID == "" {
			sent.ID = session.NewMessageID()
		}
		ok := w.session.Update(w.family.Protocol, w.id(), func(c *session.Connection) {
			c.RemoveQueued(msg.ID)
			c.MsgHistory = append(c.MsgHistory, sent)
		})
		if !ok {
			return
		}
		w.sink.IncrCounterWithLabels(telemetry.MetricMsgOutCount, 1, w.labels)
		w.sink.IncrCounterWithLabels(telemetry.MetricMsgOutBytes, float32(len(sent.Payload())), w.labels)
		w.emit(protocol.MsgSent(w.family.Protocol, w.id(), sent))
	}
}

// ioFailed handles a post-connect transport error: the connection keeps its
// flags and stops producing traffic events until the client disconnects or
// reconnects it.
func (w *worker) ioFailed(op string, err error) {
	if !w.halted.CompareAndSwap(false, true) {
		return
	}
	w.sink.IncrCounterWithLabels(telemetry.MetricConnIOErrorCount, 1,
		append(w.labels, telemetry.LabelError.M(op)))
	w.logger.Warn(fmt.Sprintf("%s failed, halting connection", op), zap.Error(err))
}

func (w *worker) emit(ev protocol.ConnectionEvent) {
	if w.rec.Killed() {
		return
	}
	if err := w.session.Emit(ev); err != nil {
		w.logger.Debug("event not delivered", telemetry.LabelTag.Z(string(ev.MsgType)), zap.Error(err))
	}
}

// closeLink stops the reader, closes the transport and reports whether one
// was open.
func (w *worker) closeLink() bool {
	if w.link == nil {
		return false
	}
	if w.reader != nil {
		w.reader.stop()
	}
	if err := w.link.Close(); err != nil {
		w.logger.Debug("close link", zap.Error(err))
	}
	if w.reader != nil {
		w.reader.wait()
		w.reader = nil
	}
	w.link = nil
	return true
}

func (w *worker) shutdown() {
	w.closeLink()
	w.state = StateIdle
}
