package conn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bolt/internal/protocol"
	"bolt/internal/session"
	"bolt/internal/transport"
)

var fastConfig = Config{
	SyncInterval:   20 * time.Millisecond,
	TickInterval:   10 * time.Millisecond,
	ReadWait:       10 * time.Millisecond,
	ConnectTimeout: time.Second,
}

// eventLog is a control channel that records lifecycle events.
type eventLog struct {
	ch chan protocol.ConnectionEvent
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan protocol.ConnectionEvent, 1024)}
}

func (e *eventLog) Send(v any) error {
	if ev, ok := v.(protocol.ConnectionEvent); ok {
		e.ch <- ev
	}
	return nil
}

func (e *eventLog) waitFor(t *testing.T, tag protocol.Tag) protocol.ConnectionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.ch:
			if ev.MsgType == tag {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", tag)
			return protocol.ConnectionEvent{}
		}
	}
}

// quiet asserts that no event arrives for d.
func (e *eventLog) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-e.ch:
		t.Fatalf("unexpected event %s for %s", ev.MsgType, ev.ConnectionID)
	case <-time.After(d):
	}
}

func (e *eventLog) drain() {
	for {
		select {
		case <-e.ch:
		default:
			return
		}
	}
}

type fakeLink struct {
	mu      sync.Mutex
	sent    []session.Message
	sendErr error

	inbound   chan session.Message
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		inbound: make(chan session.Message, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (l *fakeLink) Send(msg session.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, msg)
	return nil
}

func (l *fakeLink) Recv(wait time.Duration) (session.Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-l.closed:
		return session.Message{}, transport.ErrClosed
	case m := <-l.inbound:
		return m, nil
	case err := <-l.readErr:
		return session.Message{}, err
	case <-timer.C:
		return session.Message{}, transport.ErrNoData
	}
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

func (l *fakeLink) sentIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.sent))
	for i, m := range l.sent {
		out[i] = m.ID
	}
	return out
}

// fakeDialer hands out links per connection id and counts dials.
type fakeDialer struct {
	mu    sync.Mutex
	links map[string][]*fakeLink
	dials atomic.Int32
	dial  func(ctx context.Context, c *session.Connection) (transport.Link, error)
}

func (d *fakeDialer) Dial(ctx context.Context, c *session.Connection) (transport.Link, error) {
	d.dials.Add(1)
	if d.dial != nil {
		return d.dial(ctx, c)
	}
	return d.open(c), nil
}

func (d *fakeDialer) open(c *session.Connection) *fakeLink {
	l := newFakeLink()
	d.mu.Lock()
	if d.links == nil {
		d.links = make(map[string][]*fakeLink)
	}
	d.links[c.ID] = append(d.links[c.ID], l)
	d.mu.Unlock()
	return l
}

func (d *fakeDialer) last(id string) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.links[id]
	if len(ls) == 0 {
		return nil
	}
	return ls[len(ls)-1]
}

func connecting(id string) *session.Connection {
	return &session.Connection{ID: id, Connecting: true, OutQueue: []session.Message{}, MsgHistory: []session.Message{}}
}

func idle(id string) *session.Connection {
	return &session.Connection{ID: id, OutQueue: []session.Message{}, MsgHistory: []session.Message{}}
}

func stateFor(p session.Protocol, conns ...*session.Connection) *session.State {
	st := &session.State{}
	switch p {
	case session.WS:
		st.WsConnections = conns
	case session.TCP:
		st.TCPConnections = conns
	case session.UDP:
		st.UDPConnections = conns
	}
	return st
}

func startReconciler(t *testing.T, sess *session.Session, fam Family) *Reconciler {
	t.Helper()
	r := NewReconciler(sess, fam, fastConfig)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("reconciler did not stop")
		}
	})
	return r
}

func enqueue(sess *session.Session, p session.Protocol, id string, msgs ...session.Message) {
	sess.Update(p, id, func(c *session.Connection) {
		c.OutQueue = append(c.OutQueue, msgs...)
	})
}

func snapshot(t *testing.T, sess *session.Session, p session.Protocol, id string) *session.Connection {
	t.Helper()
	c, ok := sess.Connection(p, id)
	if !ok {
		t.Fatalf("connection %s missing", id)
	}
	return c
}
