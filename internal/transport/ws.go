package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bolt/internal/session"
)

type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (d WSDialer) Dial(ctx context.Context, c *session.Connection) (Link, error) {
	u := strings.TrimSpace(c.URL)
	if u == "" {
		return nil, ErrNoEndpoint
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	l := &wsLink{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		frames:       make(chan wsFrame, 64),
		done:         make(chan struct{}),
	}
	go l.pump()
	return l, nil
}

type wsFrame struct {
	msgType int
	data    []byte
	err     error
}

// wsLink reads on its own goroutine because a gorilla read deadline poisons
// the connection once it fires. Recv waits on the pumped frames instead.
type wsLink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	frames       chan wsFrame
	done         chan struct{}
	closeOnce    sync.Once
}

func (l *wsLink) pump() {
	for {
		mt, data, err := l.conn.ReadMessage()
		select {
		case l.frames <- wsFrame{msgType: mt, data: data, err: err}:
		case <-l.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *wsLink) Send(msg session.Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(writeDeadline(l.writeTimeout))
	if msg.Txt == "" && len(msg.Data) > 0 {
		return l.conn.WriteMessage(websocket.BinaryMessage, msg.Data)
	}
	return l.conn.WriteMessage(websocket.TextMessage, []byte(msg.Txt))
}

func (l *wsLink) Recv(wait time.Duration) (session.Message, error) {
	if l.closed() {
		return session.Message{}, ErrClosed
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case f := <-l.frames:
		if f.err != nil {
			if l.closed() {
				return session.Message{}, ErrClosed
			}
			return session.Message{}, f.err
		}
		if f.msgType == websocket.BinaryMessage {
			return session.Message{Data: f.data}, nil
		}
		return session.Message{Txt: string(f.data)}, nil
	case <-timer.C:
		return session.Message{}, ErrNoData
	case <-l.done:
		return session.Message{}, ErrClosed
	}
}

func (l *wsLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	return err
}
