package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"bolt/internal/session"
)

type TCPDialer struct {
	WriteTimeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, c *session.Connection) (Link, error) {
	addr := strings.TrimSpace(c.PeerAddress)
	if addr == "" {
		return nil, ErrNoPeer
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpLink{conn: conn, writeTimeout: d.WriteTimeout, buf: make([]byte, tcpReadBuffer)}, nil
}

type tcpLink struct {
	conn         net.Conn
	writeTimeout time.Duration
	buf          []byte
	closeOnce    sync.Once
}

func (l *tcpLink) Send(msg session.Message) error {
	_ = l.conn.SetWriteDeadline(writeDeadline(l.writeTimeout))
	_, err := l.conn.Write(msg.Payload())
	return err
}

func (l *tcpLink) Recv(wait time.Duration) (session.Message, error) {
	_ = l.conn.SetReadDeadline(time.Now().Add(wait))
	n, err := l.conn.Read(l.buf)
	if n > 0 {
		data := make(session.Bytes, n)
		copy(data, l.buf[:n])
		return session.Message{Data: data, PeerAddress: l.conn.RemoteAddr().String()}, nil
	}
	if err == nil || isTimeout(err) {
		return session.Message{}, ErrNoData
	}
	if errors.Is(err, net.ErrClosed) {
		return session.Message{}, ErrClosed
	}
	return session.Message{}, err
}

func (l *tcpLink) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.conn.Close() })
	return err
}
