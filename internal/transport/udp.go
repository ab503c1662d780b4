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

// UDPDialer binds a local socket; there is no handshake, so "connect"
// succeeds as soon as the bind does.
type UDPDialer struct {
	WriteTimeout time.Duration
}

func (d UDPDialer) Dial(ctx context.Context, c *session.Connection) (Link, error) {
	bind := strings.TrimSpace(c.HostAddress)
	if bind == "" {
		bind = ":0"
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", bind)
	if err != nil {
		return nil, err
	}
	return &udpLink{
		conn:         pc,
		defaultPeer:  strings.TrimSpace(c.PeerAddress),
		writeTimeout: d.WriteTimeout,
		buf:          make([]byte, udpReadBuffer),
	}, nil
}

type udpLink struct {
	conn         net.PacketConn
	defaultPeer  string
	writeTimeout time.Duration
	buf          []byte
	closeOnce    sync.Once
}

// LocalAddr is used by tests binding to port 0.
func (l *udpLink) LocalAddr() net.Addr { return l.conn.LocalAddr() }

func (l *udpLink) Send(msg session.Message) error {
	peer := strings.TrimSpace(msg.PeerAddress)
	if peer == "" {
		peer = l.defaultPeer
	}
	if peer == "" {
		return ErrNoPeer
	}
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return err
	}
	_ = l.conn.SetWriteDeadline(writeDeadline(l.writeTimeout))
	_, err = l.conn.WriteTo(msg.Payload(), addr)
	return err
}

func (l *udpLink) Recv(wait time.Duration) (session.Message, error) {
	_ = l.conn.SetReadDeadline(time.Now().Add(wait))
	n, from, err := l.conn.ReadFrom(l.buf)
	if err != nil {
		if isTimeout(err) {
			return session.Message{}, ErrNoData
		}
		if errors.Is(err, net.ErrClosed) {
			return session.Message{}, ErrClosed
		}
		return session.Message{}, err
	}
	data := make(session.Bytes, n)
	copy(data, l.buf[:n])
	msg := session.Message{Data: data}
	if from != nil {
		msg.PeerAddress = from.String()
	}
	return msg, nil
}

func (l *udpLink) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.conn.Close() })
	return err
}
