// Package transport holds the raw connect/read/write/close primitives for
// each protocol family behind one Link interface.
package transport

import (
	"context"
	"errors"
	"os"
	"time"

	"bolt/internal/session"
)

var (
	// ErrNoData is returned by Recv when nothing arrived within the wait.
	ErrNoData     = errors.New("transport: no data within wait")
	ErrClosed     = errors.New("transport: link closed")
	ErrNoPeer     = errors.New("transport: no peer address")
	ErrNoEndpoint = errors.New("transport: no endpoint address")
)

// Link is one open transport.
type Link interface {
	// Send performs a blocking write of msg.
	Send(msg session.Message) error
	// Recv waits at most wait for one inbound message. The returned
	// message only carries payload fields and, for UDP, the sender.
	Recv(wait time.Duration) (session.Message, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, c *session.Connection) (Link, error)
}

const (
	DefaultWriteTimeout = 10 * time.Second
	tcpReadBuffer       = 4096
	udpReadBuffer       = 64 * 1024
)

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func writeDeadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return time.Now().Add(timeout)
}
