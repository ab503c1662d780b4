package conn

import (
	"time"

	"bolt/internal/session"
	"bolt/internal/transport"
)

const (
	DefaultSyncInterval   = time.Second
	DefaultTickInterval   = 500 * time.Millisecond
	DefaultReadWait       = 400 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second
)

// Config tunes one protocol family. A killed worker notices within one
// TickInterval, a sidecar within one ReadWait.
type Config struct {
	SyncInterval   time.Duration
	TickInterval   time.Duration
	ReadWait       time.Duration
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ReadWait <= 0 {
		c.ReadWait = DefaultReadWait
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// ReadErrorPolicy decides what a worker reports when its link fails after
// connecting. Both policies stop the connection's traffic events; neither
// resets status flags.
type ReadErrorPolicy int

const (
	HaltSilently ReadErrorPolicy = iota
	EmitDisconnected
)

// Family binds a protocol to its transport and its failure policy.
type Family struct {
	Protocol    session.Protocol
	Dialer      transport.Dialer
	OnReadError ReadErrorPolicy
}

func WebSocket(d transport.Dialer) Family {
	return Family{Protocol: session.WS, Dialer: d, OnReadError: EmitDisconnected}
}

func TCP(d transport.Dialer) Family {
	return Family{Protocol: session.TCP, Dialer: d, OnReadError: HaltSilently}
}

func UDP(d transport.Dialer) Family {
	return Family{Protocol: session.UDP, Dialer: d, OnReadError: HaltSilently}
}
