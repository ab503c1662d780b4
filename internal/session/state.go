package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Protocol string

const (
	WS  Protocol = "WS"
	TCP Protocol = "TCP"
	UDP Protocol = "UDP"
)

var Protocols = []Protocol{WS, TCP, UDP}

func (p Protocol) String() string { return string(p) }

// Lower is used for logger names and metric labels.
func (p Protocol) Lower() string { return strings.ToLower(string(p)) }

type Direction string

const (
	In  Direction = "IN"
	Out Direction = "OUT"
)

// Message is one entry of an outbound queue or a history. WebSocket
// messages use Txt, TCP and UDP messages use Data.
type Message struct {
	ID          string    `json:"msg_id"`
	Txt         string    `json:"txt,omitempty"`
	Data        Bytes     `json:"data,omitempty"`
	PeerAddress string    `json:"peer_address,omitempty"`
	Timestamp   uint64    `json:"timestamp"`
	Type        Direction `json:"msg_type"`
}

// Payload returns the bytes to put on the wire.
func (m Message) Payload() []byte {
	if len(m.Data) > 0 {
		return m.Data
	}
	return []byte(m.Txt)
}

func NewMessageID() string {
	id, _, _ := strings.Cut(uuid.NewString(), "-")
	return id
}

func Timestamp() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Connection is the descriptor the client declares for one endpoint.
// URL addresses WebSocket connections, PeerAddress TCP connections and the
// default UDP destination, HostAddress the local UDP bind.
type Connection struct {
	ID          string `json:"connection_id"`
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	HostAddress string `json:"host_address,omitempty"`
	PeerAddress string `json:"peer_address,omitempty"`

	Connecting    bool   `json:"connecting"`
	Disconnecting bool   `json:"disconnecting"`
	Connected     bool   `json:"connected"`
	Failed        bool   `json:"failed"`
	FailedReason  string `json:"failed_reason"`

	OutQueue   []Message `json:"out_queue"`
	MsgHistory []Message `json:"msg_history"`
}

func NewConnection(name string) *Connection {
	return &Connection{
		ID:         NewMessageID(),
		Name:       name,
		OutQueue:   []Message{},
		MsgHistory: []Message{},
	}
}

func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	out := *c
	out.OutQueue = cloneMessages(c.OutQueue)
	out.MsgHistory = cloneMessages(c.MsgHistory)
	return &out
}

// RemoveQueued drops the first queued message with the given id.
func (c *Connection) RemoveQueued(id string) bool {
	for i, m := range c.OutQueue {
		if m.ID == id {
			c.OutQueue = append(c.OutQueue[:i:i], c.OutQueue[i+1:]...)
			return true
		}
	}
	return false
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		if m.Data != nil {
			out[i].Data = append(Bytes(nil), m.Data...)
		}
	}
	return out
}

// State is the client's declared session. Page and the *Current indices
// only matter to the client but travel with the persisted document.
type State struct {
	Page        string `json:"page"`
	HTTPCurrent int    `json:"http_current"`
	WsCurrent   int    `json:"ws_current"`
	TCPCurrent  int    `json:"tcp_current"`
	UDPCurrent  int    `json:"udp_current"`
	ColCurrent  []int  `json:"col_current"`

	WsConnections  []*Connection `json:"ws_connections"`
	TCPConnections []*Connection `json:"tcp_connections"`
	UDPConnections []*Connection `json:"udp_connections"`
}

func NewState() *State {
	return &State{
		Page:           "HttpPage",
		ColCurrent:     []int{0, 0},
		WsConnections:  []*Connection{NewConnection("Ws connection ")},
		TCPConnections: []*Connection{NewConnection("TCP connection ")},
		UDPConnections: []*Connection{NewConnection("UDP connection ")},
	}
}

var ErrInvalidState = errors.New("session: invalid state document")

func ParseState(data []byte) (*State, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidState)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	for _, p := range Protocols {
		for _, c := range st.Connections(p) {
			if c == nil {
				return nil, fmt.Errorf("%w: null %s connection", ErrInvalidState, p)
			}
			if c.ID == "" {
				return nil, fmt.Errorf("%w: %s connection without connection_id", ErrInvalidState, p)
			}
		}
	}
	return &st, nil
}

func (s *State) Connections(p Protocol) []*Connection {
	switch p {
	case WS:
		return s.WsConnections
	case TCP:
		return s.TCPConnections
	case UDP:
		return s.UDPConnections
	default:
		return nil
	}
}

func (s *State) find(p Protocol, id string) *Connection {
	for _, c := range s.Connections(p) {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *State) Clone() *State {
	out := *s
	out.ColCurrent = append([]int(nil), s.ColCurrent...)
	out.WsConnections = cloneConnections(s.WsConnections)
	out.TCPConnections = cloneConnections(s.TCPConnections)
	out.UDPConnections = cloneConnections(s.UDPConnections)
	return &out
}

func cloneConnections(in []*Connection) []*Connection {
	if in == nil {
		return nil
	}
	out := make([]*Connection, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}
