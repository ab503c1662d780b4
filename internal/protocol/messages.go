package protocol

import (
	"strings"

	"bolt/internal/session"
)

// Request is any decoded inbound control message.
type Request interface {
	MessageType() Tag
}

type PingMsg struct {
	MsgType Tag    `json:"msg_type"`
	Body    string `json:"body,omitempty"`
}

type LogMsg struct {
	MsgType Tag    `json:"msg_type"`
	Log     string `json:"log"`
}

type PanicMsg struct {
	MsgType Tag    `json:"msg_type"`
	Log     string `json:"log"`
}

type OpenLinkMsg struct {
	MsgType Tag    `json:"msg_type"`
	Link    string `json:"link"`
}

type CopyClipboardMsg struct {
	MsgType Tag    `json:"msg_type"`
	Value   string `json:"value"`
}

// SaveStateMsg and RestoreStateMsg carry the whole SessionState as a JSON
// string, not a nested object.
type SaveStateMsg struct {
	MsgType Tag    `json:"msg_type"`
	Save    string `json:"save"`
}

type RestoreStateMsg struct {
	MsgType Tag    `json:"msg_type"`
	Save    string `json:"save,omitempty"`
}

type SendHTTPMsg struct {
	MsgType Tag        `json:"msg_type"`
	URL     string     `json:"url"`
	Method  string     `json:"method"`
	Body    string     `json:"body"`
	Headers [][]string `json:"headers"`
	Index   int        `json:"index"`
}

type AddConnectionMsg struct {
	MsgType      Tag              `json:"msg_type"`
	ConnectionID string           `json:"connection_id"`
	Protocol     session.Protocol `json:"-"`
}

// Ignored wraps outbound-only tags received from the client.
type Ignored struct {
	MsgType Tag `json:"msg_type"`
}

func (m PingMsg) MessageType() Tag          { return TagPing }
func (m LogMsg) MessageType() Tag           { return TagLog }
func (m PanicMsg) MessageType() Tag         { return TagPanic }
func (m OpenLinkMsg) MessageType() Tag      { return TagOpenLink }
func (m CopyClipboardMsg) MessageType() Tag { return TagCopyClipboard }
func (m SaveStateMsg) MessageType() Tag     { return TagSaveState }
func (m RestoreStateMsg) MessageType() Tag  { return TagRestoreState }
func (m SendHTTPMsg) MessageType() Tag      { return TagSendHTTP }
func (m AddConnectionMsg) MessageType() Tag { return m.MsgType }
func (m Ignored) MessageType() Tag          { return m.MsgType }

var methods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {},
	"HEAD": {}, "PATCH": {}, "OPTIONS": {}, "CONNECT": {},
}

// NormalizeMethod upper-cases m and reports whether it is a supported verb.
func NormalizeMethod(m string) (string, bool) {
	up := strings.ToUpper(strings.TrimSpace(m))
	_, ok := methods[up]
	return up, ok
}

// ConnectionEvent is every {WS|TCP|UDP}_* lifecycle and data event.
type ConnectionEvent struct {
	MsgType      Tag              `json:"msg_type"`
	ConnectionID string           `json:"connection_id"`
	Reason       string           `json:"reason,omitempty"`
	Msg          *session.Message `json:"msg,omitempty"`
}

func Connected(p session.Protocol, id string) ConnectionEvent {
	return ConnectionEvent{MsgType: ConnectedTag(p), ConnectionID: id}
}

func Disconnected(p session.Protocol, id string) ConnectionEvent {
	return ConnectionEvent{MsgType: DisconnectedTag(p), ConnectionID: id}
}

func ConnectionFailed(p session.Protocol, id, reason string) ConnectionEvent {
	return ConnectionEvent{MsgType: ConnectionFailedTag(p), ConnectionID: id, Reason: reason}
}

func MsgSent(p session.Protocol, id string, msg session.Message) ConnectionEvent {
	return ConnectionEvent{MsgType: MsgSentTag(p), ConnectionID: id, Msg: &msg}
}

func ReceivedMsg(p session.Protocol, id string, msg session.Message) ConnectionEvent {
	return ConnectionEvent{MsgType: ReceivedMsgTag(p), ConnectionID: id, Msg: &msg}
}

type BodyKind string

const (
	BodyText BodyKind = "text"
	BodyJSON BodyKind = "json"
)

type HTTPResponse struct {
	MsgType   Tag        `json:"msg_type"`
	Status    int        `json:"status"`
	Body      string     `json:"body"`
	Headers   [][]string `json:"headers"`
	TimeMS    uint32     `json:"time_ms"`
	SizeBytes uint64     `json:"size_bytes"`
	BodyKind  BodyKind   `json:"body_kind"`
	Index     int        `json:"index"`
	Failed    bool       `json:"failed"`
}

// InvalidMsg answers a frame that could not be decoded.
type InvalidMsg struct {
	MsgType Tag    `json:"msg_type"`
	Reason  string `json:"reason"`
}

func Pong() PingMsg { return PingMsg{MsgType: TagPing, Body: "pong"} }

func Invalid(err error) InvalidMsg {
	return InvalidMsg{MsgType: TagInvalid, Reason: err.Error()}
}
