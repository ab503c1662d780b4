package protocol

import "bolt/internal/session"

// Tag is the msg_type discriminator carried by every control message.
type Tag string

const (
	TagPing          Tag = "PING"
	TagLog           Tag = "LOG"
	TagPanic         Tag = "PANIC"
	TagOpenLink      Tag = "OPEN_LINK"
	TagCopyClipboard Tag = "COPY_CLIPBOARD"
	TagSaveState     Tag = "SAVE_STATE"
	TagRestoreState  Tag = "RESTORE_STATE"
	TagSendHTTP      Tag = "SEND_HTTP"
	TagHTTPResponse  Tag = "HTTP_RESPONSE"
	TagInvalid       Tag = "INVALID"
)

func AddConnectionTag(p session.Protocol) Tag    { return Tag("ADD_" + p.String() + "_CONNECTION") }
func ConnectedTag(p session.Protocol) Tag        { return Tag(p.String() + "_CONNECTED") }
func DisconnectedTag(p session.Protocol) Tag     { return Tag(p.String() + "_DISCONNECTED") }
func MsgSentTag(p session.Protocol) Tag          { return Tag(p.String() + "_MSG_SENT") }
func ReceivedMsgTag(p session.Protocol) Tag      { return Tag(p.String() + "_RECEIVED_MSG") }
func ConnectionFailedTag(p session.Protocol) Tag { return Tag(p.String() + "_CONNECTION_FAILED") }

type kind int

const (
	kindPing kind = iota + 1
	kindLog
	kindPanic
	kindOpenLink
	kindCopyClipboard
	kindSaveState
	kindRestoreState
	kindSendHTTP
	kindAddConnection
	// Tags the backend only ever sends.
	kindOutbound
)

type entry struct {
	kind     kind
	protocol session.Protocol
}

var catalogue = buildCatalogue()

func buildCatalogue() map[Tag]entry {
	c := map[Tag]entry{
		TagPing:          {kind: kindPing},
		TagLog:           {kind: kindLog},
		TagPanic:         {kind: kindPanic},
		TagOpenLink:      {kind: kindOpenLink},
		TagCopyClipboard: {kind: kindCopyClipboard},
		TagSaveState:     {kind: kindSaveState},
		TagRestoreState:  {kind: kindRestoreState},
		TagSendHTTP:      {kind: kindSendHTTP},
		TagHTTPResponse:  {kind: kindOutbound},
		TagInvalid:       {kind: kindOutbound},
	}
	for _, p := range session.Protocols {
		c[AddConnectionTag(p)] = entry{kind: kindAddConnection, protocol: p}
		for _, t := range []Tag{ConnectedTag(p), DisconnectedTag(p), MsgSentTag(p), ReceivedMsgTag(p), ConnectionFailedTag(p)} {
			c[t] = entry{kind: kindOutbound, protocol: p}
		}
	}
	return c
}

// Known reports whether t is part of the catalogue.
func Known(t Tag) bool {
	_, ok := catalogue[t]
	return ok
}
