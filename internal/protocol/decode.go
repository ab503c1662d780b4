package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformed  = errors.New("protocol: malformed message")
	ErrUnknownTag = errors.New("protocol: unknown msg_type")
)

type envelope struct {
	MsgType *Tag `json:"msg_type"`
}

// Decode turns one text frame into a typed Request. It never panics: every
// failure is ErrMalformed or ErrUnknownTag.
func Decode(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.MsgType == nil {
		return nil, fmt.Errorf("%w: missing msg_type", ErrMalformed)
	}
	tag := *env.MsgType
	e, ok := catalogue[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}

	switch e.kind {
	case kindPing:
		return decodeAs[PingMsg](data)
	case kindLog:
		return decodeAs[LogMsg](data)
	case kindPanic:
		return decodeAs[PanicMsg](data)
	case kindOpenLink:
		var m OpenLinkMsg
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Link) == "" {
			return nil, fmt.Errorf("%w: link required", ErrMalformed)
		}
		return m, nil
	case kindCopyClipboard:
		return decodeAs[CopyClipboardMsg](data)
	case kindSaveState:
		var m SaveStateMsg
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.Save == "" {
			return nil, fmt.Errorf("%w: save required", ErrMalformed)
		}
		return m, nil
	case kindRestoreState:
		return decodeAs[RestoreStateMsg](data)
	case kindSendHTTP:
		var m SendHTTPMsg
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.URL) == "" {
			return nil, fmt.Errorf("%w: url required", ErrMalformed)
		}
		method, ok := NormalizeMethod(m.Method)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported method %q", ErrMalformed, m.Method)
		}
		m.Method = method
		for i, h := range m.Headers {
			if len(h) != 2 {
				return nil, fmt.Errorf("%w: header %d is not a [key, value] pair", ErrMalformed, i)
			}
		}
		return m, nil
	case kindAddConnection:
		var m AddConnectionMsg
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.ConnectionID == "" {
			return nil, fmt.Errorf("%w: connection_id required", ErrMalformed)
		}
		m.Protocol = e.protocol
		return m, nil
	default:
		return Ignored{MsgType: tag}, nil
	}
}

func decodeAs[T Request](data []byte) (Request, error) {
	var m T
	if err := decodeInto(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}
