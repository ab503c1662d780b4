package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bolt/internal/protocol"
	"bolt/internal/session"
	"bolt/internal/store"
	"bolt/internal/telemetry"
)

var ErrNoCollaborator = errors.New("control: collaborator not configured")

func (s *Server) dispatch(ctx context.Context, p *peer, req protocol.Request) {
	switch m := req.(type) {
	case protocol.PingMsg:
		s.reply(p, protocol.Pong())
	case protocol.LogMsg:
		s.client.Info(m.Log)
	case protocol.PanicMsg:
		s.client.Error(m.Log)
	case protocol.OpenLinkMsg:
		s.openLink(m.Link)
	case protocol.CopyClipboardMsg:
		s.copyClipboard(m.Value)
	case protocol.SaveStateMsg:
		if err := s.saveState(m.Save); err != nil {
			s.logger.Warn("save state rejected", zap.Error(err))
			s.reply(p, protocol.Invalid(err))
		}
	case protocol.RestoreStateMsg:
		s.reply(p, protocol.RestoreStateMsg{MsgType: protocol.TagRestoreState, Save: s.restoreState()})
	case protocol.SendHTTPMsg:
		s.sendHTTP(ctx, p, m)
	case protocol.AddConnectionMsg:
		s.logger.Debug("connection added", telemetry.LabelProtocol.Z(m.Protocol.Lower()),
			telemetry.LabelConnectionID.Z(m.ConnectionID))
	case protocol.Ignored:
		s.logger.Debug("ignoring outbound tag from client", telemetry.LabelTag.Z(string(m.MsgType)))
	default:
		s.reply(p, protocol.Invalid(fmt.Errorf("%w: %s", protocol.ErrUnknownTag, req.MessageType())))
	}
}

func (s *Server) openLink(link string) {
	if s.Browser == nil {
		s.logger.Warn("open link", zap.Error(ErrNoCollaborator))
		return
	}
	if err := s.Browser.Open(link); err != nil {
		s.logger.Warn("open link", zap.String("link", link), zap.Error(err))
	}
}

func (s *Server) copyClipboard(value string) {
	if s.Clipboard == nil {
		s.logger.Warn("copy to clipboard", zap.Error(ErrNoCollaborator))
		return
	}
	if err := s.Clipboard.Copy(value); err != nil {
		s.logger.Warn("copy to clipboard", zap.Error(err))
	}
}

// saveState validates the document, persists it byte for byte and then
// replaces the in-memory state. A persistence failure is logged; the
// in-memory state is replaced regardless.
func (s *Server) saveState(raw string) error {
	st, err := session.ParseState([]byte(raw))
	if err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.Save([]byte(raw)); err != nil {
			s.logger.Error("persist state", zap.Error(err))
		}
	}
	s.session.Replace(st)
	return nil
}

// restoreState returns the persisted document, or the in-memory state when
// nothing has been persisted.
func (s *Server) restoreState() string {
	if s.store != nil {
		data, err := s.store.Load()
		if err == nil {
			return string(data)
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("load state", zap.Error(err))
		}
	}
	data, err := json.Marshal(s.session.State())
	if err != nil {
		s.logger.Error("encode state", zap.Error(err))
		return ""
	}
	return string(data)
}

// sendHTTP runs the request off the read loop; the response is delivered
// on the channel that asked for it.
func (s *Server) sendHTTP(ctx context.Context, p *peer, m protocol.SendHTTPMsg) {
	if s.HTTP == nil {
		s.reply(p, protocol.HTTPResponse{
			MsgType:  protocol.TagHTTPResponse,
			Headers:  [][]string{},
			Body:     ErrNoCollaborator.Error(),
			BodyKind: protocol.BodyText,
			Index:    m.Index,
			Failed:   true,
		})
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("http send panicked", zap.Any("panic", v))
			}
		}()
		start := time.Now()
		resp := s.HTTP.Send(ctx, m)
		s.sink.AddSample(telemetry.MetricHTTPLatencyMS, float32(time.Since(start).Milliseconds()))
		if resp.Failed {
			s.logger.Info("http request failed", zap.String("url", m.URL), zap.String("error", resp.Body))
		}
		s.reply(p, resp)
	}()
}
