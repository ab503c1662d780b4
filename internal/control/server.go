package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"bolt/internal/desktop"
	"bolt/internal/protocol"
	"bolt/internal/session"
	"bolt/internal/store"
	"bolt/internal/telemetry"
)

type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// HTTPSender performs SEND_HTTP requests.
type HTTPSender interface {
	Send(ctx context.Context, req protocol.SendHTTPMsg) protocol.HTTPResponse
}

// Server owns the single control channel to the GUI client. A newly
// accepted channel replaces (and closes) the previous one.
type Server struct {
	session *session.Session
	store   store.Store

	HTTP      HTTPSender
	Browser   desktop.Browser
	Clipboard desktop.Clipboard
	// LocalOnly rejects upgrades from non-loopback peers.
	LocalOnly bool

	upgrader websocket.Upgrader
	logger   *zap.Logger
	client   *zap.Logger
	sink     metrics.MetricSink

	mu      sync.Mutex
	current *peer
	pending sync.WaitGroup
}

func NewServer(sess *session.Session, st store.Store) *Server {
	s := &Server{
		session: sess,
		store:   st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sink: telemetry.SinkOrDefault(nil),
	}
	s.SetLogger(nil)
	return s
}

func (s *Server) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger.Named("control")
	s.client = logger.Named("client")
}

func (s *Server) SetMetricSink(sink metrics.MetricSink) {
	s.sink = telemetry.SinkOrDefault(sink)
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.LocalOnly && !isLoopbackRequest(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.ServeConn(r.Context(), conn)
}

// ServeConn runs the read loop for one control channel until the peer
// disconnects, ctx ends, or the channel is replaced.
func (s *Server) ServeConn(ctx context.Context, conn WSConn) {
	ctx, cancel := context.WithCancel(ctx)
	p := newPeer(conn)
	logger := s.logger.With(telemetry.LabelSession.Z(p.id))

	s.attach(p)
	s.sink.IncrCounter(telemetry.MetricControlSessionCount, 1)
	logger.Info("control channel attached")

	defer func() {
		if v := recover(); v != nil {
			logger.Error("dispatcher panicked, closing channel", zap.Any("panic", v), zap.Stack("stack"))
		}
		cancel()
		s.detach(p)
		logger.Info("control channel closed")
	}()

	go func() {
		<-ctx.Done()
		p.close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		req, err := protocol.Decode(data)
		if err != nil {
			s.sink.IncrCounter(telemetry.MetricControlInvalidCount, 1)
			logger.Warn("invalid control message", zap.Error(err))
			s.reply(p, protocol.Invalid(err))
			continue
		}
		s.sink.IncrCounterWithLabels(telemetry.MetricControlMsgCount, 1,
			[]metrics.Label{telemetry.LabelTag.M(string(req.MessageType()))})
		s.dispatch(ctx, p, req)
	}
}

// Wait blocks until in-flight HTTP sends have delivered their responses.
func (s *Server) Wait() { s.pending.Wait() }

func (s *Server) attach(p *peer) {
	s.mu.Lock()
	prev := s.current
	s.current = p
	s.session.SetChannel(p)
	s.mu.Unlock()
	if prev != nil {
		s.logger.Info("control channel replaced", telemetry.LabelSession.Z(prev.id))
		prev.close()
	}
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	if s.current == p {
		s.current = nil
	}
	s.session.ClearChannel(p)
	s.mu.Unlock()
	p.close()
}

func (s *Server) reply(p *peer, v any) {
	if err := p.Send(v); err != nil {
		s.logger.Debug("reply not delivered", telemetry.LabelSession.Z(p.id), zap.Error(err))
	}
}

// peer serializes writes to one control connection.
type peer struct {
	id        string
	conn      WSConn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newPeer(conn WSConn) *peer {
	return &peer{id: uuid.NewString(), conn: conn}
}

func (p *peer) Send(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

func (p *peer) close() {
	p.closeOnce.Do(func() { _ = p.conn.Close() })
}

// MetricsHandler serves the in-memory metrics snapshot as JSON.
func MetricsHandler(sink *metrics.InmemSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sink == nil {
			http.Error(w, "metrics disabled", http.StatusNotFound)
			return
		}
		summary, err := sink.DisplayMetrics(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

func isLoopbackRequest(r *http.Request) bool {
	ip := remoteIP(r)
	return ip != nil && ip.IsLoopback()
}

func remoteIP(r *http.Request) net.IP {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
