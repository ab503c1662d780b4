package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"bolt/internal/protocol"
	"bolt/internal/session"
	"bolt/internal/store"
)

type frame struct {
	msgType int
	data    []byte
}

type fakeConn struct {
	in     chan frame
	out    chan frame
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame, 16),
		out:    make(chan frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.out <- frame{msgType: websocket.TextMessage, data: b}
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.msgType, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sendRaw(s string) {
	c.in <- frame{msgType: websocket.TextMessage, data: []byte(s)}
}

func (c *fakeConn) sendJSON(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- frame{msgType: websocket.TextMessage, data: b}
}

// readUntilType returns the next outbound frame with the given msg_type.
func (c *fakeConn) readUntilType(t *testing.T, tag protocol.Tag) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.out:
			var msg map[string]any
			require.NoError(t, json.Unmarshal(f.data, &msg))
			if msg["msg_type"] == string(tag) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", tag)
			return nil
		}
	}
}

// nextType returns the msg_type of the very next outbound frame.
func (c *fakeConn) nextType(t *testing.T) string {
	t.Helper()
	select {
	case f := <-c.out:
		var msg struct {
			MsgType string `json:"msg_type"`
		}
		require.NoError(t, json.Unmarshal(f.data, &msg))
		return msg.MsgType
	case <-time.After(2 * time.Second):
		t.Fatalf("read timeout")
		return ""
	}
}

type fakeBrowser struct{ opened chan string }

func (b *fakeBrowser) Open(link string) error {
	b.opened <- link
	return nil
}

type fakeClipboard struct {
	copied chan string
	panics bool
}

func (c *fakeClipboard) Copy(value string) error {
	if c.panics {
		panic("clipboard exploded")
	}
	c.copied <- value
	return nil
}

type fakeHTTP struct{ got chan protocol.SendHTTPMsg }

func (f *fakeHTTP) Send(_ context.Context, req protocol.SendHTTPMsg) protocol.HTTPResponse {
	f.got <- req
	return protocol.HTTPResponse{
		MsgType:  protocol.TagHTTPResponse,
		Status:   201,
		Body:     `{"ok":true}`,
		Headers:  [][]string{{"content-type", "application/json"}},
		BodyKind: protocol.BodyJSON,
		Index:    req.Index,
	}
}

func byLogger(logs *observer.ObservedLogs, name string) *observer.ObservedLogs {
	return logs.Filter(func(e observer.LoggedEntry) bool { return e.LoggerName == name })
}

func serve(t *testing.T, s *Server) (*fakeConn, chan struct{}) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		s.ServeConn(context.Background(), conn)
		close(done)
	}()
	t.Cleanup(func() {
		conn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not exit")
		}
	})
	return conn, done
}

func TestPingPong(t *testing.T) {
	s := NewServer(session.New(nil), &store.Memory{})
	conn, _ := serve(t, s)

	conn.sendRaw(`{"msg_type":"PING"}`)
	msg := conn.readUntilType(t, protocol.TagPing)
	require.Equal(t, "pong", msg["body"])
}

func TestInvalidMessagesKeepChannelOpen(t *testing.T) {
	s := NewServer(session.New(nil), &store.Memory{})
	conn, done := serve(t, s)

	conn.sendRaw(`not json`)
	msg := conn.readUntilType(t, protocol.TagInvalid)
	require.Contains(t, msg["reason"], "malformed")

	conn.sendRaw(`{"msg_type":"WS_RECONNECT"}`)
	msg = conn.readUntilType(t, protocol.TagInvalid)
	require.Contains(t, msg["reason"], "unknown msg_type")

	conn.sendRaw(`{"msg_type":"SEND_HTTP","url":"x","method":"BREW"}`)
	conn.readUntilType(t, protocol.TagInvalid)

	conn.sendRaw(`{"msg_type":"PING"}`)
	conn.readUntilType(t, protocol.TagPing)
	select {
	case <-done:
		t.Fatal("channel closed after invalid input")
	default:
	}
}

func TestLogAndPanicForwarded(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewServer(session.New(nil), &store.Memory{})
	s.SetLogger(zap.New(core))
	conn, _ := serve(t, s)

	conn.sendRaw(`{"msg_type":"LOG","log":"clicked save"}`)
	conn.sendRaw(`{"msg_type":"PANIC","log":"frontend crashed"}`)
	conn.sendRaw(`{"msg_type":"PING"}`)
	conn.readUntilType(t, protocol.TagPing)

	info := byLogger(logs, "client").FilterMessage("clicked save").All()
	require.Len(t, info, 1)
	require.Equal(t, zapcore.InfoLevel, info[0].Level)

	errs := byLogger(logs, "client").FilterMessage("frontend crashed").All()
	require.Len(t, errs, 1)
	require.Equal(t, zapcore.ErrorLevel, errs[0].Level)
}

func TestSaveThenRestoreReturnsSameDocument(t *testing.T) {
	sess := session.New(nil)
	s := NewServer(sess, &store.Memory{})
	conn, _ := serve(t, s)

	saved := `{"page":"TcpPage", "tcp_connections":[{"connection_id":"t1","peer_address":"127.0.0.1:9",
		"connecting":false,"disconnecting":false,"connected":false,"failed":false,"failed_reason":"",
		"out_queue":[],"msg_history":[]}], "ws_connections":[], "udp_connections":[]}`
	conn.sendJSON(t, protocol.SaveStateMsg{MsgType: protocol.TagSaveState, Save: saved})
	conn.sendRaw(`{"msg_type":"RESTORE_STATE"}`)

	msg := conn.readUntilType(t, protocol.TagRestoreState)
	require.Equal(t, saved, msg["save"])
	require.Equal(t, []string{"t1"}, sess.DesiredIDs(session.TCP))
	require.Empty(t, sess.DesiredIDs(session.WS))
}

func TestSaveRejectsInvalidState(t *testing.T) {
	sess := session.New(nil)
	before := sess.DesiredIDs(session.UDP)
	st := &store.Memory{}
	s := NewServer(sess, st)
	conn, _ := serve(t, s)

	conn.sendJSON(t, protocol.SaveStateMsg{MsgType: protocol.TagSaveState, Save: `{"udp_connections":[{"name":"no id"}]}`})
	msg := conn.readUntilType(t, protocol.TagInvalid)
	require.Contains(t, msg["reason"], "invalid state")

	require.Equal(t, before, sess.DesiredIDs(session.UDP))
	_, err := st.Load()
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveRejectsNonObjectDocument(t *testing.T) {
	sess := session.New(nil)
	before := sess.DesiredIDs(session.TCP)
	st := &store.Memory{}
	s := NewServer(sess, st)
	conn, _ := serve(t, s)

	for _, doc := range []string{"null", "[]"} {
		conn.sendJSON(t, protocol.SaveStateMsg{MsgType: protocol.TagSaveState, Save: doc})
		msg := conn.readUntilType(t, protocol.TagInvalid)
		require.Contains(t, msg["reason"], "invalid state")
	}

	require.Equal(t, before, sess.DesiredIDs(session.TCP))
	_, err := st.Load()
	require.ErrorIs(t, err, store.ErrNotFound)

	conn.sendRaw(`{"msg_type":"RESTORE_STATE"}`)
	msg := conn.readUntilType(t, protocol.TagRestoreState)
	require.NotEqual(t, "null", msg["save"])
}

func TestRestoreWithoutSaveReturnsCurrentState(t *testing.T) {
	sess := session.New(nil)
	s := NewServer(sess, &store.Memory{})
	conn, _ := serve(t, s)

	conn.sendRaw(`{"msg_type":"RESTORE_STATE"}`)
	msg := conn.readUntilType(t, protocol.TagRestoreState)
	want, err := json.Marshal(sess.State())
	require.NoError(t, err)
	require.JSONEq(t, string(want), msg["save"].(string))
}

func TestSendHTTPEchoesIndex(t *testing.T) {
	h := &fakeHTTP{got: make(chan protocol.SendHTTPMsg, 1)}
	s := NewServer(session.New(nil), &store.Memory{})
	s.HTTP = h
	conn, _ := serve(t, s)

	conn.sendRaw(`{"msg_type":"SEND_HTTP","url":"localhost:8080/x","method":"put","body":"b","headers":[["a","1"]],"index":7}`)
	req := <-h.got
	require.Equal(t, "PUT", req.Method)

	msg := conn.readUntilType(t, protocol.TagHTTPResponse)
	require.EqualValues(t, 7, msg["index"])
	require.EqualValues(t, 201, msg["status"])
	require.Equal(t, "json", msg["body_kind"])
	require.Equal(t, false, msg["failed"])
	s.Wait()
}

func TestSendHTTPWithoutClientFails(t *testing.T) {
	s := NewServer(session.New(nil), &store.Memory{})
	conn, _ := serve(t, s)

	conn.sendRaw(`{"msg_type":"SEND_HTTP","url":"x","method":"GET","index":2}`)
	msg := conn.readUntilType(t, protocol.TagHTTPResponse)
	require.Equal(t, true, msg["failed"])
	require.EqualValues(t, 2, msg["index"])
	require.NotEmpty(t, msg["body"])
}

func TestAcknowledgedAndIgnoredTagsGetNoReply(t *testing.T) {
	s := NewServer(session.New(nil), &store.Memory{})
	conn, _ := serve(t, s)

	conn.sendRaw(`{"msg_type":"ADD_TCP_CONNECTION","connection_id":"t1"}`)
	conn.sendRaw(`{"msg_type":"WS_CONNECTED","connection_id":"w1"}`)
	conn.sendRaw(`{"msg_type":"UDP_RECEIVED_MSG","connection_id":"u1"}`)
	conn.sendRaw(`{"msg_type":"PING"}`)
	require.Equal(t, "PING", conn.nextType(t))
}

func TestDesktopCollaborators(t *testing.T) {
	b := &fakeBrowser{opened: make(chan string, 1)}
	c := &fakeClipboard{copied: make(chan string, 1)}
	s := NewServer(session.New(nil), &store.Memory{})
	s.Browser = b
	s.Clipboard = c
	conn, _ := serve(t, s)

	conn.sendRaw(`{"msg_type":"OPEN_LINK","link":"https://example.com"}`)
	conn.sendRaw(`{"msg_type":"COPY_CLIPBOARD","value":"curl localhost"}`)
	require.Equal(t, "https://example.com", <-b.opened)
	require.Equal(t, "curl localhost", <-c.copied)
}

func TestMissingCollaboratorsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewServer(session.New(nil), &store.Memory{})
	s.SetLogger(zap.New(core))
	conn, _ := serve(t, s)

	conn.sendRaw(`{"msg_type":"OPEN_LINK","link":"https://example.com"}`)
	conn.sendRaw(`{"msg_type":"COPY_CLIPBOARD","value":"x"}`)
	conn.sendRaw(`{"msg_type":"PING"}`)
	conn.readUntilType(t, protocol.TagPing)
	require.Equal(t, 2, byLogger(logs, "control").Len())
}

func TestSessionEventsReachCurrentChannel(t *testing.T) {
	sess := session.New(nil)
	s := NewServer(sess, &store.Memory{})
	first, firstDone := serve(t, s)

	require.Eventually(t, func() bool {
		return sess.Emit(protocol.Connected(session.TCP, "t1")) == nil
	}, time.Second, 10*time.Millisecond)
	msg := first.readUntilType(t, protocol.ConnectedTag(session.TCP))
	require.Equal(t, "t1", msg["connection_id"])

	second, _ := serve(t, s)
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("replaced channel was not closed")
	}
	require.True(t, first.isClosed())

	require.NoError(t, sess.Emit(protocol.Disconnected(session.TCP, "t1")))
	second.readUntilType(t, protocol.DisconnectedTag(session.TCP))
}

func TestConcurrentAttachKeepsNewestChannel(t *testing.T) {
	sess := session.New(nil)
	s := NewServer(sess, &store.Memory{})
	conns := make([]*fakeConn, 16)
	for i := range conns {
		conns[i], _ = serve(t, s)
	}

	var live *fakeConn
	require.Eventually(t, func() bool {
		live = nil
		for _, c := range conns {
			if c.isClosed() {
				continue
			}
			if live != nil {
				return false
			}
			live = c
		}
		return live != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.Emit(protocol.Connected(session.UDP, "u1")))
	msg := live.readUntilType(t, protocol.ConnectedTag(session.UDP))
	require.Equal(t, "u1", msg["connection_id"])
}

func TestChannelDetachedOnClose(t *testing.T) {
	sess := session.New(nil)
	s := NewServer(sess, &store.Memory{})
	conn, done := serve(t, s)

	conn.sendRaw(`{"msg_type":"PING"}`)
	conn.readUntilType(t, protocol.TagPing)
	conn.Close()
	<-done
	require.ErrorIs(t, sess.Emit(protocol.Connected(session.WS, "w")), session.ErrNoChannel)
}

func TestDispatcherPanicEndsChannel(t *testing.T) {
	sess := session.New(nil)
	s := NewServer(sess, &store.Memory{})
	s.Clipboard = &fakeClipboard{panics: true}
	conn, done := serve(t, s)

	conn.sendRaw(`{"msg_type":"COPY_CLIPBOARD","value":"x"}`)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel survived a dispatcher panic")
	}
	require.True(t, conn.isClosed())
	require.ErrorIs(t, sess.Emit("x"), session.ErrNoChannel)
}

func TestServeWSLocalOnly(t *testing.T) {
	s := NewServer(session.New(nil), &store.Memory{})
	s.LocalOnly = true

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	s.ServeWS(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	s.ServeWS(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code, "loopback passes the check and fails the upgrade")
}

func TestServeWSEndToEnd(t *testing.T) {
	s := NewServer(session.New(nil), &store.Memory{})
	srv := httptest.NewServer(http.HandlerFunc(s.ServeWS))
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"msg_type":"PING"}`)))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong protocol.PingMsg
	require.NoError(t, c.ReadJSON(&pong))
	require.Equal(t, protocol.Pong(), pong)
}

func TestMetricsHandler(t *testing.T) {
	inm := metrics.NewInmemSink(time.Hour, time.Hour)
	s := NewServer(session.New(nil), &store.Memory{})
	s.SetMetricSink(inm)
	conn, _ := serve(t, s)
	conn.sendRaw(`{"msg_type":"PING"}`)
	conn.readUntilType(t, protocol.TagPing)

	rec := httptest.NewRecorder()
	MetricsHandler(inm)(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bolt.control.message.count")

	rec = httptest.NewRecorder()
	MetricsHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
