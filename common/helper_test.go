package common

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/huanbee/gopuppet/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

const (
	testMainFrameID  = "frame_id_main_0123456789"
	testMainLoaderID = "loader_id_main_0123456789"
)

// wsServer can be used as a test alternative to a real CDP compatible
// browser endpoint.
type wsServer struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
}

// newWSServer returns a fully configured and running WS test server.
func newWSServer(t testing.TB, opts ...func(*wsServer)) *wsServer {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s := &wsServer{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withClosureAbnormalHandler attaches an abnormal closure behavior to the
// server: the TCP connection drops without a WS close message exchange.
func withClosureAbnormalHandler(path string) func(*wsServer) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		_ = conn.Close()
	}
	return func(s *wsServer) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// withEchoHandler attaches an echo handler to the server.
func withEchoHandler(path string) func(*wsServer) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		wc, err := conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *wsServer) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// withCDPHandler attaches a scripted CDP endpoint to the server. Every
// decoded message is passed to fn, which answers by sending messages on
// writeCh.
func withCDPHandler(
	path string,
	fn func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}),
	cmdsReceived *[]cdproto.MethodType,
) func(*wsServer) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			read := func(conn *websocket.Conn) (*cdproto.Message, error) {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return nil, err
				}
				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					return nil, err
				}
				return &msg, nil
			}

			for {
				select {
				case <-done:
					return
				default:
				}
				msg, err := read(conn)
				if err != nil {
					close(done)
					return
				}
				if msg.Method != "" && cmdsReceived != nil {
					*cmdsReceived = append(*cmdsReceived, msg.Method)
				}
				fn(conn, msg, writeCh, done)
			}
		}()

		go func() {
			write := func(conn *websocket.Conn, msg *cdproto.Message) {
				encoder := jwriter.Writer{}
				msg.MarshalEasyJSON(&encoder)
				if err := encoder.Error; err != nil {
					return
				}
				writer, err := conn.NextWriter(websocket.TextMessage)
				if err != nil {
					return
				}
				if _, err := encoder.DumpTo(writer); err != nil {
					return
				}
				_ = writer.Close()
			}

			for {
				select {
				case msg := <-writeCh:
					write(conn, &msg)
				case <-done:
					return
				}
			}
		}()

		<-done
	}
	return func(s *wsServer) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// cdpDefaultHandler answers every command with an empty result.
func cdpDefaultHandler(
	conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{},
) {
	if msg.Method == "" {
		return
	}
	writeCh <- cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage([]byte("{}")),
	}
}

// Ensure testSession implements the session interface.
var _ session = &testSession{}

// testSession is an in-process session double. Commands are answered by
// execHandler (or an empty-frame-tree default) and recorded; protocol
// events are injected by emitting on the embedded emitter.
type testSession struct {
	BaseEventEmitter

	id       target.SessionID
	targetID target.ID
	done     chan struct{}

	execMu      sync.Mutex
	executedCmd []string
	execHandler func(method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error
}

func newTestSession(ctx context.Context) *testSession {
	return &testSession{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		id:               target.SessionID("session_id_0123456789"),
		targetID:         target.ID("target_id_0123456789"),
		done:             make(chan struct{}),
	}
}

func (s *testSession) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	s.execMu.Lock()
	s.executedCmd = append(s.executedCmd, method)
	handler := s.execHandler
	s.execMu.Unlock()

	if handler != nil {
		return handler(method, params, res)
	}
	if r, ok := res.(*page.GetFrameTreeReturns); ok {
		r.FrameTree = &page.FrameTree{
			Frame: &cdp.Frame{
				ID:       cdp.FrameID(testMainFrameID),
				LoaderID: cdp.LoaderID(testMainLoaderID),
				URL:      "about:blank",
			},
		}
	}
	return nil
}

func (s *testSession) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	return s.Execute(ctx, method, params, res)
}

func (s *testSession) ID() target.SessionID { return s.id }

func (s *testSession) TargetID() target.ID { return s.targetID }

func (s *testSession) Done() <-chan struct{} { return s.done }

func (s *testSession) setExecHandler(
	fn func(method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error,
) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.execHandler = fn
}

func (s *testSession) executed() []string {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	cmds := make([]string, len(s.executedCmd))
	copy(cmds, s.executedCmd)
	return cmds
}

func (s *testSession) executedCount(method string) int {
	var n int
	for _, m := range s.executed() {
		if m == method {
			n++
		}
	}
	return n
}

// newTestFrameManager creates a frame manager on a testSession; the initial
// frame tree snapshot consists of the main frame only.
func newTestFrameManager(t testing.TB, ctx context.Context) (*FrameManager, *testSession) {
	t.Helper()
	sess := newTestSession(ctx)
	fm, err := NewFrameManager(ctx, sess, NewTimeoutSettings(nil), log.NewNullLogger())
	if err != nil {
		t.Fatalf("cannot create frame manager: %v", err)
	}
	return fm, sess
}
