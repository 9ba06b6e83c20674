package common

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/ProfFahad/stealthwright/log"
)

// wsHandler reacts to one decoded client message. Replies and events go out
// through writeCh; closing done tears the connection down.
type wsHandler func(msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{})

// wsTestServer is a minimal stand-in for a CDP compatible browser endpoint.
type wsTestServer struct {
	t   testing.TB
	srv *httptest.Server

	mu       sync.Mutex
	received []cdproto.MethodType
	conns    int
}

// wsURL returns the server's WebSocket endpoint.
func (s *wsTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// cmdsReceived returns a copy of the methods received so far, in arrival
// order.
func (s *wsTestServer) cmdsReceived() []cdproto.MethodType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cdproto.MethodType(nil), s.received...)
}

// connCount returns how many WebSocket connections were accepted.
func (s *wsTestServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// newWSTestServer starts a test server running fn for every inbound
// message. A nil fn replies to every command with an empty result.
func newWSTestServer(t testing.TB, fn wsHandler) *wsTestServer {
	t.Helper()

	if fn == nil {
		fn = func(msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
			if msg.ID == 0 {
				return
			}
			writeCh <- cdproto.Message{
				ID:        msg.ID,
				SessionID: msg.SessionID,
				Result:    easyjson.RawMessage("{}"),
			}
		}
	}

	s := &wsTestServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			for {
				select {
				case <-done:
					return
				default:
				}

				_, buf, err := conn.ReadMessage()
				if err != nil {
					close(done)
					return
				}
				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					close(done)
					return
				}

				if msg.Method != "" {
					s.mu.Lock()
					s.received = append(s.received, msg.Method)
					s.mu.Unlock()
				}

				fn(&msg, writeCh, done)
			}
		}()

		go func() {
			for {
				select {
				case msg := <-writeCh:
					encoder := jwriter.Writer{}
					msg.MarshalEasyJSON(&encoder)
					if encoder.Error != nil {
						continue
					}
					writer, err := conn.NextWriter(websocket.TextMessage)
					if err != nil {
						return
					}
					if _, err := encoder.DumpTo(writer); err != nil {
						return
					}
					if err := writer.Close(); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		<-done
		_ = conn.Close()
	}))
	t.Cleanup(s.srv.Close)

	return s
}

// connectTestConn dials the stub server and returns a connection cleaned up
// with the test.
func connectTestConn(t testing.TB, s *wsTestServer, ts *TimeoutSettings) *Connection {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn, err := NewConnection(ctx, s.wsURL(), log.NewNullLogger(), ts)
	if err != nil {
		t.Fatalf("connecting to test server: %v", err)
	}
	t.Cleanup(conn.Close)

	return conn
}
