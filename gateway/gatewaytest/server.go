// Package gatewaytest provides an in-process mock Gateway speaking the
// WebSocket RPC wire protocol, for use by the bridge test suites.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/webchat-bridge/gateway"
	"github.com/openclaw/webchat-bridge/internal/pointer"
)

// HandlerFunc serves one RPC method. Returning a non-nil frame error makes
// the response a failure.
type HandlerFunc func(req Request) (payload any, frameErr *gateway.FrameError)

// Request is a recorded inbound RPC request.
type Request struct {
	Token  string
	ID     string
	Method string
	Params json.RawMessage
}

// Server is a mock Gateway. By default it accepts every upgrade and every
// connect; tests tighten it via VerifyToken, RejectUpgradeStatus or Handle.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu                  sync.Mutex
	conns               map[*serverConn]struct{}
	handlers            map[string]HandlerFunc
	requests            []Request
	connectCount        int
	verifyToken         func(token string) bool
	rejectUpgradeStatus int
	connectDelay        time.Duration
}

type serverConn struct {
	token   string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// New starts a mock Gateway listening on a loopback port.
func New() *Server {
	ret := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*serverConn]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
	ret.httpServer = httptest.NewServer(http.HandlerFunc(ret.serveWS))
	return ret
}

// URL returns the ws:// endpoint of the mock.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// Close shuts the mock down and drops every connection.
func (s *Server) Close() {
	s.DropConnections(websocket.CloseGoingAway)
	s.httpServer.Close()
}

// VerifyToken installs a token check applied to the connect handshake.
func (s *Server) VerifyToken(verify func(token string) bool) {
	s.mu.Lock()
	s.verifyToken = verify
	s.mu.Unlock()
}

// RejectUpgrades makes the mock refuse WS upgrades with the given HTTP
// status. Zero restores normal behaviour.
func (s *Server) RejectUpgrades(status int) {
	s.mu.Lock()
	s.rejectUpgradeStatus = status
	s.mu.Unlock()
}

// DelayConnect makes the connect handler sleep before responding, so tests
// can observe shared in-flight handshakes.
func (s *Server) DelayConnect(delay time.Duration) {
	s.mu.Lock()
	s.connectDelay = delay
	s.mu.Unlock()
}

// Handle installs a handler for one RPC method.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// ConnectCount reports how many connect requests the mock has served.
func (s *Server) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCount
}

// ConnCount reports the number of live WS connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Requests returns all recorded requests for a method, in arrival order.
// The empty method matches everything.
func (s *Server) Requests(method string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []Request
	for _, req := range s.requests {
		if method == "" || req.Method == method {
			ret = append(ret, req)
		}
	}
	return ret
}

// PushEvent broadcasts a push event frame to every live connection.
func (s *Server) PushEvent(event string, payload any) {
	data, _ := json.Marshal(payload)
	s.PushRaw(map[string]any{"type": "event", "event": event, "payload": json.RawMessage(data)})
}

// PushRaw broadcasts an arbitrary frame, for exercising legacy aliases.
func (s *Server) PushRaw(frame map[string]any) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.writeJSON(frame)
	}
}

// DropConnections closes every live connection with the given close code.
func (s *Server) DropConnections(code int) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*serverConn]struct{})
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectUpgradeStatus
	s.mu.Unlock()
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{token: r.URL.Query().Get("token"), conn: conn}
	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
	go s.readLoop(sc)
}

func (s *Server) readLoop(sc *serverConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		_ = sc.conn.Close()
	}()
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type   string          `json:"type"`
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "req" {
			continue
		}
		req := Request{Token: sc.token, ID: frame.ID, Method: frame.Method, Params: frame.Params}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		if frame.Method == "connect" {
			s.connectCount++
		}
		handler := s.handlers[frame.Method]
		verify := s.verifyToken
		delay := s.connectDelay
		s.mu.Unlock()

		go s.respond(sc, req, handler, verify, delay)
	}
}

func (s *Server) respond(sc *serverConn, req Request, handler HandlerFunc, verify func(string) bool, delay time.Duration) {
	if req.Method == "connect" {
		if delay > 0 {
			time.Sleep(delay)
		}
		if verify != nil && !verify(sc.token) {
			s.writeError(sc, req.ID, &gateway.FrameError{Code: "UNAUTHORIZED", Message: "invalid token"})
			return
		}
		if handler == nil {
			s.writeResult(sc, req.ID, map[string]any{"protocol": 3})
			return
		}
	}
	if handler == nil {
		s.writeResult(sc, req.ID, map[string]any{})
		return
	}
	payload, frameErr := handler(req)
	if frameErr != nil {
		s.writeError(sc, req.ID, frameErr)
		return
	}
	s.writeResult(sc, req.ID, payload)
}

func (s *Server) writeResult(sc *serverConn, id string, payload any) {
	data, _ := json.Marshal(payload)
	_ = sc.writeJSON(map[string]any{"type": "res", "id": id, "ok": pointer.Ref(true), "payload": json.RawMessage(data)})
}

func (s *Server) writeError(sc *serverConn, id string, frameErr *gateway.FrameError) {
	_ = sc.writeJSON(map[string]any{"type": "res", "id": id, "ok": pointer.Ref(false), "error": frameErr})
}
