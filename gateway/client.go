// Package gateway implements the WebSocket RPC client for the upstream chat
// Gateway and the token-keyed connection pool on top of it.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	bridge "github.com/openclaw/webchat-bridge"
)

// State is the lifecycle state of a Client. Ready is the only state in
// which Request may succeed; Closed is terminal.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateHandshake  State = "handshake"
	StateReady      State = "ready"
	StateClosed     State = "closed"
)

// EventCallback receives a push event frame. Callbacks run synchronously on
// the read loop; panics are isolated per callback.
type EventCallback func(frame *Frame)

type pendingResult struct {
	frame *Frame
	err   error
}

type listenerEntry struct {
	id       int
	callback EventCallback
}

const writeWait = 10 * time.Second

// Client owns exactly one WebSocket connection to the Gateway: the mandatory
// connect handshake, request/response correlation, heartbeats and push-event
// dispatch. A Client whose connection has died and whose reconnect budget is
// exhausted is terminal; build a new instance instead of reusing it.
type Client struct {
	url   string
	token string

	origin              string
	connectTimeout      time.Duration
	requestTimeout      time.Duration
	heartbeatInterval   time.Duration
	reconnectMaxRetries int
	reconnectDelay      time.Duration
	tlsConfig           *tls.Config
	clientID            string
	clientVersion       string
	instanceID          string
	logger              zerolog.Logger
	onClose             func(err error)

	mu      sync.Mutex
	writeMu sync.Mutex // outbound frames must not interleave on one WS

	conn        *websocket.Conn
	generation  int // bumps per physical connection, guards stale goroutines
	state       State
	connectDone chan struct{}
	connectErr  error
	closed      bool // explicit Close was called

	pending        map[string]chan pendingResult
	listeners      map[string][]listenerEntry
	nextListenerID int
	lastPong       time.Time
}

// Connect opens the WebSocket and completes the connect handshake. Callers
// arriving while a handshake is already in flight share its outcome; exactly
// one connect request is ever sent per physical connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateClosed:
		err := c.connectErr
		c.mu.Unlock()
		if err == nil {
			err = bridge.Errorf(bridge.GatewayConnectFailed, "gateway client is closed")
		}
		return err
	case StateConnecting, StateHandshake:
		done := c.connectDone
		c.mu.Unlock()
		return c.awaitHandshake(ctx, done)
	}
	c.state = StateConnecting
	done := make(chan struct{})
	c.connectDone = done
	c.mu.Unlock()

	err := c.dialAndHandshake(ctx)
	return c.finishConnect(done, err)
}

// awaitHandshake blocks until an in-flight handshake resolves.
func (c *Client) awaitHandshake(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
	case <-ctx.Done():
		return bridge.Errorf(bridge.GatewayConnectFailed, "waiting for gateway handshake: %v", ctx.Err())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady {
		return nil
	}
	if c.connectErr != nil {
		return c.connectErr
	}
	return bridge.Errorf(bridge.GatewayConnectFailed, "gateway handshake did not complete")
}

// dialAndHandshake performs the WS upgrade, starts the read loop and sends
// the connect request. No other request may be sent until it resolves.
func (c *Client) dialAndHandshake(ctx context.Context) error {
	wsURL, err := c.buildURL()
	if err != nil {
		return bridge.Errorf(bridge.GatewayConnectFailed, "invalid gateway url %q: %v", c.url, err)
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: c.connectTimeout,
		TLSClientConfig:  c.tlsConfig,
	}
	header := http.Header{}
	if c.origin != "" {
		header.Set("Origin", c.origin)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		return classifyDialError(resp, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return bridge.Errorf(bridge.GatewayConnectFailed, "gateway client is closed")
	}
	c.generation++
	generation := c.generation
	c.conn = conn
	c.state = StateHandshake
	c.connectErr = nil
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})
	go c.readLoop(conn, generation)

	_, err = c.roundTrip(ctx, "connect", c.handshakeParams(), c.connectTimeout)
	if err != nil {
		// Auth rejections keep their classification; everything else is a
		// failed connect, not a failed RPC.
		if typed := bridge.AsError(err); typed.Code != bridge.Unauthorized {
			err = bridge.NewError(bridge.GatewayConnectFailed, "gateway handshake failed: "+typed.Message, typed.Details)
		}
		c.dropConn(conn, generation)
		return err
	}

	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
	if c.heartbeatInterval > 0 {
		go c.heartbeat(conn, generation)
	}
	return nil
}

// finishConnect resolves the shared handshake future. Only the goroutine
// that owns the in-flight handshake calls it.
func (c *Client) finishConnect(done chan struct{}, err error) error {
	c.mu.Lock()
	if err == nil && (c.conn == nil || c.closed) {
		err = c.connectErr
		if err == nil {
			err = bridge.Errorf(bridge.GatewayConnectFailed, "gateway connection closed during handshake")
		}
	}
	var hook func(error)
	if err == nil {
		c.state = StateReady
	} else if !c.closed {
		c.state = StateClosed
		c.connectErr = err
		hook = c.onClose
	}
	c.mu.Unlock()
	close(done)
	if hook != nil {
		hook(err)
	}
	return err
}

// Request sends an RPC and waits for the correlated response. It fails with
// GATEWAY_CONNECT_FAILED when the connection is not ready.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return nil, bridge.Errorf(bridge.GatewayConnectFailed, "gateway connection not ready for %s", method)
	}
	frame, err := c.roundTrip(ctx, method, params, c.requestTimeout)
	if err != nil {
		// A token revoked mid-session surfaces as an auth-class RPC error.
		// The connection's trust is gone; retire it so the next use
		// re-handshakes instead of reusing a stale grant.
		if bridge.CodeOf(err) == bridge.Unauthorized {
			c.terminate(err)
		}
		return nil, err
	}
	return frame.ResultBody(), nil
}

// terminate moves the client to its terminal state with the given cause and
// fires the close hook, unlike an explicit Close.
func (c *Client) terminate(cause error) {
	c.mu.Lock()
	if c.closed || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	c.connectErr = cause
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	hook := c.onClose
	c.mu.Unlock()

	rejectPending(pending, cause)
	if conn != nil {
		_ = conn.Close()
	}
	if hook != nil {
		hook(cause)
	}
}

// roundTrip correlates one request with its response by id. It is also the
// path the connect handshake itself uses, so it does not require Ready.
func (c *Client) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (*Frame, error) {
	id := uuid.NewString()
	ch := make(chan pendingResult, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, bridge.Errorf(bridge.GatewayConnectFailed, "no gateway connection for %s", method)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame := &Frame{Type: TypeRequest, ID: id, Method: method, Params: params}
	if err := c.writeFrame(conn, frame); err != nil {
		c.removePending(id)
		return nil, bridge.Errorf(bridge.GatewayConnectFailed, "send %s: %v", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		if result.err != nil {
			return nil, result.err
		}
		if result.frame.Failed() {
			return nil, classifyResponseError(method, result.frame.Error)
		}
		return result.frame, nil
	case <-timer.C:
		c.removePending(id)
		return nil, bridge.Errorf(bridge.GatewayRPCError, "request %s timed out after %s", method, timeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, bridge.Errorf(bridge.GatewayRPCError, "request %s aborted: %v", method, ctx.Err())
	}
}

// SubscribeEvent registers a callback for the named push event. The wildcard
// name "*" matches every event. The returned function unsubscribes.
func (c *Client) SubscribeEvent(name string, callback EventCallback) func() {
	c.mu.Lock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners[name] = append(c.listeners[name], listenerEntry{id: id, callback: callback})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.listeners[name]
		for i, entry := range entries {
			if entry.id == id {
				c.listeners[name] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(c.listeners[name]) == 0 {
			delete(c.listeners, name)
		}
	}
}

// IsConnected reports whether the handshake has completed and the connection
// is alive.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPongAt returns the time the most recent heartbeat pong arrived. Pong
// liveness is observational; no timeout is enforced here.
func (c *Client) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Close shuts the connection down. The client is terminal afterwards and all
// pending requests reject with GATEWAY_CONNECT_FAILED.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	if c.connectErr == nil {
		c.connectErr = bridge.Errorf(bridge.GatewayConnectFailed, "gateway client is closed")
	}
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	c.mu.Unlock()

	rejectPending(pending, bridge.Errorf(bridge.GatewayConnectFailed, "gateway connection closed"))
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// readLoop delivers inbound frames: events to the listener table, responses
// to the pending map. Frames with an unknown id are dropped.
func (c *Client) readLoop(conn *websocket.Conn, generation int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, generation, err)
			return
		}
		frame := &Frame{}
		if err := json.Unmarshal(data, frame); err != nil {
			c.logger.Warn().Err(err).Msg("gateway: malformed frame")
			continue
		}
		if frame.Type == TypeEvent {
			c.dispatchEvent(frame)
			continue
		}
		// Anything else with a known id is treated as a response.
		if frame.ID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- pendingResult{frame: frame}
		}
	}
}

// dispatchEvent invokes exact-name listeners then wildcard listeners, each
// in registration order, synchronously with the read loop so downstream
// consumers observe upstream event order.
func (c *Client) dispatchEvent(frame *Frame) {
	name := frame.EventName()
	c.mu.Lock()
	callbacks := make([]EventCallback, 0, len(c.listeners[name])+len(c.listeners["*"]))
	for _, entry := range c.listeners[name] {
		callbacks = append(callbacks, entry.callback)
	}
	if name != "*" {
		for _, entry := range c.listeners["*"] {
			callbacks = append(callbacks, entry.callback)
		}
	}
	c.mu.Unlock()

	for _, callback := range callbacks {
		c.invoke(callback, frame)
	}
}

// invoke isolates a callback panic from its peers and from the read loop.
func (c *Client) invoke(callback EventCallback, frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("event", frame.EventName()).Msg("gateway: event callback panicked")
		}
	}()
	callback(frame)
}

// handleReadError runs once per dead connection. It rejects all pending
// requests with the classified error and either schedules a reconnect or
// transitions the client to its terminal state.
func (c *Client) handleReadError(conn *websocket.Conn, generation int, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	explicit := c.closed
	cause := classifyCloseError(err, explicit)
	wasReady := c.state == StateReady
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)

	var hook func(error)
	var reconnectDone chan struct{}
	switch {
	case explicit:
		// Close already set the terminal state.
	case c.state == StateHandshake:
		// The handshake round trip is about to fail; Connect owns the
		// state transition.
		c.connectErr = cause
	case wasReady && c.reconnectMaxRetries > 0 && bridge.CodeOf(cause) != bridge.Unauthorized:
		c.state = StateConnecting
		reconnectDone = make(chan struct{})
		c.connectDone = reconnectDone
	default:
		c.state = StateClosed
		c.connectErr = cause
		hook = c.onClose
	}
	c.mu.Unlock()

	rejectPending(pending, cause)
	if hook != nil {
		hook(cause)
	}
	if reconnectDone != nil {
		go c.reconnectLoop(reconnectDone, cause)
	}
}

// reconnectLoop re-dials with linear backoff: attempt N fires after
// N x reconnectDelay. Auth-class failures and explicit Close stop it.
func (c *Client) reconnectLoop(done chan struct{}, cause error) {
	c.logger.Info().Err(cause).Str("url", c.url).Msg("gateway: connection lost, reconnecting")

	operation := func() (struct{}, error) {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return struct{}{}, backoff.Permanent(bridge.Errorf(bridge.GatewayConnectFailed, "gateway client is closed"))
		}
		err := c.dialAndHandshake(context.Background())
		if err != nil && bridge.CodeOf(err) == bridge.Unauthorized {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	wait := &linearBackOff{delay: c.reconnectDelay}
	time.Sleep(wait.NextBackOff())
	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(wait),
		backoff.WithMaxTries(uint(c.reconnectMaxRetries)),
	)
	if err = c.finishConnect(done, err); err != nil {
		c.logger.Warn().Err(err).Str("url", c.url).Msg("gateway: reconnect failed")
	} else {
		c.logger.Info().Str("url", c.url).Msg("gateway: reconnected")
	}
}

// linearBackOff implements backoff.BackOff with strictly linear growth.
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.delay
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// heartbeat sends WS pings at the configured interval until the connection
// it was started for is gone. Pongs only update LastPongAt.
func (c *Client) heartbeat(conn *websocket.Conn, generation int) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.generation != generation || c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dropConn discards the connection after a failed handshake so the read
// loop's own error path does not race the Connect goroutine.
func (c *Client) dropConn(conn *websocket.Conn, generation int) {
	c.mu.Lock()
	if c.generation == generation && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) handshakeParams() map[string]any {
	return map[string]any{
		"minProtocol": bridge.ProtocolVersion,
		"maxProtocol": bridge.ProtocolVersion,
		"client": map[string]any{
			"id":         c.clientID,
			"version":    c.clientVersion,
			"platform":   "web",
			"mode":       "webchat",
			"instanceId": c.instanceID,
		},
		"role":   "operator",
		"scopes": bridge.OperatorScopes,
		"auth":   map[string]any{"token": c.token},
	}
}

// buildURL encodes the bearer token as a query parameter on the WS URL.
func (c *Client) buildURL() (string, error) {
	parsed, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("token", c.token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func rejectPending(pending map[string]chan pendingResult, err error) {
	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

func classifyDialError(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return bridge.Errorf(bridge.Unauthorized, "gateway rejected websocket upgrade: status %d", resp.StatusCode)
		default:
			return bridge.Errorf(bridge.GatewayConnectFailed, "gateway websocket upgrade failed: status %d", resp.StatusCode)
		}
	}
	return bridge.Errorf(bridge.GatewayConnectFailed, "gateway dial failed: %v", err)
}

// Close codes 4001 and 4003 are the Gateway's auth rejections.
func classifyCloseError(err error, explicit bool) error {
	if explicit {
		return bridge.Errorf(bridge.GatewayConnectFailed, "gateway connection closed")
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && (closeErr.Code == 4001 || closeErr.Code == 4003) {
		return bridge.Errorf(bridge.Unauthorized, "gateway closed connection: %s", closeErr.Text)
	}
	return bridge.Errorf(bridge.GatewayConnectFailed, "gateway connection lost: %v", err)
}

func classifyResponseError(method string, frameErr *FrameError) error {
	if frameErr == nil {
		return bridge.Errorf(bridge.GatewayRPCError, "request %s rejected by gateway", method)
	}
	code := frameErr.CodeString()
	switch {
	case bridge.IsAuthCode(code):
		return bridge.NewError(bridge.Unauthorized, frameErr.Message, frameErr)
	case code == bridge.NotFound:
		return bridge.NewError(bridge.NotFound, frameErr.Message, frameErr)
	default:
		return bridge.NewError(bridge.GatewayRPCError, "request "+method+" failed: "+frameErr.Message, frameErr)
	}
}
