package server_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/webchat-bridge/forward"
	"github.com/openclaw/webchat-bridge/gateway"
	"github.com/openclaw/webchat-bridge/gateway/gatewaytest"
	"github.com/openclaw/webchat-bridge/server"
	"github.com/openclaw/webchat-bridge/session"
)

type fixture struct {
	mock *gatewaytest.Server
	api  *httptest.Server
	pool *gateway.Pool
}

func newFixture(t *testing.T, options ...server.ServerOption) *fixture {
	t.Helper()
	mock := gatewaytest.New()
	t.Cleanup(mock.Close)

	pool := gateway.NewPool(mock.URL(), gateway.WithClientOptions(
		gateway.WithConnectTimeout(2*time.Second),
		gateway.WithRequestTimeout(2*time.Second),
		gateway.WithHeartbeatInterval(0),
	))
	t.Cleanup(pool.CloseAll)

	manager := session.NewManager(pool, zerolog.Nop())
	forwarder := forward.NewForwarder(pool,
		forward.WithIntervals(50*time.Millisecond, time.Hour))
	srv := server.New(pool, manager, forwarder, mock.URL(), options...)

	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)
	return &fixture{mock: mock, api: api, pool: pool}
}

type apiResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (int, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.api.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp.StatusCode, parsed
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.api.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "webchat-bridge", body["service"])
}

func TestVerifyToken(t *testing.T) {
	f := newFixture(t)
	f.mock.VerifyToken(func(token string) bool { return token == "good" })

	status, body := f.do(t, http.MethodPost, "/api/auth/verify", "", map[string]string{"token": "good"})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.OK)
	assert.JSONEq(t, `{"verified":true}`, string(body.Data))

	status, body = f.do(t, http.MethodPost, "/api/auth/verify", "", map[string]string{"token": "bad"})
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, body.Error)
	assert.Equal(t, "INVALID_TOKEN", body.Error.Code)

	status, body = f.do(t, http.MethodPost, "/api/auth/verify", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", body.Error.Code)
}

func TestMissingBearerToken(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, body.Error)
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	f.mock.Handle("sessions.list", func(gatewaytest.Request) (any, *gateway.FrameError) {
		return []map[string]any{{"key": "s1", "label": "One"}}, nil
	})

	status, body := f.do(t, http.MethodGet, "/api/sessions", "tok", nil)
	require.Equal(t, http.StatusOK, status)
	var sessions []session.Session
	require.NoError(t, json.Unmarshal(body.Data, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].Key)
	assert.Equal(t, "One", sessions[0].Title)
}

func TestConcurrentListsShareOneConnection(t *testing.T) {
	f := newFixture(t)
	f.mock.DelayConnect(100 * time.Millisecond)
	f.mock.Handle("sessions.list", func(gatewaytest.Request) (any, *gateway.FrameError) {
		return []map[string]any{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := f.do(t, http.MethodGet, "/api/sessions", "tok", nil)
			assert.Equal(t, http.StatusOK, status)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.mock.ConnectCount())
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/sessions", "tok", map[string]string{"title": "Chat"})
	require.Equal(t, http.StatusCreated, status)
	var created session.Session
	require.NoError(t, json.Unmarshal(body.Data, &created))
	assert.Contains(t, created.Key, "webchat-")

	status, body = f.do(t, http.MethodPatch, "/api/sessions/"+created.Key, "tok",
		map[string]any{"archived": true, "title": "Renamed"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body.Data), `"archived":true`)
	assert.Contains(t, string(body.Data), `"title":"Renamed"`)

	status, body = f.do(t, http.MethodDelete, "/api/sessions/"+created.Key, "tok", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body.Data), `"closed":true`)
	assert.Len(t, f.mock.Requests("sessions.delete"), 1)
}

func TestPatchWithoutFields(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPatch, "/api/sessions/s1", "tok", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", body.Error.Code)
}

func TestDeleteManySessions(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodDelete, "/api/sessions", "tok", map[string]any{"keys": []string{"a", "b"}})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, f.mock.Requests("sessions.deleteMany"), 1)

	status, body := f.do(t, http.MethodDelete, "/api/sessions", "tok", map[string]any{"keys": []string{}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", body.Error.Code)
}

func TestSendMessageJSON(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/api/sessions/s1/messages", "tok", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusCreated, status)
	assert.JSONEq(t, `{"accepted":true}`, string(body.Data))

	sends := f.mock.Requests("chat.send")
	require.Len(t, sends, 1)
	assert.Contains(t, string(sends[0].Params), `"hello"`)
}

func TestSendMessageMultipart(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("text", "see attachment"))
	part, err := writer.CreateFormFile("images", "pic.png")
	require.NoError(t, err)
	_, err = part.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, f.api.URL+"/api/sessions/s1/messages", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	sends := f.mock.Requests("chat.send")
	require.Len(t, sends, 1)
	assert.Contains(t, string(sends[0].Params), `"attachments"`)
}

func TestSendMessageTooManyImages(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("text", "flood"))
	for i := 0; i < 11; i++ {
		part, err := writer.CreateFormFile("images", fmt.Sprintf("pic-%d.png", i))
		require.NoError(t, err)
		_, err = part.Write([]byte{1})
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, f.api.URL+"/api/sessions/s1/messages", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.mock.Requests("chat.send"))
}

func TestHistoryNotFound(t *testing.T) {
	f := newFixture(t)
	f.mock.Handle("chat.history", func(gatewaytest.Request) (any, *gateway.FrameError) {
		return nil, &gateway.FrameError{Code: "NOT_FOUND", Message: "no such session"}
	})

	status, body := f.do(t, http.MethodGet, "/api/sessions/ghost/messages", "tok", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestGatewayDownMapsToBadGateway(t *testing.T) {
	f := newFixture(t)
	f.mock.RejectUpgrades(500)

	status, body := f.do(t, http.MethodGet, "/api/sessions", "tok", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "GATEWAY_CONNECT_FAILED", body.Error.Code)
}

func TestExpiredTokenMapsToUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.mock.VerifyToken(func(string) bool { return false })

	status, body := f.do(t, http.MethodGet, "/api/sessions", "tok", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
	assert.Equal(t, 0, f.pool.ConnectedCount())
}

func TestTokenRevokedMidSession(t *testing.T) {
	f := newFixture(t)
	f.mock.Handle("sessions.list", func(gatewaytest.Request) (any, *gateway.FrameError) {
		return []map[string]any{}, nil
	})

	status, _ := f.do(t, http.MethodGet, "/api/sessions", "tok", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, f.pool.ConnectedCount())

	// Gateway-side revocation: the pooled connection must not stay trusted.
	f.mock.Handle("sessions.list", func(gatewaytest.Request) (any, *gateway.FrameError) {
		return nil, &gateway.FrameError{Code: "UNAUTHORIZED", Message: "token revoked"}
	})
	status, body := f.do(t, http.MethodGet, "/api/sessions", "tok", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
	assert.Equal(t, 0, f.pool.ConnectedCount())

	// A re-issued grant re-handshakes from scratch.
	f.mock.Handle("sessions.list", func(gatewaytest.Request) (any, *gateway.FrameError) {
		return []map[string]any{}, nil
	})
	status, _ = f.do(t, http.MethodGet, "/api/sessions", "tok", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, f.mock.ConnectCount())
}

// sseLines reads decoded data payloads off an SSE body until it closes or
// maxLines arrive.
func sseLines(t *testing.T, body io.Reader, maxLines int) []map[string]any {
	t.Helper()
	var ret []map[string]any
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &decoded))
		ret = append(ret, decoded)
		if len(ret) == maxLines {
			break
		}
	}
	return ret
}

func TestStreamingSendHappyPath(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.mock.Handle("chat.send", func(gatewaytest.Request) (any, *gateway.FrameError) {
		<-release
		return map[string]any{}, nil
	})

	go func() {
		for len(f.mock.Requests("chat.send")) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		f.mock.PushEvent("agent", map[string]any{
			"sessionKey": "s1", "stream": "assistant",
			"data": map[string]any{"delta": "Hel"},
		})
		f.mock.PushEvent("agent", map[string]any{
			"sessionKey": "s1", "stream": "assistant",
			"data": map[string]any{"delta": "lo"},
		})
		f.mock.PushEvent("chat", map[string]any{
			"sessionKey": "s1", "state": "final",
			"message": map[string]any{"text": "Hello"},
		})
	}()

	req, err := http.NewRequest(http.MethodPost, f.api.URL+"/api/sessions/s1/messages/stream",
		strings.NewReader(`{"text":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := sseLines(t, resp.Body, 4)
	require.Len(t, events, 4)
	assert.Equal(t, "status", events[0]["type"])
	assert.Equal(t, "sending", events[0]["status"])
	assert.Equal(t, "chunk", events[1]["type"])
	assert.Equal(t, "Hel", events[1]["text"])
	assert.Equal(t, "chunk", events[2]["type"])
	assert.Equal(t, "lo", events[2]["text"])
	assert.Equal(t, "done", events[3]["type"])
}

func TestStreamingDisabled(t *testing.T) {
	f := newFixture(t, server.WithStreamingEnabled(false))
	status, body := f.do(t, http.MethodPost, "/api/sessions/s1/messages/stream", "tok",
		map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "STREAMING_DISABLED", body.Error.Code)
}

func TestStreamingSendError(t *testing.T) {
	f := newFixture(t)
	f.mock.Handle("chat.send", func(gatewaytest.Request) (any, *gateway.FrameError) {
		return nil, &gateway.FrameError{Code: "NOT_FOUND", Message: "no such session"}
	})

	req, err := http.NewRequest(http.MethodPost, f.api.URL+"/api/sessions/ghost/messages/stream",
		strings.NewReader(`{"text":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := sseLines(t, resp.Body, 2)
	require.Len(t, events, 2)
	assert.Equal(t, "status", events[0]["type"])
	assert.Equal(t, "error", events[1]["type"])
	assert.Equal(t, "NOT_FOUND", events[1]["code"])
}

func TestPersistentEventsChannel(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.api.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readEvent := func() map[string]any {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var decoded map[string]any
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &decoded))
				return decoded
			}
		}
	}

	opening := readEvent()
	assert.Equal(t, "keepalive", opening["type"])
	assert.NotZero(t, opening["ts"])
	require.Eventually(t, func() bool {
		return f.mock.ConnCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.mock.PushEvent("agent", map[string]any{
		"sessionKey": "s1", "stream": "assistant",
		"data": map[string]any{"delta": "push"},
	})
	event := readEvent()
	assert.Equal(t, "chunk", event["type"])
	assert.Equal(t, "push", event["text"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, server.WithCORS([]string{"https://app.example.com"}))

	req, err := http.NewRequest(http.MethodOptions, f.api.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodOptions, f.api.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
