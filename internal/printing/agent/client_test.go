package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"palantir/internal/config"
	apperrors "palantir/internal/errors"
)

// hangUp makes the fake agent drop the connection instead of answering.
var hangUp = &response{}

// fakeAgent answers calls with the reply returned by respond. A nil reply is never answered.
type fakeAgent struct {
	t        *testing.T
	respond  func(req map[string]any) *response
	requests chan map[string]any
}

func startFakeAgent(t *testing.T, respond func(req map[string]any) *response) (*httptest.Server, *fakeAgent) {
	t.Helper()
	fa := &fakeAgent{t: t, respond: respond, requests: make(chan map[string]any, 10)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			fa.requests <- req
			reply := fa.respond(req)
			if reply == hangUp {
				return
			}
			if reply != nil {
				if reply.UID == "" {
					reply.UID = req["uid"].(string)
				}
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, fa
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectedClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(config.PrintAgentConfig{URL: wsURL(srv)}, zap.NewNop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_ListPrinters(t *testing.T) {
	srv, fa := startFakeAgent(t, func(req map[string]any) *response {
		return &response{Result: json.RawMessage(`["EPSON TM-T20","PDF"]`)}
	})
	c := connectedClient(t, srv)

	printers, err := c.ListPrinters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"EPSON TM-T20", "PDF"}, printers)

	req := <-fa.requests
	assert.Equal(t, "printers.find", req["call"])
	assert.NotEmpty(t, req["uid"])
}

func TestClient_ListPrintersSingleName(t *testing.T) {
	srv, _ := startFakeAgent(t, func(req map[string]any) *response {
		return &response{Result: json.RawMessage(`"EPSON"`)}
	})
	c := connectedClient(t, srv)

	printers, err := c.ListPrinters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"EPSON"}, printers)
}

func TestClient_Print(t *testing.T) {
	srv, fa := startFakeAgent(t, func(req map[string]any) *response {
		return &response{Result: json.RawMessage(`null`)}
	})
	c := connectedClient(t, srv)

	require.NoError(t, c.Print(context.Background(), "EPSON", []byte("\x1b@hello")))

	req := <-fa.requests
	assert.Equal(t, "print", req["call"])
	params := req["params"].(map[string]any)
	assert.Equal(t, "EPSON", params["printer"].(map[string]any)["name"])
	data := params["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "raw", data["type"])
	assert.Equal(t, "base64", data["flavor"])
	decoded, err := base64.StdEncoding.DecodeString(data["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, "\x1b@hello", string(decoded))
}

func TestClient_AgentError(t *testing.T) {
	srv, _ := startFakeAgent(t, func(req map[string]any) *response {
		return &response{Error: "paper out"}
	})
	c := connectedClient(t, srv)

	err := c.Print(context.Background(), "EPSON", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paper out")
	assert.True(t, c.Connected())
}

func TestClient_CallTimeout(t *testing.T) {
	srv, _ := startFakeAgent(t, func(req map[string]any) *response { return nil })
	c := connectedClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.Print(ctx, "EPSON", []byte("x"))
	_, ok := apperrors.IsPrintAgentUnavailableError(err)
	assert.True(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(config.PrintAgentConfig{URL: "ws://127.0.0.1:1"}, zap.NewNop())

	_, err := c.ListPrinters(context.Background())
	_, ok := apperrors.IsPrintAgentUnavailableError(err)
	assert.True(t, ok)

	err = c.Connect(context.Background())
	_, ok = apperrors.IsPrintAgentUnavailableError(err)
	assert.True(t, ok)
	assert.False(t, c.Connected())
}

func TestClient_AgentGoneFailsPendingCall(t *testing.T) {
	srv, _ := startFakeAgent(t, func(req map[string]any) *response { return hangUp })
	c := connectedClient(t, srv)

	errs := make(chan error, 1)
	go func() { errs <- c.Print(context.Background(), "EPSON", []byte("x")) }()

	select {
	case err := <-errs:
		_, ok := apperrors.IsPrintAgentUnavailableError(err)
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}
	assert.Eventually(t, func() bool { return !c.Connected() }, time.Second, 5*time.Millisecond)
}
