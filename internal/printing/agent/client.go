// Package agent talks to the local print agent over its websocket bridge.
// Calls are JSON requests matched to replies by uid.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"palantir/internal/config"
	apperrors "palantir/internal/errors"
)

const writeWait = 5 * time.Second

var errClosed = errors.New("print agent connection closed")

type request struct {
	Call   string `json:"call"`
	UID    string `json:"uid"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	UID    string          `json:"uid"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type printerRef struct {
	Name string `json:"name"`
}

type printData struct {
	Type   string `json:"type"`
	Format string `json:"format"`
	Flavor string `json:"flavor"`
	Data   string `json:"data"`
}

type printParams struct {
	Printer printerRef  `json:"printer"`
	Data    []printData `json:"data"`
}

type Client struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan response

	writeMu sync.Mutex
}

func NewClient(cfg config.PrintAgentConfig, logger *zap.Logger) *Client {
	return &Client{
		url:     cfg.URL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:  logger,
		pending: make(map[string]chan response),
	}
}

// Connect opens the bridge. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return apperrors.NewPrintAgentUnavailableError("connecting to print agent", err)
	}
	c.conn = conn
	go c.readLoop(conn)

	c.logger.Info("print agent connected", zap.String("url", c.url))
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ListPrinters returns the printer names the agent reports, in agent order.
func (c *Client) ListPrinters(ctx context.Context) ([]string, error) {
	raw, err := c.call(ctx, "printers.find", nil)
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decoding printer list: %w", err)
	}
	if single == "" {
		return nil, nil
	}
	return []string{single}, nil
}

// Print sends doc to printer as a raw command job.
func (c *Client) Print(ctx context.Context, printer string, doc []byte) error {
	params := printParams{
		Printer: printerRef{Name: printer},
		Data: []printData{{
			Type:   "raw",
			Format: "command",
			Flavor: "base64",
			Data:   base64.StdEncoding.EncodeToString(doc),
		}},
	}
	_, err := c.call(ctx, "print", params)
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	uid := uuid.NewString()
	reply := make(chan response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, apperrors.NewPrintAgentUnavailableError("print agent not connected", nil)
	}
	c.pending[uid] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, uid)
		c.mu.Unlock()
	}()

	body, err := json.Marshal(request{Call: method, UID: uid, Params: params})
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, body)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return nil, apperrors.NewPrintAgentUnavailableError("sending "+method, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, apperrors.NewPrintAgentUnavailableError(method+" interrupted", errClosed)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("print agent %s: %s", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, apperrors.NewPrintAgentUnavailableError(method+" timed out", ctx.Err())
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil || resp.UID == "" {
			c.logger.Debug("ignoring print agent message", zap.ByteString("message", data))
			continue
		}

		c.mu.Lock()
		if reply, ok := c.pending[resp.UID]; ok {
			delete(c.pending, resp.UID)
			reply <- resp
		}
		c.mu.Unlock()
	}
}

// drop forgets conn and fails every call waiting on it.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	waiting := c.pending
	c.pending = make(map[string]chan response)
	c.mu.Unlock()

	conn.Close()
	for _, reply := range waiting {
		close(reply)
	}
	c.logger.Warn("print agent disconnected", zap.Error(cause))
}
