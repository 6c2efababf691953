package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"palantir/internal/config"
	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
)

// SessionState is the messaging session state reported by the gateway.
type SessionState string

const (
	StateOpen       SessionState = "open"
	StateConnecting SessionState = "connecting"
	StateClosed     SessionState = "close"
	StateNotFound   SessionState = "not_found"
)

// ConnectionStatus maps the gateway state onto the shared tri-state.
func (s SessionState) ConnectionStatus() domain.ConnectionStatus {
	switch s {
	case StateOpen:
		return domain.ConnectionConnected
	case StateConnecting:
		return domain.ConnectionConnecting
	default:
		return domain.ConnectionDisconnected
	}
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg config.GatewayConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

// GetConnectionState asks the gateway for the session state of instance. A
// transport failure, timeout or unexpected reply is a GatewayUnreachableError.
func (c *Client) GetConnectionState(ctx context.Context, instance string) (SessionState, error) {
	endpoint := c.baseURL + "/instance/connectionState/" + url.PathEscape(instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", apperrors.NewGatewayUnreachableError(instance, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.NewGatewayUnreachableError(instance, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StateNotFound, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apperrors.NewGatewayUnreachableError(instance,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var payload connectionStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", apperrors.NewGatewayUnreachableError(instance, fmt.Errorf("decoding connection state: %w", err))
	}

	state := SessionState(strings.ToLower(payload.Instance.State))
	c.logger.Debug("gateway connection state", zap.String("instance", instance), zap.String("state", string(state)))
	return state, nil
}
