// Package realtime is a client for a Phoenix-channel change feed (the protocol
// spoken by Supabase Realtime and compatible CDC relays). One websocket is
// opened per tenant subscription.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"palantir/internal/config"
	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
)

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"

	writeWait = 10 * time.Second
)

// Handler receives lifecycle signals and row changes for one subscription.
// All calls for a subscription come from a single goroutine, in delivery order.
type Handler interface {
	OnSubscribed()
	OnChange(ev domain.ChangeEvent)
	OnError(err error)
}

type Subscription interface {
	Close() error
}

type Client struct {
	cfg    config.RealtimeConfig
	tables []string
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewClient(cfg config.RealtimeConfig, logger *zap.Logger, tables ...string) *Client {
	if len(tables) == 0 {
		tables = []string{domain.TableOrders, domain.TableAlerts}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		tables: tables,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Type            string          `json:"type"`
		Table           string          `json:"table"`
		Schema          string          `json:"schema"`
		CommitTimestamp string          `json:"commit_timestamp"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
	} `json:"data"`
}

func Topic(companyID int) string {
	return "realtime:company-" + strconv.Itoa(companyID)
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing realtime url: %w", err)
	}
	q := u.Query()
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the feed and joins the tenant topic. The join reply arrives
// asynchronously as OnSubscribed or OnError.
func (c *Client) Subscribe(ctx context.Context, companyID int, h Handler) (Subscription, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, apperrors.NewChannelError(companyID, "invalid endpoint", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewChannelError(companyID, "dialing realtime", err)
	}

	s := &subscription{
		companyID: companyID,
		topic:     Topic(companyID),
		conn:      conn,
		handler:   h,
		heartbeat: c.cfg.Heartbeat,
		logger:    c.logger.With(zap.Int("companyId", companyID)),
		done:      make(chan struct{}),
	}

	join := joinPayload{AccessToken: c.cfg.APIKey}
	filter := "companyId=eq." + strconv.Itoa(companyID)
	for _, table := range c.tables {
		join.Config.PostgresChanges = append(join.Config.PostgresChanges, changeFilter{
			Event:  "*",
			Schema: "public",
			Table:  table,
			Filter: filter,
		})
	}

	s.joinRef = s.nextRef()
	if err := s.send(eventJoin, s.topic, join, s.joinRef); err != nil {
		conn.Close()
		return nil, apperrors.NewChannelError(companyID, "joining topic", err)
	}

	go s.readLoop()
	go s.heartbeatLoop()

	return s, nil
}

type subscription struct {
	companyID int
	topic     string
	joinRef   string
	conn      *websocket.Conn
	handler   Handler
	heartbeat time.Duration
	logger    *zap.Logger

	writeMu sync.Mutex
	ref     atomic.Uint64
	closed  atomic.Bool
	failed  sync.Once
	stop    sync.Once
	done    chan struct{}
}

func (s *subscription) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *subscription) send(event, topic string, payload any, ref string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := message{Topic: topic, Event: event, Payload: body, Ref: ref}
	if event == eventJoin {
		msg.JoinRef = ref
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *subscription) readLoop() {
	defer s.shutdown()

	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.fail(err)
			return
		}
		if msg.Topic != s.topic {
			continue
		}
		if stop := s.dispatch(msg); stop {
			return
		}
	}
}

// dispatch handles one inbound message and reports whether the subscription ended.
func (s *subscription) dispatch(msg message) bool {
	switch msg.Event {
	case eventReply:
		if msg.Ref != s.joinRef {
			return false
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			s.fail(fmt.Errorf("decoding join reply: %w", err))
			return true
		}
		if reply.Status != "ok" {
			s.fail(fmt.Errorf("join rejected: %s", strings.TrimSpace(string(reply.Response))))
			return true
		}
		if !s.closed.Load() {
			s.handler.OnSubscribed()
		}
	case eventChanges:
		ev, err := decodeChange(s.companyID, msg.Payload)
		if err != nil {
			s.logger.Warn("dropping undecodable change", zap.Error(err))
			return false
		}
		if !s.closed.Load() {
			s.handler.OnChange(ev)
		}
	case eventSystem:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err == nil && reply.Status == "error" {
			s.fail(fmt.Errorf("channel system error: %s", strings.TrimSpace(string(reply.Response))))
			return true
		}
	case eventError, eventClose:
		s.fail(fmt.Errorf("channel %s", msg.Event))
		return true
	}
	return false
}

func decodeChange(companyID int, payload json.RawMessage) (domain.ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.ChangeEvent{}, err
	}

	var op domain.ChangeOp
	switch strings.ToUpper(p.Data.Type) {
	case "INSERT":
		op = domain.ChangeInsert
	case "UPDATE":
		op = domain.ChangeUpdate
	case "DELETE":
		op = domain.ChangeDelete
	default:
		return domain.ChangeEvent{}, fmt.Errorf("unknown change type %q", p.Data.Type)
	}

	ev := domain.ChangeEvent{
		Op:        op,
		CompanyID: companyID,
		Table:     p.Data.Table,
		Record:    p.Data.Record,
		OldRecord: p.Data.OldRecord,
	}
	if ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp); err == nil {
		ev.CommitTimestamp = ts
	}
	return ev, nil
}

func (s *subscription) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send(eventHeartbeat, "phoenix", struct{}{}, s.nextRef()); err != nil {
				s.fail(fmt.Errorf("sending heartbeat: %w", err))
				s.shutdown()
				return
			}
		}
	}
}

// fail reports the first error to the handler unless the subscription was closed locally.
func (s *subscription) fail(err error) {
	s.failed.Do(func() {
		if s.closed.Load() {
			return
		}
		s.handler.OnError(apperrors.NewChannelError(s.companyID, "subscription dropped", err))
	})
}

func (s *subscription) shutdown() {
	s.stop.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Close leaves the topic and closes the socket. It never blocks on the read
// loop, so it is safe to call from inside a Handler callback.
func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	leaveErr := s.send(eventLeave, s.topic, struct{}{}, s.nextRef())
	s.shutdown()
	if leaveErr != nil && !errors.Is(leaveErr, websocket.ErrCloseSent) {
		s.logger.Debug("leave not delivered", zap.Error(leaveErr))
	}
	return nil
}
