// stream.go implements the broker's persistent order-event stream: a single
// authenticated WebSocket connection delivering ack/fill/cancel/reject
// frames for every order the account holds. It auto-reconnects with
// exponential backoff (1s -> 30s max); on every reconnect it sends a
// reconcile_all marker downstream so the OLE's Reconciler knows to sweep
// for anything it might have missed while disconnected.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// ReconnectMarker is sent on the event channel immediately after a
// reconnect, with a zero OrderID, to signal "go reconcile everything."
const ReconnectMarker = types.StreamEventKind("__reconnect__")

// EventStream manages the broker's order-event WebSocket connection.
type EventStream struct {
	url  string
	cfg  config.BrokerConfig
	conn *websocket.Conn
	connMu sync.Mutex

	eventCh chan types.StreamEvent

	logger *slog.Logger
}

// NewEventStream creates a broker event stream client.
func NewEventStream(cfg config.BrokerConfig, logger *slog.Logger) *EventStream {
	return &EventStream{
		url:     cfg.StreamURL,
		cfg:     cfg,
		eventCh: make(chan types.StreamEvent, eventBufferSize),
		logger:  logger.With("component", "broker_stream"),
	}
}

// Events returns a read-only channel of order-lifecycle events.
func (s *EventStream) Events() <-chan types.StreamEvent { return s.eventCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *EventStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("broker event stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (s *EventStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *EventStream) connectAndRead(ctx context.Context) error {
	header := map[string][]string{
		"APCA-API-KEY-ID":     {s.cfg.KeyID},
		"APCA-API-SECRET-KEY": {s.cfg.SecretKey},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.logger.Info("broker event stream connected")
	s.emitReconnectMarker()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *EventStream) emitReconnectMarker() {
	select {
	case s.eventCh <- types.StreamEvent{Kind: ReconnectMarker}:
	default:
		s.logger.Warn("event channel full, dropping reconnect marker")
	}
}

func (s *EventStream) dispatchMessage(data []byte) {
	var evt types.StreamEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}

	select {
	case s.eventCh <- evt:
	default:
		s.logger.Warn("event channel full, dropping event", "order_id", evt.OrderID, "kind", evt.Kind)
	}
}

func (s *EventStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
