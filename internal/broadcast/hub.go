// Package broadcast implements the Broadcast Bus (BB): a sequenced,
// read-only WebSocket fan-out of Live State Cache contents to observers
// (dashboards, monitoring tools). Every connection gets its own monotonic
// sequence number; a client that detects a gap in that sequence (or a server
// that detects its own send buffer is full for a slow client) triggers a
// fresh SNAPSHOT rather than trying to replay history the Bus never kept.
//
// The Bus never accepts trading commands. Every inbound frame that decodes
// as a JSON object is taken as a resync request; anything else arriving on
// the socket is read and discarded.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/metrics"
	"github.com/quantdesk/paperfloor/internal/supervisor"
	"github.com/quantdesk/paperfloor/pkg/types"
)

// regimeKey and barPrefix mirror the unexported Live State Cache key
// conventions internal/engine writes under (keyRegime, barPrefix there);
// equity and heartbeat keys are shared via internal/supervisor's exported
// constants since the Supervisor reads the same two keys for its own
// purposes.
const (
	regimeKey = "regime:current"
	barPrefix = "bar:"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// snapshotChannels lists every fixed-name channel included in a full
// SNAPSHOT payload, and how to rebuild its current value from the LSC: a
// multi-key channel (prefix, one entry per matching key) or a single-key
// channel (key, one entry). The market:{symbol} channel is dynamic and is
// handled separately in channelSnapshot/fullSnapshot.
var snapshotChannels = []struct {
	channel types.Channel
	prefix  string
	key     string
}{
	{channel: types.ChannelOrders, prefix: "order:"},
	{channel: types.ChannelPositions, prefix: "position:"},
	{channel: types.ChannelEquity, key: supervisor.KeyEquity},
	{channel: types.ChannelHealth, key: supervisor.KeyHeartbeat},
	{channel: types.ChannelRegime, key: regimeKey},
}

const marketChannelPrefix = "market:"

// Hub fans out UPDATE envelopes to every registered Client and rebuilds
// per-client SNAPSHOTs on demand. Safe for concurrent use.
type Hub struct {
	lsc *cache.Cache

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	publish    chan publishedEvent

	metrics *metrics.Registry
	logger  *slog.Logger
}

// SetMetrics stores a metrics registry on the Hub. The Hub records nothing
// to it: Run and deliver update no connection or message counters.
func (h *Hub) SetMetrics(reg *metrics.Registry) {
	h.metrics = reg
}

type publishedEvent struct {
	channel types.Channel
	payload interface{}
}

// Client is one connected, subscribed-to-everything observer. Each client
// owns its own sequence counter — two clients connected at different times
// will see different seq values for the "same" logical update, which is
// fine: seq is a per-connection gap detector, not a global event id (the
// Event Log is the source of a global, ordered history).
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan types.Envelope
	seq  int64

	resyncMu      sync.Mutex
	resyncPending map[types.Channel]bool
}

func (c *Client) nextSeq() int64 {
	return atomic.AddInt64(&c.seq, 1)
}

// NewHub creates a Hub backed by lsc for snapshot rebuilds.
func NewHub(lsc *cache.Cache, logger *slog.Logger) *Hub {
	return &Hub{
		lsc:        lsc,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan publishedEvent, 1024),
		logger:     logger.With("component", "broadcast-hub"),
	}
}

// Run processes register/unregister/publish events until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("observer connected", "count", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("observer disconnected", "count", len(h.clients))

		case evt := <-h.publish:
			h.deliver(evt)
		}
	}
}

// Publish enqueues an UPDATE for channel to every connected client. Never
// blocks the caller (the engine's hot path) — if the publish queue itself is
// full, the event is dropped and logged, same tradeoff the teacher's hub
// made for its own broadcast channel.
func (h *Hub) Publish(channel types.Channel, payload interface{}) {
	select {
	case h.publish <- publishedEvent{channel: channel, payload: payload}:
	default:
		h.logger.Warn("publish queue full, dropping event", "channel", channel)
	}
}

func (h *Hub) deliver(evt publishedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		c.resyncMu.Lock()
		needsResync := c.resyncPending[evt.channel]
		if needsResync {
			delete(c.resyncPending, evt.channel)
		}
		c.resyncMu.Unlock()

		var env types.Envelope
		if needsResync {
			env = types.Envelope{
				Seq:     c.nextSeq(),
				Ts:      time.Now().UTC(),
				Type:    types.MsgSnapshot,
				Channel: evt.channel,
				Payload: h.channelSnapshot(evt.channel),
			}
		} else {
			env = types.Envelope{
				Seq:     c.nextSeq(),
				Ts:      time.Now().UTC(),
				Type:    types.MsgUpdate,
				Channel: evt.channel,
				Payload: evt.payload,
			}
		}

		select {
		case c.send <- env:
		default:
			// Slow consumer: drop this one and force a SNAPSHOT next time
			// instead of letting the client silently drift out of sync.
			c.resyncMu.Lock()
			if c.resyncPending == nil {
				c.resyncPending = make(map[types.Channel]bool)
			}
			c.resyncPending[evt.channel] = true
			c.resyncMu.Unlock()
		}
	}
}

// channelSnapshot rebuilds the full current contents of channel from the
// Live State Cache, covering every channel named in spec §4.8/§6: the
// multi-key orders/positions channels, the single-key equity/health/regime
// channels, and a dynamic market:{symbol} channel.
func (h *Hub) channelSnapshot(channel types.Channel) map[string]json.RawMessage {
	if symbol, ok := strings.CutPrefix(string(channel), marketChannelPrefix); ok {
		return h.singleKeySnapshot(barPrefix + symbol)
	}

	for _, sc := range snapshotChannels {
		if sc.channel != channel {
			continue
		}
		if sc.key != "" {
			return h.singleKeySnapshot(sc.key)
		}
		return h.prefixSnapshot(sc.prefix)
	}
	return nil
}

func (h *Hub) prefixSnapshot(prefix string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, key := range h.lsc.Keys(prefix) {
		var raw json.RawMessage
		if found, err := h.lsc.Get(key, &raw); err == nil && found {
			out[key] = raw
		}
	}
	return out
}

func (h *Hub) singleKeySnapshot(key string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	var raw json.RawMessage
	if found, err := h.lsc.Get(key, &raw); err == nil && found {
		out[key] = raw
	}
	return out
}

// fullSnapshot builds the initial SNAPSHOT sent to a newly connected client,
// covering every known fixed channel plus a market:{symbol} entry for every
// symbol currently carrying a bar in the LSC.
func (h *Hub) fullSnapshot() map[types.Channel]map[string]json.RawMessage {
	out := make(map[types.Channel]map[string]json.RawMessage, len(snapshotChannels))
	for _, sc := range snapshotChannels {
		out[sc.channel] = h.channelSnapshot(sc.channel)
	}
	for _, key := range h.lsc.Keys(barPrefix) {
		symbol := strings.TrimPrefix(key, barPrefix)
		out[types.MarketChannel(symbol)] = h.singleKeySnapshot(key)
	}
	return out
}

// writePump drains c.send to the socket, pinging on idle.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump treats every inbound frame that decodes as a JSON object (the
// ResyncRequest shape; its fields are not checked) as a resync request: the
// client having detected a gap of its own and wanting a fresh SNAPSHOT on
// every channel. Frames that do not decode that way are discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}

		var req types.ResyncRequest
		if json.Unmarshal(data, &req) != nil {
			continue // not a resync request; read-only bus ignores anything else
		}
		c.requestResyncAllChannels()
	}
}

func (c *Client) requestResyncAllChannels() {
	c.resyncMu.Lock()
	defer c.resyncMu.Unlock()
	if c.resyncPending == nil {
		c.resyncPending = make(map[types.Channel]bool)
	}
	for _, sc := range snapshotChannels {
		c.resyncPending[sc.channel] = true
	}
	if c.hub != nil {
		for _, key := range c.hub.lsc.Keys(barPrefix) {
			c.resyncPending[types.MarketChannel(strings.TrimPrefix(key, barPrefix))] = true
		}
	}
}

// newClient registers conn with hub, sends the initial HANDSHAKE + SNAPSHOT,
// and starts its pumps.
func newClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan types.Envelope, sendBufferSize),
	}
	hub.register <- c

	c.send <- types.Envelope{Seq: c.nextSeq(), Ts: time.Now().UTC(), Type: types.MsgHandshake}
	c.send <- types.Envelope{Seq: c.nextSeq(), Ts: time.Now().UTC(), Type: types.MsgSnapshot, Payload: hub.fullSnapshot()}

	go c.writePump()
	go c.readPump()
	return c
}
