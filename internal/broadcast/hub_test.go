package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/pkg/types"
)

func allowedOriginsConfig(origins ...string) config.BroadcastConfig {
	return config.BroadcastConfig{AllowedOrigins: origins}
}

func testHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	lsc := cache.New()
	h := NewHub(lsc, logger)
	stop := make(chan struct{})
	go h.Run(stop)
	t.Cleanup(func() { close(stop) })
	return h
}

// fakeClient exercises Hub.deliver's fan-out and resync bookkeeping without
// a real websocket connection.
func newFakeClient(h *Hub) *Client {
	c := &Client{hub: h, send: make(chan types.Envelope, sendBufferSize)}
	h.register <- c
	return c
}

func TestPublishDeliversUpdateEnvelope(t *testing.T) {
	t.Parallel()
	h := testHub(t)
	c := newFakeClient(h)

	h.Publish(types.ChannelOrders, map[string]string{"client_order_id": "abc"})

	select {
	case env := <-c.send:
		if env.Type != types.MsgUpdate {
			t.Errorf("Type = %s, want UPDATE", env.Type)
		}
		if env.Channel != types.ChannelOrders {
			t.Errorf("Channel = %s, want orders", env.Channel)
		}
		if env.Seq != 1 {
			t.Errorf("Seq = %d, want 1 (first message to this client)", env.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered envelope")
	}
}

func TestSlowConsumerGetsSnapshotInsteadOfNextUpdate(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	lsc := cache.New()
	ctx := context.Background()
	if _, err := lsc.Set(ctx, "order:abc", time.Now(), map[string]string{"state": "SUBMITTED"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	h := NewHub(lsc, logger)
	stop := make(chan struct{})
	go h.Run(stop)
	t.Cleanup(func() { close(stop) })

	c := &Client{hub: h, send: make(chan types.Envelope)} // unbuffered: first send always "fills" it without a reader
	h.register <- c

	// Nobody reads c.send, so the very first deliver() call already finds
	// the channel full given a 0-capacity buffer and an unscheduled goroutine.
	h.Publish(types.ChannelOrders, map[string]string{"state": "PARTIAL_FILL"})
	time.Sleep(50 * time.Millisecond)

	c.resyncMu.Lock()
	pending := c.resyncPending[types.ChannelOrders]
	c.resyncMu.Unlock()
	if !pending {
		t.Fatal("expected channel to be marked pending resync after a dropped send")
	}

	// Drain the eventual envelope (sent once we start reading) and confirm
	// the hub resolves the pending resync on the next publish.
	go func() {
		h.Publish(types.ChannelOrders, map[string]string{"state": "FILLED"})
	}()

	select {
	case env := <-c.send:
		if env.Type != types.MsgSnapshot {
			t.Errorf("Type = %s, want SNAPSHOT after a dropped update", env.Type)
		}
		var payload map[string]json.RawMessage
		b, _ := json.Marshal(env.Payload)
		if err := json.Unmarshal(b, &payload); err != nil {
			t.Fatalf("unmarshal snapshot payload: %v", err)
		}
		if _, ok := payload["order:abc"]; !ok {
			t.Errorf("snapshot payload missing order:abc, got keys %v", keysOf(payload))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resync snapshot")
	}
}

func keysOf(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestRequestResyncAllChannelsMarksEveryChannel(t *testing.T) {
	t.Parallel()
	c := &Client{}
	c.requestResyncAllChannels()

	if !c.resyncPending[types.ChannelOrders] || !c.resyncPending[types.ChannelPositions] {
		t.Errorf("resyncPending = %v, want both orders and positions marked", c.resyncPending)
	}
}

func TestFullSnapshotCoversEquityHealthRegimeAndMarketChannels(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	lsc := cache.New()
	ctx := context.Background()

	if _, err := lsc.Set(ctx, "equity:current", time.Now(), map[string]string{"equity": "100000"}); err != nil {
		t.Fatalf("Set equity: %v", err)
	}
	if _, err := lsc.Set(ctx, "heartbeat:trading", time.Now(), map[string]string{"role": "trading"}); err != nil {
		t.Fatalf("Set heartbeat: %v", err)
	}
	if _, err := lsc.Set(ctx, "regime:current", time.Now(), map[string]string{"regime": "trending"}); err != nil {
		t.Fatalf("Set regime: %v", err)
	}
	if _, err := lsc.Set(ctx, "bar:AAPL", time.Now(), map[string]string{"close": "150.00"}); err != nil {
		t.Fatalf("Set bar: %v", err)
	}

	h := NewHub(lsc, logger)

	full := h.fullSnapshot()
	for _, channel := range []types.Channel{types.ChannelEquity, types.ChannelHealth, types.ChannelRegime} {
		snap, ok := full[channel]
		if !ok || len(snap) == 0 {
			t.Errorf("fullSnapshot()[%s] = %v, want a populated snapshot", channel, snap)
		}
	}

	marketSnap, ok := full[types.MarketChannel("AAPL")]
	if !ok || len(marketSnap) == 0 {
		t.Errorf("fullSnapshot()[market:AAPL] = %v, want a populated snapshot", marketSnap)
	}
}

func TestChannelSnapshotResyncReturnsFreshSingleKeyValue(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	lsc := cache.New()
	ctx := context.Background()

	if _, err := lsc.Set(ctx, "equity:current", time.Now(), map[string]string{"equity": "99000"}); err != nil {
		t.Fatalf("Set equity: %v", err)
	}

	h := NewHub(lsc, logger)
	snap := h.channelSnapshot(types.ChannelEquity)
	if _, ok := snap["equity:current"]; !ok {
		t.Errorf("channelSnapshot(equity) = %v, missing equity:current key", snap)
	}
}

func TestIsOriginAllowedExplicitList(t *testing.T) {
	t.Parallel()
	cfg := allowedOriginsConfig("https://dash.example.com")

	if !isOriginAllowed("https://dash.example.com", cfg, "ignored:8080") {
		t.Error("expected an exact allow-listed origin to be accepted")
	}
	if isOriginAllowed("https://evil.example.com", cfg, "ignored:8080") {
		t.Error("expected an origin outside the allow list to be rejected")
	}
}

func TestIsOriginAllowedLoopbackWithoutAllowList(t *testing.T) {
	t.Parallel()
	cfg := allowedOriginsConfig()

	if !isOriginAllowed("http://localhost:3000", cfg, "ignored:8080") {
		t.Error("expected localhost origin to be accepted with no explicit allow list")
	}
}
