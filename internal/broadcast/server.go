package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/internal/metrics"
)

// Server runs the HTTP/WebSocket Broadcast Bus endpoint.
type Server struct {
	cfg    config.BroadcastConfig
	hub    *Hub
	http   *http.Server
	stop   chan struct{}
	logger *slog.Logger
}

// NewServer wires a Hub behind /ws, a liveness check behind /health, and —
// when metricsCfg.Enabled — the Prometheus registry behind metricsCfg.Path.
// Mounting /metrics on the same mux as the rest of the control plane's HTTP
// surface follows the pack's atlas dashboard server, which does the same.
func NewServer(cfg config.BroadcastConfig, metricsCfg config.MetricsConfig, reg *metrics.Registry, lsc *cache.Cache, logger *slog.Logger) *Server {
	hub := NewHub(lsc, logger.With("component", "broadcast"))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleUpgrade(hub, cfg, w, r, logger)
	})
	if metricsCfg.Enabled && reg != nil {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return &Server{
		cfg: cfg,
		hub: hub,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		stop:   make(chan struct{}),
		logger: logger.With("component", "broadcast-server"),
	}
}

// Start runs the hub and HTTP server until Stop is called. Blocks until the
// server exits (ListenAndServe semantics), so callers run it in a goroutine.
func (s *Server) Start() error {
	go s.hub.Run(s.stop)

	s.logger.Info("broadcast bus starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("broadcast server: %w", err)
	}
	return nil
}

// Hub exposes the underlying Hub so the engine can Publish updates directly.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Stop gracefully shuts down the HTTP server and the hub's event loop.
func (s *Server) Stop() error {
	close(s.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func handleUpgrade(hub *Hub, cfg config.BroadcastConfig, w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return isOriginAllowed(req.Header.Get("Origin"), cfg, req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}
	newClient(hub, conn)
}

// isOriginAllowed applies an explicit allow-list when configured, and
// otherwise accepts same-host and loopback origins only. Grounded on the
// teacher dashboard's identical check (spec §13 carries this ambient
// concern forward unchanged: WS upgrades stay origin-checked).
func isOriginAllowed(origin string, cfg config.BroadcastConfig, reqHost string) bool {
	if origin == "" {
		return true // non-browser clients often omit Origin
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			u, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}
