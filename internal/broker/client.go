// Package broker implements the Broker Adapter: the REST and streaming
// client for the paper-trading equities broker. The wire shape follows a
// conventional REST broker API (Alpaca-style):
//
//   - PlaceOrder:   POST   /v2/orders
//   - CancelOrder:  DELETE /v2/orders/{id}
//   - CancelAll:    DELETE /v2/orders
//   - GetOrder:     GET    /v2/orders/{id}
//   - ListOrders:   GET    /v2/orders
//   - ListPositions: GET   /v2/positions
//
// Every request is rate-limited via per-category TokenBuckets, retried on
// 5xx responses, and wrapped in a circuit breaker that opens after a run of
// consecutive failures so a degraded broker cannot be hammered by the
// Reconciler's sweep loop.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/pkg/types"
)

// Client is the REST client for the paper-trading broker.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	cb     *gobreaker.CircuitBreaker[any]
	dryRun bool
	logger *slog.Logger
}

// New creates a REST client with rate limiting, retry, and circuit breaking.
func New(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("APCA-API-KEY-ID", cfg.KeyID).
		SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey).
		SetHeader("Content-Type", "application/json")

	cbSettings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		cb:     gobreaker.NewCircuitBreaker[any](cbSettings),
		dryRun: dryRun,
		logger: logger.With("component", "broker"),
	}
}

// PlaceOrder submits a new order. client_order_id makes the call idempotent
// on the broker's side: resubmitting the same client_order_id after a
// timeout returns the original order rather than creating a duplicate.
func (c *Client) PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (*types.BrokerOrder, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "client_order_id", req.ClientOrderID, "symbol", req.Symbol)
		return &types.BrokerOrder{
			ID:            "dry-run-" + req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Qty:           req.Qty,
			Status:        "accepted",
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
			UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := runBreaker(c.cb, func() (*types.BrokerOrder, error) {
		var out types.BrokerOrder
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&out).
			Post("/v2/orders")
		if err != nil {
			return nil, fmt.Errorf("place order: %w", err)
		}
		if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
			return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelOrder requests cancellation of a single order by broker order ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	_, err := runBreaker(c.cb, func() (struct{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			Delete("/v2/orders/" + orderID)
		if err != nil {
			return struct{}{}, fmt.Errorf("cancel order: %w", err)
		}
		if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
			return struct{}{}, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
		}
		return struct{}{}, nil
	})
	return err
}

// CancelAll cancels every open order. Used by the Supervisor's shutdown
// actuator, never by ordinary strategy flow.
func (c *Client) CancelAll(ctx context.Context) error {
	if c.dryRun {
		c.logger.Warn("DRY-RUN: would cancel all orders")
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	_, err := runBreaker(c.cb, func() (struct{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			Delete("/v2/orders")
		if err != nil {
			return struct{}{}, fmt.Errorf("cancel all: %w", err)
		}
		if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusMultiStatus {
			return struct{}{}, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
		}
		return struct{}{}, nil
	})
	if err == nil {
		c.logger.Warn("all orders cancelled")
	}
	return err
}

// GetOrder fetches current broker state for one order. This is the
// authoritative read the Reconciler uses to resolve UNKNOWN.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.BrokerOrder, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	return runBreaker(c.cb, func() (*types.BrokerOrder, error) {
		var out types.BrokerOrder
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/v2/orders/" + orderID)
		if err != nil {
			return nil, fmt.Errorf("get order: %w", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return nil, ErrOrderNotFound
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
		}
		return &out, nil
	})
}

// GetOrderByClientID looks up broker-side order state by the idempotency key
// rather than the broker-assigned order id. This is the Reconciler's primary
// tool for resolving UNKNOWN orders: it never assumes SUBMITTED without
// evidence, so a "not found" response is returned as ErrOrderNotFound rather
// than synthesized into any particular state.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.BrokerOrder, error) {
	if c.dryRun {
		return &types.BrokerOrder{
			ID:            "dry-run-" + clientOrderID,
			ClientOrderID: clientOrderID,
			Status:        "accepted",
		}, nil
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	return runBreaker(c.cb, func() (*types.BrokerOrder, error) {
		var out []types.BrokerOrder
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("client_order_id", clientOrderID).
			SetResult(&out).
			Get("/v2/orders")
		if err != nil {
			return nil, fmt.Errorf("get order by client id: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("get order by client id: status %d: %s", resp.StatusCode(), resp.String())
		}
		if len(out) == 0 {
			return nil, ErrOrderNotFound
		}
		return &out[0], nil
	})
}

// ListOrders returns every order the broker currently knows about, open or
// closed within its retention window. Used by the Reconciler's periodic
// sweep and by startup recovery.
func (c *Client) ListOrders(ctx context.Context) ([]types.BrokerOrder, error) {
	if c.dryRun {
		return nil, nil
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := runBreaker(c.cb, func() ([]types.BrokerOrder, error) {
		var out []types.BrokerOrder
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("status", "all").
			SetResult(&out).
			Get("/v2/orders")
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list orders: status %d: %s", resp.StatusCode(), resp.String())
		}
		return out, nil
	})
	return result, err
}

// ListPositions returns the broker's current authoritative positions.
func (c *Client) ListPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	if c.dryRun {
		return nil, nil
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	return runBreaker(c.cb, func() ([]types.BrokerPosition, error) {
		var out []types.BrokerPosition
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/v2/positions")
		if err != nil {
			return nil, fmt.Errorf("list positions: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list positions: status %d: %s", resp.StatusCode(), resp.String())
		}
		return out, nil
	})
}

// ErrOrderNotFound is returned by GetOrder when the broker has no record of
// the requested order ID.
var ErrOrderNotFound = fmt.Errorf("broker: order not found")

// runBreaker runs fn through the circuit breaker, translating gobreaker's
// any-typed result back to T for callers.
func runBreaker[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	var zero T
	v, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
