// Package gateway talks to a YooKassa-compatible payment API (v3).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

// Config configures the gateway client.
type Config struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	Timeout   time.Duration
	// FailureThreshold consecutive transport failures open the breaker.
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

// DefaultConfig returns the public API endpoint and default limits.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "https://api.yookassa.ru",
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// Client implements domain.PaymentGateway over HTTP with basic auth.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*response]
	logger  *slog.Logger
}

type response struct {
	status int
	body   []byte
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	if cfg.ShopID == "" || cfg.SecretKey == "" {
		return nil, errors.New("gateway shop id and secret key are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, sharedDomain.ErrTransport)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c, nil
}

// BreakerState reports the circuit breaker state for health checks.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// CreateCharge creates a redirect charge.
func (c *Client) CreateCharge(ctx context.Context, req domain.ChargeRequest) (*domain.Charge, error) {
	save := req.SaveInstrument
	body := createPaymentRequest{
		Amount:            toAmount(req.Money),
		Capture:           true,
		PaymentMethodData: &methodData{Type: req.Method},
		Confirmation:      &confirmation{Type: "redirect", ReturnURL: req.ReturnURL},
		SavePaymentMethod: &save,
		Description:       req.Description,
		Metadata:          req.Metadata,
	}
	var out payment
	if err := c.call(ctx, "create charge", http.MethodPost, "/v3/payments", idempotencyKey(req.IdempotencyKey), body, &out); err != nil {
		return nil, err
	}
	return out.toCharge(), nil
}

// ChargeStoredInstrument charges a saved instrument off-session.
func (c *Client) ChargeStoredInstrument(ctx context.Context, req domain.StoredChargeRequest) (*domain.Charge, error) {
	if req.InstrumentRef == "" {
		return nil, sharedDomain.ValidationError("charge stored instrument", domain.ErrInstrumentRequired)
	}
	body := createPaymentRequest{
		Amount:          toAmount(req.Money),
		Capture:         true,
		PaymentMethodID: req.InstrumentRef,
		Description:     req.Description,
		Metadata:        req.Metadata,
	}
	var out payment
	if err := c.call(ctx, "charge stored instrument", http.MethodPost, "/v3/payments", idempotencyKey(req.IdempotencyKey), body, &out); err != nil {
		return nil, err
	}
	return out.toCharge(), nil
}

// GetCharge fetches the current state of a charge.
func (c *Client) GetCharge(ctx context.Context, id string) (*domain.Charge, error) {
	if id == "" {
		return nil, sharedDomain.ValidationError("get charge", domain.ErrEmptyGatewayID)
	}
	var out payment
	if err := c.call(ctx, "get charge", http.MethodGet, "/v3/payments/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return out.toCharge(), nil
}

func idempotencyKey(key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return key
}

func (c *Client) call(ctx context.Context, op, method, path, key string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return sharedDomain.ValidationError(op, err)
		}
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		resp, err := c.send(ctx, op, method, path, key, body)
		if err != nil {
			return nil, err
		}
		return resp, classify(op, resp)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return sharedDomain.TransportError(op, err)
	}
	if err != nil {
		return err
	}

	if out != nil && len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return sharedDomain.ValidationError(op, fmt.Errorf("decode gateway response: %w", err))
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path, key string, body []byte) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, sharedDomain.ValidationError(op, err)
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotence-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, sharedDomain.TransportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, sharedDomain.TransportError(op, err)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

func classify(op string, resp *response) error {
	switch s := resp.status; {
	case s >= 200 && s < 300:
		return nil
	case s == http.StatusUnauthorized || s == http.StatusForbidden:
		return sharedDomain.AuthError(op, statusError(resp))
	case s == http.StatusNotFound:
		return sharedDomain.NotFoundError(op, domain.ErrPaymentNotFound)
	case s == http.StatusBadRequest || s == http.StatusUnprocessableEntity:
		return sharedDomain.ValidationError(op, statusError(resp))
	default:
		return sharedDomain.TransportError(op, statusError(resp))
	}
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Parameter   string `json:"parameter"`
}

func statusError(resp *response) error {
	var e apiError
	if json.Unmarshal(resp.body, &e) == nil && e.Code != "" {
		if e.Parameter != "" {
			return fmt.Errorf("gateway returned %d %s (%s): %s", resp.status, e.Code, e.Parameter, e.Description)
		}
		return fmt.Errorf("gateway returned %d %s: %s", resp.status, e.Code, e.Description)
	}
	detail := strings.TrimSpace(string(resp.body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return fmt.Errorf("gateway returned %d: %s", resp.status, detail)
}
