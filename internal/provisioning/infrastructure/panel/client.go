// Package panel talks to a Marzban-compatible VPN panel (Marzban, PasarGuard).
package panel

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
	"sync"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Config configures the panel client.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	InboundTag string
	Flow       string
	// UserGroup is resolved to a group id once and attached to new accounts.
	UserGroup string
	Timeout   time.Duration
	// TokenTTL is assumed when the panel does not report an expiry.
	TokenTTL time.Duration
	// TokenSkew refreshes the token this long before it expires.
	TokenSkew time.Duration
	// FailureThreshold consecutive transport failures open the breaker.
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

// DefaultConfig returns sensible defaults for the optional fields.
func DefaultConfig() Config {
	return Config{
		InboundTag:       "vless-tcp",
		Timeout:          10 * time.Second,
		TokenTTL:         50 * time.Minute,
		TokenSkew:        time.Minute,
		FailureThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// Client implements domain.PanelClient over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	oauth   *oauth2.Config
	breaker *gobreaker.CircuitBreaker[*response]
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
	sf    singleflight.Group

	groupsMu sync.Mutex
	groups   map[string]int
}

type response struct {
	status int
	body   []byte
}

// NewClient creates a panel client. The bearer token is owned by the client
// and refreshed lazily.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("panel base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid panel base url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	if cfg.TokenSkew <= 0 {
		cfg.TokenSkew = defaults.TokenSkew
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}
	if cfg.InboundTag == "" {
		cfg.InboundTag = defaults.InboundTag
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
		groups: make(map[string]int),
		oauth: &oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.BaseURL + "/api/admin/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "panel",
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

// Ping fetches a token, which proves reachability and credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.accessToken(ctx, "")
	return err
}

// GetAccount fetches an account by name.
func (c *Client) GetAccount(ctx context.Context, name string) (*domain.Account, error) {
	var u user
	if err := c.call(ctx, "get account", http.MethodGet, userPath(name), nil, &u); err != nil {
		return nil, err
	}
	return c.toAccount(u), nil
}

// CreateAccount creates an active account valid until expireAt.
func (c *Client) CreateAccount(ctx context.Context, name string, expireAt time.Time) (*domain.Account, error) {
	expire := expireAt.Unix()
	var zero int64
	payload := user{
		Username:               name,
		Proxies:                map[string]map[string]any{"vless": c.defaultVless()},
		Inbounds:               map[string][]string{"vless": {c.cfg.InboundTag}},
		Expire:                 expireField{set: true, unix: expire},
		DataLimit:              &zero,
		DataLimitResetStrategy: "no_reset",
		Status:                 string(domain.AccountActive),
	}
	if id, ok := c.groupID(ctx); ok {
		payload.GroupIDs = []int{id}
	}

	var created user
	if err := c.call(ctx, "create account", http.MethodPost, "/api/user", payload, &created); err != nil {
		return nil, err
	}
	if created.Username == "" {
		created = payload
	}
	return c.toAccount(created), nil
}

// UpdateAccount reads the account and writes it back with update applied,
// keeping proxies, inbounds and data limits as the panel has them.
func (c *Client) UpdateAccount(ctx context.Context, name string, update domain.AccountUpdate) (*domain.Account, error) {
	var current user
	if err := c.call(ctx, "get account", http.MethodGet, userPath(name), nil, &current); err != nil {
		return nil, err
	}

	payload := user{
		Proxies:                current.Proxies,
		Inbounds:               current.Inbounds,
		Expire:                 current.Expire,
		DataLimit:              current.DataLimit,
		DataLimitResetStrategy: current.DataLimitResetStrategy,
		Status:                 current.Status,
	}
	if len(payload.Proxies["vless"]) == 0 {
		if payload.Proxies == nil {
			payload.Proxies = map[string]map[string]any{}
		}
		payload.Proxies["vless"] = c.defaultVless()
	}
	if len(payload.Inbounds["vless"]) == 0 {
		if payload.Inbounds == nil {
			payload.Inbounds = map[string][]string{}
		}
		payload.Inbounds["vless"] = []string{c.cfg.InboundTag}
	}
	if payload.DataLimit == nil {
		var zero int64
		payload.DataLimit = &zero
	}
	if payload.DataLimitResetStrategy == "" {
		payload.DataLimitResetStrategy = "no_reset"
	}
	if update.ExpireAt != nil {
		payload.Expire = expireField{set: true, unix: update.ExpireAt.Unix()}
	}
	if update.Status != nil {
		payload.Status = string(*update.Status)
	}

	var updated user
	if err := c.call(ctx, "update account", http.MethodPut, userPath(name), payload, &updated); err != nil {
		return nil, err
	}
	if updated.Username == "" {
		payload.Username = name
		payload.SubscriptionURL = current.SubscriptionURL
		updated = payload
	}
	return c.toAccount(updated), nil
}

// DeleteAccount removes the account; a missing account counts as deleted.
func (c *Client) DeleteAccount(ctx context.Context, name string) error {
	err := c.call(ctx, "delete account", http.MethodDelete, userPath(name), nil, nil)
	if errors.Is(err, sharedDomain.ErrNotFound) {
		return nil
	}
	return err
}

// GetAccessURL returns the absolute subscription URL of the account.
func (c *Client) GetAccessURL(ctx context.Context, name string) (string, error) {
	account, err := c.GetAccount(ctx, name)
	if err != nil {
		return "", err
	}
	if account.SubscriptionURL == "" {
		return "", sharedDomain.ValidationError("access url "+name, errors.New("panel returned no subscription_url"))
	}
	return account.SubscriptionURL, nil
}

func (c *Client) defaultVless() map[string]any {
	settings := map[string]any{}
	if c.cfg.Flow != "" {
		settings["flow"] = c.cfg.Flow
	}
	return settings
}

func (c *Client) toAccount(u user) *domain.Account {
	account := &domain.Account{
		Name:                   u.Username,
		Status:                 domain.AccountStatus(u.Status),
		Proxies:                u.Proxies,
		Inbounds:               u.Inbounds,
		DataLimitResetStrategy: u.DataLimitResetStrategy,
		GroupIDs:               u.GroupIDs,
		SubscriptionURL:        c.absoluteURL(u.SubscriptionURL),
	}
	if u.Expire.unix > 0 {
		account.ExpireAt = time.Unix(u.Expire.unix, 0).UTC()
	}
	if u.DataLimit != nil {
		account.DataLimit = *u.DataLimit
	}
	return account
}

func (c *Client) absoluteURL(path string) string {
	if strings.HasPrefix(path, "/") {
		return c.cfg.BaseURL + path
	}
	return path
}

func userPath(name string) string {
	return "/api/user/" + url.PathEscape(name)
}

// call runs one API request through the breaker. A 401 invalidates the
// token and the request is retried exactly once.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return sharedDomain.ValidationError(op, err)
		}
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		return c.doAuthorized(ctx, op, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return sharedDomain.TransportError(op, err)
	}
	if err != nil {
		return err
	}

	if out != nil && len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return sharedDomain.ValidationError(op, fmt.Errorf("decode panel response: %w", err))
		}
	}
	return nil
}

func (c *Client) doAuthorized(ctx context.Context, op, method, path string, body []byte) (*response, error) {
	token, err := c.accessToken(ctx, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, op, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusUnauthorized {
		c.logger.Info("panel token rejected, re-authenticating", "op", op)
		if token, err = c.accessToken(ctx, token); err != nil {
			return nil, err
		}
		if resp, err = c.send(ctx, op, method, path, body, token); err != nil {
			return nil, err
		}
	}
	return resp, classify(op, resp)
}

func (c *Client) send(ctx context.Context, op, method, path string, body []byte, token string) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, sharedDomain.ValidationError(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
		return sharedDomain.NotFoundError(op, domain.ErrAccountNotFound)
	case s == http.StatusConflict:
		return sharedDomain.ConflictError(op, statusError(resp))
	case s == http.StatusBadRequest || s == http.StatusUnprocessableEntity:
		return sharedDomain.ValidationError(op, statusError(resp))
	default:
		return sharedDomain.TransportError(op, statusError(resp))
	}
}

func statusError(resp *response) error {
	detail := strings.TrimSpace(string(resp.body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return fmt.Errorf("panel returned %d: %s", resp.status, detail)
}
