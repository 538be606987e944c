// Package settlement is a client for the external settlement ledger: a
// login call returning a bearer token and a pay call moving funds to the
// merchant.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sohocredit/ap2"
)

const (
	// DefaultTimeout bounds one settlement call. Ledger confirmation is slow.
	DefaultTimeout = 2 * time.Minute
	// DefaultDecimals is the smallest-unit exponent of the settlement currency.
	DefaultDecimals = 6

	loginPath = "/auth/login"
	payPath   = "/agent/pay"

	// Opaque tokens without an exp claim are reused for this long.
	opaqueTokenTTL = 10 * time.Minute
	// Refresh slightly before the server-side expiry.
	expiryLeeway = 30 * time.Second
	maxErrorBody = 1 << 10
)

// Config holds the settlement API endpoint and credentials.
type Config struct {
	BaseURL         string
	Email           string
	Password        string
	MerchantAddress string
	Timeout         time.Duration
	Decimals        int32
}

// PayRequest is the body of POST /agent/pay.
type PayRequest struct {
	MerchantAddress string `json:"merchant_address"`
	Amount          string `json:"amount"`
	PlanID          string `json:"plan_id,omitempty"`
}

type payResponse struct {
	TransactionHash string `json:"transaction_hash"`
	TransactionID   string `json:"transaction_id"`
	BlockNumber     uint64 `json:"block_number"`
	GasUsed         uint64 `json:"gas_used"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Its timeout is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func withClock(clock func() time.Time) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// Client calls the settlement API. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	clock      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = DefaultDecimals
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MinorUnits converts amount into the settlement currency's smallest unit.
// Sub-unit fractions are truncated.
func (c *Client) MinorUnits(amount ap2.Amount) string {
	return MinorUnits(amount, c.cfg.Decimals)
}

// MinorUnits converts amount into integer units of 10^-decimals.
func MinorUnits(amount ap2.Amount, decimals int32) string {
	return amount.Shift(decimals).Truncate(0).StringFixed(0)
}

// Pay settles amount to the configured merchant address.
func (c *Client) Pay(ctx context.Context, amount ap2.Amount, planID string) (*ap2.SettlementResult, error) {
	req := PayRequest{
		MerchantAddress: c.cfg.MerchantAddress,
		Amount:          c.MinorUnits(amount),
		PlanID:          planID,
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	var resp payResponse
	err = c.do(ctx, "pay", payPath, token, req, &resp)
	var sErr *Error
	if errors.As(err, &sErr) && sErr.Kind == KindHTTPStatus && sErr.StatusCode == http.StatusUnauthorized {
		c.invalidate(token)
		if token, err = c.bearer(ctx); err != nil {
			return nil, err
		}
		err = c.do(ctx, "pay", payPath, token, req, &resp)
	}
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "settlement confirmed",
		slog.String("transaction_id", resp.TransactionID),
		slog.Uint64("block_number", resp.BlockNumber),
		slog.String("amount_minor_units", req.Amount),
	)
	return &ap2.SettlementResult{
		TransactionHash: resp.TransactionHash,
		TransactionID:   resp.TransactionID,
		BlockNumber:     resp.BlockNumber,
		GasUsed:         resp.GasUsed,
		AmountMinor:     req.Amount,
		PlanID:          planID,
	}, nil
}

// bearer returns the cached token, logging in again once it has expired.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.clock().Before(c.expires) {
		return c.token, nil
	}
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) (string, error) {
	var resp loginResponse
	if err := c.do(ctx, "login", loginPath, "", loginRequest{Email: c.cfg.Email, Password: c.cfg.Password}, &resp); err != nil {
		return "", err
	}
	token := resp.Token
	if token == "" {
		token = resp.AccessToken
	}
	if token == "" {
		return "", &Error{Kind: KindDecode, Op: "login", Err: errors.New("response carried no token")}
	}
	c.token = token
	c.expires = c.tokenExpiry(token)
	return token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is only ever sent back to the server that issued it.
func (c *Client) tokenExpiry(token string) time.Time {
	now := c.clock()
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return now.Add(opaqueTokenTTL)
	}
	return claims.ExpiresAt.Add(-expiryLeeway)
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
		c.expires = time.Time{}
	}
}

func (c *Client) do(ctx context.Context, op, path, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("settlement %s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("settlement %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{Kind: KindHTTPStatus, Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return transportError(op, err)
		}
		return &Error{Kind: KindDecode, Op: op, Err: err}
	}
	return nil
}
