package ap2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sohocredit/ap2/signature"
)

// DefaultClientTimeout bounds a whole request when no HTTP client is
// supplied. It sits above the provider's settlement timeout so a slow ledger
// call is reported by the provider rather than cut off here.
const DefaultClientTimeout = 150 * time.Second

// Client sends messages to a remote [AgentHandler].
type Client struct {
	endpoint   string
	httpClient *http.Client
	apiKey     string
	signingKey []byte
	userAgent  string
	clock      func() time.Time
}

// ClientOption customizes a [Client].
type ClientOption func(*Client)

// WithHTTPClient replaces the default client, which times out after
// DefaultClientTimeout.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithAPIKey sends the key as a bearer Authorization header.
func WithAPIKey(key string) ClientOption {
	return func(cl *Client) {
		cl.apiKey = key
	}
}

// WithSigningKey signs every request body with HMAC-SHA256.
func WithSigningKey(key []byte) ClientOption {
	return func(cl *Client) {
		cl.signingKey = key
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// NewClient targets the agent served at endpoint, e.g.
// "http://localhost:8005/a2a/soho_credentials_provider".
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
		userAgent:  "sohocredit-ap2/" + APIVersion,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

// Endpoint returns the agent URL the client targets.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// SendMessage invokes operation on the remote agent and returns the task it
// produced. Non-2xx responses are returned as *Error.
func (c *Client) SendMessage(ctx context.Context, operation string, msg Message) (*Task, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("ap2: marshal message: %w", err)
	}
	url := c.endpoint + "/operations/" + operation
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ap2: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("API-Version", APIVersion)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Request-Id", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if len(c.signingKey) > 0 {
		if err := c.sign(req, body); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ap2: send %s: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("ap2: read %s response: %w", operation, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &Error{}
		if err := json.Unmarshal(payload, apiErr); err != nil || apiErr.Code == "" {
			apiErr = NewProcessingError(fmt.Sprintf("%s returned %s: %s", url, resp.Status, strings.TrimSpace(string(payload))))
		}
		apiErr.status = resp.StatusCode
		return nil, apiErr
	}
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("ap2: decode %s task: %w", operation, err)
	}
	return &task, nil
}

func (c *Client) sign(req *http.Request, body []byte) error {
	canonical, err := signature.CanonicalizeJSONBody(body)
	if err != nil {
		return fmt.Errorf("ap2: canonicalize body: %w", err)
	}
	ts := c.clock().UTC()
	sig, err := signature.Sign(c.signingKey, ts, canonical)
	if err != nil {
		return err
	}
	req.Header.Set(signature.HeaderSignature, sig)
	req.Header.Set(signature.HeaderTimestamp, ts.Format(time.RFC3339Nano))
	return nil
}
