// Package mailcow is the HTTP client for the remote mailbox provider.
// The provider is the source of truth for actual mailbox existence and
// credentials; this package holds no state and is safe for concurrent
// use. Every call carries a bounded timeout so nothing upstream can
// block indefinitely.
package mailcow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guestmail/guestmail/pkg/metrics"
)

// Sentinel errors for the provider boundary
var (
	// ErrRemote indicates a provider-side failure. Retrying is at the
	// caller's discretion.
	ErrRemote = errors.New("mailcow: remote error")

	// ErrRemoteTimeout indicates the bounded timeout elapsed. Kept
	// distinct from ErrRemote so callers can apply a different retry
	// policy.
	ErrRemoteTimeout = errors.New("mailcow: request timed out")

	// ErrMailboxExists indicates the mailbox already exists remotely.
	ErrMailboxExists = errors.New("mailcow: mailbox already exists")
)

// Mailbox is the provider's view of a mailbox.
type Mailbox struct {
	Address   string       `json:"username"`
	Active    int          `json:"active"`
	LastLogin EpochSeconds `json:"last_imap_login"`
	Tags      []string     `json:"tags"`
}

// EpochSeconds tolerates the provider serializing timestamps as either
// a number or a string.
type EpochSeconds int64

func (e *EpochSeconds) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*e = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unreadable timestamp %q: %w", s, err)
	}
	*e = EpochSeconds(v)
	return nil
}

// Int64 returns the timestamp as epoch seconds, 0 for "never logged in".
func (e EpochSeconds) Int64() int64 { return int64(e) }

// Options configures the client.
type Options struct {
	// Endpoint is the base URL of the provider API.
	Endpoint string
	// APIKey is sent as X-API-Key on every request.
	APIKey string
	// Timeout bounds each request (default 20s).
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the provider's mailbox API.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// New creates a provider client.
func New(options Options) (*Client, error) {
	endpoint := strings.TrimSuffix(options.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("mailcow endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid mailcow endpoint %q: %w", options.Endpoint, err)
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{endpoint: endpoint, apiKey: options.APIKey, http: httpClient}, nil
}

// apiResponse is the provider's uniform mutation response element.
type apiResponse struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

func (r *apiResponse) msgText() string {
	var parts []string
	if err := json.Unmarshal(r.Msg, &parts); err == nil {
		return strings.Join(parts, " ")
	}
	var single string
	if err := json.Unmarshal(r.Msg, &single); err == nil {
		return single
	}
	return string(r.Msg)
}

// Create provisions a mailbox at addr with the given password and tag.
// A mailbox that already exists surfaces as ErrMailboxExists.
func (c *Client) Create(ctx context.Context, addr, password, tag string) error {
	localPart, domain, ok := splitAddr(addr)
	if !ok {
		return fmt.Errorf("%w: malformed address %q", ErrRemote, addr)
	}
	payload := map[string]any{
		"local_part": localPart,
		"domain":     domain,
		"name":       localPart,
		"password":   password,
		"password2":  password,
		"active":     "1",
	}
	if tag != "" {
		payload["tags"] = []string{tag}
	}
	responses, err := c.post(ctx, "create", "/api/v1/add/mailbox", payload)
	if err != nil {
		return err
	}
	return checkResponses(responses, addr)
}

// Delete removes a mailbox. Deleting an address that does not exist
// remotely is not an error.
func (c *Client) Delete(ctx context.Context, addr string) error {
	responses, err := c.post(ctx, "delete", "/api/v1/delete/mailbox", []string{addr})
	if err != nil {
		return err
	}
	err = checkResponses(responses, addr)
	if err != nil && strings.Contains(err.Error(), "object_not_found") {
		return nil
	}
	return err
}

// Get fetches a single mailbox; found is false when it does not exist.
func (c *Client) Get(ctx context.Context, addr string) (Mailbox, bool, error) {
	body, err := c.get(ctx, "get", "/api/v1/get/mailbox/"+url.PathEscape(addr))
	if err != nil {
		return Mailbox{}, false, err
	}
	// The provider answers an unknown mailbox with an empty object.
	var mbox Mailbox
	if err := json.Unmarshal(body, &mbox); err != nil {
		return Mailbox{}, false, fmt.Errorf("%w: unreadable mailbox response: %v", ErrRemote, err)
	}
	if mbox.Address == "" {
		return Mailbox{}, false, nil
	}
	return mbox, true, nil
}

// List fetches all mailboxes the provider knows about.
func (c *Client) List(ctx context.Context) ([]Mailbox, error) {
	body, err := c.get(ctx, "list", "/api/v1/get/mailbox/all")
	if err != nil {
		return nil, err
	}
	var mailboxes []Mailbox
	if err := json.Unmarshal(body, &mailboxes); err != nil {
		return nil, fmt.Errorf("%w: unreadable mailbox list: %v", ErrRemote, err)
	}
	return mailboxes, nil
}

func (c *Client) post(ctx context.Context, operation, path string, payload any) ([]apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	data, err := c.do(ctx, operation, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var responses []apiResponse
	if err := json.Unmarshal(data, &responses); err != nil {
		return nil, fmt.Errorf("%w: unreadable response: %v", ErrRemote, err)
	}
	return responses, nil
}

func (c *Client) get(ctx context.Context, operation, path string) ([]byte, error) {
	return c.do(ctx, operation, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, operation, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RemoteCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		if isTimeout(err) {
			metrics.RemoteCallsTotal.WithLabelValues(operation, "timeout").Inc()
			return nil, fmt.Errorf("%w: %v", ErrRemoteTimeout, err)
		}
		metrics.RemoteCallsTotal.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		metrics.RemoteCallsTotal.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("%w: reading response: %v", ErrRemote, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RemoteCallsTotal.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("%w: %s %s returned %d: %s",
			ErrRemote, method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	metrics.RemoteCallsTotal.WithLabelValues(operation, "ok").Inc()
	return data, nil
}

// checkResponses maps the provider's mutation response onto the error
// taxonomy.
func checkResponses(responses []apiResponse, addr string) error {
	for _, r := range responses {
		if r.Type == "success" {
			continue
		}
		msg := r.msgText()
		if strings.Contains(msg, "object_exists") || strings.Contains(msg, "object exists") {
			return fmt.Errorf("%w: %s", ErrMailboxExists, addr)
		}
		return fmt.Errorf("%w: %s", ErrRemote, msg)
	}
	if len(responses) == 0 {
		return fmt.Errorf("%w: empty response", ErrRemote)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func splitAddr(addr string) (localPart, domain string, ok bool) {
	i := strings.LastIndex(addr, "@")
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}
