// Package cms talks to the account backend: per-account prompt, voice,
// transfer destinations and greeting audio, and the call log.
package cms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/switchboard/pkg/configutil"
	"github.com/harunnryd/switchboard/pkg/destinations"
	"github.com/harunnryd/switchboard/pkg/errorsx"
	"github.com/harunnryd/switchboard/pkg/resilience"
)

const (
	pathAccount      = "/wp-json/ai-reception/v1/user-from-phone"
	pathDestinations = "/wp-json/ai-reception/v1/destinations-by-phone"
	pathGreeting     = "/wp-json/ai-reception/v1/get-initial-audio"
	pathCallLog      = "/wp-json/wp/v2/call_log"
)

// ErrMissingCredentials is returned by SaveCall when no API user is set.
var ErrMissingCredentials = errors.New("cms api credentials not configured")

type Config struct {
	BaseURL          string
	APIUser          string
	APIPassword      string
	Timeout          time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// Client is safe for concurrent use. Lookups share a circuit breaker so a
// dead backend does not stall every new call for the full timeout.
type Client struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
	logger   *slog.Logger
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		user:     cfg.APIUser,
		password: cfg.APIPassword,
		http:     httpClient,
		breaker:  resilience.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		logger:   logger,
	}
}

// Account is the per-account agent profile as stored.
type Account struct {
	Prompt string `json:"prompt"`
	Voice  string `json:"voice"`
}

// Account fetches the stored prompt and raw voice for phone.
func (c *Client) Account(ctx context.Context, phone string) (Account, error) {
	var out Account
	body, err := json.Marshal(map[string]string{"phone": phone})
	if err != nil {
		return out, err
	}
	err = c.lookup(ctx, http.MethodPost, pathAccount, nil, body, &out)
	return out, err
}

// Destinations fetches the transfer destinations owned by phone's account.
// Rows that cannot be decoded are skipped.
func (c *Client) Destinations(ctx context.Context, phone string) ([]destinations.Destination, error) {
	var rows []any
	if err := c.lookup(ctx, http.MethodGet, pathDestinations, url.Values{"phone": {phone}}, nil, &rows); err != nil {
		return nil, err
	}
	return configutil.DecodeRows[destinations.Destination](rows, func(i int, err error) {
		c.logger.Warn("cms_destination_row_skipped", "index", i, "error", err)
	}), nil
}

// GreetingAudio returns the account's recorded greeting (MP3), or nil when
// none is stored.
func (c *Client) GreetingAudio(ctx context.Context, phone string) ([]byte, error) {
	var out struct {
		Audio string `json:"audio"`
	}
	if err := c.lookup(ctx, http.MethodGet, pathGreeting, url.Values{"phone": {phone}}, nil, &out); err != nil {
		return nil, err
	}
	if out.Audio == "" {
		return nil, nil
	}
	audio, err := base64.StdEncoding.DecodeString(out.Audio)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("greeting audio: %w", err), errorsx.ReasonCMSLookup)
	}
	return audio, nil
}

func (c *Client) lookup(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	err := c.breaker.Call(func() error {
		return c.do(ctx, method, path, query, body, false, out)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return errorsx.Wrap(fmt.Errorf("cms %s: %w", path, err), errorsx.ReasonCMSCircuitOpen)
	}
	return errorsx.Wrap(err, errorsx.ReasonCMSLookup)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, auth bool, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if auth {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cms %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("cms %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("cms %s: decode: %w", path, err)
	}
	return nil
}
