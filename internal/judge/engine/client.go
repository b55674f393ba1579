package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultSubmitRetries   = 3
	defaultRetryBackoff    = 2 * time.Second
	defaultMaxRetryBackoff = 8 * time.Second
	maxErrorBodyBytes      = 2048
)

// Gateway is the submit/poll contract of the judging engine.
type Gateway interface {
	Submit(ctx context.Context, unit Unit) (Token, error)
	Poll(ctx context.Context, token Token) (*Verdict, error)
}

// ClientConfig configures the HTTP gateway.
type ClientConfig struct {
	BaseURL   string `yaml:"baseURL"`
	// AuthToken is sent as X-Auth-Token when set.
	AuthToken string `yaml:"authToken"`

	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	ResponseTimeout time.Duration `yaml:"responseTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`

	// SubmitRetries is how many times a 5xx or transport failure on submit
	// is retried. Negative disables retries.
	SubmitRetries   int           `yaml:"submitRetries"`
	RetryBackoff    time.Duration `yaml:"retryBackoff"`
	MaxRetryBackoff time.Duration `yaml:"maxRetryBackoff"`

	// Base64 asks the engine to exchange text fields base64 encoded.
	Base64 bool `yaml:"base64"`
}

// ApplyDefaults fills unset fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SubmitRetries == 0 {
		c.SubmitRetries = defaultSubmitRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = defaultMaxRetryBackoff
	}
}

// Client talks to the engine over HTTP.
type Client struct {
	cfg     ClientConfig
	baseURL string
	http    *http.Client
	policy  Policy
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient builds an HTTP gateway. Units are checked against policy before
// any request is made.
func NewClient(cfg ClientConfig, policy Policy) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("engine base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid engine base url: %w", err)
	}
	cfg.ApplyDefaults()

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.WriteTimeout + cfg.ResponseTimeout + cfg.ReadTimeout,
		},
		policy: policy,
		sleep:  sleepCtx,
	}, nil
}

type submitRequest struct {
	SourceCode     string   `json:"source_code"`
	LanguageID     int      `json:"language_id"`
	Stdin          string   `json:"stdin,omitempty"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
	CPUTimeLimit   *float64 `json:"cpu_time_limit,omitempty"`
	MemoryLimit    *int64   `json:"memory_limit,omitempty"`
}

type submitResponse struct {
	Token string `json:"token"`
}

// statusError carries a non-2xx engine response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("engine responded %d: %s", e.code, e.body)
}

// Submit queues a unit and returns its token. Server errors and transport
// failures are retried with backoff; client errors are returned at once.
func (c *Client) Submit(ctx context.Context, unit Unit) (Token, error) {
	if err := c.policy.Validate(unit.SourceCode, unit.LanguageID); err != nil {
		return "", err
	}
	body, err := json.Marshal(c.buildSubmitRequest(unit))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "encode submit request failed")
	}
	endpoint := c.baseURL + "/submissions?wait=false&base64_encoded=" + boolParam(c.cfg.Base64)

	retries := max(c.cfg.SubmitRetries, 0)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(attempt-1, c.cfg.RetryBackoff, c.cfg.MaxRetryBackoff)
			logger.Warn(ctx, "engine submit failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return "", c.unavailable(ctx, lastErr, "submit")
			}
		}

		var resp submitResponse
		err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
		if err == nil {
			if resp.Token == "" {
				return "", appErr.New(appErr.EngineUnavailable).WithMessage("engine returned an empty token")
			}
			return Token(resp.Token), nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.code < http.StatusInternalServerError {
			return "", appErr.Wrapf(err, appErr.RejectedByEngine, "engine rejected submission: %d", se.code).
				WithDetail("engine_status", se.code)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", c.unavailable(ctx, lastErr, "submit")
}

// Poll fetches the current state of a job. It is not retried here.
func (c *Client) Poll(ctx context.Context, token Token) (*Verdict, error) {
	if token == "" {
		return nil, appErr.BadRequest("token is required")
	}
	endpoint := fmt.Sprintf("%s/submissions/%s?base64_encoded=%s&fields=token,status,stdout,stderr,compile_output,message,time,memory",
		c.baseURL, url.PathEscape(string(token)), boolParam(c.cfg.Base64))

	var verdict Verdict
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &verdict); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code < http.StatusInternalServerError {
			return nil, appErr.Wrapf(err, appErr.RejectedByEngine, "engine rejected poll: %d", se.code).
				WithDetail("engine_status", se.code)
		}
		return nil, c.unavailable(ctx, err, "poll")
	}
	verdict.Encoded = c.cfg.Base64
	if verdict.Token == "" {
		verdict.Token = string(token)
	}
	return &verdict, nil
}

func (c *Client) unavailable(ctx context.Context, err error, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return appErr.Wrapf(ctx.Err(), appErr.JudgingTimeout, "engine %s timed out", op)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = errors.New("unknown failure")
	}
	return appErr.Wrapf(err, appErr.EngineUnavailable, "engine %s failed: %v", op, err)
}

func (c *Client) buildSubmitRequest(unit Unit) submitRequest {
	encode := func(s string) string { return s }
	if c.cfg.Base64 {
		encode = func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	}
	req := submitRequest{
		SourceCode:     encode(unit.SourceCode),
		LanguageID:     unit.LanguageID,
		Stdin:          encode(unit.Stdin),
		ExpectedOutput: encode(unit.ExpectedOutput),
	}
	if unit.CPUTimeLimit > 0 {
		limit := unit.CPUTimeLimit
		req.CPUTimeLimit = &limit
	}
	if unit.MemoryLimit > 0 {
		limit := unit.MemoryLimit
		req.MemoryLimit = &limit
	}
	return req
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("X-Auth-Token", c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response failed: %w", err)
	}
	return nil
}

// ComputeBackoff doubles base per retry and caps the result at max.
func ComputeBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func boolParam(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
