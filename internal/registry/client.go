// Package registry is the authenticated client of the government registry
// API. It submits declarations, fetches their status, and maps every failure
// onto a small error taxonomy.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dimona/internal/platform/config"
	"dimona/internal/registry/tokencache"
	"dimona/pkg/platform/circuit"
)

const (
	maxBodyBytes = 1 << 20

	opCreate = "create_declaration"
	opGet    = "get_declaration"
)

// Status is what the registry knows about one declaration. Processed is false
// while the registry has not rendered a verdict yet.
type Status struct {
	Reference        string
	Processed        bool
	ResultCode       string
	RegistryPeriodID string
	Anomalies        json.RawMessage
}

type statusEnvelope struct {
	DeclarationStatus *struct {
		DeclarationID json.Number     `json:"declarationId"`
		Result        string          `json:"result"`
		Period        *periodRef      `json:"period"`
		Anomalies     json.RawMessage `json:"anomalies"`
	} `json:"declarationStatus"`
}

type periodRef struct {
	ID json.Number `json:"id"`
}

type createResponse struct {
	DeclarationID json.Number `json:"declarationId"`
	Reference     string      `json:"reference"`
}

// Config is the resolved client configuration.
type Config struct {
	BaseURL         string
	TokenURL        string
	Audience        string
	Timeout         time.Duration
	TokenExpirySkew time.Duration
	DefaultClient   string
	Clients         []Credentials
	BreakerFailures int
	BreakerCooldown time.Duration
}

// ConfigFromSettings loads signing keys and resolves defaults from the
// registry section of the application config.
func ConfigFromSettings(cfg config.Registry) (Config, error) {
	out := Config{
		BaseURL:         cfg.BaseURL,
		TokenURL:        cfg.TokenURL,
		Audience:        cfg.Audience,
		Timeout:         cfg.Timeout,
		TokenExpirySkew: cfg.TokenExpirySkew,
		DefaultClient:   cfg.DefaultClient,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}
	for _, c := range cfg.Clients {
		key, err := ParsePrivateKey(c.PrivateKeyPEM, c.PrivateKeyPath)
		if err != nil {
			return Config{}, fmt.Errorf("registry client %s: %w", c.Name, err)
		}
		out.Clients = append(out.Clients, Credentials{Name: c.Name, ClientID: c.ClientID, Key: key})
	}
	return out, nil
}

// Client talks to the registry on behalf of several named clients.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	credentials map[string]Credentials
	defaultName string
	tokens      *tokenSource
	breakers    map[string]*circuit.Breaker
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
}

// Option configures the Client.
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTokenCache replaces the in-process token cache, e.g. with a shared
// Redis cache.
func WithTokenCache(cache TokenCache) Option {
	return func(c *Client) {
		c.tokens.cache = cache
	}
}

// WithHTTPClient replaces the HTTP client. Its timeout bounds every call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.tokens.now = now
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registry base URL is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("registry token URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TokenExpirySkew <= 0 {
		cfg.TokenExpirySkew = 30 * time.Second
	}
	if cfg.Audience == "" {
		cfg.Audience = cfg.TokenURL
	}
	if cfg.DefaultClient == "" {
		cfg.DefaultClient = "default"
	}

	c := &Client{
		baseURL:     base,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		credentials: make(map[string]Credentials, len(cfg.Clients)),
		defaultName: cfg.DefaultClient,
		breakers:    make(map[string]*circuit.Breaker, len(cfg.Clients)),
		logger:      slog.Default(),
		tracer:      otel.Tracer("dimona/registry"),
		tokens: &tokenSource{
			tokenURL: cfg.TokenURL,
			audience: cfg.Audience,
			skew:     cfg.TokenExpirySkew,
			cache:    tokencache.NewMemory(),
			now:      time.Now,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokens.httpClient = c.httpClient
	c.tokens.logger = c.logger
	c.tokens.metrics = c.metrics

	for _, cred := range cfg.Clients {
		if cred.Name == "" || cred.ClientID == "" || cred.Key == nil {
			return nil, fmt.Errorf("registry client %q needs name, client id and key", cred.Name)
		}
		c.credentials[cred.Name] = cred
		breakerOpts := []circuit.Option{}
		if cfg.BreakerFailures > 0 {
			breakerOpts = append(breakerOpts, circuit.WithFailureThreshold(cfg.BreakerFailures))
		}
		if cfg.BreakerCooldown > 0 {
			breakerOpts = append(breakerOpts, circuit.WithCooldown(cfg.BreakerCooldown))
		}
		c.breakers[cred.Name] = circuit.New("registry:"+cred.Name, breakerOpts...)
	}
	return c, nil
}

// DefaultClient is the name used when callers pass an empty client name.
func (c *Client) DefaultClient() string {
	return c.defaultName
}

// CheckClient reports a client_not_configured error when name does not
// resolve to configured credentials. An empty name checks the default client.
func (c *Client) CheckClient(name string) error {
	_, err := c.resolve(name)
	return err
}

func (c *Client) resolve(name string) (Credentials, error) {
	if name == "" {
		name = c.defaultName
	}
	cred, ok := c.credentials[name]
	if !ok {
		return Credentials{}, NewError(CategoryClientNotConfigured, name, "no such registry client", nil)
	}
	return cred, nil
}

// CreateDeclaration submits payload and returns the registry reference.
func (c *Client) CreateDeclaration(ctx context.Context, clientName string, payload json.RawMessage) (string, error) {
	cred, err := c.resolve(clientName)
	if err != nil {
		return "", err
	}
	ctx, span := c.tracer.Start(ctx, "registry.CreateDeclaration",
		trace.WithAttributes(attribute.String("registry.client", cred.Name)))
	defer span.End()

	start := time.Now()
	resp, body, err := c.do(ctx, cred, http.MethodPost, "declarations", payload)
	if err != nil {
		c.finish(span, opCreate, cred.Name, start, err)
		return "", err
	}

	var ref string
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		ref = referenceFromLocation(resp.Header.Get("Location"))
		if ref == "" {
			var cr createResponse
			if jsonErr := json.Unmarshal(body, &cr); jsonErr == nil {
				ref = cr.Reference
				if ref == "" {
					ref = cr.DeclarationID.String()
				}
			}
		}
		if ref == "" {
			err = NewError(CategoryInvalidResponse, cred.Name, "create response carries no reference", nil)
		}
	default:
		err = statusError(cred.Name, resp.StatusCode, body)
	}
	c.finish(span, opCreate, cred.Name, start, err)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("registry.reference", ref))
	return ref, nil
}

// GetDeclaration fetches the status of reference. A 404 means the registry has
// not processed the declaration yet and is not an error.
func (c *Client) GetDeclaration(ctx context.Context, clientName, reference string) (Status, error) {
	cred, err := c.resolve(clientName)
	if err != nil {
		return Status{}, err
	}
	if reference == "" {
		return Status{}, NewError(CategoryInvalidRequest, cred.Name, "reference is required", nil)
	}
	ctx, span := c.tracer.Start(ctx, "registry.GetDeclaration", trace.WithAttributes(
		attribute.String("registry.client", cred.Name),
		attribute.String("registry.reference", reference),
	))
	defer span.End()

	start := time.Now()
	resp, body, err := c.do(ctx, cred, http.MethodGet, path.Join("declarations", url.PathEscape(reference)), nil)
	if err != nil {
		c.finish(span, opGet, cred.Name, start, err)
		return Status{}, err
	}

	var status Status
	switch {
	case resp.StatusCode == http.StatusNotFound:
		status = Status{Reference: reference, Processed: false}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		status, err = decodeStatus(cred.Name, reference, body)
	default:
		err = statusError(cred.Name, resp.StatusCode, body)
	}
	c.finish(span, opGet, cred.Name, start, err)
	span.SetAttributes(attribute.Bool("registry.processed", status.Processed))
	return status, err
}

func decodeStatus(clientName, reference string, body []byte) (Status, error) {
	var env statusEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Status{}, NewError(CategoryInvalidResponse, clientName, "status body is not JSON", err)
	}
	ds := env.DeclarationStatus
	if ds == nil || ds.Result == "" {
		return Status{}, NewError(CategoryInvalidResponse, clientName, "status body lacks declarationStatus.result", nil)
	}
	st := Status{
		Reference:  reference,
		Processed:  true,
		ResultCode: ds.Result,
	}
	if ds.Period != nil {
		st.RegistryPeriodID = ds.Period.ID.String()
	}
	if len(ds.Anomalies) > 0 && string(ds.Anomalies) != "null" {
		st.Anomalies = ds.Anomalies
	}
	return st, nil
}

// do performs one authenticated call. A 401 invalidates the token and the call
// is retried once with a fresh one.
func (c *Client) do(ctx context.Context, cred Credentials, method, rel string, payload []byte) (*http.Response, []byte, error) {
	breaker := c.breakers[cred.Name]
	if !breaker.Allow() {
		return nil, nil, NewError(CategoryServiceUnavailable, cred.Name, "circuit open", nil)
	}

	resp, body, err := c.send(ctx, cred, method, rel, payload)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		c.metrics.incUnauthorizedRetry(cred.Name)
		c.tokens.Invalidate(ctx, cred)
		resp, body, err = c.send(ctx, cred, method, rel, payload)
		if err == nil && resp.StatusCode == http.StatusUnauthorized {
			err = NewError(CategoryUnauthorized, cred.Name, "registry refused a freshly issued token", nil)
		}
	}

	if (err != nil && IsRetryable(err)) || (err == nil && resp.StatusCode >= 500) {
		if _, change := breaker.RecordFailure(); change.Opened {
			c.metrics.setBreakerOpen(cred.Name, true)
			c.logger.WarnContext(ctx, "registry circuit opened", "client", cred.Name)
		}
	} else {
		if _, change := breaker.RecordSuccess(); change.Closed {
			c.metrics.setBreakerOpen(cred.Name, false)
			c.logger.InfoContext(ctx, "registry circuit closed", "client", cred.Name)
		}
	}
	return resp, body, err
}

func (c *Client) send(ctx context.Context, cred Credentials, method, rel string, payload []byte) (*http.Response, []byte, error) {
	token, err := c.tokens.Token(ctx, cred)
	if err != nil {
		return nil, nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(rel).String(), reader)
	if err != nil {
		return nil, nil, NewError(CategoryInternal, cred.Name, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, NewError(CategoryServiceUnavailable, cred.Name, "registry unreachable", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, NewError(CategoryServiceUnavailable, cred.Name, "read registry response", err)
	}
	return resp, body, nil
}

func (c *Client) finish(span trace.Span, operation, clientName string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(GetCategory(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	c.metrics.observeRequest(operation, clientName, outcome, time.Since(start))
}

func statusError(clientName string, status int, body []byte) error {
	msg := fmt.Sprintf("registry returned %d", status)
	if detail := strings.TrimSpace(string(body)); detail != "" && len(detail) < 512 {
		msg += ": " + detail
	}
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return NewError(CategoryServiceUnavailable, clientName, msg, nil)
	}
	return NewError(CategoryInvalidRequest, clientName, msg, nil)
}

func referenceFromLocation(location string) string {
	if location == "" {
		return ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	ref := path.Base(strings.TrimSuffix(u.Path, "/"))
	if ref == "." || ref == "/" {
		return ""
	}
	return ref
}
