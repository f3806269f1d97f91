// Package pipeline sends every storefront API call. Each request is tagged
// with the session correlation id, authorized with the current bearer
// token, retried once after a 401 by way of the refresh coordinator, and
// unwrapped from the server envelope. Failures are *classify.Error.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/app/classify"
	"github.com/martlane/storefront/internal/app/tagger"
	"github.com/martlane/storefront/internal/infra/observability"
	"github.com/martlane/storefront/internal/infra/signal"
)

// Request describes one API call.
type Request struct {
	Method string
	// Service selects a base path from Config.Services; "" sends Endpoint
	// directly under the base URL.
	Service  string
	Endpoint string
	Body     any
	Header   http.Header
	// Query values are formatted with fmt; nil values are skipped.
	Query map[string]any
	// Raw decodes the response body as-is instead of unwrapping an envelope.
	Raw bool
}

// Envelope is the server's response wrapper.
type Envelope struct {
	Success   *bool           `json:"success"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp,omitempty"`
	Status    int             `json:"status,omitempty"`
}

// TokenSource supplies the current access token.
type TokenSource interface {
	AccessToken() string
}

// GuestSource supplies the current guest session id without creating one.
type GuestSource interface {
	Peek() string
}

// Refresher exchanges a rejected access token for a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, stale string) (string, error)
}

// Config controls routing and timeouts.
type Config struct {
	BaseURL  string
	Services map[string]string
	// IdentityPaths are endpoint suffixes sent without a bearer token and
	// never refreshed (login, register, refresh, health).
	IdentityPaths []string
	GuestHeader   string
	Timeout       time.Duration
}

// Pipeline is the authenticated HTTP client.
type Pipeline struct {
	cfg    Config
	client *http.Client
	tagger *tagger.Tagger
	tokens TokenSource
	guest  GuestSource
	tracer *observability.Tracer
	log    *zap.Logger

	mu        sync.RWMutex
	refresher Refresher

	loadMu   sync.Mutex
	inFlight int
	loading  *signal.Signal[bool]
	errs     *signal.Feed[*classify.Error]
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.client = c }
}

// WithGuest attaches the guest session accessor.
func WithGuest(g GuestSource) Option {
	return func(p *Pipeline) { p.guest = g }
}

// WithTracer records a span per request.
func WithTracer(t *observability.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithLogger sets the pipeline's logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// New creates a pipeline.
func New(cfg Config, tg *tagger.Tagger, tokens TokenSource, opts ...Option) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	p := &Pipeline{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		tagger:  tg,
		tokens:  tokens,
		log:     zap.NewNop(),
		loading: signal.New(false),
		errs:    signal.NewFeed[*classify.Error](0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetRefresher wires the refresh coordinator. The coordinator itself sends
// its refresh call through this pipeline, so it is attached after both exist.
func (p *Pipeline) SetRefresher(r Refresher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresher = r
}

// Loading is true while at least one request is awaiting a response.
func (p *Pipeline) Loading() *signal.Signal[bool] { return p.loading }

// Errors streams every classified failure the pipeline returns.
func (p *Pipeline) Errors() *signal.Feed[*classify.Error] { return p.errs }

// Send performs req and decodes the payload into a T.
func Send[T any](ctx context.Context, p *Pipeline, req Request) (T, error) {
	var out T
	err := p.Do(ctx, req, &out)
	return out, err
}

// Do performs req and decodes the payload into out (which may be nil).
func (p *Pipeline) Do(ctx context.Context, req Request, out any) error {
	start := time.Now()
	p.begin()
	defer p.end()

	err := p.do(ctx, req, out)

	outcome := "ok"
	if err != nil {
		outcome = string(classify.KindOf(err))
	}
	observability.PipelineRequests.WithLabelValues(req.Method, outcome).Inc()
	observability.PipelineLatency.WithLabelValues(req.Method).Observe(float64(time.Since(start).Milliseconds()))
	return err
}

func (p *Pipeline) do(ctx context.Context, req Request, out any) error {
	target, err := p.resolve(req)
	if err != nil {
		return p.failure(req, "", &classify.Error{Kind: classify.KindUnknown, Err: err})
	}
	var body []byte
	if req.Body != nil {
		if body, err = json.Marshal(req.Body); err != nil {
			return p.failure(req, "", &classify.Error{Kind: classify.KindUnknown, Err: fmt.Errorf("encode body: %w", err)})
		}
	}

	identity := p.isIdentity(req.Endpoint)
	token := ""
	if !identity {
		token = p.tokens.AccessToken()
	}

	res, err := p.send(ctx, req, target, body, token)
	if err != nil {
		return p.failure(req, res.tag, err)
	}

	if res.status == http.StatusUnauthorized && !identity && token != "" {
		refresher := p.currentRefresher()
		if refresher == nil {
			return p.failure(req, res.tag, statusError(res))
		}
		p.log.Debug("access token rejected, refreshing",
			zap.String("endpoint", req.Endpoint), zap.String("correlation_id", res.tag))
		fresh, rerr := refresher.Refresh(ctx, token)
		if rerr != nil {
			return p.failure(req, res.tag, classify.From(rerr))
		}
		if res, err = p.send(ctx, req, target, body, fresh); err != nil {
			return p.failure(req, res.tag, err)
		}
	}

	if res.status < 200 || res.status >= 300 {
		return p.failure(req, res.tag, statusError(res))
	}
	if err := decode(res, req.Raw, out); err != nil {
		return p.failure(req, res.tag, err)
	}
	p.log.Debug("request ok",
		zap.String("method", req.Method),
		zap.String("endpoint", req.Endpoint),
		zap.Int("status", res.status),
		zap.String("correlation_id", res.tag))
	return nil
}

// response is one completed HTTP exchange.
type response struct {
	status int
	body   []byte
	tag    string
}

// send performs a single attempt.
func (p *Pipeline) send(ctx context.Context, req Request, target string, body []byte, token string) (response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, rdr)
	if err != nil {
		return response{}, &classify.Error{Kind: classify.KindUnknown, Err: fmt.Errorf("build request: %w", err)}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	tag := p.tagger.Tag(hreq)
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	} else if p.guest != nil && p.cfg.GuestHeader != "" {
		if id := p.guest.Peek(); id != "" {
			hreq.Header.Set(p.cfg.GuestHeader, id)
		}
	}

	span := p.tracer.StartSpan(observability.WithTraceID(ctx, tag), req.Method+" "+req.Endpoint, map[string]string{
		"service": req.Service,
	})
	resp, err := p.client.Do(hreq)
	if err != nil {
		p.tracer.EndSpan(span, err)
		return response{tag: tag}, classify.Transport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		p.tracer.EndSpan(span, err)
		return response{tag: tag}, classify.Transport(err)
	}
	p.tagger.Observe(resp)
	if served := strings.TrimSpace(resp.Header.Get(p.tagger.Header())); served != "" {
		tag = served
	}

	var spanErr error
	if resp.StatusCode >= 400 {
		spanErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	p.tracer.EndSpan(span, spanErr)
	return response{status: resp.StatusCode, body: data, tag: tag}, nil
}

// failure decorates err with request context, publishes it, and returns it.
// The coordinator shares one error value across waiters, so it is copied.
func (p *Pipeline) failure(req Request, tag string, err error) error {
	ce := classify.From(err)
	out := *ce
	if out.Method == "" {
		out.Method = req.Method
	}
	if out.Endpoint == "" {
		out.Endpoint = req.Endpoint
	}
	if out.CorrelationID == "" {
		out.CorrelationID = tag
	}
	p.log.Debug("request failed",
		zap.String("method", out.Method),
		zap.String("endpoint", out.Endpoint),
		zap.String("kind", string(out.Kind)),
		zap.Int("status", out.Status),
		zap.String("correlation_id", out.CorrelationID))
	p.errs.Publish(&out)
	return &out
}

func (p *Pipeline) currentRefresher() Refresher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refresher
}

func (p *Pipeline) begin() {
	observability.PipelineInFlight.Inc()
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	p.inFlight++
	if p.inFlight == 1 {
		p.loading.Publish(true)
	}
}

func (p *Pipeline) end() {
	observability.PipelineInFlight.Dec()
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	p.inFlight--
	if p.inFlight == 0 {
		p.loading.Publish(false)
	}
}

// resolve builds the absolute URL for req.
func (p *Pipeline) resolve(req Request) (string, error) {
	if !strings.HasPrefix(req.Endpoint, "/") {
		return "", fmt.Errorf("endpoint %q must start with /", req.Endpoint)
	}
	prefix := ""
	if req.Service != "" {
		var ok bool
		if prefix, ok = p.cfg.Services[req.Service]; !ok {
			return "", fmt.Errorf("unknown service %q", req.Service)
		}
	}
	u, err := url.Parse(strings.TrimRight(p.cfg.BaseURL, "/") + strings.TrimRight(prefix, "/") + req.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, v := range req.Query {
			if v == nil {
				continue
			}
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (p *Pipeline) isIdentity(endpoint string) bool {
	path := endpoint
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	for _, suffix := range p.cfg.IdentityPaths {
		if suffix != "" && strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// statusError classifies a non-2xx response, keeping the server's message.
func statusError(res response) *classify.Error {
	msg := ""
	var env Envelope
	if len(res.body) > 0 && json.Unmarshal(res.body, &env) == nil {
		msg = env.Message
	}
	return classify.Status(res.status, msg)
}

// decode unwraps a 2xx body into out. Bodies that are not an envelope are
// decoded whole.
func decode(res response, raw bool, out any) error {
	body := bytes.TrimSpace(res.body)
	if len(body) == 0 {
		return nil
	}
	if raw {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return &classify.Error{Kind: classify.KindUnknown, Status: res.status, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &classify.Error{Kind: classify.KindUnknown, Status: res.status, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.Success == nil && env.Data == nil {
		return decode(res, true, out)
	}
	if env.Success != nil && !*env.Success {
		status := env.Status
		if status < 400 {
			return &classify.Error{Kind: classify.KindUnknown, Status: res.status, Message: env.Message}
		}
		return classify.Status(status, env.Message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &classify.Error{Kind: classify.KindUnknown, Status: res.status, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}
