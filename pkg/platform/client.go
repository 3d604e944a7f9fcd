// Package platform is the HTTP client for the analytics workspace platform
// REST API. Client implements engine.PlatformAPI.
package platform

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

const (
	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.fabric.microsoft.com/v1"

	// DefaultScope is the OAuth2 scope requested for platform tokens.
	DefaultScope = "https://api.fabric.microsoft.com/.default"

	// TokenURLTemplate is the tenant token endpoint; %s is the tenant id.
	TokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

	// DefaultOperationRetryAfter is used when an accepted request carries
	// no Retry-After header.
	DefaultOperationRetryAfter = 30 * time.Second

	defaultUserAgent = "wsdeploy"
	defaultTimeout   = 2 * time.Minute
)

// Client talks to the platform REST API.
type Client struct {
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    zerolog.Logger
	metrics   engine.Metrics
}

var _ engine.PlatformAPI = (*Client)(nil)

// NewClient builds a client. An authentication option is required.
func NewClient(opts ...Opt) (*Client, error) {
	cfg := &clientConfig{
		baseURL:   DefaultBaseURL,
		userAgent: defaultUserAgent,
		logger:    zerolog.Nop(),
	}
	for _, op := range opts {
		if op == nil {
			continue
		}
		if err := op(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.tokens == nil {
		return nil, errors.New("platform client requires credentials or a static token")
	}

	base := http.DefaultTransport
	if cfg.client != nil && cfg.client.Transport != nil {
		base = cfg.client.Transport
	}

	hc := &http.Client{Timeout: defaultTimeout}
	if cfg.client != nil {
		c := *cfg.client
		hc = &c
	}
	hc.Transport = &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, cfg.tokens),
		Base:   otelhttp.NewTransport(base, cfg.traceOpts...),
	}

	var limiter *rate.Limiter
	if cfg.limit > 0 {
		burst := cfg.burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.limit, burst)
	}

	metrics := cfg.metrics
	if metrics == nil {
		metrics = engine.NopMetrics()
	}

	return &Client{
		baseURL:   cfg.baseURL,
		client:    hc,
		limiter:   limiter,
		userAgent: cfg.userAgent,
		logger:    cfg.logger.With().Str("component", "platform-client").Logger(),
		metrics:   metrics,
	}, nil
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}
