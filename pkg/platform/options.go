package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

type clientConfig struct {
	baseURL   string
	client    *http.Client
	tokens    oauth2.TokenSource
	limit     rate.Limit
	burst     int
	userAgent string
	logger    zerolog.Logger
	metrics   engine.Metrics

	traceOpts []otelhttp.Option
}

// Opt is a configuration option to initialize a [Client].
type Opt func(*clientConfig) error

// WithBaseURL overrides the API root, for example to point at a test server.
func WithBaseURL(raw string) Opt {
	return func(c *clientConfig) error {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid base url %q: %w", raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base url %q: scheme and host are required", raw)
		}
		c.baseURL = strings.TrimRight(u.String(), "/")
		return nil
	}
}

// WithHTTPClient overrides the HTTP client. Its transport is still wrapped
// for tracing and authentication.
func WithHTTPClient(client *http.Client) Opt {
	return func(c *clientConfig) error {
		if client != nil {
			c.client = client
		}
		return nil
	}
}

// WithClientCredentials authenticates with a service principal using the
// OAuth2 client-credentials grant against the tenant's token endpoint.
func WithClientCredentials(tenantID, clientID, clientSecret string) Opt {
	return func(c *clientConfig) error {
		if tenantID == "" || clientID == "" || clientSecret == "" {
			return fmt.Errorf("tenant id, client id and client secret are required")
		}
		cfg := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     fmt.Sprintf(TokenURLTemplate, url.PathEscape(tenantID)),
			Scopes:       []string{DefaultScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		c.tokens = cfg.TokenSource(context.Background())
		return nil
	}
}

// WithStaticToken authenticates every request with a fixed bearer token.
func WithStaticToken(token string) Opt {
	return func(c *clientConfig) error {
		if token == "" {
			return fmt.Errorf("static token must not be empty")
		}
		c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		return nil
	}
}

// WithTokenSource authenticates with an arbitrary token source.
func WithTokenSource(ts oauth2.TokenSource) Opt {
	return func(c *clientConfig) error {
		c.tokens = ts
		return nil
	}
}

// WithRateLimit caps the request rate. A zero limit disables limiting.
func WithRateLimit(perSecond float64, burst int) Opt {
	return func(c *clientConfig) error {
		if perSecond < 0 || burst < 0 {
			return fmt.Errorf("rate limit must not be negative")
		}
		c.limit = rate.Limit(perSecond)
		c.burst = burst
		return nil
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Opt {
	return func(c *clientConfig) error {
		c.userAgent = ua
		return nil
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Opt {
	return func(c *clientConfig) error {
		c.logger = logger
		return nil
	}
}

// WithMetrics records every remote call.
func WithMetrics(m engine.Metrics) Opt {
	return func(c *clientConfig) error {
		c.metrics = m
		return nil
	}
}

// WithTraceProvider sets the OpenTelemetry trace provider for HTTP spans.
func WithTraceProvider(provider trace.TracerProvider) Opt {
	return WithTraceOptions(otelhttp.WithTracerProvider(provider))
}

// WithTraceOptions sets tracing span options for the client.
func WithTraceOptions(opts ...otelhttp.Option) Opt {
	return func(c *clientConfig) error {
		c.traceOpts = append(c.traceOpts, opts...)
		return nil
	}
}
