// Package twitch provides a client for the Twitch Helix API: category search
// and live stream listing.
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/sells-group/gamestats-cli/internal/resilience"
)

// Client defines the Twitch Helix operations used by the matcher.
type Client interface {
	// SearchCategories returns up to first categories matching query, in
	// Twitch's relevance order.
	SearchCategories(ctx context.Context, query string, first int) ([]Category, error)
	// ListLiveStreams returns up to first live streams for a game id.
	ListLiveStreams(ctx context.Context, gameID string, first int) ([]Stream, error)
}

// Category is a Twitch game/category. BoxArtURL is a template containing
// "{width}x{height}".
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BoxArtURL string `json:"box_art_url"`
}

// Stream is a live Twitch stream.
type Stream struct {
	ID          string `json:"id"`
	UserName    string `json:"user_name"`
	GameID      string `json:"game_id"`
	GameName    string `json:"game_name"`
	Type        string `json:"type"`
	ViewerCount int64  `json:"viewer_count"`
}

type dataResponse[T any] struct {
	Data []T `json:"data"`
}

const (
	endpointSearch  = "search_categories"
	endpointStreams = "streams"

	maxErrorBody = 4 << 10
)

// Option configures the Twitch client.
type Option func(*httpClient)

// WithBaseURL sets a custom Helix base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit sets the client-side request rate limit. Default: 10 req/s.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithTokenSource overrides how bearer tokens are obtained.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *httpClient) {
		c.tokens = ts
	}
}

// WithClientCredentials obtains app access tokens with the OAuth2 client
// credentials grant instead of a static token.
func WithClientCredentials(clientSecret, tokenURL string) Option {
	return func(c *httpClient) {
		c.clientSecret = clientSecret
		c.tokenURL = tokenURL
	}
}

// WithBreakers wraps each endpoint in its own circuit breaker.
func WithBreakers(b *resilience.Breakers) Option {
	return func(c *httpClient) {
		c.breakers = b
	}
}

type httpClient struct {
	clientID     string
	clientSecret string
	tokenURL     string
	baseURL      string
	http         *http.Client
	tokens       oauth2.TokenSource
	limiter      *rate.Limiter
	breakers     *resilience.Breakers
}

// NewClient creates a Twitch Helix client. accessToken is used as a static
// bearer token unless WithClientCredentials or WithTokenSource is given.
func NewClient(clientID, accessToken string, opts ...Option) Client {
	c := &httpClient{
		clientID: clientID,
		baseURL:  "https://api.twitch.tv/helix",
		tokenURL: "https://id.twitch.tv/oauth2/token",
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		if c.clientSecret != "" {
			cc := &clientcredentials.Config{
				ClientID:     clientID,
				ClientSecret: c.clientSecret,
				TokenURL:     c.tokenURL,
				AuthStyle:    oauth2.AuthStyleInParams,
			}
			// The token endpoint uses the same transport as Helix calls.
			ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
			c.tokens = cc.TokenSource(ctx)
		} else {
			c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
		}
	}
	if c.breakers == nil {
		c.breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return c
}

func (c *httpClient) SearchCategories(ctx context.Context, query string, first int) ([]Category, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("first", strconv.Itoa(clampFirst(first, 20)))

	return resilience.ExecuteVal(ctx, c.breakers.Get(endpointSearch), func(ctx context.Context) ([]Category, error) {
		var resp dataResponse[Category]
		if err := c.get(ctx, "/search/categories", q, &resp); err != nil {
			return nil, eris.Wrapf(err, "twitch: search categories %q", query)
		}
		return resp.Data, nil
	})
}

func (c *httpClient) ListLiveStreams(ctx context.Context, gameID string, first int) ([]Stream, error) {
	q := url.Values{}
	q.Set("game_id", gameID)
	q.Set("type", "live")
	q.Set("first", strconv.Itoa(clampFirst(first, 50)))

	return resilience.ExecuteVal(ctx, c.breakers.Get(endpointStreams), func(ctx context.Context) ([]Stream, error) {
		var resp dataResponse[Stream]
		if err := c.get(ctx, "/streams", q, &resp); err != nil {
			return nil, eris.Wrapf(err, "twitch: list streams for game %s", gameID)
		}
		return resp.Data, nil
	})
}

// clampFirst keeps page sizes within Helix's 1..100 bound.
func clampFirst(first, def int) int {
	switch {
	case first <= 0:
		return def
	case first > 100:
		return 100
	default:
		return first
	}
}

// get performs one authenticated GET and decodes the JSON body into out.
// 429, 5xx and network failures are transient; other non-200 statuses are
// permanent.
func (c *httpClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "create request"), 0)
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return classifyTokenError(err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return resilience.NewTransientError(eris.Wrap(err, "request failed"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) || resp.StatusCode >= 500 {
			return resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return resilience.NewPermanentError(statusErr, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if resilience.IsTransientHTTPStatus(code) || code >= 500 {
			return resilience.NewTransientError(eris.Wrap(err, "fetch token"), code)
		}
		return resilience.NewPermanentError(eris.Wrap(err, "fetch token"), code)
	}
	return resilience.NewTransientError(eris.Wrap(err, "fetch token"), 0)
}
