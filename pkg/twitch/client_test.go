package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gamestats-cli/internal/resilience"
)

func TestSearchCategories_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/search/categories", r.URL.Path)
		assert.Equal(t, "Counter-Strike 2", r.URL.Query().Get("query"))
		assert.Equal(t, "20", r.URL.Query().Get("first"))
		assert.Equal(t, "client-id", r.Header.Get("Client-Id"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"id":"32399","name":"Counter-Strike","box_art_url":"https://static-cdn.jtvnw.net/ttv-boxart/32399-{width}x{height}.jpg"},
			{"id":"1","name":"Counter-Strike: Source","box_art_url":""}
		]}`))
	}))
	defer srv.Close()

	client := NewClient("client-id", "test-token", WithBaseURL(srv.URL))
	got, err := client.SearchCategories(context.Background(), "Counter-Strike 2", 20)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "32399", got[0].ID)
	assert.Equal(t, "Counter-Strike", got[0].Name)
	assert.Contains(t, got[0].BoxArtURL, "{width}x{height}")
}

func TestSearchCategories_Empty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewClient("client-id", "test-token", WithBaseURL(srv.URL))
	got, err := client.SearchCategories(context.Background(), "Zzzz", 0)

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListLiveStreams_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/streams", r.URL.Path)
		assert.Equal(t, "32399", r.URL.Query().Get("game_id"))
		assert.Equal(t, "live", r.URL.Query().Get("type"))
		assert.Equal(t, "50", r.URL.Query().Get("first"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []Stream{
				{ID: "1", UserName: "a", GameID: "32399", Type: "live", ViewerCount: 100000},
				{ID: "2", UserName: "b", GameID: "32399", Type: "live", ViewerCount: 20000},
			},
		})
	}))
	defer srv.Close()

	client := NewClient("client-id", "test-token", WithBaseURL(srv.URL))
	got, err := client.ListLiveStreams(context.Background(), "32399", 50)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(100000), got[0].ViewerCount)
}

func TestGet_RateLimitedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"Too Many Requests"}`))
	}))
	defer srv.Close()

	client := NewClient("client-id", "test-token", WithBaseURL(srv.URL))
	_, err := client.SearchCategories(context.Background(), "Dota 2", 20)

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.False(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "429")
}

func TestGet_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient("client-id", "test-token", WithBaseURL(srv.URL))
	_, err := client.ListLiveStreams(context.Background(), "1", 50)

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestGet_UnauthorizedIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid OAuth token"}`))
	}))
	defer srv.Close()

	client := NewClient("client-id", "bad-token", WithBaseURL(srv.URL))
	_, err := client.SearchCategories(context.Background(), "Dota 2", 20)

	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestGet_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[`))
	}))
	defer srv.Close()

	client := NewClient("client-id", "test-token", WithBaseURL(srv.URL))
	_, err := client.SearchCategories(context.Background(), "Dota 2", 20)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestClientCredentials_FetchesToken(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenCalls.Add(1)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
			assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
			assert.Equal(t, "shh", r.PostForm.Get("client_secret"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"app-token","token_type":"bearer","expires_in":3600}`))
		case "/helix/search/categories":
			assert.Equal(t, "Bearer app-token", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"data":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient("client-id", "",
		WithBaseURL(srv.URL+"/helix"),
		WithClientCredentials("shh", srv.URL+"/oauth2/token"),
	)

	for i := 0; i < 2; i++ {
		_, err := client.SearchCategories(context.Background(), "Dota 2", 20)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokenCalls.Load(), "token should be cached between calls")
}

func TestClientCredentials_RejectedIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"message":"invalid client secret"}`))
	}))
	defer srv.Close()

	client := NewClient("client-id", "",
		WithBaseURL(srv.URL),
		WithClientCredentials("wrong", srv.URL+"/oauth2/token"),
	)
	_, err := client.SearchCategories(context.Background(), "Dota 2", 20)

	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestCircuitBreaker_OpensOnRepeatedOutage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	client := NewClient("client-id", "test-token", WithBaseURL(srv.URL), WithBreakers(breakers))

	for i := 0; i < 3; i++ {
		_, _ = client.SearchCategories(context.Background(), "Dota 2", 20)
	}
	_, err := client.SearchCategories(context.Background(), "Dota 2", 20)

	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, resilience.CircuitOpen, breakers.States()[endpointSearch])

	// The streams endpoint has its own breaker.
	_, err = client.ListLiveStreams(context.Background(), "1", 50)
	assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestRateLimit_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewClient("client-id", "test-token", WithBaseURL(srv.URL), WithRateLimit(0.001))
	_, err := client.SearchCategories(context.Background(), "first", 20)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.SearchCategories(ctx, "second", 20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestClampFirst(t *testing.T) {
	assert.Equal(t, 20, clampFirst(0, 20))
	assert.Equal(t, 5, clampFirst(5, 20))
	assert.Equal(t, 100, clampFirst(500, 20))
}
