package httpfeed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

func settingsNode(t *testing.T, settings Settings) *yaml.Node {
	t.Helper()
	raw, err := yaml.Marshal(settings)
	require.NoError(t, err)
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal(raw, &node))
	require.NotEmpty(t, node.Content)
	return node.Content[0]
}

func feedConfig(t *testing.T, settings Settings) config.StrategyConfig {
	t.Helper()
	return config.StrategyConfig{
		ID:        "http-test",
		Driver:    DriverName,
		Priority:  60,
		DataTypes: []string{"quote", "index", "fund_nav", "history"},
		Settings:  settingsNode(t, settings),
	}
}

func startedStrategy(t *testing.T, cfg config.StrategyConfig, deps feed.Dependencies) *Strategy {
	t.Helper()
	s, err := newStrategy(cfg, deps, zerolog.New(io.Discard))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// capturedRequest records what the test server saw so assertions can run on
// the test goroutine after Fetch returns.
type capturedRequest struct {
	mu     sync.Mutex
	path   string
	query  string
	header http.Header
}

func (c *capturedRequest) record(r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = r.URL.Path
	c.query = r.URL.RawQuery
	c.header = r.Header.Clone()
}

func (c *capturedRequest) snapshot() (string, string, http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path, c.query, c.header
}

func serveJSON(t *testing.T, status int, body string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			captured.record(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func transientCode(t *testing.T, err error) string {
	t.Helper()
	var te *feed.TransientError
	require.ErrorAs(t, err, &te)
	return te.Code
}

func TestHTTPFeedFetchDecodesDocument(t *testing.T) {
	body := `{
		"key": "sh600000",
		"timestamp": "2025-03-14T09:30:00Z",
		"quality": "excellent",
		"fields": {"price": "10.52", "volume": 14500},
		"labels": {"exchange": "SSE"}
	}`
	captured := &capturedRequest{}
	srv := serveJSON(t, http.StatusOK, body, captured)
	s := startedStrategy(t, feedConfig(t, Settings{BaseURL: srv.URL}), feed.Dependencies{})

	item, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote, Key: "sh600000"})
	require.NoError(t, err)

	path, _, header := captured.snapshot()
	require.Equal(t, "/quotes/sh600000", path)
	require.Equal(t, "application/json", header.Get("Accept"))

	require.Equal(t, "sh600000", item.Key)
	require.Equal(t, feed.DataTypeQuote, item.DataType)
	require.Equal(t, "http-test", item.Source)
	require.Equal(t, feed.QualityExcellent, item.Quality)
	require.Equal(t, time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC), item.Timestamp.UTC())
	require.True(t, item.Fields["price"].Equal(decimal.RequireFromString("10.52")))
	require.True(t, item.Fields["volume"].Equal(decimal.NewFromInt(14500)))
	require.Equal(t, "SSE", item.Labels["exchange"])
}

func TestHTTPFeedTimestampFallsBackToClock(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := serveJSON(t, http.StatusOK, `{"key":"sh600000","fields":{"price":"9.99"}}`, nil)
	deps := feed.Dependencies{Clock: func() time.Time { return ts }}
	s := startedStrategy(t, feedConfig(t, Settings{BaseURL: srv.URL}), deps)

	item, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote, Key: "sh600000"})
	require.NoError(t, err)
	require.Equal(t, ts, item.Timestamp)
	require.Equal(t, feed.QualityGood, item.Quality)
}

func TestHTTPFeedNoData(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "not found", status: http.StatusNotFound, body: ""},
		{name: "no content", status: http.StatusNoContent, body: ""},
		{name: "empty document", status: http.StatusOK, body: `{"key":"sh600000","fields":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := serveJSON(t, tc.status, tc.body, nil)
			s := startedStrategy(t, feedConfig(t, Settings{BaseURL: srv.URL}), feed.Dependencies{})
			_, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote, Key: "sh600000"})
			require.ErrorIs(t, err, feed.ErrNoData)
		})
	}
}

func TestHTTPFeedUpstreamErrorIsTransient(t *testing.T) {
	srv := serveJSON(t, http.StatusInternalServerError, `oops`, nil)
	s := startedStrategy(t, feedConfig(t, Settings{BaseURL: srv.URL}), feed.Dependencies{})

	_, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote, Key: "sh600000"})
	require.True(t, feed.IsTransient(err))
	require.Equal(t, "httpfeed.status", transientCode(t, err))

	health := s.Health()
	require.Equal(t, "1", health.Details["requests"])
	require.Equal(t, "1", health.Details["failures"])
}

func TestHTTPFeedDecodeErrorIsTransient(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		srv := serveJSON(t, http.StatusOK, `{"fields": `, nil)
		s := startedStrategy(t, feedConfig(t, Settings{BaseURL: srv.URL}), feed.Dependencies{})
		_, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote, Key: "sh600000"})
		require.Equal(t, "httpfeed.decode", transientCode(t, err))
	})
	t.Run("unknown quality", func(t *testing.T) {
		srv := serveJSON(t, http.StatusOK, `{"key":"x","quality":"legendary","fields":{"price":"1"}}`, nil)
		s := startedStrategy(t, feedConfig(t, Settings{BaseURL: srv.URL}), feed.Dependencies{})
		_, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote, Key: "sh600000"})
		require.Equal(t, "httpfeed.decode", transientCode(t, err))
	})
	t.Run("document without key", func(t *testing.T) {
		srv := serveJSON(t, http.StatusOK, `{"fields":{"price":"1"}}`, nil)
		s := startedStrategy(t, feedConfig(t, Settings{BaseURL: srv.URL}), feed.Dependencies{})
		_, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote})
		require.Equal(t, "httpfeed.decode", transientCode(t, err))
	})
}

func TestHTTPFeedConnectErrorIsTransient(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, `{}`, nil)
	base := srv.URL
	srv.Close()

	s := startedStrategy(t, feedConfig(t, Settings{BaseURL: base}), feed.Dependencies{})
	_, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote, Key: "sh600000"})
	require.Equal(t, "httpfeed.request", transientCode(t, err))
}

func TestHTTPFeedSendsHeadersAndParams(t *testing.T) {
	captured := &capturedRequest{}
	srv := serveJSON(t, http.StatusOK, `{"key":"sh000300","fields":{"close":"4123.45"}}`, captured)
	settings := Settings{
		BaseURL: srv.URL + "/api/",
		Headers: map[string]string{"X-Api-Key": "secret"},
	}
	s := startedStrategy(t, feedConfig(t, settings), feed.Dependencies{})

	req := feed.Request{
		DataType: feed.DataTypeHistory,
		Key:      "sh000300",
		Params:   map[string]string{"start": "2025-01-01", "end": "2025-02-01"},
	}
	_, err := s.Fetch(context.Background(), req)
	require.NoError(t, err)

	path, query, header := captured.snapshot()
	require.Equal(t, "/api/history/sh000300", path)
	require.Equal(t, "end=2025-02-01&start=2025-01-01", query)
	require.Equal(t, "secret", header.Get("X-Api-Key"))
}

func TestHTTPFeedEndpointOverrides(t *testing.T) {
	captured := &capturedRequest{}
	srv := serveJSON(t, http.StatusOK, `{"key":"sh000001","fields":{"value":"3100.11"}}`, captured)
	settings := Settings{
		BaseURL:   srv.URL,
		Endpoints: map[string]string{"index": "/composite"},
	}
	s := startedStrategy(t, feedConfig(t, settings), feed.Dependencies{})

	_, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeIndex, Key: "sh000001"})
	require.NoError(t, err)

	path, query, _ := captured.snapshot()
	require.Equal(t, "/composite", path)
	require.Equal(t, "key=sh000001", query)
}

func TestHTTPFeedKeyValidation(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, `{}`, nil)
	s := startedStrategy(t, feedConfig(t, Settings{BaseURL: srv.URL}), feed.Dependencies{})

	_, err := s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote})
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires a request key")

	_, err = s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote, Key: "a/b"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not contain a slash")
}

func TestHTTPFeedHonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(300 * time.Millisecond):
		}
	}))
	t.Cleanup(srv.Close)
	s := startedStrategy(t, feedConfig(t, Settings{BaseURL: srv.URL}), feed.Dependencies{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Fetch(ctx, feed.Request{DataType: feed.DataTypeQuote, Key: "sh600000"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, feed.IsTransient(err))
}

func TestHTTPFeedLifecycle(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, `{"key":"x","fields":{"price":"1"}}`, nil)
	s, err := newStrategy(feedConfig(t, Settings{BaseURL: srv.URL}), feed.Dependencies{}, zerolog.New(io.Discard))
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeQuote, Key: "x"})
	require.ErrorIs(t, err, feed.ErrUnavailable)
	require.Equal(t, "stopped", s.Health().State)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.IsAvailable())
	require.Equal(t, "running", s.Health().State)

	_, err = s.Fetch(context.Background(), feed.Request{DataType: feed.DataType("bonds"), Key: "x"})
	require.ErrorIs(t, err, feed.ErrUnsupportedType)

	_, err = s.Stream(context.Background(), feed.Request{DataType: feed.DataTypeQuote})
	require.ErrorIs(t, err, feed.ErrStreamingUnsupported)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.False(t, s.IsAvailable())
}

func TestHTTPFeedSettingsValidation(t *testing.T) {
	cases := []struct {
		name      string
		settings  Settings
		dataTypes []string
		family    string
		wantErr   string
	}{
		{name: "missing base url", settings: Settings{}, wantErr: "base_url is required"},
		{name: "bad scheme", settings: Settings{BaseURL: "ftp://feed"}, wantErr: "scheme must be http or https"},
		{name: "missing host", settings: Settings{BaseURL: "http://"}, wantErr: "must name a host"},
		{
			name:     "negative timeout",
			settings: Settings{BaseURL: "http://feed", Timeout: config.Duration{Duration: -time.Second}},
			wantErr:  "timeout must not be negative",
		},
		{
			name:     "relative endpoint override",
			settings: Settings{BaseURL: "http://feed", Endpoints: map[string]string{"quote": "quotes/{key}"}},
			wantErr:  "endpoint for quote must start with a slash",
		},
		{
			name:      "uncovered data type",
			settings:  Settings{BaseURL: "http://feed"},
			dataTypes: []string{"bonds"},
			wantErr:   `no endpoint for data type "bonds"`,
		},
		{
			name:     "unknown quality",
			settings: Settings{BaseURL: "http://feed", Quality: func() *string { v := "legendary"; return &v }()},
			wantErr:  "unknown quality level",
		},
		{
			name:     "push family",
			settings: Settings{BaseURL: "http://feed"},
			family:   "push",
			wantErr:  "not supported",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := feedConfig(t, tc.settings)
			if tc.dataTypes != nil {
				cfg.DataTypes = tc.dataTypes
			}
			cfg.Family = tc.family
			_, err := newStrategy(cfg, feed.Dependencies{}, zerolog.New(io.Discard))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestHTTPFeedRejectsMalformedSettingsNode(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("- base_url\n"), &node))
	cfg := config.StrategyConfig{
		ID:        "bad",
		Driver:    DriverName,
		DataTypes: []string{"quote"},
		Settings:  node.Content[0],
	}
	_, err := newStrategy(cfg, feed.Dependencies{}, zerolog.New(io.Discard))
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode httpfeed settings")
}

func TestHTTPFeedFactory(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, `{"key":"of510300","fields":{"nav":"1.2345"}}`, nil)
	cfg := feedConfig(t, Settings{BaseURL: srv.URL})
	st, err := NewFactory()(cfg, feed.Dependencies{}, zerolog.New(io.Discard))
	require.NoError(t, err)

	desc := st.Descriptor()
	require.Equal(t, "http-test", desc.Name)
	require.Equal(t, feed.FamilyOnDemand, desc.Family)

	require.NoError(t, st.Start(context.Background()))
	item, err := st.Fetch(context.Background(), feed.Request{DataType: feed.DataTypeFundNAV, Key: "of510300"})
	require.NoError(t, err)
	require.True(t, item.Fields["nav"].Equal(decimal.RequireFromString("1.2345")))
	require.NoError(t, st.Stop())
}
