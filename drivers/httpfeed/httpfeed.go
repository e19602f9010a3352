// Package httpfeed fetches market data on demand from a JSON HTTP API.
// The upstream answers one document per request; numeric payloads decode
// into exact decimals so no precision is lost between wire and cache.
package httpfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

// DriverName is the identifier strategy configs use to select this driver.
const DriverName = "http"

// maxBodyBytes bounds how much of an upstream response is read; a quote
// document is a few hundred bytes, anything near this limit is garbage.
const maxBodyBytes = 1 << 20

// NewFactory returns the constructor registered under DriverName.
func NewFactory() feed.StrategyFactory {
	return func(cfg config.StrategyConfig, deps feed.Dependencies, logger zerolog.Logger) (feed.Strategy, error) {
		return newStrategy(cfg, deps, logger)
	}
}

// document is the JSON body the upstream answers with.
type document struct {
	Key       string                     `json:"key,omitempty"`
	Timestamp time.Time                  `json:"timestamp,omitempty"`
	Quality   string                     `json:"quality,omitempty"`
	Fields    map[string]decimal.Decimal `json:"fields"`
	Labels    map[string]string          `json:"labels,omitempty"`
	ExpiresAt *time.Time                 `json:"expires_at,omitempty"`
}

// Strategy serves fetch requests against a REST-style JSON endpoint per
// data type. It holds no connection state beyond the shared HTTP client,
// so Start and Stop only gate availability.
type Strategy struct {
	desc     feed.Descriptor
	deps     feed.Dependencies
	logger   zerolog.Logger
	settings resolvedSettings
	client   *http.Client

	mu        sync.Mutex
	available bool
	requests  uint64
	failures  uint64
}

func newStrategy(cfg config.StrategyConfig, deps feed.Dependencies, logger zerolog.Logger) (*Strategy, error) {
	family, err := feed.ParseFamily(cfg.Family)
	if err != nil {
		return nil, fmt.Errorf("httpfeed: %w", err)
	}
	if family == feed.FamilyPush {
		return nil, fmt.Errorf("httpfeed: family %q not supported, the driver only pulls", family)
	}
	settings, err := parseSettings(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("httpfeed: %w", err)
	}
	resolved, err := settings.resolve(cfg.DataTypes)
	if err != nil {
		return nil, fmt.Errorf("httpfeed: %w", err)
	}
	types := make([]feed.DataType, 0, len(cfg.DataTypes))
	for _, dt := range cfg.DataTypes {
		types = append(types, feed.DataType(dt))
	}
	return &Strategy{
		desc: feed.Descriptor{
			Name:      cfg.ID,
			Priority:  cfg.Priority,
			Family:    family,
			DataTypes: types,
		},
		deps:     deps,
		logger:   logger.With().Str("component", "httpfeed").Str("strategy", cfg.ID).Logger(),
		settings: resolved,
		client:   &http.Client{Timeout: resolved.timeout},
	}, nil
}

// Descriptor implements feed.Strategy.
func (s *Strategy) Descriptor() feed.Descriptor { return s.desc }

// IsAvailable implements feed.Strategy.
func (s *Strategy) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// SupportsDataType implements feed.Strategy.
func (s *Strategy) SupportsDataType(dt feed.DataType) bool {
	return s.desc.Supports(dt)
}

// Fetch issues one GET against the endpoint for the requested data type and
// decodes the answer. Missing data (404, 204, empty document) surfaces as
// ErrNoData; transport and payload trouble surfaces as transient errors so
// the router can penalise the source without tripping over it.
func (s *Strategy) Fetch(ctx context.Context, req feed.Request) (*feed.Item, error) {
	if !s.IsAvailable() {
		return nil, feed.ErrUnavailable
	}
	if !s.desc.Supports(req.DataType) {
		return nil, feed.ErrUnsupportedType
	}
	target, err := s.requestURL(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("httpfeed: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for name, value := range s.settings.headers {
		httpReq.Header.Set(name, value)
	}

	s.countRequest()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, s.fail("httpfeed.request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, feed.ErrNoData
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, s.fail("httpfeed.status", fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, s.fail("httpfeed.request", err)
	}
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, s.fail("httpfeed.decode", err)
	}
	return s.itemFrom(req, doc)
}

// requestURL renders the endpoint template for the request. Request params
// always travel as query parameters; the key does too when the template has
// no {key} placeholder.
func (s *Strategy) requestURL(req feed.Request) (string, error) {
	tmpl := s.settings.endpoints[req.DataType]
	target := *s.settings.base

	path := tmpl
	if strings.Contains(tmpl, "{key}") {
		if req.Key == "" {
			return "", fmt.Errorf("httpfeed: data type %s requires a request key", req.DataType)
		}
		if strings.Contains(req.Key, "/") {
			return "", fmt.Errorf("httpfeed: request key %q must not contain a slash", req.Key)
		}
		path = strings.ReplaceAll(tmpl, "{key}", req.Key)
	}
	target.Path = strings.TrimRight(target.Path, "/") + path

	query := target.Query()
	if !strings.Contains(tmpl, "{key}") && req.Key != "" {
		query.Set("key", req.Key)
	}
	for name, value := range req.Params {
		query.Set(name, value)
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}

func (s *Strategy) itemFrom(req feed.Request, doc document) (*feed.Item, error) {
	key := doc.Key
	if key == "" {
		key = req.Key
	}
	if key == "" {
		return nil, s.fail("httpfeed.decode", errors.New("document names no key"))
	}
	if len(doc.Fields) == 0 {
		return nil, feed.ErrNoData
	}
	ts := doc.Timestamp
	if ts.IsZero() {
		ts = s.deps.Now()
	}

	item := feed.New(req.DataType, key, s.desc.Name, ts)
	item.Fields = doc.Fields
	if doc.Labels != nil {
		item.Labels = doc.Labels
	}
	item.ExpiresAt = doc.ExpiresAt
	item.Quality = s.settings.quality
	if doc.Quality != "" {
		quality, err := feed.ParseQualityLevel(doc.Quality)
		if err != nil {
			return nil, s.fail("httpfeed.decode", err)
		}
		item.Quality = quality
	}
	return item, nil
}

// Stream implements feed.Strategy. HTTP polling has no live feed.
func (s *Strategy) Stream(ctx context.Context, req feed.Request) (*feed.Stream, error) {
	return nil, feed.ErrStreamingUnsupported
}

// Start implements feed.Strategy.
func (s *Strategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available {
		return nil
	}
	s.available = true
	s.logger.Info().Str("base_url", s.settings.base.String()).Msg("http feed started")
	return nil
}

// Stop implements feed.Strategy.
func (s *Strategy) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil
	}
	s.available = false
	s.client.CloseIdleConnections()
	s.logger.Info().Uint64("requests", s.requests).Msg("http feed stopped")
	return nil
}

// Health implements feed.Strategy.
func (s *Strategy) Health() feed.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "stopped"
	if s.available {
		state = "running"
	}
	return feed.HealthStatus{
		Strategy:  s.desc.Name,
		Available: s.available,
		Healthy:   s.available,
		State:     state,
		CheckedAt: s.deps.Now(),
		Details: map[string]string{
			"base_url": s.settings.base.String(),
			"requests": strconv.FormatUint(s.requests, 10),
			"failures": strconv.FormatUint(s.failures, 10),
		},
	}
}

func (s *Strategy) countRequest() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

// fail records the failure and wraps err with the diagnosis code carried by
// transient errors.
func (s *Strategy) fail(code string, err error) error {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
	return feed.Transient(code, err)
}
