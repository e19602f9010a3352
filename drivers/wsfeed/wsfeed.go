// Package wsfeed receives market data pushed over a websocket. The driver
// keeps the connection alive with doubling reconnect backoff, remembers the
// last item per (data type, key) so fetches can be answered from the live
// state, and fans incoming items out to open streams.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

// DriverName is the identifier strategy configs use to select this driver.
const DriverName = "websocket"

// NewFactory returns the constructor registered under DriverName.
func NewFactory() feed.StrategyFactory {
	return func(cfg config.StrategyConfig, deps feed.Dependencies, logger zerolog.Logger) (feed.Strategy, error) {
		return newStrategy(cfg, deps, logger)
	}
}

// message is the JSON document pushed by the upstream feed.
type message struct {
	DataType  string                     `json:"data_type"`
	Key       string                     `json:"key"`
	Timestamp time.Time                  `json:"timestamp,omitempty"`
	Quality   string                     `json:"quality,omitempty"`
	Fields    map[string]decimal.Decimal `json:"fields"`
	Labels    map[string]string          `json:"labels,omitempty"`
}

// Strategy is the push transport over gorilla/websocket. Availability
// tracks the live connection: the router only routes here while the socket
// is open, and falls back elsewhere during reconnects.
type Strategy struct {
	desc     feed.Descriptor
	deps     feed.Dependencies
	logger   zerolog.Logger
	settings resolvedSettings

	mu          sync.Mutex
	running     bool
	connected   bool
	conn        *websocket.Conn
	stopCh      chan struct{}
	done        chan struct{}
	last        map[string]*feed.Item
	subs        map[*feed.Stream]feed.Request
	received    uint64
	connects    uint64
	lastMessage time.Time
	lastErr     error
}

func newStrategy(cfg config.StrategyConfig, deps feed.Dependencies, logger zerolog.Logger) (*Strategy, error) {
	if cfg.Family != "" && cfg.Family != string(feed.FamilyPush) {
		return nil, fmt.Errorf("wsfeed: family must be push, got %q", cfg.Family)
	}
	settings, err := parseSettings(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: %w", err)
	}
	resolved, err := settings.resolve()
	if err != nil {
		return nil, fmt.Errorf("wsfeed: %w", err)
	}
	types := make([]feed.DataType, 0, len(cfg.DataTypes))
	for _, dt := range cfg.DataTypes {
		types = append(types, feed.DataType(dt))
	}
	return &Strategy{
		desc: feed.Descriptor{
			Name:      cfg.ID,
			Priority:  cfg.Priority,
			Family:    feed.FamilyPush,
			DataTypes: types,
		},
		deps:     deps,
		logger:   logger.With().Str("component", "wsfeed").Str("strategy", cfg.ID).Logger(),
		settings: resolved,
		last:     make(map[string]*feed.Item),
		subs:     make(map[*feed.Stream]feed.Request),
	}, nil
}

// Descriptor implements feed.Strategy.
func (s *Strategy) Descriptor() feed.Descriptor { return s.desc }

// IsAvailable reports whether the socket is currently open.
func (s *Strategy) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.connected
}

// SupportsDataType implements feed.Strategy.
func (s *Strategy) SupportsDataType(dt feed.DataType) bool {
	return s.desc.Supports(dt)
}

// Fetch answers from the last pushed item for the requested series. An
// empty key returns the freshest item of the data type.
func (s *Strategy) Fetch(ctx context.Context, req feed.Request) (*feed.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.desc.Supports(req.DataType) {
		return nil, feed.ErrUnsupportedType
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.connected {
		return nil, feed.ErrUnavailable
	}
	item := s.lastLocked(req)
	if item == nil {
		return nil, feed.ErrNoData
	}
	return item.Clone(), nil
}

// lastLocked returns the remembered item matching req, or nil. Callers hold
// s.mu.
func (s *Strategy) lastLocked(req feed.Request) *feed.Item {
	if req.Key != "" {
		return s.last[route(req.DataType, req.Key)]
	}
	var newest *feed.Item
	for _, item := range s.last {
		if item.DataType != req.DataType {
			continue
		}
		if newest == nil || item.Timestamp.After(newest.Timestamp) {
			newest = item
		}
	}
	return newest
}

// Stream registers a subscriber for matching pushed items. The stream is
// seeded with the current snapshot so consumers start from known state, and
// closes when the strategy stops or ctx ends.
func (s *Strategy) Stream(ctx context.Context, req feed.Request) (*feed.Stream, error) {
	if !s.desc.Supports(req.DataType) {
		return nil, feed.ErrUnsupportedType
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, feed.ErrUnavailable
	}
	stream := feed.NewStream(s.settings.streamBuffer)
	s.subs[stream] = req
	snapshot := s.lastLocked(req)
	s.mu.Unlock()

	if snapshot != nil {
		stream.Publish(*snapshot.Clone())
	}
	go func() {
		select {
		case <-ctx.Done():
			s.removeStream(stream)
			stream.CloseWithError(ctx.Err())
		case <-stream.Done():
			s.removeStream(stream)
		}
	}()
	return stream, nil
}

func (s *Strategy) removeStream(stream *feed.Stream) {
	s.mu.Lock()
	delete(s.subs, stream)
	s.mu.Unlock()
}

// Start implements feed.Strategy. The connection is established in the
// background so a slow upstream cannot stall pipeline startup.
func (s *Strategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop implements feed.Strategy. It closes the socket, waits for the
// connection loop to exit, and terminates all subscriber streams.
func (s *Strategy) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	done := s.done
	s.mu.Unlock()
	<-done

	s.mu.Lock()
	streams := make([]*feed.Stream, 0, len(s.subs))
	for stream := range s.subs {
		streams = append(streams, stream)
	}
	s.subs = make(map[*feed.Stream]feed.Request)
	received := s.received
	s.mu.Unlock()
	for _, stream := range streams {
		stream.Close()
	}
	s.logger.Info().Uint64("received", received).Msg("websocket feed stopped")
	return nil
}

// Health implements feed.Strategy.
func (s *Strategy) Health() feed.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "stopped"
	switch {
	case s.running && s.connected:
		state = "connected"
	case s.running:
		state = "connecting"
	}
	status := feed.HealthStatus{
		Strategy:  s.desc.Name,
		Available: s.running && s.connected,
		Healthy:   s.running && s.connected,
		State:     state,
		CheckedAt: s.deps.Now(),
		Details: map[string]string{
			"url":      s.settings.url,
			"received": strconv.FormatUint(s.received, 10),
			"connects": strconv.FormatUint(s.connects, 10),
		},
	}
	if !status.Healthy && s.lastErr != nil {
		status.Message = s.lastErr.Error()
	}
	if !s.lastMessage.IsZero() {
		status.Details["last_message"] = s.lastMessage.Format(time.RFC3339)
	}
	return status
}

// run dials and re-dials the upstream until the strategy stops. Backoff
// doubles per failed attempt up to the configured maximum and resets after
// a successful subscribe.
func (s *Strategy) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	dialer := &websocket.Dialer{HandshakeTimeout: s.settings.handshakeTimeout}
	backoff := s.settings.reconnectMin
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, resp, err := dialer.Dial(s.settings.url, s.header())
		if resp != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			s.setError(err)
			s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("dial failed")
			if !s.pause(stop, &backoff) {
				return
			}
			continue
		}
		if err := s.subscribe(conn); err != nil {
			s.setError(err)
			s.logger.Warn().Err(err).Msg("subscribe failed")
			_ = conn.Close()
			if !s.pause(stop, &backoff) {
				return
			}
			continue
		}
		if !s.attach(conn) {
			_ = conn.Close()
			return
		}
		backoff = s.settings.reconnectMin
		s.logger.Info().Str("url", s.settings.url).Msg("websocket connected")

		err = s.readLoop(conn)
		s.detach(conn, err)
		_ = conn.Close()
		select {
		case <-stop:
			return
		default:
			s.logger.Warn().Err(err).Msg("websocket connection lost")
		}
	}
}

// pause sleeps for the current backoff unless the strategy stops first,
// then doubles it up to the configured maximum.
func (s *Strategy) pause(stop <-chan struct{}, backoff *time.Duration) bool {
	select {
	case <-stop:
		return false
	case <-time.After(*backoff):
	}
	next := *backoff * 2
	if next > s.settings.reconnectMax {
		next = s.settings.reconnectMax
	}
	*backoff = next
	return true
}

func (s *Strategy) header() map[string][]string {
	if len(s.settings.headers) == 0 {
		return nil
	}
	header := make(map[string][]string, len(s.settings.headers))
	for name, value := range s.settings.headers {
		header[name] = []string{value}
	}
	return header
}

func (s *Strategy) subscribe(conn *websocket.Conn) error {
	for _, payload := range s.settings.subscribe {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return fmt.Errorf("send subscription: %w", err)
		}
	}
	return nil
}

// attach publishes the connection, unless the strategy stopped while the
// dial was in flight.
func (s *Strategy) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.conn = conn
	s.connected = true
	s.connects++
	s.lastErr = nil
	return true
}

func (s *Strategy) detach(conn *websocket.Conn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.connected = false
	}
	if err != nil {
		s.lastErr = err
	}
}

func (s *Strategy) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Strategy) readLoop(conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		item, err := s.itemFromMessage(payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("message dropped")
			continue
		}
		s.dispatch(item)
	}
}

func (s *Strategy) itemFromMessage(payload []byte) (*feed.Item, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, feed.Transient("wsfeed.decode", err)
	}
	if msg.DataType == "" || msg.Key == "" {
		return nil, feed.Transient("wsfeed.decode", errors.New("message names no data_type or key"))
	}
	if len(msg.Fields) == 0 {
		return nil, feed.Transient("wsfeed.decode", errors.New("message carries no fields"))
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.deps.Now()
	}
	item := feed.New(feed.DataType(msg.DataType), msg.Key, s.desc.Name, ts)
	item.Fields = msg.Fields
	if msg.Labels != nil {
		item.Labels = msg.Labels
	}
	item.Quality = s.settings.quality
	if msg.Quality != "" {
		quality, err := feed.ParseQualityLevel(msg.Quality)
		if err != nil {
			return nil, feed.Transient("wsfeed.decode", err)
		}
		item.Quality = quality
	}
	return item, nil
}

// dispatch remembers the item and fans it out to matching subscribers.
func (s *Strategy) dispatch(item *feed.Item) {
	s.mu.Lock()
	s.received++
	s.lastMessage = s.deps.Now()
	s.last[route(item.DataType, item.Key)] = item
	targets := make([]*feed.Stream, 0, len(s.subs))
	for stream, req := range s.subs {
		if req.DataType != item.DataType {
			continue
		}
		if req.Key != "" && req.Key != item.Key {
			continue
		}
		targets = append(targets, stream)
	}
	s.mu.Unlock()
	for _, stream := range targets {
		stream.Publish(*item.Clone())
	}
}

func route(dt feed.DataType, key string) string {
	return string(dt) + "/" + key
}
