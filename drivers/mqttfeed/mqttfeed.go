// Package mqttfeed receives market data pushed over MQTT. Each served data
// type subscribes to a configured topic filter; payloads carry the same JSON
// document the websocket feed uses, with the item key falling back to the
// last topic segment. Reconnects are delegated to the paho client.
package mqttfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

// DriverName is the identifier strategy configs use to select this driver.
const DriverName = "mqtt"

// NewFactory returns the constructor registered under DriverName.
func NewFactory() feed.StrategyFactory {
	return func(cfg config.StrategyConfig, deps feed.Dependencies, logger zerolog.Logger) (feed.Strategy, error) {
		return newStrategy(cfg, deps, logger)
	}
}

// message is the JSON document published to the subscribed topics. DataType
// and Key are optional: the topic filter already fixes the data type, and
// the key defaults to the last topic segment.
type message struct {
	DataType  string                     `json:"data_type,omitempty"`
	Key       string                     `json:"key,omitempty"`
	Timestamp time.Time                  `json:"timestamp,omitempty"`
	Quality   string                     `json:"quality,omitempty"`
	Fields    map[string]decimal.Decimal `json:"fields"`
	Labels    map[string]string          `json:"labels,omitempty"`
}

// Strategy is the push transport over MQTT. Availability tracks the broker
// connection, so the router falls back elsewhere while paho reconnects.
type Strategy struct {
	desc     feed.Descriptor
	deps     feed.Dependencies
	logger   zerolog.Logger
	settings resolvedSettings

	mu          sync.Mutex
	running     bool
	client      mqtt.Client
	last        map[string]*feed.Item
	subs        map[*feed.Stream]feed.Request
	received    uint64
	connects    uint64
	subscribed  int
	lastMessage time.Time
	lastErr     error
}

func newStrategy(cfg config.StrategyConfig, deps feed.Dependencies, logger zerolog.Logger) (*Strategy, error) {
	if cfg.Family != "" && cfg.Family != string(feed.FamilyPush) {
		return nil, fmt.Errorf("mqttfeed: family must be push, got %q", cfg.Family)
	}
	settings, err := parseSettings(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("mqttfeed: %w", err)
	}
	resolved, err := settings.resolve(cfg.DataTypes)
	if err != nil {
		return nil, fmt.Errorf("mqttfeed: %w", err)
	}
	if resolved.clientID == "" {
		resolved.clientID = "feed-" + cfg.ID
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
		logger:   logger.With().Str("component", "mqttfeed").Str("strategy", cfg.ID).Logger(),
		settings: resolved,
		last:     make(map[string]*feed.Item),
		subs:     make(map[*feed.Stream]feed.Request),
	}, nil
}

// Descriptor implements feed.Strategy.
func (s *Strategy) Descriptor() feed.Descriptor { return s.desc }

// IsAvailable reports whether the broker connection is currently open.
func (s *Strategy) IsAvailable() bool {
	s.mu.Lock()
	running := s.running
	client := s.client
	s.mu.Unlock()
	return running && client != nil && client.IsConnectionOpen()
}

// SupportsDataType implements feed.Strategy.
func (s *Strategy) SupportsDataType(dt feed.DataType) bool {
	return s.desc.Supports(dt)
}

// Fetch answers from the last published item for the requested series. An
// empty key returns the freshest item of the data type.
func (s *Strategy) Fetch(ctx context.Context, req feed.Request) (*feed.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.desc.Supports(req.DataType) {
		return nil, feed.ErrUnsupportedType
	}
	if !s.IsAvailable() {
		return nil, feed.ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
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

// Stream registers a subscriber for matching published items. The stream is
// seeded with the current snapshot and closes when the strategy stops or
// ctx ends.
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

// Start connects to the broker. Transport failures do not fail the start:
// the client keeps retrying in the background and availability stays false
// until the connection is up. Configuration errors still fail fast.
func (s *Strategy) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	client := mqtt.NewClient(s.clientOptions())
	s.client = client
	s.mu.Unlock()

	token := client.Connect()
	if token.WaitTimeout(s.settings.connectTimeout) {
		if err := token.Error(); err != nil {
			s.mu.Lock()
			s.running = false
			s.client = nil
			s.mu.Unlock()
			return fmt.Errorf("mqttfeed: connect %s: %w", s.settings.broker, err)
		}
	} else {
		s.logger.Warn().Str("broker", s.settings.broker).Msg("broker not reachable, retrying in background")
	}
	return nil
}

func (s *Strategy) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.settings.broker)
	opts.SetClientID(s.settings.clientID)
	if s.settings.username != "" {
		opts.SetUsername(s.settings.username)
		opts.SetPassword(s.settings.password)
	}
	opts.SetKeepAlive(s.settings.keepAlive)
	opts.SetConnectTimeout(s.settings.connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(s.settings.maxReconnect)
	opts.OnConnect = s.onConnect
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setError(err)
		s.logger.Warn().Err(err).Msg("connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.logger.Info().Msg("reconnecting")
	})
	return opts
}

// onConnect runs after every (re)connect and restores the subscriptions.
func (s *Strategy) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connects++
	s.subscribed = 0
	s.lastErr = nil
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}
	for dt, topic := range s.settings.topics {
		token := client.Subscribe(topic, s.settings.qos, s.makeHandler(dt))
		if token.Wait() && token.Error() != nil {
			s.setError(token.Error())
			s.logger.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
			continue
		}
		s.mu.Lock()
		s.subscribed++
		s.mu.Unlock()
		s.logger.Info().Str("topic", topic).Str("data_type", string(dt)).Msg("subscribed")
	}
}

func (s *Strategy) makeHandler(dt feed.DataType) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		item, err := s.itemFromPayload(dt, msg.Topic(), msg.Payload())
		if err != nil {
			s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("message dropped")
			return
		}
		s.dispatch(item)
	}
}

func (s *Strategy) itemFromPayload(dt feed.DataType, topic string, payload []byte) (*feed.Item, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, feed.Transient("mqttfeed.decode", err)
	}
	if msg.DataType != "" && msg.DataType != string(dt) {
		return nil, feed.Transient("mqttfeed.decode", fmt.Errorf("payload data type %q does not match topic data type %q", msg.DataType, dt))
	}
	key := msg.Key
	if key == "" {
		key = topic
		if idx := strings.LastIndex(topic, "/"); idx >= 0 {
			key = topic[idx+1:]
		}
	}
	if key == "" {
		return nil, feed.Transient("mqttfeed.decode", errors.New("payload names no key"))
	}
	if len(msg.Fields) == 0 {
		return nil, feed.Transient("mqttfeed.decode", errors.New("payload carries no fields"))
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.deps.Now()
	}
	item := feed.New(dt, key, s.desc.Name, ts)
	item.Fields = msg.Fields
	if msg.Labels != nil {
		item.Labels = msg.Labels
	}
	item.Quality = s.settings.quality
	if msg.Quality != "" {
		quality, err := feed.ParseQualityLevel(msg.Quality)
		if err != nil {
			return nil, feed.Transient("mqttfeed.decode", err)
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

func (s *Strategy) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Stop disconnects from the broker and terminates all subscriber streams.
func (s *Strategy) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	client := s.client
	s.client = nil
	streams := make([]*feed.Stream, 0, len(s.subs))
	for stream := range s.subs {
		streams = append(streams, stream)
	}
	s.subs = make(map[*feed.Stream]feed.Request)
	received := s.received
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	for _, stream := range streams {
		stream.Close()
	}
	s.logger.Info().Uint64("received", received).Msg("mqtt feed stopped")
	return nil
}

// Health implements feed.Strategy.
func (s *Strategy) Health() feed.HealthStatus {
	s.mu.Lock()
	running := s.running
	client := s.client
	received := s.received
	connects := s.connects
	subscribed := s.subscribed
	lastMessage := s.lastMessage
	lastErr := s.lastErr
	s.mu.Unlock()

	connected := running && client != nil && client.IsConnectionOpen()
	state := "stopped"
	switch {
	case connected:
		state = "connected"
	case running:
		state = "connecting"
	}
	status := feed.HealthStatus{
		Strategy:  s.desc.Name,
		Available: connected,
		Healthy:   connected,
		State:     state,
		CheckedAt: s.deps.Now(),
		Details: map[string]string{
			"broker":     s.settings.broker,
			"received":   strconv.FormatUint(received, 10),
			"connects":   strconv.FormatUint(connects, 10),
			"subscribed": strconv.Itoa(subscribed),
		},
	}
	if !status.Healthy && lastErr != nil {
		status.Message = lastErr.Error()
	}
	if !lastMessage.IsZero() {
		status.Details["last_message"] = lastMessage.Format(time.RFC3339)
	}
	return status
}

func route(dt feed.DataType, key string) string {
	return string(dt) + "/" + key
}
