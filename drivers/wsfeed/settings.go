package wsfeed

import (
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectMin     = time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultQuality          = feed.QualityGood
)

// Settings describes the configuration accepted via the strategy settings
// block. Subscribe entries are raw frames sent verbatim after every
// connect, so the driver stays agnostic of the upstream's subscription
// protocol.
type Settings struct {
	URL              string            `yaml:"url"`
	Subscribe        []string          `yaml:"subscribe,omitempty"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	HandshakeTimeout config.Duration   `yaml:"handshake_timeout,omitempty"`
	ReconnectMin     config.Duration   `yaml:"reconnect_min,omitempty"`
	ReconnectMax     config.Duration   `yaml:"reconnect_max,omitempty"`
	StreamBuffer     int               `yaml:"stream_buffer,omitempty"`
	Quality          *string           `yaml:"quality,omitempty"`
}

type resolvedSettings struct {
	url              string
	subscribe        []string
	headers          map[string]string
	handshakeTimeout time.Duration
	reconnectMin     time.Duration
	reconnectMax     time.Duration
	streamBuffer     int
	quality          feed.QualityLevel
}

func parseSettings(node *yaml.Node) (Settings, error) {
	var settings Settings
	if node == nil {
		return settings, nil
	}
	if err := node.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode wsfeed settings: %w", err)
	}
	return settings, nil
}

func (s Settings) resolve() (resolvedSettings, error) {
	if s.URL == "" {
		return resolvedSettings{}, fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(s.URL)
	if err != nil {
		return resolvedSettings{}, fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return resolvedSettings{}, fmt.Errorf("url scheme must be ws or wss, got %q", parsed.Scheme)
	}
	if s.StreamBuffer < 0 {
		return resolvedSettings{}, fmt.Errorf("stream_buffer must not be negative")
	}

	resolved := resolvedSettings{
		url:              s.URL,
		subscribe:        append([]string(nil), s.Subscribe...),
		headers:          make(map[string]string, len(s.Headers)),
		handshakeTimeout: defaultHandshakeTimeout,
		reconnectMin:     defaultReconnectMin,
		reconnectMax:     defaultReconnectMax,
		streamBuffer:     s.StreamBuffer,
		quality:          defaultQuality,
	}
	for name, value := range s.Headers {
		resolved.headers[name] = value
	}
	if s.HandshakeTimeout.Duration > 0 {
		resolved.handshakeTimeout = s.HandshakeTimeout.Duration
	}
	if s.ReconnectMin.Duration > 0 {
		resolved.reconnectMin = s.ReconnectMin.Duration
	}
	if s.ReconnectMax.Duration > 0 {
		resolved.reconnectMax = s.ReconnectMax.Duration
	}
	if resolved.reconnectMax < resolved.reconnectMin {
		return resolvedSettings{}, fmt.Errorf("reconnect_max must not be below reconnect_min")
	}
	if s.Quality != nil {
		quality, err := feed.ParseQualityLevel(*s.Quality)
		if err != nil {
			return resolvedSettings{}, err
		}
		resolved.quality = quality
	}
	return resolved, nil
}
