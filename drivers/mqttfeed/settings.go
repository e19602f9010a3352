package mqttfeed

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

const (
	defaultKeepAlive      = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultMaxReconnect   = time.Minute
	defaultQuality        = feed.QualityGood
)

// Settings configure the MQTT transport. Topics maps each served data type
// to the filter the driver subscribes to. Wildcard filters are fine; when a
// payload omits its key the last topic segment is used instead.
type Settings struct {
	Broker         string            `yaml:"broker"`
	ClientID       string            `yaml:"client_id,omitempty"`
	Username       string            `yaml:"username,omitempty"`
	Password       string            `yaml:"password,omitempty"`
	QoS            *byte             `yaml:"qos,omitempty"`
	KeepAlive      config.Duration   `yaml:"keep_alive,omitempty"`
	ConnectTimeout config.Duration   `yaml:"connect_timeout,omitempty"`
	MaxReconnect   config.Duration   `yaml:"max_reconnect,omitempty"`
	Topics         map[string]string `yaml:"topics"`
	StreamBuffer   int               `yaml:"stream_buffer,omitempty"`
	Quality        *string           `yaml:"quality,omitempty"`
}

type resolvedSettings struct {
	broker         string
	clientID       string
	username       string
	password       string
	qos            byte
	keepAlive      time.Duration
	connectTimeout time.Duration
	maxReconnect   time.Duration
	topics         map[feed.DataType]string
	streamBuffer   int
	quality        feed.QualityLevel
}

func parseSettings(node *yaml.Node) (Settings, error) {
	var settings Settings
	if node == nil {
		return settings, nil
	}
	if err := node.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode mqttfeed settings: %w", err)
	}
	return settings, nil
}

func (s Settings) resolve(dataTypes []string) (resolvedSettings, error) {
	if s.Broker == "" {
		return resolvedSettings{}, fmt.Errorf("broker is required")
	}
	resolved := resolvedSettings{
		broker:         s.Broker,
		clientID:       s.ClientID,
		username:       s.Username,
		password:       s.Password,
		keepAlive:      defaultKeepAlive,
		connectTimeout: defaultConnectTimeout,
		maxReconnect:   defaultMaxReconnect,
		topics:         make(map[feed.DataType]string, len(dataTypes)),
		streamBuffer:   s.StreamBuffer,
		quality:        defaultQuality,
	}
	if s.QoS != nil {
		if *s.QoS > 2 {
			return resolvedSettings{}, fmt.Errorf("qos must be 0, 1 or 2, got %d", *s.QoS)
		}
		resolved.qos = *s.QoS
	}
	if s.KeepAlive.Duration < 0 {
		return resolvedSettings{}, fmt.Errorf("keep_alive must not be negative")
	}
	if s.KeepAlive.Duration > 0 {
		resolved.keepAlive = s.KeepAlive.Duration
	}
	if s.ConnectTimeout.Duration < 0 {
		return resolvedSettings{}, fmt.Errorf("connect_timeout must not be negative")
	}
	if s.ConnectTimeout.Duration > 0 {
		resolved.connectTimeout = s.ConnectTimeout.Duration
	}
	if s.MaxReconnect.Duration < 0 {
		return resolvedSettings{}, fmt.Errorf("max_reconnect must not be negative")
	}
	if s.MaxReconnect.Duration > 0 {
		resolved.maxReconnect = s.MaxReconnect.Duration
	}
	if s.StreamBuffer < 0 {
		return resolvedSettings{}, fmt.Errorf("stream_buffer must not be negative")
	}
	for _, dt := range dataTypes {
		topic, ok := s.Topics[dt]
		if !ok {
			return resolvedSettings{}, fmt.Errorf("no topic for data type %q", dt)
		}
		if topic == "" {
			return resolvedSettings{}, fmt.Errorf("topic for %s must not be empty", dt)
		}
		resolved.topics[feed.DataType(dt)] = topic
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
