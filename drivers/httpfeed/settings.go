package httpfeed

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

const (
	defaultTimeout = 10 * time.Second
	defaultQuality = feed.QualityGood
)

// defaultEndpoints maps the built-in data types onto their conventional
// REST paths. An endpoints override in the settings block replaces or
// extends these.
var defaultEndpoints = map[feed.DataType]string{
	feed.DataTypeQuote:   "/quotes/{key}",
	feed.DataTypeIndex:   "/indices/{key}",
	feed.DataTypeFundNAV: "/funds/{key}/nav",
	feed.DataTypeHistory: "/history/{key}",
}

// Settings describes the configuration accepted via the strategy settings
// block. Endpoint templates are paths relative to base_url; a {key}
// placeholder receives the request key, templates without one get the key
// as a query parameter instead.
type Settings struct {
	BaseURL   string            `yaml:"base_url"`
	Endpoints map[string]string `yaml:"endpoints,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   config.Duration   `yaml:"timeout,omitempty"`
	Quality   *string           `yaml:"quality,omitempty"`
}

type resolvedSettings struct {
	base      *url.URL
	endpoints map[feed.DataType]string
	headers   map[string]string
	timeout   time.Duration
	quality   feed.QualityLevel
}

func parseSettings(node *yaml.Node) (Settings, error) {
	var settings Settings
	if node == nil {
		return settings, nil
	}
	if err := node.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode httpfeed settings: %w", err)
	}
	return settings, nil
}

func (s Settings) resolve(dataTypes []string) (resolvedSettings, error) {
	if s.BaseURL == "" {
		return resolvedSettings{}, fmt.Errorf("base_url is required")
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return resolvedSettings{}, fmt.Errorf("parse base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return resolvedSettings{}, fmt.Errorf("base_url scheme must be http or https, got %q", base.Scheme)
	}
	if base.Host == "" {
		return resolvedSettings{}, fmt.Errorf("base_url must name a host")
	}
	if s.Timeout.Duration < 0 {
		return resolvedSettings{}, fmt.Errorf("timeout must not be negative")
	}

	resolved := resolvedSettings{
		base:      base,
		endpoints: make(map[feed.DataType]string, len(defaultEndpoints)+len(s.Endpoints)),
		headers:   make(map[string]string, len(s.Headers)),
		timeout:   defaultTimeout,
		quality:   defaultQuality,
	}
	for dt, path := range defaultEndpoints {
		resolved.endpoints[dt] = path
	}
	for dt, path := range s.Endpoints {
		if !strings.HasPrefix(path, "/") {
			return resolvedSettings{}, fmt.Errorf("endpoint for %s must start with a slash, got %q", dt, path)
		}
		resolved.endpoints[feed.DataType(dt)] = path
	}
	for _, dt := range dataTypes {
		if _, ok := resolved.endpoints[feed.DataType(dt)]; !ok {
			return resolvedSettings{}, fmt.Errorf("no endpoint for data type %q", dt)
		}
	}
	for name, value := range s.Headers {
		resolved.headers[name] = value
	}
	if s.Timeout.Duration > 0 {
		resolved.timeout = s.Timeout.Duration
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
