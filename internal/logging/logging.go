// Package logging assembles the process-wide zerolog logger from
// configuration: level, console or JSON output, and an optional Loki sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
)

// Setup builds the logger described by cfg. The returned cleanup stops any
// remote sinks and must run before process exit so buffered entries flush.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	sinks := []io.Writer{consoleSink(cfg.Format)}
	cleanup := func() {}
	if cfg.Loki.Enabled {
		sink, err := newLokiSink(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		sinks = append(sinks, sink)
		cleanup = func() { sink.Close() }
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		With().Timestamp().Logger().Level(level)
	return logger, cleanup, nil
}

func parseLevel(value string) (zerolog.Level, error) {
	if value == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(value))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func consoleSink(format string) io.Writer {
	if strings.EqualFold(format, "text") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

// lokiSink forwards each rendered log line to a Loki push endpoint.
type lokiSink struct {
	client *loki.Client
	labels model.LabelSet
}

func newLokiSink(cfg config.LokiConfig) (*lokiSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}

	labels := model.LabelSet{"app": "market-pipeline"}
	for key, value := range cfg.Labels {
		labels[model.LabelName(key)] = model.LabelValue(value)
	}
	return &lokiSink{client: client, labels: labels}, nil
}

func (s *lokiSink) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	return len(p), s.client.Handle(s.labels, time.Now(), line)
}

func (s *lokiSink) Close() error {
	s.client.Stop()
	return nil
}
