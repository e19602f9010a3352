// Package bundle registers the built-in feed drivers with a pipeline.
package bundle

import (
	"github.com/139QQ/Baostock-sub004/drivers/httpfeed"
	"github.com/139QQ/Baostock-sub004/drivers/mqttfeed"
	"github.com/139QQ/Baostock-sub004/drivers/synthetic"
	"github.com/139QQ/Baostock-sub004/drivers/wsfeed"
	"github.com/139QQ/Baostock-sub004/pipeline"
)

// Options returns pipeline options that register every bundled driver.
func Options() []pipeline.Option {
	return []pipeline.Option{
		WithSynthetic(),
		WithHTTP(),
		WithWebsocket(),
		WithMQTT(),
	}
}

// WithSynthetic registers only the synthetic random walk driver.
func WithSynthetic() pipeline.Option {
	return pipeline.WithStrategyFactory(synthetic.DriverName, synthetic.NewFactory())
}

// WithHTTP registers only the HTTP pull driver.
func WithHTTP() pipeline.Option {
	return pipeline.WithStrategyFactory(httpfeed.DriverName, httpfeed.NewFactory())
}

// WithWebsocket registers only the websocket push driver.
func WithWebsocket() pipeline.Option {
	return pipeline.WithStrategyFactory(wsfeed.DriverName, wsfeed.NewFactory())
}

// WithMQTT registers only the MQTT push driver.
func WithMQTT() pipeline.Option {
	return pipeline.WithStrategyFactory(mqttfeed.DriverName, mqttfeed.NewFactory())
}
