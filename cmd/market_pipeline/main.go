package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/drivers/bundle"
	"github.com/139QQ/Baostock-sub004/pipeline"
	"github.com/139QQ/Baostock-sub004/processor"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	liveView := flag.Bool("live-view", false, "Enable live view web interface")
	liveViewListen := flag.String("live-view-listen", ":18080", "Live view listen address")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *configCheck {
		os.Exit(executeConfigCheck(*cfgPath))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []processor.Option{
		processor.WithConfigPath(*cfgPath, nil),
		processor.WithPipelineOptions(bundle.Options()...),
	}
	if *liveView {
		host, port, err := splitListen(*liveViewListen)
		if err != nil {
			log.Fatal().Err(err).Str("listen", *liveViewListen).Msg("invalid live view listen address")
		}
		opts = append(opts, processor.WithLiveView(host, port))
	}

	proc, err := processor.New(ctx, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create processor")
	}
	defer proc.Close()

	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("pipeline stopped with error")
	}
}

// executeHealthCheck loads and fully assembles the configuration without
// starting anything: a failure means the process could not come up with
// this file.
func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return pipeline.Validate(*cfg, zerolog.Nop(), bundle.Options()...)
}

func executeConfigCheck(path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	exitCode := 0
	if err := pipeline.Validate(*cfg, zerolog.Nop(), bundle.Options()...); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		exitCode = 1
	}

	printReport(cfg)

	if exitCode == 0 {
		fmt.Println("Configuration check completed successfully.")
	} else {
		fmt.Println("Configuration check completed with errors.")
	}
	return exitCode
}

func printReport(cfg *config.Config) {
	fmt.Printf("Pipeline %q\n", cfg.Name)
	fmt.Printf("  Workers: %d\n", cfg.Workers)
	fmt.Printf("  Fetch timeout: %s\n", cfg.FetchTimeout.Duration)
	if cfg.TransportPreference != "" {
		fmt.Printf("  Transport preference: %s\n", cfg.TransportPreference)
	}
	fmt.Println()

	printStrategies(cfg.Strategies)
	printPollingTasks(cfg.Polling)

	fmt.Printf("Router: priority %.2f, latency %.2f, success %.2f, horizon %s\n",
		cfg.Router.WeightPriority, cfg.Router.WeightLatency, cfg.Router.WeightSuccess,
		cfg.Router.LatencyHorizon.Duration)
	if cfg.Router.ScoreExpression != "" {
		fmt.Printf("  Score expression: %s\n", cfg.Router.ScoreExpression)
	}

	if len(cfg.Network.Endpoints) > 0 {
		fmt.Printf("Network probes: %s every %s\n",
			strings.Join(cfg.Network.Endpoints, ", "), cfg.Network.ProbeInterval.Duration)
	} else {
		fmt.Println("Network probes: <none> (connectivity assumed)")
	}
	fmt.Printf("Cache: TTL %s, sweep every %s\n",
		cfg.Cache.DefaultTTL.Duration, cfg.Cache.SweepInterval.Duration)
	fmt.Printf("Live view: %s\n", describeLiveView(cfg.LiveView))
	fmt.Printf("Hot reload: %s\n", describeHotReload(cfg.HotReload))
	fmt.Printf("Telemetry: %s\n", describeTelemetry(cfg.Telemetry))
	fmt.Println()
}

func printStrategies(strategies []config.StrategyConfig) {
	fmt.Println("Strategies:")
	if len(strategies) == 0 {
		fmt.Println("  <none>")
		fmt.Println()
		return
	}
	for _, s := range strategies {
		notes := make([]string, 0, 2)
		if s.Family != "" {
			notes = append(notes, "family "+s.Family)
		}
		if s.Disabled {
			notes = append(notes, "disabled")
		}
		line := fmt.Sprintf("  - %s (%s, priority %d) serves %s",
			s.ID, s.Driver, s.Priority, strings.Join(s.DataTypes, ", "))
		if len(notes) > 0 {
			line += " [" + strings.Join(notes, ", ") + "]"
		}
		fmt.Println(line)
	}
	fmt.Println()
}

func printPollingTasks(polling config.PollingConfig) {
	fmt.Printf("Polling (tick %s):\n", polling.Tick.Duration)
	if len(polling.Tasks) == 0 {
		fmt.Println("  <none>")
		fmt.Println()
		return
	}
	for _, task := range polling.Tasks {
		line := fmt.Sprintf("  - %s every %s", task.DataType, task.Interval.Duration)
		if task.Disabled {
			line += " [disabled]"
		}
		fmt.Println(line)
	}
	fmt.Println()
}

func describeLiveView(cfg config.LiveViewConfig) string {
	if !cfg.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("enabled on %s", cfg.Listen)
}

func describeHotReload(cfg config.HotReloadConfig) string {
	if !cfg.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("enabled, checking every %s", cfg.Interval.Duration)
}

func describeTelemetry(cfg config.TelemetryConfig) string {
	switch cfg.Provider {
	case "", "prometheus":
		return "prometheus"
	default:
		return cfg.Provider
	}
}

func splitListen(listen string) (string, int, error) {
	host, portRaw, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return "", 0, fmt.Errorf("parse port %q: %w", portRaw, err)
	}
	return host, port, nil
}
