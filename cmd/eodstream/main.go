package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradecore/eodstream/internal/breaker"
	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/metrics"
)

const (
	appName = "eodstream"
	version = "v1.4.0"
)

// shutdownGrace bounds how long engines get to drain after a signal.
const shutdownGrace = 30 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "End-of-day trade stream engine",
		Version: version,
		Long: `eodstream ingests raw execution frames, archives them for replay,
and fans the canonical trade stream out to the live P&L hot path and
the enrich-and-persist cold path.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the gateway: wire listener, archival, log emission",
		RunE:  runIngest,
	}
	ingestCmd.Flags().String("listen", "", "Wire listen address (overrides config)")

	hotCmd := &cobra.Command{
		Use:   "hotpath",
		Short: "Run the live position and P&L consumer",
		RunE:  runHotPath,
	}

	coldCmd := &cobra.Command{
		Use:   "coldpath",
		Short: "Run the enrich-and-persist consumer",
		RunE:  runColdPath,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run gateway, hot path, and cold path in one process",
		RunE:  runAll,
	}
	runCmd.Flags().String("listen", "", "Wire listen address (overrides config)")

	rootCmd.AddCommand(ingestCmd, hotCmd, coldCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// setup loads config, applies the log level, and builds the shared
// metrics handle.
func setup(cmd *cobra.Command) (config.Config, *metrics.Metrics, error) {
	level, _ := cmd.Flags().GetString("log-level")
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, metrics.New(prometheus.DefaultRegisterer), nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// observeBreaker mirrors breaker transitions onto the state gauge.
func observeBreaker(b *breaker.Breaker, met *metrics.Metrics) {
	met.SetBreakerState(b.Name(), int(b.State()))
	b.Subscribe(func(c breaker.StateChange) {
		met.SetBreakerState(c.Name, int(c.To))
	})
}

// awaitDone waits for the runner goroutines with the shutdown grace
// period. Engines that cannot drain in time are abandoned.
func awaitDone(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn().Dur("grace", shutdownGrace).Msg("shutdown grace expired, exiting")
	}
}
