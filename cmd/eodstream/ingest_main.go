package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradecore/eodstream/internal/archive"
	"github.com/tradecore/eodstream/internal/codec"
	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/ingest"
	"github.com/tradecore/eodstream/internal/metrics"
	"github.com/tradecore/eodstream/internal/stream"
)

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, met, err := setup(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Ingest.ListenAddr = listen
	}

	ctx, stop := signalContext()
	defer stop()
	return ingestMain(ctx, cfg, met)
}

// ingestMain wires and runs the gateway: wire listener feeding the
// ingestion engine, with the archival sink alongside.
func ingestMain(ctx context.Context, cfg config.Config, met *metrics.Metrics) error {
	producer, err := stream.NewKafkaProducer(cfg.Log, func(error) { met.EmitErrors.Inc() })
	if err != nil {
		return fmt.Errorf("log producer: %w", err)
	}
	defer producer.Close()

	registry, err := codec.NewRegistry(cfg.Codec, met)
	if err != nil {
		return fmt.Errorf("schema registry: %w", err)
	}
	cd := codec.New(registry)

	s3c, err := archive.NewS3Client(cfg.Archive)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	sink := archive.NewSink(cfg.Archive, s3c, met)
	observeBreaker(sink.Breaker(), met)

	engine := ingest.NewEngine(cfg.Ingest, cfg.Log.TradesTopic, sink, cd, producer, met)
	listener := ingest.NewListener(cfg.Ingest.ListenAddr, engine)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := sink.Run(ctx); err != nil {
			log.Error().Err(err).Msg("archive sink exited")
		}
	}()
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil {
			log.Error().Err(err).Msg("ingestion engine exited")
		}
	}()

	serveErr := listener.Serve(ctx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	awaitDone(done)
	return serveErr
}
