package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/tradecore/eodstream/internal/codec"
	"github.com/tradecore/eodstream/internal/coldpath"
	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/dlq"
	"github.com/tradecore/eodstream/internal/metrics"
	"github.com/tradecore/eodstream/internal/persistence/postgres"
	"github.com/tradecore/eodstream/internal/refdata"
	"github.com/tradecore/eodstream/internal/stream"
)

func runColdPath(cmd *cobra.Command, _ []string) error {
	cfg, met, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	return coldMain(ctx, cfg, met)
}

// coldMain wires and runs the enrich-and-persist consumer.
func coldMain(ctx context.Context, cfg config.Config, met *metrics.Metrics) error {
	consumer, err := stream.NewKafkaConsumer(cfg.Log, cfg.Log.TradesTopic, cfg.ColdPath.Group)
	if err != nil {
		return fmt.Errorf("log consumer: %w", err)
	}
	defer consumer.Close()

	producer, err := stream.NewKafkaProducer(cfg.Log, nil)
	if err != nil {
		return fmt.Errorf("dlq producer: %w", err)
	}
	defer producer.Close()

	registry, err := codec.NewRegistry(cfg.Codec, met)
	if err != nil {
		return fmt.Errorf("schema registry: %w", err)
	}
	cd := codec.New(registry)

	db, err := sqlx.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	lookup := refdata.NewLookup(
		refdata.NewPostgresStore(db, cfg.Database.QueryTimeout),
		cfg.ColdPath.RefdataTTL, met)
	repo := postgres.NewTradesRepo(db, cfg.Database.QueryTimeout)

	router := dlq.NewRouter(producer, cfg.Log.DLQTopic, met)
	defer router.Close()

	engine := coldpath.NewEngine(cfg.ColdPath, consumer, cd, lookup, repo, router, met)
	return engine.Run(ctx)
}
