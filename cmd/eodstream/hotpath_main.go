package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tradecore/eodstream/internal/breaker"
	"github.com/tradecore/eodstream/internal/codec"
	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/dlq"
	"github.com/tradecore/eodstream/internal/hotpath"
	"github.com/tradecore/eodstream/internal/metrics"
	"github.com/tradecore/eodstream/internal/position"
	"github.com/tradecore/eodstream/internal/pricing"
	"github.com/tradecore/eodstream/internal/stream"
)

func runHotPath(cmd *cobra.Command, _ []string) error {
	cfg, met, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	return hotMain(ctx, cfg, met)
}

// hotMain wires and runs the live position and P&L consumer.
func hotMain(ctx context.Context, cfg config.Config, met *metrics.Metrics) error {
	consumer, err := stream.NewKafkaConsumer(cfg.Log, cfg.Log.TradesTopic, cfg.HotPath.Group)
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	defer rdb.Close()

	publishCB := newBreaker("hotpath-publish", cfg.HotPath.PublishCB)
	queryCB := newBreaker("hotpath-query", cfg.HotPath.QueryCB)
	observeBreaker(publishCB, met)
	observeBreaker(queryCB, met)

	prices := pricing.New(rdb, publishCB, queryCB, cfg.HotPath.CacheExpiry)
	positions := position.NewStore()
	sink := hotpath.NewRedisSink(rdb)

	router := dlq.NewRouter(producer, cfg.Log.DLQTopic, met)
	defer router.Close()

	engine := hotpath.NewEngine(cfg.HotPath, consumer, cd, positions, prices, sink,
		router, publishCB, met)
	return engine.Run(ctx)
}

func newBreaker(name string, cfg config.BreakerConfig) *breaker.Breaker {
	return breaker.New(breaker.Config{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    cfg.FailureWindow,
		OpenDuration:     cfg.OpenDuration,
		SuccessThreshold: cfg.SuccessThreshold,
	})
}
