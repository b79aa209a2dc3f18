// tickstreamer keeps one websocket to the portal alive and republishes
// normalized last-price ticks to the pub/sub bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portalfeed/config"
	"portalfeed/internal/broker"
	"portalfeed/internal/logger"
	"portalfeed/internal/metrics"
	storeredis "portalfeed/internal/store/redis"
	"portalfeed/internal/tickstream"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config_path>\n", os.Args[0])
		os.Exit(2)
	}

	log := logger.Init("tickstreamer", os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storeredis.New(storeredis.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger.Component("store"))
	if err != nil {
		log.WithError(err).Fatal("store connect failed")
	}
	defer store.Close()

	sessions := broker.NewSessionStore(store.Client(), cfg.Username, cfg.Secret)
	client := broker.New(broker.Config{
		Username: cfg.Username,
		Password: cfg.Password,
		Paper:    cfg.Paper,
	}, sessions, logger.Component("broker"))

	m := metrics.New()
	health := metrics.NewHealthStatus()
	health.SetRedisConnected(true)
	health.StartRedisProbe(ctx, store.Client(), 15*time.Second)
	msrv := metrics.NewServer(cfg.MetricsAddr, health, logger.Component("metrics"))
	msrv.Start()
	defer msrv.Stop(context.Background())

	streamer := tickstream.New(client,
		tickstream.StoreAdapter{Ctx: ctx, Store: store},
		cfg.InstrumentList(), m, health, log)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.WithField("signal", s.String()).Info("shutting down")
		cancel()
	}()

	streamer.Run(ctx)
}
