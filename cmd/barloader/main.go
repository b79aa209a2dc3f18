// barloader is the per-minute bar reconciliation daemon. It rebuilds each
// instrument's minute grid against the exchange calendar, repairs gaps from
// the portal history endpoint, writes corrections to the store and refreshes
// the CSV health dashboard.
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
	"portalfeed/internal/calendar"
	"portalfeed/internal/logger"
	"portalfeed/internal/metrics"
	"portalfeed/internal/reconciler"
	storeredis "portalfeed/internal/store/redis"
	"portalfeed/internal/store/sqlite"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config_path>\n", os.Args[0])
		os.Exit(2)
	}

	log := logger.Init("barloader", os.Getenv("LOG_LEVEL"))

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
		Username:   cfg.Username,
		Password:   cfg.Password,
		TOTPSecret: cfg.TOTPSecret,
		Paper:      cfg.Paper,
	}, sessions, logger.Component("broker"))
	if err := client.LoadSession(ctx); err != nil {
		log.WithError(err).Warn("no stored session yet")
	}

	var journal *sqlite.Journal
	if cfg.JournalPath != "" {
		journal, err = sqlite.Open(cfg.JournalPath, logger.Component("journal"))
		if err != nil {
			log.WithError(err).Fatal("journal open failed")
		}
		defer journal.Close()
	}

	m := metrics.New()
	health := metrics.NewHealthStatus()
	health.SetRedisConnected(true)
	health.StartRedisProbe(ctx, store.Client(), 15*time.Second)
	msrv := metrics.NewServer(cfg.MetricsAddr, health, logger.Component("metrics"))
	msrv.Start()
	defer msrv.Stop(context.Background())

	instruments := cfg.InstrumentList()
	dash := reconciler.NewDashboard(store, instruments, cfg.DashboardCSVPath,
		logger.Component("dashboard"))

	rec := reconciler.New(store, client, calendar.New(), instruments,
		config.CalendarCodes, dash, journal, m, log)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.WithField("signal", s.String()).Info("shutting down")
		cancel()
	}()

	rec.Run(ctx)
}
