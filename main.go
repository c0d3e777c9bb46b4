package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"optflow/config"
	"optflow/internal/archive"
	"optflow/internal/backfill"
	"optflow/internal/channel"
	"optflow/internal/clock"
	"optflow/internal/dashboard"
	"optflow/internal/engine"
	"optflow/internal/metrics"
	"optflow/internal/refprice"
	"optflow/internal/snapshot"
	"optflow/internal/venue"
	"optflow/logger"
	"optflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Optflow.Name,
		"version": cfg.Optflow.Version,
	}).Info("starting optflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch("", "Optflow", cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Addr)
	}

	channels := channel.NewChannels(
		cfg.Channels.TradeBuffer,
		cfg.Channels.TickerBuffer,
	)
	defer channels.Close()

	rest := venue.NewRESTClient(venue.RESTConfig{
		BaseURL:        cfg.Venue.REST.BaseURL,
		Currency:       cfg.Venue.REST.Currency,
		RequestsPerSec: cfg.Venue.REST.RequestsPerSec,
		Burst:          cfg.Venue.REST.Burst,
		Timeout:        cfg.Venue.REST.Timeout,
	})

	clk := clock.System()
	orchestrator := backfill.NewOrchestrator(clk, rest, channels)

	legs := make(chan models.LegDetail, cfg.Channels.LegBuffer)
	var legWriter *archive.Writer
	if cfg.Archive.Enabled {
		legWriter, err = archive.NewWriter(archive.Config{
			Enabled:       cfg.Archive.Enabled,
			Dir:           cfg.Archive.Dir,
			FlushInterval: cfg.Archive.FlushInterval,
			Compression:   cfg.Archive.Compression,
			S3: archive.S3Config{
				Enabled:         cfg.Archive.S3.Enabled,
				Region:          cfg.Archive.S3.Region,
				Bucket:          cfg.Archive.S3.Bucket,
				Prefix:          cfg.Archive.S3.Prefix,
				AccessKeyID:     cfg.Archive.S3.AccessKeyID,
				SecretAccessKey: cfg.Archive.S3.SecretAccessKey,
			},
		}, legs)
		if err != nil {
			log.WithError(err).Error("failed to create leg archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("leg archive disabled")
	}

	var store snapshot.Store = snapshot.NewFileStore(cfg.Snapshot.Path)
	if cfg.Snapshot.S3.Enabled {
		s3Store, err := snapshot.NewS3Store(ctx, snapshot.S3Config{
			Region:          cfg.Snapshot.S3.Region,
			Bucket:          cfg.Snapshot.S3.Bucket,
			Key:             cfg.Snapshot.S3.Key,
			AccessKeyID:     cfg.Snapshot.S3.AccessKeyID,
			SecretAccessKey: cfg.Snapshot.S3.SecretAccessKey,
		})
		if err != nil {
			log.WithError(err).Error("failed to create S3 snapshot store")
			os.Exit(1)
		}
		store = snapshot.NewTieredStore(store, s3Store)
	}

	ws := venue.NewWSReader(venue.WSConfig{
		URL:       cfg.Venue.WS.URL,
		Currency:  cfg.Venue.WS.Currency,
		PingEvery: cfg.Venue.WS.PingEvery,
	}, channels)

	poller := refprice.NewPoller(refprice.Config{
		Interval:       cfg.RefPrice.Interval,
		FallbackSymbol: cfg.RefPrice.FallbackSymbol,
	}, rest, channels)

	eng := engine.New(engine.Config{
		BucketWidth:    cfg.Engine.BucketWidth,
		ManualBigUnit:  cfg.Engine.ManualBigUnit,
		FullOnStart:    cfg.Engine.FullOnStart,
		SnapshotEvery:  cfg.Engine.SnapshotEvery,
		OIRefreshEvery: cfg.Engine.OIRefreshEvery,
		IVPumpEvery:    cfg.Engine.IVPumpEvery,
		IVPumpBatch:    cfg.Engine.IVPumpBatch,
		LegRingCap:     cfg.Engine.LegRingCap,
	}, clk, channels, rest, ws, orchestrator, store, legs)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		orchestrator.Run(ctx)
	}()

	if legWriter != nil {
		if err := legWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start leg archive writer")
			os.Exit(1)
		}
	}

	if err := eng.Bootstrap(ctx); err != nil {
		log.WithError(err).Error("engine bootstrap failed")
		os.Exit(1)
	}

	if err := ws.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start websocket reader")
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	board, err := dashboard.NewServer(cfg.Dashboard, log, eng, channels, eng)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}
	if board != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := board.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server exited")
			}
		}()
		log.WithFields(logger.Fields{"address": board.Address()}).Info("dashboard listening")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping websocket reader")
	ws.Stop()

	if legWriter != nil {
		log.Info("stopping leg archive writer")
		legWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("optflow stopped")
}
