// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Command runemarketd runs the rune marketplace settlement service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/BoostyLabs/runemarket/internal/cache"
	"github.com/BoostyLabs/runemarket/internal/esplora"
	"github.com/BoostyLabs/runemarket/internal/indexer"
	"github.com/BoostyLabs/runemarket/internal/metrics"
	"github.com/BoostyLabs/runemarket/market"
	"github.com/BoostyLabs/runemarket/market/marketdb"
	"github.com/BoostyLabs/runemarket/server"
)

func main() {
	if err := start(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}

		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func start() error {
	// Environment from .env is visible to the parser below.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg := DefaultConfig()
	if _, err := flags.NewParser(cfg, flags.Default).Parse(); err != nil {
		return err
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg)
}

func setupLogger(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)

	if format == logFormatJSON {
		log.SetFormatter(&log.JSONFormatter{})
		return nil
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	return nil
}

func run(ctx context.Context, cfg *Config) error {
	store, err := marketdb.NewSQLStore(cfg.SQL)
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("could not close database")
		}
	}()

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	service, err := market.NewService(
		*cfg.Market,
		store,
		cache.New(*cfg.Cache),
		indexer.NewClient(*cfg.Indexer),
		esplora.NewClient(*cfg.Esplora),
		m,
	)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"network": cfg.Market.Network,
		"listen":  cfg.HTTP.Listen,
	}).Info("starting runemarket")

	return server.New(*cfg.HTTP, service, prometheus.DefaultGatherer).Run(ctx)
}
