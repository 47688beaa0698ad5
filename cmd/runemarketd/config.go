// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package main

import (
	"time"

	"github.com/BoostyLabs/runemarket/internal/cache"
	"github.com/BoostyLabs/runemarket/internal/esplora"
	"github.com/BoostyLabs/runemarket/internal/indexer"
	"github.com/BoostyLabs/runemarket/market"
	"github.com/BoostyLabs/runemarket/market/marketdb"
	"github.com/BoostyLabs/runemarket/server"
)

const (
	logFormatText = "text"
	logFormatJSON = "json"
)

// Config is the configuration of the marketplace daemon.
type Config struct {
	LogLevel  string `long:"log-level" env:"RUNEMARKET_LOG_LEVEL" description:"Logging level: trace, debug, info, warn or error."`
	LogFormat string `long:"log-format" env:"RUNEMARKET_LOG_FORMAT" choice:"text" choice:"json" description:"Logging format."`

	SQL     *marketdb.SQLConfig `group:"sql" namespace:"sql" env-namespace:"RUNEMARKET_SQL"`
	Indexer *indexer.Config     `group:"indexer" namespace:"indexer" env-namespace:"RUNEMARKET_INDEXER"`
	Esplora *esplora.Config     `group:"esplora" namespace:"esplora" env-namespace:"RUNEMARKET_ESPLORA"`
	Cache   *cache.Config       `group:"cache" namespace:"cache"`
	Market  *market.Config      `group:"market" namespace:"market" env-namespace:"RUNEMARKET_MARKET"`
	HTTP    *server.Config      `group:"http" namespace:"http" env-namespace:"RUNEMARKET_HTTP"`
}

// DefaultConfig returns the default config of the marketplace daemon.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: logFormatText,
		SQL: &marketdb.SQLConfig{
			Host:               "localhost",
			Port:               5432,
			User:               "runemarket",
			Password:           "runemarket",
			DBName:             "runemarket",
			MaxOpenConnections: 25,
		},
		Indexer: &indexer.Config{
			URL:       "http://localhost:8080",
			Timeout:   10 * time.Second,
			RateLimit: 50 * time.Millisecond,
			RateBurst: 10,
		},
		Esplora: &esplora.Config{
			URL:     "https://mempool.space/api",
			Timeout: 10 * time.Second,
		},
		Cache: &cache.Config{
			Size: 10000,
			TTL:  3 * time.Minute,
		},
		Market: &market.Config{
			Network:        "mainnet",
			RequestTimeout: 15 * time.Second,
		},
		HTTP: &server.Config{
			Listen:          ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}
