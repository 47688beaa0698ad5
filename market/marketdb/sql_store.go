// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package marketdb implements persistent storage of the marketplace.
package marketdb

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BoostyLabs/runemarket/market"
)

// SQLConfig holds database connection configuration.
type SQLConfig struct {
	Host               string `long:"host" env:"HOST" description:"Database server hostname."`
	Port               int    `long:"port" description:"Database server port."`
	User               string `long:"user" description:"Database user."`
	Password           string `long:"password" env:"PASSWORD" description:"Database user's password."`
	DBName             string `long:"dbname" description:"Database name to use."`
	MaxOpenConnections int    `long:"maxconnections" description:"Max open connections to keep alive to the database server."`
	RequireSSL         bool   `long:"requiressl" description:"Whether to require using SSL (mode: require) when connecting to the server."`
}

// SQLStore is the main object to communicate with the SQL db.
type SQLStore struct {
	db *gorm.DB
}

var _ market.Store = (*SQLStore)(nil)

// NewSQLStore constructs a new SQLStore.
func NewSQLStore(cfg *SQLConfig) (*SQLStore, error) {
	db, err := openPostgresDB(cfg)
	if err != nil {
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

// openPostgresDB opens a PostgreSQL database and initializes the tables
// corresponding to the SQL models defined in this package.
func openPostgresDB(cfg *SQLConfig) (*gorm.DB, error) {
	sslMode := "disable"
	if cfg.RequireSSL {
		sslMode = "require"
	}

	dsn := fmt.Sprintf(
		"user=%v password=%v dbname=%v host=%v port=%v sslmode=%v",
		cfg.User, cfg.Password, cfg.DBName, cfg.Host, cfg.Port, sslMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConnections)

	if err := db.AutoMigrate(&SQLOffer{}, &SQLOrder{}, &SQLActivity{}); err != nil {
		return nil, err
	}

	return db, nil
}

// Close closes database connections.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// SQLTransaction is a higher level abstraction around the ORM provided sql
// transaction.
type SQLTransaction struct {
	tx *gorm.DB
}

var _ market.StoreTx = (*SQLTransaction)(nil)

// Transaction starts and attempts to commit an SQL transaction.
func (s *SQLStore) Transaction(ctx context.Context, apply func(tx market.StoreTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(dbTx *gorm.DB) error {
		return apply(&SQLTransaction{tx: dbTx})
	})
}

// OffersByIDs returns offers by ids outside of a transaction.
func (s *SQLStore) OffersByIDs(ctx context.Context, ids []int64, statuses ...market.Status) ([]market.Offer, error) {
	sqlTx := &SQLTransaction{tx: s.db.WithContext(ctx)}
	return sqlTx.OffersByIDs(ids, statuses...)
}
