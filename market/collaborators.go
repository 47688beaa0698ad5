// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package market

import (
	"context"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/ord/runes"
)

// Store is persistent storage of offers, orders and activities.
type Store interface {
	// Transaction runs apply in a single storage transaction, rolled back if apply fails.
	Transaction(ctx context.Context, apply func(tx StoreTx) error) error
	// OffersByIDs returns offers by ids, filtered by statuses if any passed.
	OffersByIDs(ctx context.Context, ids []int64, statuses ...Status) ([]Offer, error)
}

// StoreTx is a set of storage operations executed inside a transaction.
type StoreTx interface {
	// UpsertOffer inserts offer or updates the row with the same bid unless it is filled.
	// Sets ID and timestamps of the offer. Returns ErrOfferNoLongerActive for filled rows.
	UpsertOffer(offer *Offer) error
	// OffersByIDs returns offers by ids, filtered by statuses if any passed.
	OffersByIDs(ids []int64, statuses ...Status) ([]Offer, error)
	// FillOffers moves active offers to filled and returns number of affected rows.
	FillOffers(ids []int64) (int64, error)
	// CancelOffers moves active offers to cancelled and returns number of affected rows.
	CancelOffers(ids []int64) (int64, error)
	// InsertOrders stores orders.
	InsertOrders(orders []Order) error
	// InsertActivities stores activities.
	InsertActivities(activities []Activity) error
}

// Cache keeps short lived facts.
type Cache interface {
	Get(key string) (string, bool)
	// SetNX stores value if key is absent and returns true if stored.
	SetNX(key, value string) bool
}

// Indexer provides rune and inscription facts.
type Indexer interface {
	GetAddressRuneBalance(ctx context.Context, address string) ([]bitcoin.RuneBalance, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]bitcoin.UTXO, error)
	GetAddressInscriptions(ctx context.Context, address string) ([]bitcoin.Inscription, error)
	GetInscriptionInfo(ctx context.Context, inscriptionID string) (bitcoin.Inscription, error)
	GetUTXORuneBalance(ctx context.Context, location bitcoin.AssetLocation) ([]bitcoin.RuneBalance, error)
	GetRuneInfo(ctx context.Context, runeID runes.RuneID) (bitcoin.RuneAsset, error)
}

// Chain provides chain queries and broadcast. BroadcastTransaction
// errors caused by spent inputs must wrap esplora.ErrInputsSpent.
type Chain interface {
	IsOutputSpent(ctx context.Context, txID string, vout uint32) (bool, error)
	BroadcastTransaction(ctx context.Context, rawTx string) (string, error)
	GetTipHeight(ctx context.Context) (int64, error)
}
