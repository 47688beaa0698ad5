// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/ord/runes"
	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
)

// Status defines offer lifecycle state.
type Status int

const (
	// StatusActive defines listed offer which can be filled or cancelled.
	StatusActive Status = 1
	// StatusCancelled defines offer unlisted by the seller or invalidated on chain.
	StatusCancelled Status = 2
	// StatusFilled defines offer consumed by a broadcast settlement.
	StatusFilled Status = 3
)

// String returns status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCancelled:
		return "cancelled"
	case StatusFilled:
		return "filled"
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// IsTerminal returns true for states without exits.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusFilled
}

// CanTransition returns true if offer in the state may move to the other one.
func (s Status) CanTransition(to Status) bool {
	return s == StatusActive && to.IsTerminal()
}

// Offer describes seller listing backed by a seller signed template.
type Offer struct {
	ID  int64
	Bid string // hash of committed locations, unique.

	RuneID         runes.RuneID
	RuneName       string
	RuneSpacedName string
	Symbol         string
	Divisibility   uint8
	Amount         decimal.Decimal // normalized rune balance of the location.
	CollectionName string

	Lister          string // seller address.
	FundingReceiver string // seller payout address.

	Location            bitcoin.AssetLocation  // rune output.
	InscriptionID       string                 // empty for rune only listings.
	InscriptionLocation *bitcoin.AssetLocation // equal to Location for merged bundles.
	Kind                txbuilder.FragmentKind

	UnitPrice  decimal.Decimal // in Satoshi per rune unit.
	TotalPrice int64           // in Satoshi.

	UnsignedPSBT string // template without final witnesses.
	PSBT         string // finalized template.

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locations returns outputs spent by the offer in template order.
func (o *Offer) Locations() []bitcoin.AssetLocation {
	if o.Kind == txbuilder.KindSplit && o.InscriptionLocation != nil {
		return []bitcoin.AssetLocation{*o.InscriptionLocation, o.Location}
	}

	return []bitcoin.AssetLocation{o.Location}
}

// IsBundle returns true if the offer sells an inscription together with the rune.
func (o *Offer) IsBundle() bool {
	return o.InscriptionID != ""
}

// settlementOffer returns offer as settlement aggregator input.
func (o *Offer) settlementOffer() txbuilder.SettlementOffer {
	return txbuilder.SettlementOffer{
		ID:         o.ID,
		RuneID:     o.RuneID,
		Kind:       o.Kind,
		TotalPrice: o.TotalPrice,
		SignedPSBT: o.PSBT,
	}
}

// ActivityType defines marketplace history event.
type ActivityType string

const (
	// ActivityList defines created or relisted offer.
	ActivityList ActivityType = "list"
	// ActivityUnlist defines offer cancelled by the seller.
	ActivityUnlist ActivityType = "unlist"
	// ActivityBuy defines offer filled by a settlement.
	ActivityBuy ActivityType = "buy"
)

// Activity describes marketplace history row.
type Activity struct {
	ID             int64
	Type           ActivityType
	OfferID        int64
	RuneID         runes.RuneID
	RuneName       string
	CollectionName string
	InscriptionID  string
	Lister         string
	Receiver       string
	UnitPrice      decimal.Decimal
	TotalPrice     int64
	TxID           string
	CreatedAt      time.Time
}

// Order describes filled offer.
type Order struct {
	ID             int64
	OfferID        int64
	Bid            string
	RuneID         runes.RuneID
	RuneName       string
	CollectionName string
	Amount         decimal.Decimal
	UnitPrice      decimal.Decimal
	TotalPrice     int64
	Lister         string
	Buyer          string
	ItemReceiver   string
	PSBT           string
	TxID           string
	CreatedAt      time.Time
}

// newActivity returns activity of the offer.
func newActivity(activityType ActivityType, offer *Offer, receiver, txID string, now time.Time) Activity {
	return Activity{
		Type:           activityType,
		OfferID:        offer.ID,
		RuneID:         offer.RuneID,
		RuneName:       offer.RuneSpacedName,
		CollectionName: offer.CollectionName,
		InscriptionID:  offer.InscriptionID,
		Lister:         offer.Lister,
		Receiver:       receiver,
		UnitPrice:      offer.UnitPrice,
		TotalPrice:     offer.TotalPrice,
		TxID:           txID,
		CreatedAt:      now,
	}
}
