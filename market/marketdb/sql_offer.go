// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package marketdb

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/ord/runes"
	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
	"github.com/BoostyLabs/runemarket/market"
)

// offerUpdateColumns are overwritten when offer with the same bid is listed again.
var offerUpdateColumns = []string{
	"rune_id", "rune_name", "rune_spaced_name", "symbol", "divisibility", "amount",
	"collection_name", "lister", "funding_receiver", "location_value",
	"inscription_id", "inscription_tx_id", "inscription_vout", "inscription_value",
	"kind", "unit_price", "total_price", "unsigned_psbt", "psbt", "status", "updated_at",
}

// SQLOffer is the SQL model for market.Offer.
type SQLOffer struct {
	ID  int64  `gorm:"primaryKey"`
	Bid string `gorm:"uniqueIndex;size:64;not null"`

	RuneID         string `gorm:"index;not null"`
	RuneName       string
	RuneSpacedName string
	Symbol         string
	Divisibility   int16
	Amount         decimal.Decimal `gorm:"type:numeric"`
	CollectionName string          `gorm:"index"`

	Lister          string `gorm:"index;not null"`
	FundingReceiver string

	LocationTxID  string `gorm:"size:64;not null"`
	LocationVout  int64
	LocationValue int64

	InscriptionID    string
	InscriptionTxID  *string `gorm:"size:64"`
	InscriptionVout  *int64
	InscriptionValue *int64

	Kind       int
	UnitPrice  decimal.Decimal `gorm:"type:numeric"`
	TotalPrice int64

	UnsignedPSBT string `gorm:"type:text"`
	PSBT         string `gorm:"type:text"`

	Status    int `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the default table name.
func (SQLOffer) TableName() string {
	return "offers"
}

// newSQLOffer converts market.Offer to its SQL model.
func newSQLOffer(offer *market.Offer) *SQLOffer {
	row := &SQLOffer{
		ID:              offer.ID,
		Bid:             offer.Bid,
		RuneID:          offer.RuneID.String(),
		RuneName:        offer.RuneName,
		RuneSpacedName:  offer.RuneSpacedName,
		Symbol:          offer.Symbol,
		Divisibility:    int16(offer.Divisibility),
		Amount:          offer.Amount,
		CollectionName:  offer.CollectionName,
		Lister:          offer.Lister,
		FundingReceiver: offer.FundingReceiver,
		LocationTxID:    offer.Location.TxID,
		LocationVout:    int64(offer.Location.Vout),
		LocationValue:   offer.Location.Value,
		InscriptionID:   offer.InscriptionID,
		Kind:            int(offer.Kind),
		UnitPrice:       offer.UnitPrice,
		TotalPrice:      offer.TotalPrice,
		UnsignedPSBT:    offer.UnsignedPSBT,
		PSBT:            offer.PSBT,
		Status:          int(offer.Status),
		CreatedAt:       offer.CreatedAt,
		UpdatedAt:       offer.UpdatedAt,
	}

	if location := offer.InscriptionLocation; location != nil {
		vout := int64(location.Vout)
		row.InscriptionTxID = &location.TxID
		row.InscriptionVout = &vout
		row.InscriptionValue = &location.Value
	}

	return row
}

// toOffer converts SQL model to market.Offer.
func (s *SQLOffer) toOffer() (market.Offer, error) {
	runeID, err := runes.NewRuneIDFromString(s.RuneID)
	if err != nil {
		return market.Offer{}, err
	}

	offer := market.Offer{
		ID:              s.ID,
		Bid:             s.Bid,
		RuneID:          runeID,
		RuneName:        s.RuneName,
		RuneSpacedName:  s.RuneSpacedName,
		Symbol:          s.Symbol,
		Divisibility:    uint8(s.Divisibility),
		Amount:          s.Amount,
		CollectionName:  s.CollectionName,
		Lister:          s.Lister,
		FundingReceiver: s.FundingReceiver,
		Location: bitcoin.AssetLocation{
			TxID:  s.LocationTxID,
			Vout:  uint32(s.LocationVout),
			Value: s.LocationValue,
		},
		InscriptionID: s.InscriptionID,
		Kind:          txbuilder.FragmentKind(s.Kind),
		UnitPrice:     s.UnitPrice,
		TotalPrice:    s.TotalPrice,
		UnsignedPSBT:  s.UnsignedPSBT,
		PSBT:          s.PSBT,
		Status:        market.Status(s.Status),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}

	if s.InscriptionTxID != nil && s.InscriptionVout != nil {
		location := bitcoin.AssetLocation{TxID: *s.InscriptionTxID, Vout: uint32(*s.InscriptionVout)}
		if s.InscriptionValue != nil {
			location.Value = *s.InscriptionValue
		}
		offer.InscriptionLocation = &location
	}

	return offer, nil
}

// UpsertOffer inserts offer or updates the row with the same bid unless it is
// filled, filled offers are never reactivated.
func (s *SQLTransaction) UpsertOffer(offer *market.Offer) error {
	now := time.Now().UTC()
	row := newSQLOffer(offer)
	row.ID = 0
	row.CreatedAt = now
	row.UpdatedAt = now

	result := s.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bid"}},
		DoUpdates: clause.AssignmentColumns(offerUpdateColumns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{Column: clause.Column{Table: "offers", Name: "status"}, Value: int(market.StatusFilled)},
		}},
	}).Create(row)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return market.ErrOfferNoLongerActive
	}

	offer.ID = row.ID
	offer.CreatedAt = row.CreatedAt
	offer.UpdatedAt = row.UpdatedAt

	return nil
}

// OffersByIDs returns offers by ids ordered by id, filtered by statuses if any passed.
func (s *SQLTransaction) OffersByIDs(ids []int64, statuses ...market.Status) ([]market.Offer, error) {
	query := s.tx.Where("id IN ?", ids)
	if len(statuses) != 0 {
		values := make([]int, len(statuses))
		for idx, status := range statuses {
			values[idx] = int(status)
		}
		query = query.Where("status IN ?", values)
	}

	var rows []SQLOffer
	if err := query.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}

	offers := make([]market.Offer, 0, len(rows))
	for idx := range rows {
		offer, err := rows[idx].toOffer()
		if err != nil {
			return nil, err
		}

		offers = append(offers, offer)
	}

	return offers, nil
}

// FillOffers moves active offers to filled. Concurrent fills of the same
// offers serialize on row locks and the loser updates no rows.
func (s *SQLTransaction) FillOffers(ids []int64) (int64, error) {
	return s.updateActiveStatus(ids, market.StatusFilled)
}

// CancelOffers moves active offers to cancelled.
func (s *SQLTransaction) CancelOffers(ids []int64) (int64, error) {
	return s.updateActiveStatus(ids, market.StatusCancelled)
}

// updateActiveStatus moves active offers to the status and returns number of affected rows.
func (s *SQLTransaction) updateActiveStatus(ids []int64, status market.Status) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.tx.Model(&SQLOffer{}).
		Where("id IN ? AND status = ?", ids, int(market.StatusActive)).
		Updates(map[string]any{"status": int(status), "updated_at": time.Now().UTC()})

	return result.RowsAffected, result.Error
}
