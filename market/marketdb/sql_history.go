// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package marketdb

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/BoostyLabs/runemarket/market"
)

// SQLOrder is the SQL model for market.Order.
type SQLOrder struct {
	ID             int64  `gorm:"primaryKey"`
	OfferID        int64  `gorm:"index"`
	Bid            string `gorm:"index;size:64"`
	RuneID         string `gorm:"index"`
	RuneName       string
	CollectionName string
	Amount         decimal.Decimal `gorm:"type:numeric"`
	UnitPrice      decimal.Decimal `gorm:"type:numeric"`
	TotalPrice     int64
	Lister         string `gorm:"index"`
	Buyer          string `gorm:"index"`
	ItemReceiver   string
	PSBT           string `gorm:"type:text"`
	TxID           string `gorm:"index;size:64"`
	CreatedAt      time.Time
}

// TableName overrides the default table name.
func (SQLOrder) TableName() string {
	return "orders"
}

// SQLActivity is the SQL model for market.Activity.
type SQLActivity struct {
	ID             int64  `gorm:"primaryKey"`
	Type           string `gorm:"index;size:16"`
	OfferID        int64  `gorm:"index"`
	RuneID         string `gorm:"index"`
	RuneName       string
	CollectionName string
	InscriptionID  string
	Lister         string `gorm:"index"`
	Receiver       string
	UnitPrice      decimal.Decimal `gorm:"type:numeric"`
	TotalPrice     int64
	TxID           string
	CreatedAt      time.Time
}

// TableName overrides the default table name.
func (SQLActivity) TableName() string {
	return "activities"
}

// InsertOrders stores orders.
func (s *SQLTransaction) InsertOrders(orders []market.Order) error {
	if len(orders) == 0 {
		return nil
	}

	rows := make([]SQLOrder, len(orders))
	for idx, order := range orders {
		rows[idx] = SQLOrder{
			OfferID:        order.OfferID,
			Bid:            order.Bid,
			RuneID:         order.RuneID.String(),
			RuneName:       order.RuneName,
			CollectionName: order.CollectionName,
			Amount:         order.Amount,
			UnitPrice:      order.UnitPrice,
			TotalPrice:     order.TotalPrice,
			Lister:         order.Lister,
			Buyer:          order.Buyer,
			ItemReceiver:   order.ItemReceiver,
			PSBT:           order.PSBT,
			TxID:           order.TxID,
			CreatedAt:      order.CreatedAt,
		}
	}

	return s.tx.Create(&rows).Error
}

// InsertActivities stores activities.
func (s *SQLTransaction) InsertActivities(activities []market.Activity) error {
	if len(activities) == 0 {
		return nil
	}

	rows := make([]SQLActivity, len(activities))
	for idx, activity := range activities {
		rows[idx] = SQLActivity{
			Type:           string(activity.Type),
			OfferID:        activity.OfferID,
			RuneID:         activity.RuneID.String(),
			RuneName:       activity.RuneName,
			CollectionName: activity.CollectionName,
			InscriptionID:  activity.InscriptionID,
			Lister:         activity.Lister,
			Receiver:       activity.Receiver,
			UnitPrice:      activity.UnitPrice,
			TotalPrice:     activity.TotalPrice,
			TxID:           activity.TxID,
			CreatedAt:      activity.CreatedAt,
		}
	}

	return s.tx.Create(&rows).Error
}
