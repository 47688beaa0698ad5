// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package marketdb

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/BoostyLabs/runemarket/market"
)

// StoreMock is an in-memory market.Store. Transactions are serialized and
// rolled back when apply fails.
type StoreMock struct {
	mu         sync.Mutex
	offers     map[int64]market.Offer
	bids       map[string]int64
	orders     []market.Order
	activities []market.Activity
	lastID     int64
}

var _ market.Store = (*StoreMock)(nil)

// NewStoreMock creates a new mocked store.
func NewStoreMock() *StoreMock {
	return &StoreMock{
		offers: make(map[int64]market.Offer),
		bids:   make(map[string]int64),
	}
}

// storeMockTx implements market.StoreTx over locked StoreMock.
type storeMockTx struct {
	s *StoreMock
}

// Transaction runs apply holding the store lock and restores the previous
// state if apply fails.
func (s *StoreMock) Transaction(_ context.Context, apply func(tx market.StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		offers     = maps.Clone(s.offers)
		bids       = maps.Clone(s.bids)
		orders     = slices.Clone(s.orders)
		activities = slices.Clone(s.activities)
		lastID     = s.lastID
	)

	if err := apply(&storeMockTx{s: s}); err != nil {
		s.offers, s.bids, s.orders, s.activities, s.lastID = offers, bids, orders, activities, lastID
		return err
	}

	return nil
}

// OffersByIDs returns offers by ids.
func (s *StoreMock) OffersByIDs(_ context.Context, ids []int64, statuses ...market.Status) ([]market.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.offersByIDs(ids, statuses...), nil
}

// Offer returns offer by id.
func (s *StoreMock) Offer(id int64) (market.Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[id]
	return offer, ok
}

// Orders returns stored orders.
func (s *StoreMock) Orders() []market.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.orders)
}

// Activities returns stored activities.
func (s *StoreMock) Activities() []market.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.activities)
}

// offersByIDs returns offers ordered by id, caller must hold the lock.
func (s *StoreMock) offersByIDs(ids []int64, statuses ...market.Status) []market.Offer {
	var offers []market.Offer
	for _, id := range ids {
		offer, ok := s.offers[id]
		if !ok || (len(statuses) != 0 && !slices.Contains(statuses, offer.Status)) {
			continue
		}

		offers = append(offers, offer)
	}

	slices.SortFunc(offers, func(a, b market.Offer) int { return int(a.ID - b.ID) })

	return offers
}

// UpsertOffer inserts offer or updates the one with the same bid unless it is filled.
func (tx *storeMockTx) UpsertOffer(offer *market.Offer) error {
	now := time.Now().UTC()
	stored := *offer
	stored.UpdatedAt = now

	if id, ok := tx.s.bids[offer.Bid]; ok {
		existing := tx.s.offers[id]
		if existing.Status == market.StatusFilled {
			offer.ID = id
			return market.ErrOfferNoLongerActive
		}

		stored.ID = id
		stored.CreatedAt = existing.CreatedAt
	} else {
		tx.s.lastID++
		stored.ID = tx.s.lastID
		stored.CreatedAt = now
	}

	tx.s.offers[stored.ID] = stored
	tx.s.bids[stored.Bid] = stored.ID

	offer.ID = stored.ID
	offer.CreatedAt = stored.CreatedAt
	offer.UpdatedAt = stored.UpdatedAt

	return nil
}

// OffersByIDs returns offers by ids.
func (tx *storeMockTx) OffersByIDs(ids []int64, statuses ...market.Status) ([]market.Offer, error) {
	return tx.s.offersByIDs(ids, statuses...), nil
}

// FillOffers moves active offers to filled.
func (tx *storeMockTx) FillOffers(ids []int64) (int64, error) {
	return tx.updateActiveStatus(ids, market.StatusFilled), nil
}

// CancelOffers moves active offers to cancelled.
func (tx *storeMockTx) CancelOffers(ids []int64) (int64, error) {
	return tx.updateActiveStatus(ids, market.StatusCancelled), nil
}

// updateActiveStatus moves active offers to the status and returns number of updated offers.
func (tx *storeMockTx) updateActiveStatus(ids []int64, status market.Status) int64 {
	var affected int64
	for _, id := range ids {
		offer, ok := tx.s.offers[id]
		if !ok || !offer.Status.CanTransition(status) {
			continue
		}

		offer.Status = status
		offer.UpdatedAt = time.Now().UTC()
		tx.s.offers[id] = offer
		affected++
	}

	return affected
}

// InsertOrders stores orders.
func (tx *storeMockTx) InsertOrders(orders []market.Order) error {
	for _, order := range orders {
		order.ID = int64(len(tx.s.orders) + 1)
		tx.s.orders = append(tx.s.orders, order)
	}

	return nil
}

// InsertActivities stores activities.
func (tx *storeMockTx) InsertActivities(activities []market.Activity) error {
	for _, activity := range activities {
		activity.ID = int64(len(tx.s.activities) + 1)
		tx.s.activities = append(tx.s.activities, activity)
	}

	return nil
}
