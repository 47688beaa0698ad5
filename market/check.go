// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package market

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/BoostyLabs/runemarket/internal/indexer"
)

// validityKey returns cache key of the offer validity fact.
func validityKey(id int64) string {
	return fmt.Sprintf("offer:%d:valid", id)
}

// CheckOffers returns ids of active offers which outputs still hold listed assets.
// Offers with spent or moved assets are cancelled. Positive results are cached.
func (service *Service) CheckOffers(ctx context.Context, ids []int64) ([]int64, error) {
	if err := validateOfferIDs(ids, maxOfferIDs); err != nil {
		return nil, err
	}

	offers, err := service.store.OffersByIDs(ctx, ids, StatusActive)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*Offer, len(offers))
	for idx := range offers {
		byID[offers[idx].ID] = &offers[idx]
	}

	var valid, invalid []int64
	for _, id := range ids {
		offer, ok := byID[id]
		if !ok {
			continue
		}

		if _, ok := service.cache.Get(validityKey(id)); ok {
			service.metrics.ValidityChecks.WithLabelValues("cached").Inc()
			valid = append(valid, id)
			continue
		}

		isValid, err := service.checkOffer(ctx, offer)
		if err != nil {
			service.metrics.ValidityChecks.WithLabelValues("error").Inc()
			log.WithError(err).WithField("offer", id).Warn("failed to check offer")
			continue
		}

		if !isValid {
			service.metrics.ValidityChecks.WithLabelValues("invalid").Inc()
			invalid = append(invalid, id)
			continue
		}

		service.metrics.ValidityChecks.WithLabelValues("valid").Inc()
		service.cache.SetNX(validityKey(id), "1")
		valid = append(valid, id)
	}

	if len(invalid) != 0 {
		if err = service.cancelOffers(ctx, invalid, "invalid"); err != nil {
			return nil, err
		}
	}

	return valid, nil
}

// checkOffer returns false if offer outputs are spent or do not hold listed assets anymore.
func (service *Service) checkOffer(ctx context.Context, offer *Offer) (bool, error) {
	spent, err := service.isOfferSpent(ctx, offer)
	if err != nil || spent {
		return false, err
	}

	if _, err = service.locationRuneBalance(ctx, offer.RuneID, offer.Location); err != nil {
		if isAssetError(err) {
			log.WithError(err).WithField("offer", offer.ID).Debug("offer rune moved")
			return false, nil
		}

		return false, err
	}

	if !offer.IsBundle() || offer.InscriptionLocation == nil {
		return true, nil
	}

	ctx, cancel := service.withTimeout(ctx)
	defer cancel()

	inscription, err := service.indexer.GetInscriptionInfo(ctx, offer.InscriptionID)
	if err != nil {
		if isAssetError(err) {
			return false, nil
		}

		return false, err
	}

	return inscription.Address == offer.Lister && inscription.Location.Equal(*offer.InscriptionLocation), nil
}

// isAssetError returns true if error states that asset is not where it is expected.
func isAssetError(err error) bool {
	return errors.Is(err, ErrInvalidAsset) || errors.Is(err, indexer.ErrNotFound)
}
