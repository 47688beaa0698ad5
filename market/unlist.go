// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package market

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/BoostyLabs/runemarket/bitcoin/signer"
)

// unlistMessagePrefix starts the message sellers sign to unlist offers.
const unlistMessagePrefix = "Unlist runemarket offers: "

// UnlistMessage returns message the seller signs to unlist offers, ids are sorted ascending.
func UnlistMessage(ids []int64) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)

	parts := make([]string, len(sorted))
	for idx, id := range sorted {
		parts[idx] = strconv.FormatInt(id, 10)
	}

	return unlistMessagePrefix + strings.Join(parts, ",")
}

// UnlistOffers cancels active offers authorized by the lister signature of UnlistMessage.
// Returns ids of cancelled offers, already filled or cancelled ones are skipped.
func (service *Service) UnlistOffers(ctx context.Context, ids []int64, signature string) ([]int64, error) {
	if err := validateOfferIDs(ids, maxOfferIDs); err != nil {
		return nil, err
	}

	if signature == "" {
		return nil, newValidationError("signature", errors.New("empty"))
	}

	offers, err := service.store.OffersByIDs(ctx, ids, StatusActive)
	if err != nil {
		return nil, err
	}

	if len(offers) == 0 {
		return nil, &StaleAssetError{OfferIDs: ids, Reason: ErrOfferNoLongerActive}
	}

	message := UnlistMessage(ids)
	verified := make(map[string]struct{})
	for _, offer := range offers {
		if _, ok := verified[offer.Lister]; ok {
			continue
		}

		if err = signer.VerifyMessage(offer.Lister, signature, message, service.networkParams); err != nil {
			return nil, err
		}

		verified[offer.Lister] = struct{}{}
	}

	var cancelled []int64
	err = service.store.Transaction(ctx, func(tx StoreTx) error {
		active, err := tx.OffersByIDs(ids, StatusActive)
		if err != nil {
			return err
		}

		activeIDs := make([]int64, len(active))
		activities := make([]Activity, len(active))
		for idx := range active {
			activeIDs[idx] = active[idx].ID
			activities[idx] = newActivity(ActivityUnlist, &active[idx], "", "", service.now())
		}

		if len(activeIDs) == 0 {
			return nil
		}

		if _, err = tx.CancelOffers(activeIDs); err != nil {
			return err
		}

		if err = tx.InsertActivities(activities); err != nil {
			return err
		}

		cancelled = activeIDs
		return nil
	})
	if err != nil {
		return nil, err
	}

	service.metrics.OffersCancelled.WithLabelValues("unlist").Add(float64(len(cancelled)))
	log.WithField("offers", cancelled).Info("offers unlisted")

	return cancelled, nil
}
