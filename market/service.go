// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package market implements offer lifecycle and settlement of the marketplace.
package market

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/signer"
	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
	"github.com/BoostyLabs/runemarket/bitcoin/utils"
	"github.com/BoostyLabs/runemarket/internal/metrics"
)

const (
	// defaultRequestTimeout bounds a single external call if not configured.
	defaultRequestTimeout = 10 * time.Second
	// maxOfferIDs limits number of offers unlisted or checked by one request.
	maxOfferIDs = 100
)

// Config defines configurable values of the marketplace service.
type Config struct {
	Network           string        `long:"network" env:"NETWORK" description:"Bitcoin network: mainnet, testnet, signet or regtest."`
	ServiceFeeAddress string        `long:"service-fee-address" env:"SERVICE_FEE_ADDRESS" description:"Address receiving marketplace fee."`
	RequestTimeout    time.Duration `long:"request-timeout" description:"Timeout of a single indexer or chain request."`
}

// Service implements marketplace operations.
type Service struct {
	config           Config
	networkParams    *chaincfg.Params
	serviceFeeScript []byte

	builder   *txbuilder.TxBuilder
	validator *signer.Validator

	store   Store
	cache   Cache
	indexer Indexer
	chain   Chain
	metrics *metrics.Metrics

	now func() time.Time
}

// NewService is a constructor for Service.
func NewService(config Config, store Store, cache Cache, indexer Indexer, chain Chain, m *metrics.Metrics) (*Service, error) {
	networkParams, err := utils.NetworkParams(config.Network)
	if err != nil {
		return nil, err
	}

	serviceFeeScript, err := utils.AddressToScript(config.ServiceFeeAddress, networkParams)
	if err != nil {
		return nil, fmt.Errorf("service fee address: %w", err)
	}

	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	return &Service{
		config:           config,
		networkParams:    networkParams,
		serviceFeeScript: serviceFeeScript,
		builder:          txbuilder.NewTxBuilder(networkParams),
		validator:        signer.NewValidator(networkParams),
		store:            store,
		cache:            cache,
		indexer:          indexer,
		chain:            chain,
		metrics:          m,
		now:              time.Now,
	}, nil
}

// NetworkParams returns network the service works with.
func (service *Service) NetworkParams() *chaincfg.Params {
	return service.networkParams
}

// TipHeight returns height of the chain tip.
func (service *Service) TipHeight(ctx context.Context) (int64, error) {
	ctx, cancel := service.withTimeout(ctx)
	defer cancel()

	return service.chain.GetTipHeight(ctx)
}

// withTimeout bounds context of a single external call.
func (service *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, service.config.RequestTimeout)
}

// decodePSBT decodes request template.
func decodePSBT(encoded string) (*psbt.Packet, error) {
	if encoded == "" {
		return nil, ErrEmptyPSBT
	}

	p, err := txbuilder.DecodePSBT(encoded)
	if err != nil {
		return nil, newValidationError("psbt", err)
	}

	return p, nil
}

// validateAddress checks that address is valid for the service network.
func (service *Service) validateAddress(field, address string) error {
	if _, err := utils.DecodeAddress(address, service.networkParams); err != nil {
		return newValidationError(field, err)
	}

	return nil
}

// validateOfferIDs checks that ids are positive, unique and their number is within limit.
func validateOfferIDs(ids []int64, limit int) error {
	if len(ids) == 0 || len(ids) > limit {
		return newValidationError("offer ids", fmt.Errorf("expected from 1 to %d ids, got %d", limit, len(ids)))
	}

	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return newValidationError("offer ids", fmt.Errorf("id %d", id))
		}

		if _, ok := seen[id]; ok {
			return newValidationError("offer ids", fmt.Errorf("duplicate id %d", id))
		}

		seen[id] = struct{}{}
	}

	return nil
}

// activeOffers loads active offers by ids, missing or inactive ones are reported as stale.
func (service *Service) activeOffers(ctx context.Context, ids []int64) ([]Offer, error) {
	offers, err := service.store.OffersByIDs(ctx, ids, StatusActive)
	if err != nil {
		return nil, err
	}

	if missing := missingOfferIDs(ids, offers); len(missing) != 0 {
		return nil, &StaleAssetError{OfferIDs: missing, Reason: ErrOfferNoLongerActive}
	}

	return offers, nil
}

// spentOffers returns ids of offers which outputs are spent.
func (service *Service) spentOffers(ctx context.Context, offers []Offer) ([]int64, error) {
	var spent []int64
	for idx := range offers {
		isSpent, err := service.isOfferSpent(ctx, &offers[idx])
		if err != nil {
			return nil, err
		}

		if isSpent {
			spent = append(spent, offers[idx].ID)
		}
	}

	return spent, nil
}

// isOfferSpent returns true if any output of the offer is spent.
func (service *Service) isOfferSpent(ctx context.Context, offer *Offer) (bool, error) {
	for _, location := range offer.Locations() {
		ctx, cancel := service.withTimeout(ctx)
		spent, err := service.chain.IsOutputSpent(ctx, location.TxID, location.Vout)
		cancel()
		if err != nil {
			return false, fmt.Errorf("offer %d output %s: %w", offer.ID, location, err)
		}

		if spent {
			return true, nil
		}
	}

	return false, nil
}

// cancelOffers moves active offers to cancelled.
func (service *Service) cancelOffers(ctx context.Context, ids []int64, reason string) error {
	var cancelled int64
	err := service.store.Transaction(ctx, func(tx StoreTx) (err error) {
		cancelled, err = tx.CancelOffers(ids)
		return err
	})
	if err != nil {
		return err
	}

	service.metrics.OffersCancelled.WithLabelValues(reason).Add(float64(cancelled))
	log.WithFields(log.Fields{"offers": ids, "reason": reason, "cancelled": cancelled}).Info("offers cancelled")

	return nil
}

// missingOfferIDs returns ids absent in offers keeping ids order.
func missingOfferIDs(ids []int64, offers []Offer) []int64 {
	var missing []int64
	for _, id := range ids {
		found := slices.ContainsFunc(offers, func(offer Offer) bool { return offer.ID == id })
		if !found {
			missing = append(missing, id)
		}
	}

	return missing
}

// inputIndex returns index of the input spending location.
func inputIndex(tx *wire.MsgTx, location bitcoin.AssetLocation) (int, bool) {
	for idx, txIn := range tx.TxIn {
		outPoint := txIn.PreviousOutPoint
		if outPoint.Hash.String() == location.TxID && outPoint.Index == location.Vout {
			return idx, true
		}
	}

	return 0, false
}
