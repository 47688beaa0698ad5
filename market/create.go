// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package market

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/ord/runes"
	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
	"github.com/BoostyLabs/runemarket/bitcoin/utils"
	"github.com/BoostyLabs/runemarket/internal/indexer"
)

// CreateOfferRequest describes seller signed listing template.
type CreateOfferRequest struct {
	PSBT      string // base64 or hex template signed with SIGHASH_SINGLE|ANYONECANPAY.
	Address   string // lister address owning template inputs.
	RuneID    string // "block:tx".
	UnitPrice string // decimal price in Satoshi per rune unit.
}

// CreateOffer validates seller signed template and lists it. Listing of the same
// locations updates the existing offer.
func (service *Service) CreateOffer(ctx context.Context, req CreateOfferRequest) (*Offer, error) {
	if err := service.validateAddress("address", req.Address); err != nil {
		return nil, err
	}

	runeID, err := runes.NewRuneIDFromString(req.RuneID)
	if err != nil {
		return nil, newValidationError("rune id", err)
	}

	unitPrice, err := decimal.NewFromString(req.UnitPrice)
	if err != nil {
		return nil, newValidationError("unit price", err)
	}

	if !unitPrice.IsPositive() {
		return nil, newValidationError("unit price", fmt.Errorf("%s is not positive", req.UnitPrice))
	}

	p, err := decodePSBT(req.PSBT)
	if err != nil {
		return nil, err
	}

	kind, err := txbuilder.DetectKind(p)
	if err != nil {
		return nil, &ShapeMismatchError{Err: err}
	}

	if err = checkListingShape(p); err != nil {
		return nil, err
	}

	for idx := range p.Inputs {
		if p.Inputs[idx].WitnessUtxo == nil {
			return nil, newValidationError("psbt", fmt.Errorf("%w: input %d", txbuilder.ErrMissingWitnessUtxo, idx))
		}
	}

	inputs := make([]int, len(p.Inputs))
	for idx := range inputs {
		inputs[idx] = idx
	}

	err = service.validator.ValidateInputs(p, inputs, req.Address, txbuilder.SellerSigHashType)
	if err != nil {
		return nil, err
	}

	locations := templateLocations(p)
	runeLocation := locations[len(locations)-1]

	runeAsset, amount, err := service.listedRune(ctx, runeID, runeLocation)
	if err != nil {
		return nil, err
	}

	inscription, err := service.listedInscription(ctx, req.Address, locations[0])
	if err != nil {
		return nil, err
	}

	if kind == txbuilder.KindSplit && inscription == nil {
		return nil, fmt.Errorf("%w: split template input 0 does not hold an inscription", ErrInputKind)
	}

	fragment, err := txbuilder.NewFragmentFromSigned(p, kind)
	if err != nil {
		return nil, &ShapeMismatchError{Err: err}
	}

	unsigned, finalized, err := txbuilder.Templates(fragment)
	if err != nil {
		return nil, err
	}

	unsignedPSBT, err := txbuilder.EncodePSBT(unsigned)
	if err != nil {
		return nil, err
	}

	signedPSBT, err := txbuilder.EncodePSBT(finalized)
	if err != nil {
		return nil, err
	}

	fundingReceiver, err := utils.ScriptToAddress(fragment.Legs()[0].Payout.PkScript, service.networkParams)
	if err != nil {
		return nil, newValidationError("funding receiver", err)
	}

	offer := &Offer{
		Bid:             fragment.Bid(),
		RuneID:          runeID,
		RuneName:        runeAsset.Name,
		RuneSpacedName:  runeAsset.SpacedName,
		Symbol:          runeAsset.Symbol,
		Divisibility:    runeAsset.Divisibility,
		Amount:          bitcoin.NormalizeRuneAmount(amount.Amount, runeAsset.Divisibility),
		Lister:          req.Address,
		FundingReceiver: fundingReceiver,
		Location:        runeLocation,
		Kind:            kind,
		UnitPrice:       unitPrice,
		TotalPrice:      txbuilder.TotalPrice(fragment),
		UnsignedPSBT:    unsignedPSBT,
		PSBT:            signedPSBT,
		Status:          StatusActive,
	}
	if inscription != nil {
		location := inscription.Location
		offer.InscriptionID = inscription.ID
		offer.InscriptionLocation = &location
		offer.CollectionName = runeAsset.SpacedName
	}

	err = service.store.Transaction(ctx, func(tx StoreTx) error {
		if err := tx.UpsertOffer(offer); err != nil {
			return err
		}

		return tx.InsertActivities([]Activity{newActivity(ActivityList, offer, "", "", service.now())})
	})
	if err != nil {
		if errors.Is(err, ErrOfferNoLongerActive) {
			return nil, &StaleAssetError{OfferIDs: []int64{offer.ID}, Reason: err}
		}

		return nil, err
	}

	service.metrics.OffersCreated.Inc()
	log.WithFields(log.Fields{
		"offer": offer.ID,
		"rune":  offer.RuneID.String(),
		"kind":  offer.Kind.String(),
		"price": offer.TotalPrice,
	}).Info("offer listed")

	return offer, nil
}

// checkListingShape checks that every input is paired with a non dust payout which covers the input value.
func checkListingShape(p *psbt.Packet) error {
	tx := p.UnsignedTx
	if len(tx.TxOut) != len(tx.TxIn) {
		return &ShapeMismatchError{Err: fmt.Errorf("%d inputs and %d outputs", len(tx.TxIn), len(tx.TxOut))}
	}

	for idx, txOut := range tx.TxOut {
		if !bytes.Equal(txOut.PkScript, tx.TxOut[0].PkScript) {
			return &ShapeMismatchError{Err: fmt.Errorf("output %d pays another receiver", idx)}
		}

		if txOut.Value < bitcoin.DustLimit {
			return newValidationError("psbt", fmt.Errorf("%w: output %d is below dust", txbuilder.ErrInsufficientOutputValue, idx))
		}

		if input := p.Inputs[idx].WitnessUtxo; input != nil && input.Value >= txOut.Value {
			return newValidationError("psbt", fmt.Errorf("%w: input %d value %d is not covered by output", txbuilder.ErrInsufficientOutputValue, idx, input.Value))
		}
	}

	return nil
}

// templateLocations returns outputs spent by the template.
func templateLocations(p *psbt.Packet) []bitcoin.AssetLocation {
	locations := make([]bitcoin.AssetLocation, len(p.UnsignedTx.TxIn))
	for idx, txIn := range p.UnsignedTx.TxIn {
		locations[idx] = bitcoin.AssetLocation{
			TxID:  txIn.PreviousOutPoint.Hash.String(),
			Vout:  txIn.PreviousOutPoint.Index,
			Value: p.Inputs[idx].WitnessUtxo.Value,
		}
	}

	return locations
}

// listedRune returns rune metadata and balance of the location which must hold only the listed rune.
func (service *Service) listedRune(ctx context.Context, runeID runes.RuneID, location bitcoin.AssetLocation) (bitcoin.RuneAsset, bitcoin.RuneBalance, error) {
	infoCtx, cancel := service.withTimeout(ctx)
	runeAsset, err := service.indexer.GetRuneInfo(infoCtx, runeID)
	cancel()
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			return bitcoin.RuneAsset{}, bitcoin.RuneBalance{}, fmt.Errorf("%w: unknown rune %s", ErrInvalidAsset, runeID)
		}

		return bitcoin.RuneAsset{}, bitcoin.RuneBalance{}, err
	}

	balance, err := service.locationRuneBalance(ctx, runeID, location)
	if err != nil {
		return bitcoin.RuneAsset{}, bitcoin.RuneBalance{}, err
	}

	return runeAsset, balance, nil
}

// locationRuneBalance returns balance of the location which must hold only the rune.
func (service *Service) locationRuneBalance(ctx context.Context, runeID runes.RuneID, location bitcoin.AssetLocation) (bitcoin.RuneBalance, error) {
	ctx, cancel := service.withTimeout(ctx)
	defer cancel()

	balances, err := service.indexer.GetUTXORuneBalance(ctx, location)
	if err != nil {
		return bitcoin.RuneBalance{}, err
	}

	if len(balances) != 1 {
		return bitcoin.RuneBalance{}, fmt.Errorf("%w: output %s holds %d runes", ErrInvalidAsset, location, len(balances))
	}

	balance := balances[0]
	if balance.RuneID != runeID || balance.Amount == nil || balance.Amount.Sign() <= 0 {
		return bitcoin.RuneBalance{}, fmt.Errorf("%w: output %s does not hold rune %s", ErrInvalidAsset, location, runeID)
	}

	return balance, nil
}

// listedInscription returns inscription of the lister located at the output or nil.
func (service *Service) listedInscription(ctx context.Context, lister string, location bitcoin.AssetLocation) (*bitcoin.Inscription, error) {
	ctx, cancel := service.withTimeout(ctx)
	defer cancel()

	inscriptions, err := service.indexer.GetAddressInscriptions(ctx, lister)
	if err != nil {
		return nil, err
	}

	for idx := range inscriptions {
		if inscriptions[idx].Location.Equal(location) {
			return &inscriptions[idx], nil
		}
	}

	return nil, nil
}
