// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package market

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/signer"
	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
	"github.com/BoostyLabs/runemarket/bitcoin/utils"
	"github.com/BoostyLabs/runemarket/internal/esplora"
)

// maxFeeRate bounds settlement fee rate in satoshi per virtual byte.
const maxFeeRate = 10000

// PrepareSettlementRequest describes buyer intent to fill offers.
type PrepareSettlementRequest struct {
	OfferIDs        []int64
	BuyerAddress    string // payment, padding and change address.
	BuyerPubKey     string // hex public key, needed for taproot and nested segwit buyers.
	ReceiverAddress string   // asset receiver address.
	FeeRate         int64    // in satoshi per virtual byte.
	PaddingUTXOs    []string // optional buyer outputs as "txid:vout" to spend as padding.
}

// PreparedSettlement describes settlement skeleton for buyer co-signature.
// Split is set when buyer has no padding outputs, it must be signed together
// with the settlement and is broadcast before it.
type PreparedSettlement struct {
	PSBT             string
	SignIndexes      []int
	Fee              int64
	ServiceFee       int64
	OfferIDs         []int64 // in settlement order.
	SplitPSBT        string
	SplitSignIndexes []int
	SplitFee         int64
}

// SubmitSettlementRequest describes buyer signed settlement.
type SubmitSettlementRequest struct {
	PSBT            string
	BuyerAddress    string
	ReceiverAddress string
	SignIndexes     []int // inputs signed by the buyer.
	OfferIDs        []int64
	SplitPSBT       string // optional buyer signed padding split.
}

// SubmittedSettlement describes broadcast settlement.
type SubmittedSettlement struct {
	TxID     string
	OfferIDs []int64
}

// PrepareSettlement builds settlement of active offers paid by buyer utxos
// which do not hold runes or inscriptions.
func (service *Service) PrepareSettlement(ctx context.Context, req PrepareSettlementRequest) (*PreparedSettlement, error) {
	if err := validateOfferIDs(req.OfferIDs, txbuilder.MaxSettlementOffers); err != nil {
		return nil, err
	}

	if req.FeeRate <= 0 || req.FeeRate > maxFeeRate {
		return nil, newValidationError("fee rate", fmt.Errorf("%d is out of range", req.FeeRate))
	}

	if err := service.validateAddress("buyer address", req.BuyerAddress); err != nil {
		return nil, err
	}

	if err := service.validateAddress("receiver address", req.ReceiverAddress); err != nil {
		return nil, err
	}

	offers, err := service.activeOffers(ctx, req.OfferIDs)
	if err != nil {
		return nil, err
	}

	utxos, err := service.paymentUTXOs(ctx, req.BuyerAddress)
	if err != nil {
		return nil, err
	}

	padding, err := paddingUTXOs(utxos, req.PaddingUTXOs)
	if err != nil {
		return nil, err
	}

	settlementOffers := make([]txbuilder.SettlementOffer, len(offers))
	for idx := range offers {
		settlementOffers[idx] = offers[idx].settlementOffer()
	}

	settlement, err := service.builder.BuildSettlement(txbuilder.SettlementParams{
		Offers:            settlementOffers,
		PaymentUTXOs:      utxos,
		PaddingUTXOs:      padding,
		BuyerAddress:      req.BuyerAddress,
		BuyerPubKey:       req.BuyerPubKey,
		ReceiverAddress:   req.ReceiverAddress,
		FeeRate:           req.FeeRate,
		ServiceFeeAddress: service.config.ServiceFeeAddress,
	})
	if err != nil {
		switch {
		case errors.Is(err, txbuilder.ErrOfferCountMismatch):
			log.WithError(err).WithField("offers", req.OfferIDs).Warn("stored offers diverge from their templates")
			return nil, &ShapeMismatchError{OfferIDs: req.OfferIDs, Err: err}
		case errors.Is(err, utils.ErrInvalidAddress), errors.Is(err, txbuilder.ErrUnsupportedPaymentAddress):
			return nil, newValidationError("buyer", err)
		}

		return nil, err
	}

	encoded, err := txbuilder.EncodePSBT(settlement.Packet)
	if err != nil {
		return nil, err
	}

	prepared := &PreparedSettlement{
		PSBT:        encoded,
		SignIndexes: settlement.SignIndexes,
		Fee:         settlement.Fee,
		ServiceFee:  settlement.ServiceFee,
		OfferIDs:    settlement.OfferIDs,
	}
	if settlement.Split == nil {
		return prepared, nil
	}

	prepared.SplitPSBT, err = txbuilder.EncodePSBT(settlement.Split.Packet)
	if err != nil {
		return nil, err
	}
	prepared.SplitSignIndexes = settlement.Split.SignIndexes
	prepared.SplitFee = settlement.Split.Fee

	log.WithFields(log.Fields{"buyer": req.BuyerAddress, "split": settlement.Split.TxID()}).Debug("padding split prepared")

	return prepared, nil
}

// paddingUTXOs returns payment utxos referenced as "txid:vout" in request order.
func paddingUTXOs(utxos []bitcoin.UTXO, locations []string) ([]bitcoin.UTXO, error) {
	padding := make([]bitcoin.UTXO, 0, len(locations))
	seen := make(map[string]struct{}, len(locations))
	for _, location := range locations {
		if _, ok := seen[location]; ok {
			return nil, newValidationError("padding utxos", fmt.Errorf("%s is duplicated", location))
		}
		seen[location] = struct{}{}

		idx := slices.IndexFunc(utxos, func(utxo bitcoin.UTXO) bool {
			return utxo.Location().String() == location
		})
		if idx < 0 {
			return nil, newValidationError("padding utxos", fmt.Errorf("%s is not a free buyer output", location))
		}

		padding = append(padding, utxos[idx])
	}

	return padding, nil
}

// paymentUTXOs returns buyer utxos which can be spent as payment.
func (service *Service) paymentUTXOs(ctx context.Context, address string) ([]bitcoin.UTXO, error) {
	ctx, cancel := service.withTimeout(ctx)
	defer cancel()

	utxos, err := service.indexer.GetAddressUTXOs(ctx, address)
	if err != nil {
		return nil, err
	}

	inscriptions, err := service.indexer.GetAddressInscriptions(ctx, address)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(utxos, func(utxo bitcoin.UTXO) bool {
		if len(utxo.Runes) != 0 {
			return true
		}

		return slices.ContainsFunc(inscriptions, func(inscription bitcoin.Inscription) bool {
			return inscription.Location.Equal(utxo.Location())
		})
	}), nil
}

// SubmitSettlement verifies buyer signed settlement against stored offers,
// fills the offers and broadcasts the transaction atomically.
func (service *Service) SubmitSettlement(ctx context.Context, req SubmitSettlementRequest) (_ *SubmittedSettlement, err error) {
	defer func() {
		result := "filled"
		switch {
		case err == nil:
		case errors.Is(err, ErrStaleAsset):
			result = "stale"
		case errors.Is(err, ErrBroadcast):
			result = "rejected"
		default:
			result = "invalid"
		}

		service.metrics.Settlements.WithLabelValues(result).Inc()
	}()

	if err = validateOfferIDs(req.OfferIDs, txbuilder.MaxSettlementOffers); err != nil {
		return nil, err
	}

	if len(req.SignIndexes) == 0 {
		return nil, newValidationError("sign indexes", errors.New("empty"))
	}

	if err = service.validateAddress("buyer address", req.BuyerAddress); err != nil {
		return nil, err
	}

	if err = service.validateAddress("receiver address", req.ReceiverAddress); err != nil {
		return nil, err
	}

	p, err := decodePSBT(req.PSBT)
	if err != nil {
		return nil, err
	}

	offers, err := service.activeOffers(ctx, req.OfferIDs)
	if err != nil {
		return nil, err
	}

	if err = service.verifySettlement(p, req, offers); err != nil {
		return nil, err
	}

	var rawSplit string
	if req.SplitPSBT != "" {
		if rawSplit, err = service.verifyPaddingSplit(p, req); err != nil {
			return nil, err
		}
	}

	// cached validity is not authoritative, outputs are rechecked right before broadcast.
	spent, err := service.spentOffers(ctx, offers)
	if err != nil {
		return nil, err
	}

	if len(spent) != 0 {
		if err = service.cancelOffers(ctx, spent, "spent"); err != nil {
			return nil, err
		}

		return nil, &StaleAssetError{OfferIDs: spent, Reason: ErrInputsSpent}
	}

	if err = signer.FinalizeInputs(p, req.SignIndexes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	signedPSBT, err := txbuilder.EncodePSBT(p)
	if err != nil {
		return nil, err
	}

	tx, err := psbt.Extract(p)
	if err != nil {
		return nil, newValidationError("psbt", err)
	}

	var rawTx bytes.Buffer
	if err = tx.Serialize(&rawTx); err != nil {
		return nil, err
	}

	txID := tx.TxHash().String()
	now := service.now()
	orders := make([]Order, len(offers))
	activities := make([]Activity, len(offers))
	for idx := range offers {
		offer := &offers[idx]
		orders[idx] = Order{
			OfferID:        offer.ID,
			Bid:            offer.Bid,
			RuneID:         offer.RuneID,
			RuneName:       offer.RuneSpacedName,
			CollectionName: offer.CollectionName,
			Amount:         offer.Amount,
			UnitPrice:      offer.UnitPrice,
			TotalPrice:     offer.TotalPrice,
			Lister:         offer.Lister,
			Buyer:          req.BuyerAddress,
			ItemReceiver:   req.ReceiverAddress,
			PSBT:           signedPSBT,
			TxID:           txID,
			CreatedAt:      now,
		}
		activities[idx] = newActivity(ActivityBuy, offer, req.ReceiverAddress, txID, now)
	}

	var broadcastErr error
	err = service.store.Transaction(ctx, func(storeTx StoreTx) error {
		filled, err := storeTx.FillOffers(req.OfferIDs)
		if err != nil {
			return err
		}

		if filled != int64(len(req.OfferIDs)) {
			return ErrOfferNoLongerActive
		}

		if err = storeTx.InsertOrders(orders); err != nil {
			return err
		}

		if err = storeTx.InsertActivities(activities); err != nil {
			return err
		}

		broadcastCtx, cancel := service.withTimeout(ctx)
		defer cancel()

		// settlement padding spends split outputs.
		if rawSplit != "" {
			if _, broadcastErr = service.chain.BroadcastTransaction(broadcastCtx, rawSplit); broadcastErr != nil {
				return broadcastErr
			}
		}

		if _, broadcastErr = service.chain.BroadcastTransaction(broadcastCtx, hex.EncodeToString(rawTx.Bytes())); broadcastErr != nil {
			return broadcastErr
		}

		return nil
	})
	switch {
	case err == nil:
	case broadcastErr != nil:
		return nil, service.handleBroadcastError(ctx, offers, broadcastErr)
	case errors.Is(err, ErrOfferNoLongerActive):
		return nil, service.noLongerActiveError(ctx, req.OfferIDs)
	default:
		return nil, err
	}

	service.metrics.OffersFilled.Add(float64(len(offers)))
	log.WithFields(log.Fields{"txid": txID, "offers": req.OfferIDs}).Info("settlement broadcast")

	return &SubmittedSettlement{TxID: txID, OfferIDs: req.OfferIDs}, nil
}

// verifySettlement attaches stored seller witnesses and checks signatures and
// marketplace fee of the buyer returned settlement.
func (service *Service) verifySettlement(p *psbt.Packet, req SubmitSettlementRequest, offers []Offer) error {
	settlementOffers := make([]txbuilder.SettlementOffer, len(offers))
	var totalPrice int64
	for idx := range offers {
		settlementOffers[idx] = offers[idx].settlementOffer()
		totalPrice += offers[idx].TotalPrice
	}

	sellerIndexes, err := txbuilder.AttachSellerWitnesses(p, settlementOffers)
	if err != nil {
		log.WithError(err).WithField("offers", req.OfferIDs).Warn("settlement diverges from offer templates")
		return &ShapeMismatchError{OfferIDs: req.OfferIDs, Err: err}
	}

	for _, idx := range req.SignIndexes {
		if slices.Contains(sellerIndexes, idx) {
			return newValidationError("sign indexes", fmt.Errorf("input %d belongs to a seller", idx))
		}
	}

	for idx := range offers {
		offer := &offers[idx]
		for _, location := range offer.Locations() {
			inputIdx, ok := inputIndex(p.UnsignedTx, location)
			if !ok {
				return &ShapeMismatchError{OfferIDs: []int64{offer.ID}, Err: fmt.Errorf("output %s is not spent", location)}
			}

			if err = service.validator.ValidateInput(p, inputIdx, offer.Lister, txbuilder.SellerSigHashType); err != nil {
				return fmt.Errorf("offer %d: %w", offer.ID, err)
			}
		}
	}

	err = service.validator.ValidateInputs(p, req.SignIndexes, req.BuyerAddress, txscript.SigHashAll, txscript.SigHashDefault)
	if err != nil {
		return err
	}

	if err = txbuilder.VerifyServiceFee(p.UnsignedTx, service.serviceFeeScript, totalPrice); err != nil {
		return &ShapeMismatchError{OfferIDs: req.OfferIDs, Err: err}
	}

	return nil
}

// verifyPaddingSplit checks buyer signatures of the split which outputs are
// spent by the settlement and returns it hex encoded.
func (service *Service) verifyPaddingSplit(settlement *psbt.Packet, req SubmitSettlementRequest) (string, error) {
	p, err := decodePSBT(req.SplitPSBT)
	if err != nil {
		return "", err
	}

	indexes := make([]int, len(p.Inputs))
	for idx := range indexes {
		indexes[idx] = idx
	}

	err = service.validator.ValidateInputs(p, indexes, req.BuyerAddress, txscript.SigHashAll, txscript.SigHashDefault)
	if err != nil {
		return "", err
	}

	if err = signer.FinalizeInputs(p, indexes); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	tx, err := psbt.Extract(p)
	if err != nil {
		return "", newValidationError("split psbt", err)
	}

	// nested segwit script sigs are part of the split hash.
	splitHash := tx.TxHash()
	if !slices.ContainsFunc(settlement.UnsignedTx.TxIn, func(txIn *wire.TxIn) bool {
		return txIn.PreviousOutPoint.Hash == splitHash
	}) {
		return "", newValidationError("split psbt", errors.New("settlement does not spend split outputs"))
	}

	var rawTx bytes.Buffer
	if err = tx.Serialize(&rawTx); err != nil {
		return "", err
	}

	return hex.EncodeToString(rawTx.Bytes()), nil
}

// handleBroadcastError cancels offers which outputs are spent if the node
// rejected settlement because of spent inputs.
func (service *Service) handleBroadcastError(ctx context.Context, offers []Offer, broadcastErr error) error {
	log.WithError(broadcastErr).Warn("settlement broadcast rejected")
	if !errors.Is(broadcastErr, esplora.ErrInputsSpent) {
		return &BroadcastError{Err: broadcastErr}
	}

	spent, err := service.spentOffers(ctx, offers)
	if err != nil {
		return &BroadcastError{Err: errors.Join(broadcastErr, err)}
	}

	if len(spent) != 0 {
		if err = service.cancelOffers(ctx, spent, "spent"); err != nil {
			return &BroadcastError{Err: errors.Join(broadcastErr, err)}
		}
	}

	return &BroadcastError{OfferIDs: spent, Err: fmt.Errorf("%w: %w", ErrInputsSpent, broadcastErr)}
}

// noLongerActiveError returns stale error with offers filled or cancelled concurrently.
func (service *Service) noLongerActiveError(ctx context.Context, ids []int64) error {
	offers, err := service.store.OffersByIDs(ctx, ids, StatusActive)
	if err != nil {
		return &StaleAssetError{OfferIDs: ids, Reason: ErrOfferNoLongerActive}
	}

	missing := missingOfferIDs(ids, offers)
	if len(missing) == 0 {
		missing = ids
	}

	return &StaleAssetError{OfferIDs: missing, Reason: ErrOfferNoLongerActive}
}
