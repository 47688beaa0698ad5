// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/ord/runes"
	"github.com/BoostyLabs/runemarket/bitcoin/utils"
)

const (
	// MaxSettlementOffers defines the biggest number of offers filled by one transaction.
	MaxSettlementOffers = 8
	// serviceFeeDivisor defines marketplace fee as 1/100 of aggregate total price.
	serviceFeeDivisor int64 = 100
)

var (
	// ErrTooManyOffers defines settlement with no offers or above the bulk limit.
	ErrTooManyOffers = errors.New("invalid offers number")
	// ErrOfferCountMismatch defines reconstructed settlement which diverges from stored offer templates.
	ErrOfferCountMismatch = errors.New("offer count mismatch")
	// ErrMissingServiceFee defines settlement which does not pay marketplace fee.
	ErrMissingServiceFee = errors.New("missing service fee output")
)

// SettlementOffer describes stored Active offer to be filled.
type SettlementOffer struct {
	ID         int64
	RuneID     runes.RuneID
	Kind       FragmentKind
	TotalPrice int64  // in Satoshi, sum of the template payouts.
	SignedPSBT string // finalized seller template.
}

// SettlementParams describes data needed to build settlement transaction skeleton.
type SettlementParams struct {
	Offers            []SettlementOffer
	PaymentUTXOs      []bitcoin.UTXO // buyer utxos to pay with.
	PaddingUTXOs      []bitcoin.UTXO // optional, picked from payment utxos or created by a split if empty.
	BuyerAddress      string         // payment, padding and change address.
	BuyerPubKey       string         // optional hex public key of the payment address.
	ReceiverAddress   string         // asset receiver address.
	FeeRate           int64          // in satoshi per virtual byte.
	ServiceFeeAddress string
}

// Settlement describes settlement transaction skeleton for buyer co-signature.
type Settlement struct {
	Packet      *psbt.Packet
	SignIndexes []int         // buyer inputs to sign.
	Fee         int64         // network fee in Satoshi.
	ServiceFee  int64         // marketplace fee in Satoshi.
	OfferIDs    []int64       // offers in settlement order.
	Split       *PaddingSplit // nil if buyer utxos are used as padding as is.
}

// settlementOffer is an offer with its re-extracted fragment.
type settlementOffer struct {
	SettlementOffer
	fragment Fragment
}

// ServiceFee returns marketplace fee for aggregate total price, floor rounded and raised to dust.
func ServiceFee(totalPrice int64) int64 {
	return max(totalPrice/serviceFeeDivisor, bitcoin.DustLimit)
}

// BuildSettlement merges offers fragments with buyer inputs into one transaction.
// Seller inputs carry finalized witnesses copied from stored templates, buyer
// inputs are left for the buyer to sign.
//
//	Tx struct, N offers, S of them split
//	inputs:
//	┌─────────────┬──────────────┬────────────────────────────────────────┐
//	│    index    │     type     │             description                │
//	├=============┼==============┼========================================┤
//	│   0 - N     │ padding      │ buyer utxos or split outputs           │
//	├─────────────┼──────────────┼────────────────────────────────────────┤
//	│ N+1 - 2N    │ seller       │ inscription leg (whole merged asset)   │
//	├─────────────┼──────────────┼────────────────────────────────────────┤
//	│ 2N+1 - 2N+S │ seller       │ rune leg of split offers               │
//	├─────────────┼──────────────┼────────────────────────────────────────┤
//	│ 2N+S+1 - .. │ payment      │ buyer utxos chosen by coin selection   │
//	└─────────────┴──────────────┴────────────────────────────────────────┘
//
//	outputs:
//	┌─────────────┬──────────────┬────────────────────────────────────────┐
//	│    index    │     type     │             description                │
//	├=============┼==============┼========================================┤
//	│           0 │ padding      │ sum of padding inputs back to buyer    │
//	├─────────────┼──────────────┼────────────────────────────────────────┤
//	│     1 - N   │ receiver     │ asset to buyer, value of the leg       │
//	├─────────────┼──────────────┼────────────────────────────────────────┤
//	│ N+1 - 2N+S  │ payout       │ seller outputs verbatim                │
//	├─────────────┼──────────────┼────────────────────────────────────────┤
//	│      2N+S+1 │ service fee  │ 1% of aggregate total price            │
//	├─────────────┼──────────────┼────────────────────────────────────────┤
//	│      2N+S+2 │ runestone    │ edicts moving runes to receivers       │
//	├─────────────┼──────────────┼────────────────────────────────────────┤
//	│      2N+S+3 │ change       │ optional, change to buyer              │
//	└─────────────┴──────────────┴────────────────────────────────────────┘
func (b *TxBuilder) BuildSettlement(params SettlementParams) (*Settlement, error) {
	if len(params.Offers) == 0 || len(params.Offers) > MaxSettlementOffers {
		return nil, fmt.Errorf("%w: %d", ErrTooManyOffers, len(params.Offers))
	}

	offers, err := extractOffers(params.Offers)
	if err != nil {
		return nil, err
	}

	buyer, err := NewPSBTInputBuilder(params.BuyerPubKey, params.BuyerAddress, b.networkParams)
	if err != nil {
		return nil, err
	}

	receiverScript, err := utils.AddressToScript(params.ReceiverAddress, b.networkParams)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}

	serviceFeeScript, err := utils.AddressToScript(params.ServiceFeeAddress, b.networkParams)
	if err != nil {
		return nil, fmt.Errorf("service fee: %w", err)
	}

	paymentUTXOs := withScript(params.PaymentUTXOs, buyer.Script())
	padding := withScript(params.PaddingUTXOs, buyer.Script())
	if len(padding) != 0 && len(padding) != len(offers)+1 {
		return nil, NewInsufficientError(InsufficientErrorTypePadding, int64(len(offers)+1), int64(len(padding))).setCauser(CauserBuyer)
	}

	var paddingSplit *PaddingSplit
	if len(padding) == 0 {
		padding = paddingCandidates(paymentUTXOs, len(offers)+1)
	}
	if len(padding) == 0 {
		paddingSplit, err = b.buildPaddingSplit(buyer, paymentUTXOs, len(offers)+1, params.FeeRate)
		if err != nil {
			return nil, err
		}

		padding = paddingSplit.Padding
		paymentUTXOs = paddingSplit.remaining(paymentUTXOs)
	}

	var (
		tx         = wire.NewMsgTx(txVersion)
		legs       = make([]Leg, 0, 2*len(offers))
		committed  = make([]CommittedInput, 0, len(padding)+2*len(offers))
		paddingSum int64
		totalPrice int64
	)

	for _, utxo := range padding {
		if err = addUTXOInput(tx, utxo); err != nil {
			return nil, err
		}

		paddingSum += utxo.Amount
		committed = append(committed, CommittedInput{Location: utxo.Location(), Weight: inputWeight(buyer.ScriptType())})
	}
	if paddingSum < bitcoin.DustLimit {
		return nil, NewInsufficientError(InsufficientErrorTypeBitcoin, bitcoin.DustLimit, paddingSum).setCauser(CauserBuyer)
	}

	// receivers take inscription legs in sat order right after the padding output.
	tx.AddTxOut(wire.NewTxOut(paddingSum, buyer.Script()))
	for _, offer := range offers {
		tx.AddTxOut(wire.NewTxOut(InscriptionLeg(offer.fragment).Location.Value, receiverScript))
		legs = append(legs, InscriptionLeg(offer.fragment))
		totalPrice += offer.TotalPrice
	}
	for _, offer := range offers {
		if split, ok := offer.fragment.(*SplitFragment); ok {
			legs = append(legs, split.Rune)
		}
	}

	// padding and seller values are not buyer balance in insufficient errors.
	reserved := paddingSum
	sellerIndexes := make([]int, 0, len(legs))
	for _, leg := range legs {
		reserved += leg.Location.Value

		outPoint, err := leg.Location.OutPoint()
		if err != nil {
			return nil, err
		}

		txIn := wire.NewTxIn(outPoint, nil, nil)
		txIn.Sequence = leg.Sequence
		sellerIndexes = append(sellerIndexes, len(tx.TxIn))
		tx.AddTxIn(txIn)
		tx.AddTxOut(copyTxOut(leg.Payout))
		committed = append(committed, CommittedInput{
			Location: leg.Location,
			Weight:   finalizedInputWeight(leg.FinalScriptSig, leg.FinalScriptWitness),
		})
	}

	serviceFee := ServiceFee(totalPrice)
	tx.AddTxOut(wire.NewTxOut(serviceFee, serviceFeeScript))

	runestone := &runes.Runestone{Edicts: make([]runes.Edict, 0, len(offers))}
	for idx, offer := range offers {
		runestone.Edicts = append(runestone.Edicts, runes.NewTransferAllEdict(offer.RuneID, uint32(1+idx)))
	}

	runestoneScript, err := runestone.IntoScript()
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(0, runestoneScript))

	selection, err := SelectCoins(CoinSelectParams{
		UTXOs:        paymentUTXOs,
		FeeRate:      params.FeeRate,
		Targets:      tx.TxOut,
		Committed:    committed,
		ChangeScript: buyer.Script(),
		Reserved:     reserved,
	})
	if err != nil {
		return nil, err
	}

	signIndexes := make([]int, 0, len(padding)+len(selection.Inputs))
	for idx := range padding {
		signIndexes = append(signIndexes, idx)
	}
	for _, utxo := range selection.Inputs {
		if err = addUTXOInput(tx, utxo); err != nil {
			return nil, err
		}

		signIndexes = append(signIndexes, len(tx.TxIn)-1)
	}
	if selection.Change != nil {
		tx.AddTxOut(selection.Change)
	}

	if err = runestone.Verify(len(tx.TxOut)); err != nil {
		return nil, err
	}

	if err = verifyLegsAlignment(tx, legs, sellerIndexes); err != nil {
		return nil, err
	}

	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	for idx, utxo := range padding {
		buyer.PrepareInput(&p.Inputs[idx], utxo.Amount)
	}
	for idx, leg := range legs {
		input := &p.Inputs[sellerIndexes[idx]]
		input.WitnessUtxo = copyTxOut(leg.WitnessUtxo)
		input.SighashType = SellerSigHashType
		input.FinalScriptSig = bytes.Clone(leg.FinalScriptSig)
		input.FinalScriptWitness = bytes.Clone(leg.FinalScriptWitness)
	}
	for idx, utxo := range selection.Inputs {
		buyer.PrepareInput(&p.Inputs[len(padding)+len(legs)+idx], utxo.Amount)
	}

	if err = setInputsHelpingKey(p, buyer.InputsHelpingKey(), signIndexes); err != nil {
		return nil, err
	}
	if err = setInputsHelpingKey(p, SellerInputsHelpingKey, sellerIndexes); err != nil {
		return nil, err
	}

	offerIDs := make([]int64, len(offers))
	for idx, offer := range offers {
		offerIDs[idx] = offer.ID
	}

	return &Settlement{
		Packet:      p,
		SignIndexes: signIndexes,
		Fee:         selection.Fee,
		ServiceFee:  serviceFee,
		OfferIDs:    offerIDs,
		Split:       paddingSplit,
	}, nil
}

// AttachSellerWitnesses copies stored seller final witnesses into the settlement
// returned by the buyer. Every leg of every offer must be spent by the settlement
// and paired with its verbatim payout. Returns seller input indexes in settlement order.
func AttachSellerWitnesses(p *psbt.Packet, offers []SettlementOffer) ([]int, error) {
	extracted, err := extractOffers(offers)
	if err != nil {
		return nil, err
	}

	tx := p.UnsignedTx
	inputIndexes := make(map[wire.OutPoint]int, len(tx.TxIn))
	for idx, txIn := range tx.TxIn {
		inputIndexes[txIn.PreviousOutPoint] = idx
	}

	var (
		legs          = make([]Leg, 0, 2*len(extracted))
		sellerIndexes = make([]int, 0, 2*len(extracted))
	)
	for _, offer := range extracted {
		for _, leg := range offer.fragment.Legs() {
			outPoint, err := leg.Location.OutPoint()
			if err != nil {
				return nil, err
			}

			idx, ok := inputIndexes[*outPoint]
			if !ok {
				return nil, fmt.Errorf("%w: offer %d input %s is not spent", ErrOfferCountMismatch, offer.ID, leg.Location)
			}

			if tx.TxIn[idx].Sequence != leg.Sequence {
				return nil, fmt.Errorf("%w: offer %d input %d sequence changed", ErrOfferCountMismatch, offer.ID, idx)
			}

			legs = append(legs, leg)
			sellerIndexes = append(sellerIndexes, idx)
		}
	}

	if err = verifyLegsAlignment(tx, legs, sellerIndexes); err != nil {
		return nil, err
	}

	for idx, leg := range legs {
		input := &p.Inputs[sellerIndexes[idx]]
		input.WitnessUtxo = copyTxOut(leg.WitnessUtxo)
		input.SighashType = SellerSigHashType
		input.PartialSigs = nil
		input.TaprootKeySpendSig = nil
		input.FinalScriptSig = bytes.Clone(leg.FinalScriptSig)
		input.FinalScriptWitness = bytes.Clone(leg.FinalScriptWitness)
	}

	return sellerIndexes, nil
}

// VerifyServiceFee checks that the transaction pays marketplace fee for the total price to the script.
func VerifyServiceFee(tx *wire.MsgTx, serviceFeeScript []byte, totalPrice int64) error {
	fee := ServiceFee(totalPrice)
	for _, txOut := range tx.TxOut {
		if txOut.Value >= fee && bytes.Equal(txOut.PkScript, serviceFeeScript) {
			return nil
		}
	}

	return fmt.Errorf("%w: need %d", ErrMissingServiceFee, fee)
}

// extractOffers sorts offers by rune id and re-extracts their fragments.
func extractOffers(offers []SettlementOffer) ([]settlementOffer, error) {
	sorted := slices.Clone(offers)
	slices.SortStableFunc(sorted, func(a, b SettlementOffer) int {
		if c := a.RuneID.Compare(b.RuneID); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	result := make([]settlementOffer, len(sorted))
	seen := make(map[string]int64, len(sorted))
	for idx, offer := range sorted {
		p, err := DecodePSBT(offer.SignedPSBT)
		if err != nil {
			return nil, fmt.Errorf("%w: offer %d: %w", ErrOfferCountMismatch, offer.ID, err)
		}

		fragment, err := FragmentFromTemplate(p, offer.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: offer %d: %w", ErrOfferCountMismatch, offer.ID, err)
		}

		if TotalPrice(fragment) != offer.TotalPrice {
			return nil, fmt.Errorf("%w: offer %d pays %d instead of %d", ErrOfferCountMismatch, offer.ID, TotalPrice(fragment), offer.TotalPrice)
		}

		for _, leg := range fragment.Legs() {
			if other, ok := seen[leg.Location.String()]; ok {
				return nil, fmt.Errorf("%w: offers %d and %d spend %s", ErrOfferCountMismatch, other, offer.ID, leg.Location)
			}

			seen[leg.Location.String()] = offer.ID
		}

		result[idx] = settlementOffer{SettlementOffer: offer, fragment: fragment}
	}

	return result, nil
}

// verifyLegsAlignment checks that every seller input is paired with its verbatim payout.
func verifyLegsAlignment(tx *wire.MsgTx, legs []Leg, sellerIndexes []int) error {
	if len(legs) != len(sellerIndexes) {
		return fmt.Errorf("%w: %d legs for %d seller inputs", ErrOfferCountMismatch, len(legs), len(sellerIndexes))
	}

	for idx, leg := range legs {
		inputIdx := sellerIndexes[idx]
		if inputIdx >= len(tx.TxOut) {
			return fmt.Errorf("%w: seller input %d has no paired output", ErrOfferCountMismatch, inputIdx)
		}

		txOut := tx.TxOut[inputIdx]
		if txOut.Value != leg.Payout.Value || !bytes.Equal(txOut.PkScript, leg.Payout.PkScript) {
			return fmt.Errorf("%w: seller input %d is paired with foreign output", ErrOfferCountMismatch, inputIdx)
		}
	}

	return nil
}

// addUTXOInput appends input spending the utxo.
func addUTXOInput(tx *wire.MsgTx, utxo bitcoin.UTXO) error {
	outPoint, err := utxo.Location().OutPoint()
	if err != nil {
		return err
	}

	tx.AddTxIn(wire.NewTxIn(outPoint, nil, nil))

	return nil
}

// withScript returns utxos copy with empty scripts filled.
func withScript(utxos []bitcoin.UTXO, script []byte) []bitcoin.UTXO {
	result := make([]bitcoin.UTXO, len(utxos))
	for idx, utxo := range utxos {
		if len(utxo.Script) == 0 {
			utxo.Script = script
		}

		result[idx] = utxo
	}

	return result
}
