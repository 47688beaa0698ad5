// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/utils"
)

// txVersion defines transaction version for this builder.
const txVersion int32 = 2

var (
	// ErrInsufficientOutputValue defines listing output which is dust or does not cover its input value.
	ErrInsufficientOutputValue = errors.New("insufficient output value")
	// ErrInvalidPrice defines non positive listing price.
	ErrInvalidPrice = errors.New("invalid price")
)

// ListingParams describes data needed to build seller listing template.
type ListingParams struct {
	Rune            bitcoin.AssetLocation  // output holding the rune.
	Inscription     *bitcoin.AssetLocation // optional, merged if equal to Rune.
	SellerAddress   string                 // address owning listed outputs.
	SellerPubKey    string                 // optional hex public key, needed for taproot and nested segwit sellers.
	Price           int64                  // total price in Satoshi.
	FundingReceiver string                 // seller payout address.
}

// Kind returns listing template shape.
func (params ListingParams) Kind() FragmentKind {
	if params.Inscription == nil || params.Inscription.Equal(params.Rune) {
		return KindMerged
	}

	return KindSplit
}

// TxBuilder provides transaction building related logic.
type TxBuilder struct {
	networkParams *chaincfg.Params
}

// NewTxBuilder is a constructor for TxBuilder.
func NewTxBuilder(networkParams *chaincfg.Params) *TxBuilder {
	return &TxBuilder{
		networkParams: networkParams,
	}
}

// NetworkParams returns network the builder works with.
func (b *TxBuilder) NetworkParams() *chaincfg.Params {
	return b.networkParams
}

// BuildListingPSBT constructs unsigned seller template with every input tagged
// SIGHASH_SINGLE|ANYONECANPAY.
//
//	Merged template:
//	┌─────────┬───────────────────────┬───────────────────────────────┐
//	│  index  │         input         │            output             │
//	├=========┼=======================┼===============================┤
//	│       0 │ rune (+ inscription)  │ price to funding receiver     │
//	└─────────┴───────────────────────┴───────────────────────────────┘
//
//	Split template:
//	┌─────────┬───────────────────────┬───────────────────────────────┐
//	│  index  │         input         │            output             │
//	├=========┼=======================┼===============================┤
//	│       0 │ inscription           │ ceil(price/2) to receiver     │
//	├─────────┼───────────────────────┼───────────────────────────────┤
//	│       1 │ rune                  │ ceil(price/2) to receiver     │
//	└─────────┴───────────────────────┴───────────────────────────────┘
func (b *TxBuilder) BuildListingPSBT(params ListingParams) (*psbt.Packet, error) {
	if params.Price <= 0 {
		return nil, ErrInvalidPrice
	}

	receiverScript, err := utils.AddressToScript(params.FundingReceiver, b.networkParams)
	if err != nil {
		return nil, fmt.Errorf("funding receiver: %w", err)
	}

	inputBuilder, err := NewPSBTInputBuilder(params.SellerPubKey, params.SellerAddress, b.networkParams)
	if err != nil {
		return nil, err
	}

	locations := []bitcoin.AssetLocation{params.Rune}
	payout := params.Price
	if params.Kind() == KindSplit {
		locations = []bitcoin.AssetLocation{*params.Inscription, params.Rune}
		payout = (params.Price + 1) / 2
	}

	tx := wire.NewMsgTx(txVersion)
	for _, location := range locations {
		if payout < bitcoin.DustLimit {
			return nil, fmt.Errorf("%w: output %d is below dust", ErrInsufficientOutputValue, payout)
		}

		if location.Value >= payout {
			return nil, fmt.Errorf("%w: input %s value %d is not covered by output %d", ErrInsufficientOutputValue, location, location.Value, payout)
		}

		outPoint, err := location.OutPoint()
		if err != nil {
			return nil, err
		}

		tx.AddTxIn(wire.NewTxIn(outPoint, nil, nil))
		tx.AddTxOut(wire.NewTxOut(payout, receiverScript))
	}

	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	for idx, location := range locations {
		inputBuilder.PrepareInput(&p.Inputs[idx], location.Value)
		p.Inputs[idx].SighashType = SellerSigHashType
	}

	return p, nil
}

// DetectKind returns template shape by its inputs number.
func DetectKind(p *psbt.Packet) (FragmentKind, error) {
	switch len(p.UnsignedTx.TxIn) {
	case KindMerged.Inputs():
		return KindMerged, nil
	case KindSplit.Inputs():
		return KindSplit, nil
	}

	return 0, fmt.Errorf("%w: %d inputs", ErrShapeMismatch, len(p.UnsignedTx.TxIn))
}

// NewFragmentFromSigned finalizes seller signed template and returns fragment of the kind.
// Inputs which are already finalized are left as is.
func NewFragmentFromSigned(p *psbt.Packet, kind FragmentKind) (Fragment, error) {
	if _, err := extractLegs(p, kind); err != nil {
		return nil, err
	}

	for idx := range p.Inputs {
		if len(p.Inputs[idx].FinalScriptWitness) != 0 || len(p.Inputs[idx].FinalScriptSig) != 0 {
			continue
		}

		if err := psbt.Finalize(p, idx); err != nil {
			return nil, fmt.Errorf("%w: input %d: %w", ErrNotFinalized, idx, err)
		}
	}

	return FragmentFromTemplate(p, kind)
}
