// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder

import (
	"cmp"
	"slices"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin"
)

const (
	// PaddingValue defines value of every padding output created by a split.
	PaddingValue int64 = 600
	// MaxPaddingValue defines the biggest buyer utxo used as settlement padding as is.
	MaxPaddingValue int64 = 1000
)

// PaddingSplit describes buyer transaction which creates settlement padding
// outputs. It must be broadcast before the settlement spending its outputs.
type PaddingSplit struct {
	Packet      *psbt.Packet
	SignIndexes []int          // buyer inputs to sign, every input of the split.
	Fee         int64          // network fee in Satoshi.
	Padding     []bitcoin.UTXO // split outputs spent as settlement padding.
	Change      *bitcoin.UTXO  // split output left for payment, nil if folded into the fee.
	Spent       []bitcoin.UTXO // buyer utxos spent by the split.
}

// TxID returns hash of the split transaction.
func (split *PaddingSplit) TxID() string {
	return split.Padding[0].TxHash
}

// remaining returns utxos left for payment after the split.
func (split *PaddingSplit) remaining(utxos []bitcoin.UTXO) []bitcoin.UTXO {
	left := slices.DeleteFunc(slices.Clone(utxos), func(utxo bitcoin.UTXO) bool {
		return slices.ContainsFunc(split.Spent, func(spent bitcoin.UTXO) bool {
			return spent.Location().Equal(utxo.Location())
		})
	})
	if split.Change != nil {
		left = append(left, *split.Change)
	}

	return left
}

// paddingCandidates returns n smallest utxos not bigger than MaxPaddingValue,
// nil if there are not enough of them or together they are below dust.
func paddingCandidates(utxos []bitcoin.UTXO, n int) []bitcoin.UTXO {
	small := make([]bitcoin.UTXO, 0, len(utxos))
	for _, utxo := range utxos {
		if utxo.Amount <= MaxPaddingValue {
			small = append(small, utxo)
		}
	}
	if len(small) < n {
		return nil
	}

	slices.SortStableFunc(small, func(a, b bitcoin.UTXO) int {
		return cmp.Compare(a.Amount, b.Amount)
	})

	var sum int64
	for _, utxo := range small[:n] {
		sum += utxo.Amount
	}
	if sum < bitcoin.DustLimit {
		return nil
	}

	return small[:n]
}

// buildPaddingSplit creates count padding outputs of PaddingValue from the
// largest buyer utxos, the rest returns to the buyer as change.
//
//	inputs:  buyer utxos chosen by coin selection
//	outputs: 0 - count-1 padding, count change
func (b *TxBuilder) buildPaddingSplit(buyer *PSBTInputBuilder, utxos []bitcoin.UTXO, count int, feeRate int64) (*PaddingSplit, error) {
	// split txid is referenced by the settlement before the buyer signs.
	sigScript, err := buyer.signatureScript()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(txVersion)
	for range count {
		tx.AddTxOut(wire.NewTxOut(PaddingValue, buyer.Script()))
	}

	selection, err := SelectCoins(CoinSelectParams{
		UTXOs:        utxos,
		FeeRate:      feeRate,
		Targets:      tx.TxOut,
		ChangeScript: buyer.Script(),
	})
	if err != nil {
		return nil, err
	}

	signIndexes := make([]int, 0, len(selection.Inputs))
	for _, utxo := range selection.Inputs {
		if err = addUTXOInput(tx, utxo); err != nil {
			return nil, err
		}

		signIndexes = append(signIndexes, len(tx.TxIn)-1)
	}
	if selection.Change != nil {
		tx.AddTxOut(selection.Change)
	}

	withSigScript := tx.Copy()
	for _, txIn := range withSigScript.TxIn {
		txIn.SignatureScript = sigScript
	}
	txHash := withSigScript.TxHash().String()

	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	for idx, utxo := range selection.Inputs {
		buyer.PrepareInput(&p.Inputs[idx], utxo.Amount)
	}
	if err = setInputsHelpingKey(p, buyer.InputsHelpingKey(), signIndexes); err != nil {
		return nil, err
	}

	split := &PaddingSplit{
		Packet:      p,
		SignIndexes: signIndexes,
		Fee:         selection.Fee,
		Padding:     make([]bitcoin.UTXO, count),
		Spent:       selection.Inputs,
	}
	for idx := range count {
		split.Padding[idx] = bitcoin.UTXO{
			TxHash: txHash,
			Index:  uint32(idx),
			Amount: PaddingValue,
			Script: buyer.Script(),
		}
	}
	if selection.Change != nil {
		split.Change = &bitcoin.UTXO{
			TxHash: txHash,
			Index:  uint32(count),
			Amount: selection.Change.Value,
			Script: buyer.Script(),
		}
	}

	return split, nil
}
