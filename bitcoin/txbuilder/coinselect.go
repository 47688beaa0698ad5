// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder

import (
	"cmp"
	"errors"
	"slices"

	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin"
)

// ErrInvalidFeeRate defines non positive fee rate.
var ErrInvalidFeeRate = errors.New("invalid fee rate")

// CommittedInput describes input which is already placed into the transaction
// and must not be selected again.
type CommittedInput struct {
	Location bitcoin.AssetLocation
	Weight   int64 // estimated or exact input weight in weight units.
}

// CoinSelectParams describes data needed to select fee inputs.
type CoinSelectParams struct {
	UTXOs        []bitcoin.UTXO   // payer utxos with Script set.
	FeeRate      int64            // in satoshi per virtual byte.
	Targets      []*wire.TxOut    // every output of the transaction except change.
	Committed    []CommittedInput // inputs placed into the transaction by other parties or legs.
	ChangeScript []byte           // payer change script.
	Reserved     int64            // committed value returned by targets as is, not reported as balance.
}

// CoinSelection describes coin selection result.
type CoinSelection struct {
	Inputs []bitcoin.UTXO
	Change *wire.TxOut // nil if change is folded into the fee.
	Fee    int64       // in Satoshi.
	VSize  int64       // estimated transaction size in vBytes.
}

// SelectCoins picks free utxos, largest first, until committed and selected
// values cover targets and the fee for the resulting transaction size.
// Fee is recomputed each time an input is added. Change output is returned only
// if it exceeds dust limit, otherwise it is left to miners.
func SelectCoins(params CoinSelectParams) (*CoinSelection, error) {
	if params.FeeRate <= 0 {
		return nil, ErrInvalidFeeRate
	}

	committed := make(map[string]struct{}, len(params.Committed))
	weight := txOverheadWeight
	var available int64
	for _, input := range params.Committed {
		committed[input.Location.String()] = struct{}{}
		weight += input.Weight
		available += input.Location.Value
	}

	var target int64
	for _, txOut := range params.Targets {
		weight += outputWeight(txOut)
		target += txOut.Value
	}

	free := make([]bitcoin.UTXO, 0, len(params.UTXOs))
	for _, utxo := range params.UTXOs {
		if _, ok := committed[utxo.Location().String()]; ok {
			continue
		}

		free = append(free, utxo)
	}
	slices.SortStableFunc(free, func(a, b bitcoin.UTXO) int {
		return cmp.Compare(b.Amount, a.Amount)
	})

	changeWeight := outputWeight(wire.NewTxOut(0, params.ChangeScript))
	selection := &CoinSelection{Inputs: make([]bitcoin.UTXO, 0)}
	for idx := 0; ; idx++ {
		fee := weightToVSize(weight) * params.FeeRate
		if available >= target+fee {
			vSizeWithChange := weightToVSize(weight + changeWeight)
			change := available - target - vSizeWithChange*params.FeeRate
			if change > bitcoin.DustLimit {
				selection.Change = wire.NewTxOut(change, params.ChangeScript)
				selection.Fee = vSizeWithChange * params.FeeRate
				selection.VSize = vSizeWithChange
			} else {
				selection.Fee = available - target
				selection.VSize = weightToVSize(weight)
			}

			return selection, nil
		}

		if idx == len(free) {
			need, have := target+fee-params.Reserved, available-params.Reserved
			return nil, NewInsufficientError(InsufficientErrorTypeBitcoin, need, have).setCauser(CauserBuyer)
		}

		selection.Inputs = append(selection.Inputs, free[idx])
		available += free[idx].Amount
		weight += scriptInputWeight(free[idx].Script)
	}
}
