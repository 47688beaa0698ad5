// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package runes

import (
	"math/big"
	"slices"

	"github.com/BoostyLabs/runemarket/internal/sequencereader"
)

// Edict defines transfer values of the rune protocol.
// Zero Amount moves all remaining units of the rune to Output.
type Edict struct {
	RuneID RuneID
	Amount *big.Int
	Output uint32
}

// NewTransferAllEdict returns edict moving whole unallocated balance of the rune to the output.
func NewTransferAllEdict(runeID RuneID, output uint32) Edict {
	return Edict{RuneID: runeID, Amount: big.NewInt(0), Output: output}
}

// ParseEdictsFromIntSeq parses vector of Edicts from number sequence.
func ParseEdictsFromIntSeq(sr *sequencereader.SequenceReader[*big.Int]) ([]Edict, error) {
	if sr.Len()%4 != 0 {
		return nil, ErrCenotaph
	}

	var prevRuneID RuneID
	edicts := make([]Edict, 0, sr.Len()/4)
	for sr.HasNext() {
		group, err := sr.NextN(4)
		if err != nil {
			return nil, ErrCenotaph
		}

		block, tx, amount, output := group[0], group[1], group[2], group[3]

		if !block.IsUint64() || !tx.IsUint64() || tx.Uint64() > uint64(^uint32(0)) ||
			!output.IsUint64() || output.Uint64() > uint64(^uint32(0)) {
			return nil, ErrCenotaph
		}

		delta := RuneID{Block: block.Uint64(), TxID: uint32(tx.Uint64())}
		edict := Edict{
			RuneID: prevRuneID.Next(delta),
			Amount: amount,
			Output: uint32(output.Uint64()),
		}

		prevRuneID = edict.RuneID
		edicts = append(edicts, edict)
	}

	return edicts, nil
}

// ToIntSeq returns Edict as sequence of integers.
func (edict *Edict) ToIntSeq() []*big.Int {
	amount := big.NewInt(0)
	if edict.Amount != nil {
		amount.Set(edict.Amount)
	}

	return append(edict.RuneID.ToIntSeq(), amount, new(big.Int).SetUint64(uint64(edict.Output)))
}

// SortEdicts sorts edicts by block number and transaction index,
// edicts of the same rune keep their order.
func SortEdicts(edicts []Edict) {
	slices.SortStableFunc(edicts, func(a, b Edict) int {
		return a.RuneID.Compare(b.RuneID)
	})
}

// IsSorted returns true if edicts go in ascending rune id order.
func IsSorted(edicts []Edict) bool {
	return slices.IsSortedFunc(edicts, func(a, b Edict) int {
		return a.RuneID.Compare(b.RuneID)
	})
}

// UseDelta converts list of sorted Edicts using delta encoding.
func UseDelta(sortedEdicts []Edict) []Edict {
	var (
		deltaEdicts = make([]Edict, len(sortedEdicts))
		previous    RuneID
	)

	for idx, edict := range sortedEdicts {
		deltaEdicts[idx] = Edict{
			RuneID: edict.RuneID.Delta(previous),
			Amount: edict.Amount,
			Output: edict.Output,
		}

		previous = edict.RuneID
	}

	return deltaEdicts
}

// EdictsToIntSeq sorts copy of the Edicts and converts it into list of delta encoded integers.
func EdictsToIntSeq(edicts []Edict) []*big.Int {
	sorted := slices.Clone(edicts)
	SortEdicts(sorted)

	sequence := make([]*big.Int, 0, len(sorted)*4)
	for _, edict := range UseDelta(sorted) {
		sequence = append(sequence, edict.ToIntSeq()...)
	}

	return sequence
}
