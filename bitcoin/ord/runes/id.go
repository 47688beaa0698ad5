// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package runes

import (
	"cmp"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ErrInvalidRuneID defines malformed rune id.
var ErrInvalidRuneID = errors.New("invalid rune id")

// RuneID defines the id of the rune, block and transaction index of its etching.
type RuneID struct {
	Block uint64
	TxID  uint32
}

// NewRuneIDFromString returns RuneID parsed from "block:tx" string.
func NewRuneIDFromString(s string) (RuneID, error) {
	block, tx, ok := strings.Cut(s, ":")
	if !ok {
		return RuneID{}, fmt.Errorf("%w: %q", ErrInvalidRuneID, s)
	}

	blockNum, err := strconv.ParseUint(block, 10, 64)
	if err != nil {
		return RuneID{}, errors.Join(ErrInvalidRuneID, err)
	}

	txNum, err := strconv.ParseUint(tx, 10, 32)
	if err != nil {
		return RuneID{}, errors.Join(ErrInvalidRuneID, err)
	}

	id := RuneID{Block: blockNum, TxID: uint32(txNum)}
	if !id.IsValid() {
		return RuneID{}, fmt.Errorf("%w: %q", ErrInvalidRuneID, s)
	}

	return id, nil
}

// IsValid returns false for ids which can not reference an etching.
func (id RuneID) IsValid() bool {
	return !(id.Block == 0 && id.TxID != 0)
}

// Compare orders rune ids by block, then by transaction index.
func (id RuneID) Compare(other RuneID) int {
	if c := cmp.Compare(id.Block, other.Block); c != 0 {
		return c
	}

	return cmp.Compare(id.TxID, other.TxID)
}

// Next produces next RuneID from delta encoding.
func (id RuneID) Next(delta RuneID) RuneID {
	if delta.Block == 0 {
		return RuneID{Block: id.Block, TxID: id.TxID + delta.TxID}
	}

	return RuneID{Block: id.Block + delta.Block, TxID: delta.TxID}
}

// Delta returns delta of id against previous one, previous must not be greater.
func (id RuneID) Delta(previous RuneID) RuneID {
	blockDelta := id.Block - previous.Block
	if blockDelta == 0 {
		return RuneID{TxID: id.TxID - previous.TxID}
	}

	return RuneID{Block: blockDelta, TxID: id.TxID}
}

// String returns RuneID as string.
func (id RuneID) String() string {
	return fmt.Sprintf("%d:%d", id.Block, id.TxID)
}

// ToIntSeq returns RuneID as integer sequence.
func (id RuneID) ToIntSeq() []*big.Int {
	return []*big.Int{new(big.Int).SetUint64(id.Block), new(big.Int).SetUint64(uint64(id.TxID))}
}
