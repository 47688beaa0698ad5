// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder

import (
	"fmt"

	"github.com/BoostyLabs/runemarket/bitcoin"
)

type balanceErrorType string

type causerSign string

const (
	// InsufficientErrorTypeBitcoin defines insufficient bitcoin balance error type.
	InsufficientErrorTypeBitcoin balanceErrorType = "bitcoin"
	// InsufficientErrorTypePadding defines lack of small utxos to pad settlement inputs.
	InsufficientErrorTypePadding balanceErrorType = "padding"

	// CauserBuyer defines that the buyer caused this error type.
	CauserBuyer causerSign = "buyer"
	// CauserSeller defines that the seller caused this error type.
	CauserSeller causerSign = "seller"
)

// InsufficientError is the error type to describe insufficient balance errors with details.
type InsufficientError struct {
	Type   balanceErrorType
	Need   int64 // in Satoshi, or in utxos for padding type.
	Have   int64
	Causer causerSign
}

// NewInsufficientError is a constructor for InsufficientError.
func NewInsufficientError(type_ balanceErrorType, need, have int64) *InsufficientError {
	return &InsufficientError{Type: type_, Need: need, Have: have}
}

// Error returns error description.
func (e *InsufficientError) Error() string {
	errMsg := fmt.Sprintf("insufficient %s balance: need %d, have %d", e.Type, e.Need, e.Have)
	if e.Causer != "" {
		errMsg += " (" + string(e.Causer) + ")"
	}

	return errMsg
}

// Unwrap returns bitcoin.ErrInsufficientNativeBalance for errors.Is checks.
func (e *InsufficientError) Unwrap() error {
	return bitcoin.ErrInsufficientNativeBalance
}

// setCauser updates InsufficientError with provided causer.
func (e *InsufficientError) setCauser(causer causerSign) *InsufficientError {
	e.Causer = causer
	return e
}
