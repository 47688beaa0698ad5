// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package market

import (
	"errors"
	"fmt"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/signer"
)

var (
	// ErrValidation is the error wrapped by ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrEmptyPSBT defines request without transaction template.
	ErrEmptyPSBT = errors.New("empty psbt")
	// ErrInvalidAsset defines listed output which does not hold exactly the listed rune.
	ErrInvalidAsset = errors.New("invalid asset")
	// ErrInputKind defines template inputs which do not hold the assets of its shape.
	ErrInputKind = errors.New("invalid input kind")
	// ErrInvalidSignature defines missing or invalid signature, never retried.
	ErrInvalidSignature = signer.ErrInvalidSignature
	// ErrInsufficientFunds defines buyer utxos which can not pay for settlement.
	ErrInsufficientFunds = bitcoin.ErrInsufficientNativeBalance

	// ErrStaleAsset is the error wrapped by StaleAssetError.
	ErrStaleAsset = errors.New("stale asset")
	// ErrOfferNoLongerActive defines offer which is already filled or cancelled.
	ErrOfferNoLongerActive = errors.New("offer is no longer active")
	// ErrInputsSpent defines offer which outputs are spent.
	ErrInputsSpent = errors.New("offer inputs are spent")

	// ErrShapeMismatch is the error wrapped by ShapeMismatchError.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrBroadcast is the error wrapped by BroadcastError.
	ErrBroadcast = errors.New("broadcast rejected")
)

// ValidationError defines malformed request field.
type ValidationError struct {
	Field  string
	Reason error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Reason)
}

// Unwrap returns the underlying error types.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Reason}
}

// newValidationError is a constructor for ValidationError.
func newValidationError(field string, reason error) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StaleAssetError defines offers which can not be used anymore,
// caller has to refetch offers and retry without them.
type StaleAssetError struct {
	OfferIDs []int64
	Reason   error // ErrOfferNoLongerActive or ErrInputsSpent.
}

// Error implements the error interface.
func (e *StaleAssetError) Error() string {
	return fmt.Sprintf("offers %v: %v", e.OfferIDs, e.Reason)
}

// Unwrap returns the underlying error types.
func (e *StaleAssetError) Unwrap() []error {
	return []error{ErrStaleAsset, e.Reason}
}

// ShapeMismatchError defines transaction which diverges from stored offer templates.
type ShapeMismatchError struct {
	OfferIDs []int64
	Err      error
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	if len(e.OfferIDs) == 0 {
		return fmt.Sprintf("%v: %v", ErrShapeMismatch, e.Err)
	}

	return fmt.Sprintf("%v: offers %v: %v", ErrShapeMismatch, e.OfferIDs, e.Err)
}

// Unwrap returns the underlying error types.
func (e *ShapeMismatchError) Unwrap() []error {
	return []error{ErrShapeMismatch, e.Err}
}

// BroadcastError defines settlement rejected by the node. OfferIDs are offers
// cancelled because their outputs are spent.
type BroadcastError struct {
	OfferIDs []int64
	Err      error
}

// Error implements the error interface.
func (e *BroadcastError) Error() string {
	return fmt.Sprintf("%v: cancelled offers %v: %v", ErrBroadcast, e.OfferIDs, e.Err)
}

// Unwrap returns the underlying error types.
func (e *BroadcastError) Unwrap() []error {
	return []error{ErrBroadcast, e.Err}
}

// InvalidOfferIDs returns offers the caller has to exclude before retrying.
func InvalidOfferIDs(err error) []int64 {
	var staleErr *StaleAssetError
	if errors.As(err, &staleErr) {
		return staleErr.OfferIDs
	}

	var broadcastErr *BroadcastError
	if errors.As(err, &broadcastErr) {
		return broadcastErr.OfferIDs
	}

	return nil
}
