// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package runes

const (
	// PointerCenotaphErrorType describes invalid pointer values.
	PointerCenotaphErrorType byte = 1
	// MintCenotaphErrorType describes invalid mint values.
	MintCenotaphErrorType byte = 3
	// EdictsCenotaphErrorType describes invalid edict values.
	EdictsCenotaphErrorType byte = 4
	// TagCenotaphErrorType describes unrecognized even tags.
	TagCenotaphErrorType byte = 5
)

// CenotaphError provides wide description of the cenotaph.
type CenotaphError struct {
	type_   byte
	message string
}

// Error returns error description.
func (e *CenotaphError) Error() string {
	return e.message
}

// Type returns cenotaph error type.
func (e *CenotaphError) Type() byte {
	return e.type_
}

// Unwrap returns ErrCenotaph for errors.Is checks.
func (e *CenotaphError) Unwrap() error {
	return ErrCenotaph
}
