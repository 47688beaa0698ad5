// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package server

import (
	"errors"

	"github.com/BoostyLabs/runemarket/bitcoin/utils"
	"github.com/BoostyLabs/runemarket/market"
)

// Response codes, success is 0.
const (
	CodeOK                = 0
	CodeValidation        = 10001
	CodeInternal          = 20001
	CodeEmptyPSBT         = 30001
	CodeShapeMismatch     = 30002
	CodeInvalidAddress    = 30004
	CodeInvalidSignature  = 30008
	CodeStaleAsset        = 30010
	CodeBroadcast         = 30016
	CodeInvalidAsset      = 30018
	CodeInputKind         = 30019
	CodeInsufficientFunds = 30020
)

// codes is ordered, the first matched error defines response code.
var codes = []struct {
	err  error
	code int
}{
	{market.ErrEmptyPSBT, CodeEmptyPSBT},
	{market.ErrInvalidSignature, CodeInvalidSignature},
	{utils.ErrInvalidAddress, CodeInvalidAddress},
	{market.ErrValidation, CodeValidation},
	{market.ErrBroadcast, CodeBroadcast},
	{market.ErrStaleAsset, CodeStaleAsset},
	{market.ErrShapeMismatch, CodeShapeMismatch},
	{market.ErrInvalidAsset, CodeInvalidAsset},
	{market.ErrInputKind, CodeInputKind},
	{market.ErrInsufficientFunds, CodeInsufficientFunds},
}

// errorCode maps market error to response code.
func errorCode(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	return CodeInternal
}
