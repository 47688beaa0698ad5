// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package utils

import (
	"errors"

	"github.com/btcsuite/btcd/txscript"
)

// ErrUnsupportedScript defines locking script of a type the marketplace does not handle.
var ErrUnsupportedScript = errors.New("unsupported script type")

// ScriptType defines locking script type over which the address is built.
type ScriptType string

const (
	// P2PKH defines P2PKH (public key hash) script type.
	P2PKH ScriptType = "P2PKH"
	// P2SH defines P2SH (script hash) script type, wrapped segwit in practice.
	P2SH ScriptType = "P2SH"
	// P2WPKH defines P2WPKH (witness public key hash) script type.
	P2WPKH ScriptType = "P2WPKH"
	// P2TR defines P2TR (taproot) script type.
	P2TR ScriptType = "P2TR"
)

// ClassifyScript returns the type of the locking script.
func ClassifyScript(script []byte) (ScriptType, error) {
	switch txscript.GetScriptClass(script) {
	case txscript.PubKeyHashTy:
		return P2PKH, nil
	case txscript.ScriptHashTy:
		return P2SH, nil
	case txscript.WitnessV0PubKeyHashTy:
		return P2WPKH, nil
	case txscript.WitnessV1TaprootTy:
		return P2TR, nil
	}

	return "", ErrUnsupportedScript
}

