// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin/utils"
)

const (
	// txOverheadWeight defines version, locktime, in/out counters and segwit marker weight.
	txOverheadWeight int64 = (4+4+1+1)*blockchain.WitnessScaleFactor + 2
	// inputBaseSize defines outpoint, sequence and script length size in bytes.
	inputBaseSize int64 = 32 + 4 + 4 + 1

	// roughInputWeight defines rough input weight for unknown script types, 90 vBytes.
	roughInputWeight int64 = 90 * blockchain.WitnessScaleFactor
)

// inputWeight returns estimated weight of an input spending script of the type, signature included.
func inputWeight(scriptType utils.ScriptType) int64 {
	switch scriptType {
	case utils.P2PKH:
		// scriptSig: push(sig 72) + push(compressed pubkey 33).
		return (inputBaseSize + 1 + 72 + 1 + 33) * blockchain.WitnessScaleFactor
	case utils.P2SH:
		// scriptSig: push(p2wpkh redeem script 22), witness as P2WPKH.
		return (inputBaseSize+23)*blockchain.WitnessScaleFactor + 1 + 1 + 72 + 1 + 33
	case utils.P2WPKH:
		return inputBaseSize*blockchain.WitnessScaleFactor + 1 + 1 + 72 + 1 + 33
	case utils.P2TR:
		// key path spend, signature with explicit sighash byte.
		return inputBaseSize*blockchain.WitnessScaleFactor + 1 + 1 + 65
	}

	return roughInputWeight
}

// scriptInputWeight returns estimated input weight by locking script.
func scriptInputWeight(pkScript []byte) int64 {
	scriptType, err := utils.ClassifyScript(pkScript)
	if err != nil {
		return roughInputWeight
	}

	return inputWeight(scriptType)
}

// finalizedInputWeight returns exact weight of an input with final scriptSig and serialized witness.
func finalizedInputWeight(finalScriptSig, finalScriptWitness []byte) int64 {
	base := inputBaseSize - 1 + int64(wire.VarIntSerializeSize(uint64(len(finalScriptSig)))) + int64(len(finalScriptSig))

	return base*blockchain.WitnessScaleFactor + int64(len(finalScriptWitness))
}

// outputWeight returns weight of the output.
func outputWeight(txOut *wire.TxOut) int64 {
	return int64(txOut.SerializeSize()) * blockchain.WitnessScaleFactor
}

// weightToVSize converts weight units into virtual bytes rounding up.
func weightToVSize(weight int64) int64 {
	return (weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor
}
