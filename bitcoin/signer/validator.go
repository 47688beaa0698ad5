// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package signer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
	"github.com/BoostyLabs/runemarket/bitcoin/utils"
)

// ErrInvalidSignature defines input without valid signature for its committed script.
var ErrInvalidSignature = errors.New("invalid signature")

// Validator verifies signatures of PSBT inputs.
type Validator struct {
	networkParams *chaincfg.Params
}

// NewValidator is a constructor for Validator.
func NewValidator(networkParams *chaincfg.Params) *Validator {
	return &Validator{
		networkParams: networkParams,
	}
}

// ValidateInput verifies that input carries valid signature for the script of
// its witness utxo, that the script belongs to the address and that the
// signature commits to one of allowed sighash types (any if none passed).
func (v *Validator) ValidateInput(packet *psbt.Packet, idx int, address string, allowed ...txscript.SigHashType) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("%w: input %d: %w", ErrInvalidSignature, idx, err)
		}
	}()

	if idx < 0 || idx >= len(packet.Inputs) || idx >= len(packet.UnsignedTx.TxIn) {
		return ErrInvalidInputIndex
	}

	input := &packet.Inputs[idx]
	if input.WitnessUtxo == nil {
		return errors.New("missing witness utxo")
	}

	inputAddress, err := utils.ScriptToAddress(input.WitnessUtxo.PkScript, v.networkParams)
	if err != nil {
		return err
	}

	claimed, err := utils.DecodeAddress(address, v.networkParams)
	if err != nil {
		return err
	}

	if inputAddress != claimed.EncodeAddress() {
		return fmt.Errorf("script belongs to %s", inputAddress)
	}

	sigScript, witness, err := inputSignatureData(input)
	if err != nil {
		return err
	}

	sigHashType := txbuilder.SignatureSigHashType(witness[0])
	if len(allowed) != 0 && !slices.Contains(allowed, sigHashType) {
		return fmt.Errorf("sighash type 0x%x is not allowed", byte(sigHashType))
	}

	tx := packet.UnsignedTx.Copy()
	tx.TxIn[idx].SignatureScript = sigScript
	tx.TxIn[idx].Witness = witness

	fetcher := PrevOutputFetcher(packet)
	engine, err := txscript.NewEngine(
		input.WitnessUtxo.PkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), input.WitnessUtxo.Value, fetcher,
	)
	if err != nil {
		return err
	}

	return engine.Execute()
}

// ValidateInputs verifies every input by provided indexes with ValidateInput.
func (v *Validator) ValidateInputs(packet *psbt.Packet, indexes []int, address string, allowed ...txscript.SigHashType) error {
	if len(indexes) == 0 {
		return fmt.Errorf("%w: no inputs", ErrInvalidSignature)
	}

	for _, idx := range indexes {
		if err := v.ValidateInput(packet, idx, address, allowed...); err != nil {
			return err
		}
	}

	return nil
}

// inputSignatureData returns scriptSig and witness of the input from final
// fields, taproot key spend signature or a single partial signature.
func inputSignatureData(input *psbt.PInput) ([]byte, wire.TxWitness, error) {
	switch {
	case len(input.FinalScriptWitness) != 0:
		witness, err := txbuilder.ParseWitness(input.FinalScriptWitness)
		if err != nil {
			return nil, nil, err
		}

		if len(witness) == 0 {
			return nil, nil, errors.New("empty witness")
		}

		return input.FinalScriptSig, witness, nil
	case len(input.FinalScriptSig) != 0:
		return nil, nil, errors.New("legacy inputs are not supported")
	case len(input.TaprootKeySpendSig) != 0:
		return nil, wire.TxWitness{input.TaprootKeySpendSig}, nil
	case len(input.PartialSigs) == 1:
		var sigScript []byte
		if len(input.RedeemScript) != 0 {
			var err error
			sigScript, err = txscript.NewScriptBuilder().AddData(input.RedeemScript).Script()
			if err != nil {
				return nil, nil, err
			}
		}

		return sigScript, wire.TxWitness{input.PartialSigs[0].Signature, input.PartialSigs[0].PubKey}, nil
	}

	return nil, nil, errors.New("input is not signed")
}
