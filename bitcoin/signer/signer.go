// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package signer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin/utils"
)

// ErrInvalidInputIndex defines input index out of transaction inputs range.
var ErrInvalidInputIndex = errors.New("invalid input index")

// SignParams defines parameters for Sign method.
type SignParams struct {
	Packet     *psbt.Packet
	Inputs     []int // inputs indexes.
	PrivateKey *btcec.PrivateKey
	Finalize   bool // finalize signed inputs.
}

// signInputParams defines parameters for sign input methods.
type signInputParams struct {
	packet     *psbt.Packet
	input      int
	sigHashes  *txscript.TxSigHashes
	privateKey *btcec.PrivateKey
}

// Signer provides transaction signing related logic for wallets and tests.
type Signer struct {
	networkParams *chaincfg.Params
}

// NewSigner is a constructor for Signer.
func NewSigner(networkParams *chaincfg.Params) *Signer {
	return &Signer{
		networkParams: networkParams,
	}
}

// Sign signs taproot key path and (nested) segwit v0 inputs by provided indexes
// with sighash type set in the inputs.
func (signer *Signer) Sign(params SignParams) error {
	var (
		packet    = params.Packet
		sigHashes = txscript.NewTxSigHashes(packet.UnsignedTx, PrevOutputFetcher(packet))
	)

	for _, input := range params.Inputs {
		if input < 0 || len(packet.Inputs) <= input {
			return fmt.Errorf("%w: %d", ErrInvalidInputIndex, input)
		}

		if packet.Inputs[input].WitnessUtxo == nil {
			return fmt.Errorf("input %d: missing witness utxo", input)
		}

		scriptType, err := utils.ClassifyScript(packet.Inputs[input].WitnessUtxo.PkScript)
		if err != nil {
			return fmt.Errorf("input %d: %w", input, err)
		}

		inputParams := signInputParams{
			packet:     packet,
			input:      input,
			sigHashes:  sigHashes,
			privateKey: params.PrivateKey,
		}
		switch scriptType {
		case utils.P2TR:
			err = signer.signTaprootInput(inputParams)
		case utils.P2WPKH, utils.P2SH:
			err = signer.signWitnessInput(inputParams)
		default:
			err = fmt.Errorf("%w: %s", utils.ErrUnsupportedScript, scriptType)
		}
		if err != nil {
			return fmt.Errorf("input %d: %w", input, err)
		}
	}

	if params.Finalize {
		return FinalizeInputs(packet, params.Inputs)
	}

	return nil
}

// FinalizeInputs finalizes inputs by provided indexes, already finalized inputs are skipped.
func FinalizeInputs(packet *psbt.Packet, inputs []int) error {
	for _, input := range inputs {
		if input < 0 || len(packet.Inputs) <= input {
			return fmt.Errorf("%w: %d", ErrInvalidInputIndex, input)
		}

		if _, err := psbt.MaybeFinalize(packet, input); err != nil {
			return fmt.Errorf("finalize input %d: %w", input, err)
		}
	}

	return nil
}

// PrevOutputFetcher returns fetcher of inputs previous outputs, inputs without
// witness utxo are fetched as empty outputs.
func PrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	tx := packet.UnsignedTx
	prevOutputs := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	for idx, txIn := range tx.TxIn {
		prevOutput := wire.NewTxOut(0, nil)
		if idx < len(packet.Inputs) && packet.Inputs[idx].WitnessUtxo != nil {
			prevOutput = packet.Inputs[idx].WitnessUtxo
		}

		prevOutputs[txIn.PreviousOutPoint] = prevOutput
	}

	return txscript.NewMultiPrevOutFetcher(prevOutputs)
}

// signTaprootInput signs taproot input with key path spend.
func (signer *Signer) signTaprootInput(params signInputParams) error {
	input := &params.packet.Inputs[params.input]

	witness, err := txscript.TaprootWitnessSignature(
		params.packet.UnsignedTx, params.sigHashes, params.input,
		input.WitnessUtxo.Value, input.WitnessUtxo.PkScript, input.SighashType, params.privateKey)
	if err != nil {
		return err
	}

	input.TaprootKeySpendSig = witness[0]

	return nil
}

// signWitnessInput signs native or nested P2WPKH input.
func (signer *Signer) signWitnessInput(params signInputParams) error {
	var (
		input       = &params.packet.Inputs[params.input]
		pubKey      = params.privateKey.PubKey().SerializeCompressed()
		sigHashType = input.SighashType
		subScript   = input.WitnessUtxo.PkScript
	)

	if txscript.IsPayToScriptHash(subScript) {
		if len(input.RedeemScript) == 0 {
			return errors.New("missing redeem script")
		}

		subScript = input.RedeemScript
	}

	if sigHashType == txscript.SigHashDefault {
		sigHashType = txscript.SigHashAll
	}

	sig, err := txscript.RawTxInWitnessSignature(
		params.packet.UnsignedTx, params.sigHashes, params.input,
		input.WitnessUtxo.Value, subScript, sigHashType, params.privateKey)
	if err != nil {
		return err
	}

	input.PartialSigs = append(input.PartialSigs, &psbt.PartialSig{
		PubKey:    pubKey,
		Signature: sig,
	})

	return nil
}
