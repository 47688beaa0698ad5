// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInvalidPSBT defines PSBT which could not be decoded.
	ErrInvalidPSBT = errors.New("invalid psbt")
	// ErrInvalidWitness defines malformed serialized witness.
	ErrInvalidWitness = errors.New("invalid witness")
)

// psbtHexMagic defines hex encoded "psbt" magic bytes with separator.
const psbtHexMagic = "70736274ff"

// ExtractAddressTypeInputIndexesFromPSBT returns map with input kinds and indexes to sign.
func ExtractAddressTypeInputIndexesFromPSBT(p *psbt.Packet) (map[InputsHelpingKey][]int, error) {
	result := make(map[InputsHelpingKey][]int, 2)
	for _, unknown := range p.Unknowns {
		key, err := InputsHelpingKeyFromBytes(unknown.Key)
		if err != nil {
			continue
		}

		result[key] = make([]int, len(unknown.Value))
		for idx, val := range unknown.Value {
			if int(val) >= len(p.Inputs) {
				return nil, fmt.Errorf("%w: helping index %d out of inputs range", ErrInvalidPSBT, val)
			}

			result[key][idx] = int(val)
		}
	}

	return result, nil
}

// setInputsHelpingKey records input indexes under the key in PSBT Unknowns.
func setInputsHelpingKey(p *psbt.Packet, key InputsHelpingKey, indexes []int) error {
	if len(indexes) == 0 {
		return nil
	}

	value := make([]byte, len(indexes))
	for idx, inputIdx := range indexes {
		if inputIdx > math.MaxUint8 {
			return fmt.Errorf("input index %d can not be recorded", inputIdx)
		}

		value[idx] = byte(inputIdx)
	}

	p.Unknowns = append(p.Unknowns, &psbt.Unknown{Key: key.Bytes(), Value: value})

	return nil
}

// DecodePSBT parses PSBT from base64 or hex string.
func DecodePSBT(encoded string) (*psbt.Packet, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPSBT)
	}

	var (
		raw []byte
		err error
	)
	if strings.HasPrefix(encoded, psbtHexMagic) {
		raw, err = hex.DecodeString(encoded)
	} else {
		raw, err = base64.StdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, errors.Join(ErrInvalidPSBT, err)
	}

	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, errors.Join(ErrInvalidPSBT, err)
	}

	return p, nil
}

// EncodePSBT returns PSBT as base64 string.
func EncodePSBT(p *psbt.Packet) (string, error) {
	return p.B64Encode()
}

// ParseWitness decodes witness stack serialized as in PSBT final witness field.
func ParseWitness(serialized []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(serialized)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, errors.Join(ErrInvalidWitness, err)
	}

	if count > uint64(len(serialized)) {
		return nil, fmt.Errorf("%w: %d items", ErrInvalidWitness, count)
	}

	witness := make(wire.TxWitness, count)
	for idx := range witness {
		witness[idx], err = wire.ReadVarBytes(r, 0, txscript.MaxScriptSize, "witness item")
		if err != nil {
			return nil, errors.Join(ErrInvalidWitness, err)
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidWitness, r.Len())
	}

	return witness, nil
}

// SignatureSigHashType returns sighash type committed by signature, schnorr
// signatures without explicit flag commit to SigHashDefault.
func SignatureSigHashType(signature []byte) txscript.SigHashType {
	if len(signature) == 0 || len(signature) == schnorr.SignatureSize {
		return txscript.SigHashDefault
	}

	return txscript.SigHashType(signature[len(signature)-1])
}

// inputSigHashType returns sighash type of the input, for finalized inputs it
// is read from the final witness as PSBT drops the field on finalization.
func inputSigHashType(input *psbt.PInput) (txscript.SigHashType, error) {
	if len(input.FinalScriptWitness) == 0 {
		return input.SighashType, nil
	}

	witness, err := ParseWitness(input.FinalScriptWitness)
	if err != nil {
		return 0, err
	}

	if len(witness) == 0 {
		return 0, fmt.Errorf("%w: empty stack", ErrInvalidWitness)
	}

	return SignatureSigHashType(witness[0]), nil
}
