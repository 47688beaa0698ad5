// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin/utils"
)

var (
	// ErrPSBTInputBuilder defines errors class for prepare address data method.
	ErrPSBTInputBuilder = errors.New("prepare address data")
	// ErrUnsupportedPaymentAddress defines address that can not fund marketplace inputs.
	ErrUnsupportedPaymentAddress = errors.New("unsupported payment address")
)

// PSBTInputBuilder is a helping tool to prepare psbt input based on address type.
type PSBTInputBuilder struct {
	params       *chaincfg.Params
	scriptType   utils.ScriptType
	script       []byte
	publicKey    *btcec.PublicKey
	xOnlyPubKey  []byte
	redeemScript []byte
}

// NewPSBTInputBuilder is a constructor for PSBTInputBuilder.
// Public key is optional, it is needed to fill nested segwit and taproot inputs data.
func NewPSBTInputBuilder(pubKey, address string, networkParams *chaincfg.Params) (pib *PSBTInputBuilder, err error) {
	pib = &PSBTInputBuilder{params: networkParams}

	defer func(err *error) {
		if err != nil && *err != nil {
			*err = errors.Join(ErrPSBTInputBuilder, *err)
		}
	}(&err)

	pib.scriptType, err = utils.ClassifyAddress(address, networkParams)
	if err != nil {
		return pib, err
	}

	// legacy inputs need full previous transactions which are not tracked.
	if pib.scriptType == utils.P2PKH {
		return pib, ErrUnsupportedPaymentAddress
	}

	pib.script, err = utils.AddressToScript(address, networkParams)
	if err != nil {
		return pib, err
	}

	if pubKey == "" {
		return pib, nil
	}

	publicKeyBytes, err := hex.DecodeString(pubKey)
	if err != nil {
		return pib, err
	}

	switch len(publicKeyBytes) {
	case schnorr.PubKeyBytesLen:
		pib.xOnlyPubKey = publicKeyBytes
		pib.publicKey, err = schnorr.ParsePubKey(publicKeyBytes)
	default:
		pib.publicKey, err = btcec.ParsePubKey(publicKeyBytes)
		if err == nil {
			pib.xOnlyPubKey = schnorr.SerializePubKey(pib.publicKey)
		}
	}
	if err != nil {
		return pib, err
	}

	if pib.scriptType == utils.P2SH {
		witnessAddress, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pib.publicKey.SerializeCompressed()), networkParams)
		if err != nil {
			return pib, err
		}

		pib.redeemScript, err = txscript.PayToAddrScript(witnessAddress)
		if err != nil {
			return pib, err
		}
	}

	return pib, nil
}

// PrepareInput updates input with required data based on address type.
func (pib *PSBTInputBuilder) PrepareInput(input *psbt.PInput, value int64) {
	input.WitnessUtxo = wire.NewTxOut(value, pib.script)

	switch pib.scriptType {
	case utils.P2TR:
		input.SighashType = txscript.SigHashDefault
		if pib.xOnlyPubKey != nil {
			input.TaprootInternalKey = pib.xOnlyPubKey
		}
	case utils.P2SH:
		input.SighashType = txscript.SigHashAll
		if pib.redeemScript != nil {
			input.RedeemScript = pib.redeemScript
		}
	default:
		input.SighashType = txscript.SigHashAll
	}
}

// InputsHelpingKey return InputsHelpingKey for wallet input indexes distinguishing.
func (pib *PSBTInputBuilder) InputsHelpingKey() InputsHelpingKey {
	if pib.scriptType == utils.P2TR {
		return TaprootInputsHelpingKey
	}

	return PaymentInputsHelpingKey
}

// ScriptType returns underlying script type.
func (pib *PSBTInputBuilder) ScriptType() utils.ScriptType {
	return pib.scriptType
}

// Script returns locking script of the address.
func (pib *PSBTInputBuilder) Script() []byte {
	return pib.script
}

// signatureScript returns final script sig of the address inputs, it is known
// before signing for every supported address type. Nil for native segwit.
func (pib *PSBTInputBuilder) signatureScript() ([]byte, error) {
	if pib.scriptType != utils.P2SH {
		return nil, nil
	}

	if pib.redeemScript == nil {
		return nil, fmt.Errorf("%w: nested segwit input needs public key", ErrUnsupportedPaymentAddress)
	}

	return txscript.NewScriptBuilder().AddData(pib.redeemScript).Script()
}
