// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package signer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin/utils"
)

// messageMagic defines Bitcoin Signed Message prefix.
const messageMagic = "Bitcoin Signed Message:\n"

const (
	// compactSigSize defines header byte followed by R and S.
	compactSigSize = 65

	// headers of compressed key signatures per address type.
	headerCompressed   byte = 31
	headerNestedP2WPKH byte = 35
	headerP2WPKH       byte = 39
	headerMax          byte = 42
)

// MessageHash returns double sha256 of the message with Bitcoin Signed Message prefix.
func MessageHash(message string) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, messageMagic)
	_ = wire.WriteVarString(&buf, 0, message)

	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage returns base64 compact signature of the message with header
// byte matching the script type (BIP137).
func SignMessage(privateKey *btcec.PrivateKey, scriptType utils.ScriptType, message string) (string, error) {
	sig := ecdsa.SignCompact(privateKey, MessageHash(message), true)

	switch scriptType {
	case utils.P2PKH, utils.P2TR:
	case utils.P2SH:
		sig[0] += headerNestedP2WPKH - headerCompressed
	case utils.P2WPKH:
		sig[0] += headerP2WPKH - headerCompressed
	default:
		return "", fmt.Errorf("%w: %s", utils.ErrUnsupportedScript, scriptType)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyMessage verifies base64 compact signature of the message recovering
// the public key and checking that the address is derived from it. Taproot
// addresses are checked against the key path only output key of the recovered key.
func VerifyMessage(address, signature, message string, params *chaincfg.Params) (err error) {
	defer func() {
		if err != nil {
			err = errors.Join(ErrInvalidSignature, err)
		}
	}()

	addr, err := utils.DecodeAddress(address, params)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return err
	}

	if len(sig) != compactSigSize {
		return fmt.Errorf("signature size %d", len(sig))
	}

	sig = bytes.Clone(sig)
	switch header := sig[0]; {
	case header > headerMax:
		return fmt.Errorf("signature header %d", header)
	case header >= headerP2WPKH:
		sig[0] -= headerP2WPKH - headerCompressed
	case header >= headerNestedP2WPKH:
		sig[0] -= headerNestedP2WPKH - headerCompressed
	}

	pubKey, compressed, err := ecdsa.RecoverCompact(sig, MessageHash(message))
	if err != nil {
		return err
	}

	serialized := pubKey.SerializeUncompressed()
	if compressed {
		serialized = pubKey.SerializeCompressed()
	}

	var derived btcutil.Address
	switch addr.(type) {
	case *btcutil.AddressPubKeyHash:
		derived, err = btcutil.NewAddressPubKeyHash(btcutil.Hash160(serialized), params)
	case *btcutil.AddressWitnessPubKeyHash:
		derived, err = btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params)
	case *btcutil.AddressScriptHash:
		var witnessAddress btcutil.Address
		witnessAddress, err = btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params)
		if err != nil {
			return err
		}

		var redeemScript []byte
		redeemScript, err = txscript.PayToAddrScript(witnessAddress)
		if err != nil {
			return err
		}

		derived, err = btcutil.NewAddressScriptHash(redeemScript, params)
	case *btcutil.AddressTaproot:
		derived, err = btcutil.NewAddressTaproot(schnorr.SerializePubKey(txscript.ComputeTaprootKeyNoScript(pubKey)), params)
	default:
		return utils.ErrUnsupportedScript
	}
	if err != nil {
		return err
	}

	if derived.EncodeAddress() != addr.EncodeAddress() {
		return errors.New("signature belongs to another address")
	}

	return nil
}
