// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrInvalidAddress defines malformed address or address of another network.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrUnknownNetwork defines unsupported network name.
	ErrUnknownNetwork = errors.New("unknown network")
)

// NetworkParams returns chain parameters by network name.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "main", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest", "simnet":
		return &chaincfg.RegressionNetParams, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
}

// DecodeAddress decodes address and checks that it belongs to the network.
func DecodeAddress(address string, params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, errors.Join(ErrInvalidAddress, err)
	}

	// bech32 decoding accepts any registered hrp.
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s is not for %s", ErrInvalidAddress, address, params.Name)
	}

	return addr, nil
}

// AddressToScript returns locking script (ScriptPubKey) of the address.
func AddressToScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}

	if _, err = classifyAddress(addr); err != nil {
		return nil, err
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Join(ErrInvalidAddress, err)
	}

	return script, nil
}

// MustAddressToScript uses AddressToScript, panics in case of error.
func MustAddressToScript(address string, params *chaincfg.Params) []byte {
	script, err := AddressToScript(address, params)
	if err != nil {
		panic(err)
	}

	return script
}

// ScriptToAddress returns address encoded from locking script.
func ScriptToAddress(script []byte, params *chaincfg.Params) (string, error) {
	if _, err := ClassifyScript(script); err != nil {
		return "", err
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return "", errors.Join(ErrInvalidAddress, err)
	}

	if len(addrs) != 1 {
		return "", fmt.Errorf("%w: script resolves to %d addresses", ErrInvalidAddress, len(addrs))
	}

	return addrs[0].EncodeAddress(), nil
}

// ClassifyAddress returns script type the address is built over.
func ClassifyAddress(address string, params *chaincfg.Params) (ScriptType, error) {
	addr, err := DecodeAddress(address, params)
	if err != nil {
		return "", err
	}

	return classifyAddress(addr)
}

// IsTestnetAddress returns true if address belongs to the test network.
func IsTestnetAddress(address string) bool {
	_, err := DecodeAddress(address, &chaincfg.TestNet3Params)
	return err == nil
}

// classifyAddress maps decoded address to ScriptType.
func classifyAddress(addr btcutil.Address) (ScriptType, error) {
	switch addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return P2PKH, nil
	case *btcutil.AddressScriptHash:
		return P2SH, nil
	case *btcutil.AddressWitnessPubKeyHash:
		return P2WPKH, nil
	case *btcutil.AddressTaproot:
		return P2TR, nil
	}

	return "", fmt.Errorf("%w: %T", ErrUnsupportedScript, addr)
}
