// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package bitcoin

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/BoostyLabs/runemarket/bitcoin/ord/runes"
)

// DustLimit defines the smallest output value in satoshi the network relays.
const DustLimit int64 = 546

var (
	// ErrInsufficientNativeBalance defines that bitcoin utxos do not cover the required amount.
	ErrInsufficientNativeBalance = errors.New("insufficient native balance")
	// ErrInvalidUTXOAmount defines that there is not enough utxos to pick from.
	ErrInvalidUTXOAmount = errors.New("invalid utxo amount")
	// ErrInvalidOutPoint defines malformed transaction outpoint.
	ErrInvalidOutPoint = errors.New("invalid outpoint")
)

// AssetLocation describes an unspent output holding marketplace assets.
type AssetLocation struct {
	TxID  string
	Vout  uint32
	Value int64 // in Satoshi.
}

// String returns location as "txid:vout".
func (l AssetLocation) String() string {
	return fmt.Sprintf("%s:%d", l.TxID, l.Vout)
}

// OutPoint returns location as wire outpoint.
func (l AssetLocation) OutPoint() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(l.TxID)
	if err != nil {
		return nil, errors.Join(ErrInvalidOutPoint, err)
	}

	return wire.NewOutPoint(hash, l.Vout), nil
}

// Equal returns true if both locations reference the same output.
func (l AssetLocation) Equal(other AssetLocation) bool {
	return l.TxID == other.TxID && l.Vout == other.Vout
}

// UTXO describes unspent transaction output data.
type UTXO struct {
	TxHash  string
	Index   uint32 // output index in transaction outputs.
	Amount  int64  // in Satoshi.
	Script  []byte // ScriptPubKey.
	Address string // output recipient address.
	Height  int64  // confirmation height, 0 for mempool.
	Runes   []RuneBalance
}

// Location returns utxo as AssetLocation.
func (u UTXO) Location() AssetLocation {
	return AssetLocation{TxID: u.TxHash, Vout: u.Index, Value: u.Amount}
}

// RuneBalance describes rune balance linked to a utxo.
type RuneBalance struct {
	RuneID   runes.RuneID
	Amount   *big.Int // in rune units.
	Location AssetLocation
}

// RuneAsset describes rune with balance normalized by its divisibility.
type RuneAsset struct {
	ID           runes.RuneID
	Name         string
	SpacedName   string
	Symbol       string
	Divisibility uint8
	Amount       decimal.Decimal
}

// NormalizeRuneAmount converts raw rune units into decimal amount.
func NormalizeRuneAmount(raw *big.Int, divisibility uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}

	return decimal.NewFromBigInt(raw, -int32(divisibility))
}

// Inscription describes ordinal inscription and its current location.
type Inscription struct {
	ID       string
	Address  string
	Location AssetLocation
}
