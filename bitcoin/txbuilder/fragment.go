// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/BoostyLabs/runemarket/bitcoin"
)

// SellerSigHashType defines the only sighash type seller inputs may be signed with.
const SellerSigHashType = txscript.SigHashSingle | txscript.SigHashAnyOneCanPay

var (
	// ErrShapeMismatch defines template which inputs or outputs do not match expected fragment shape.
	ErrShapeMismatch = errors.New("template shape mismatch")
	// ErrMissingWitnessUtxo defines template input without witness utxo.
	ErrMissingWitnessUtxo = errors.New("missing witness utxo")
	// ErrNotFinalized defines template input without final signature data.
	ErrNotFinalized = errors.New("input is not finalized")
)

// FragmentKind defines listing template shape.
type FragmentKind int

const (
	// KindMerged defines rune and optional inscription sharing one output, one input template.
	KindMerged FragmentKind = 1
	// KindSplit defines inscription and rune held by different outputs, two inputs template.
	KindSplit FragmentKind = 2
)

// String returns kind name.
func (k FragmentKind) String() string {
	switch k {
	case KindMerged:
		return "merged"
	case KindSplit:
		return "split"
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Inputs returns number of inputs and outputs the template of the kind has.
func (k FragmentKind) Inputs() int {
	return int(k)
}

// Leg describes one seller input together with its SINGLE paired payout output.
type Leg struct {
	Location           bitcoin.AssetLocation
	Sequence           uint32
	WitnessUtxo        *wire.TxOut
	Payout             *wire.TxOut
	FinalScriptSig     []byte
	FinalScriptWitness []byte
}

// IsFinalized returns true if leg carries final signature data.
func (leg Leg) IsFinalized() bool {
	return len(leg.FinalScriptWitness) != 0 || len(leg.FinalScriptSig) != 0
}

// Fragment is a seller authorized piece of a transaction: inputs signed with
// SIGHASH_SINGLE|ANYONECANPAY and their payout outputs at the same positions.
// Implemented by *MergedFragment and *SplitFragment only.
type Fragment interface {
	// Kind returns fragment shape.
	Kind() FragmentKind
	// Legs returns legs in template order.
	Legs() []Leg
	// Bid returns idempotency key derived from asset locations.
	Bid() string
	// fragment seals the interface.
	fragment()
}

// MergedFragment describes listing of a single output holding the rune and optionally an inscription.
type MergedFragment struct {
	Asset Leg
}

// Kind returns KindMerged.
func (f *MergedFragment) Kind() FragmentKind { return KindMerged }

// Legs returns asset leg.
func (f *MergedFragment) Legs() []Leg { return []Leg{f.Asset} }

// Bid returns hash of the asset location.
func (f *MergedFragment) Bid() string { return LocationsBid(f.Asset.Location) }

func (f *MergedFragment) fragment() {}

// SplitFragment describes listing of an inscription and a rune held by different outputs.
type SplitFragment struct {
	Inscription Leg
	Rune        Leg
}

// Kind returns KindSplit.
func (f *SplitFragment) Kind() FragmentKind { return KindSplit }

// Legs returns inscription leg followed by rune leg.
func (f *SplitFragment) Legs() []Leg { return []Leg{f.Inscription, f.Rune} }

// Bid returns hash of inscription location followed by rune location.
func (f *SplitFragment) Bid() string { return LocationsBid(f.Inscription.Location, f.Rune.Location) }

func (f *SplitFragment) fragment() {}

// LocationsBid returns hex encoded sha256 of "txid:vout" locations joined with ":".
// Callers pass inscription location first for split listings.
func LocationsBid(locations ...bitcoin.AssetLocation) string {
	parts := make([]string, len(locations))
	for idx, location := range locations {
		parts[idx] = location.String()
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))

	return hex.EncodeToString(hash[:])
}

// RuneLeg returns leg holding the rune balance.
func RuneLeg(f Fragment) Leg {
	switch f := f.(type) {
	case *MergedFragment:
		return f.Asset
	case *SplitFragment:
		return f.Rune
	}

	panic(fmt.Sprintf("unknown fragment %T", f))
}

// InscriptionLeg returns leg transferred to the asset receiver output in settlement.
func InscriptionLeg(f Fragment) Leg {
	switch f := f.(type) {
	case *MergedFragment:
		return f.Asset
	case *SplitFragment:
		return f.Inscription
	}

	panic(fmt.Sprintf("unknown fragment %T", f))
}

// TotalPrice returns sum of fragment payouts.
func TotalPrice(f Fragment) int64 {
	var total int64
	for _, leg := range f.Legs() {
		total += leg.Payout.Value
	}

	return total
}

// Templates returns unsigned and finalized PSBT templates of the fragment.
func Templates(f Fragment) (unsigned, finalized *psbt.Packet, err error) {
	legs := f.Legs()
	tx := wire.NewMsgTx(txVersion)
	for _, leg := range legs {
		outPoint, err := leg.Location.OutPoint()
		if err != nil {
			return nil, nil, err
		}

		txIn := wire.NewTxIn(outPoint, nil, nil)
		txIn.Sequence = leg.Sequence
		tx.AddTxIn(txIn)
		tx.AddTxOut(copyTxOut(leg.Payout))
	}

	unsigned, err = psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, nil, err
	}

	finalized, err = psbt.NewFromUnsignedTx(tx.Copy())
	if err != nil {
		return nil, nil, err
	}

	for idx, leg := range legs {
		unsigned.Inputs[idx].WitnessUtxo = copyTxOut(leg.WitnessUtxo)
		unsigned.Inputs[idx].SighashType = SellerSigHashType

		finalized.Inputs[idx].WitnessUtxo = copyTxOut(leg.WitnessUtxo)
		finalized.Inputs[idx].SighashType = SellerSigHashType
		finalized.Inputs[idx].FinalScriptSig = leg.FinalScriptSig
		finalized.Inputs[idx].FinalScriptWitness = leg.FinalScriptWitness
	}

	return unsigned, finalized, nil
}

// FragmentFromTemplate re-extracts fragment of the expected kind from finalized template.
func FragmentFromTemplate(p *psbt.Packet, kind FragmentKind) (Fragment, error) {
	legs, err := extractLegs(p, kind)
	if err != nil {
		return nil, err
	}

	for idx, leg := range legs {
		if !leg.IsFinalized() {
			return nil, fmt.Errorf("%w: input %d", ErrNotFinalized, idx)
		}
	}

	return newFragment(kind, legs), nil
}

// extractLegs reads legs out of the template checking its shape.
func extractLegs(p *psbt.Packet, kind FragmentKind) ([]Leg, error) {
	tx := p.UnsignedTx
	if kind != KindMerged && kind != KindSplit {
		return nil, fmt.Errorf("%w: unknown %s", ErrShapeMismatch, kind)
	}

	if len(tx.TxIn) != kind.Inputs() || len(tx.TxOut) != kind.Inputs() || len(p.Inputs) != len(tx.TxIn) {
		return nil, fmt.Errorf("%w: %s template with %d inputs and %d outputs", ErrShapeMismatch, kind, len(tx.TxIn), len(tx.TxOut))
	}

	legs := make([]Leg, len(tx.TxIn))
	for idx, txIn := range tx.TxIn {
		input := p.Inputs[idx]
		if input.WitnessUtxo == nil {
			return nil, fmt.Errorf("%w: input %d", ErrMissingWitnessUtxo, idx)
		}

		sigHashType, err := inputSigHashType(&input)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", idx, err)
		}

		if sigHashType != SellerSigHashType {
			return nil, fmt.Errorf("%w: input %d sighash 0x%x", ErrShapeMismatch, idx, byte(sigHashType))
		}

		legs[idx] = Leg{
			Location: bitcoin.AssetLocation{
				TxID:  txIn.PreviousOutPoint.Hash.String(),
				Vout:  txIn.PreviousOutPoint.Index,
				Value: input.WitnessUtxo.Value,
			},
			Sequence:           txIn.Sequence,
			WitnessUtxo:        copyTxOut(input.WitnessUtxo),
			Payout:             copyTxOut(tx.TxOut[idx]),
			FinalScriptSig:     bytes.Clone(input.FinalScriptSig),
			FinalScriptWitness: bytes.Clone(input.FinalScriptWitness),
		}
	}

	return legs, nil
}

// newFragment builds fragment of the kind from legs in template order.
func newFragment(kind FragmentKind, legs []Leg) Fragment {
	if kind == KindSplit {
		return &SplitFragment{Inscription: legs[0], Rune: legs[1]}
	}

	return &MergedFragment{Asset: legs[0]}
}

// copyTxOut returns deep copy of the output.
func copyTxOut(txOut *wire.TxOut) *wire.TxOut {
	return wire.NewTxOut(txOut.Value, bytes.Clone(txOut.PkScript))
}
