// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package runes

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/aviate-labs/leb128"
	"github.com/btcsuite/btcd/txscript"

	"github.com/BoostyLabs/runemarket/internal/sequencereader"
)

// maxDataPushSize defines the largest payload chunk pushed with a single OP_DATA_<num> opcode.
const maxDataPushSize = txscript.OP_DATA_75

var (
	// ErrCenotaph defines invalid runestone produced malformed payload.
	ErrCenotaph = errors.New("cenotaph")
	// ErrTruncated defines that payload is do not have required fields.
	ErrTruncated = errors.New("truncated payload")
	// ErrNotRunestone defines script which is not a runestone output at all.
	ErrNotRunestone = errors.New("not a runestone")
)

// Runestone abstractly defines runestone fields used for transfers.
// Etching fields are recognized while parsing but not kept.
type Runestone struct {
	Edicts  []Edict
	Mint    *RuneID
	Pointer *uint32
}

// ParseRunestone parses Runestone from script code.
func ParseRunestone(script []byte) (*Runestone, error) {
	payload, err := PreparePayload(script)
	if err != nil {
		return nil, err
	}

	sequence, err := PayloadIntoIntSequence(payload)
	if err != nil {
		return nil, err
	}

	runestone := new(Runestone)
	if err = runestone.parse(sequencereader.New(sequence)); err != nil {
		return nil, err
	}

	return runestone, nil
}

// parse parses runestone fields from integer sequence.
func (runestone *Runestone) parse(sr *sequencereader.SequenceReader[*big.Int]) error {
	message, err := ParseMessage(sr)
	if err != nil {
		return err
	}

	for tag, ints := range message.Fields {
		switch tag {
		case TagMint:
			if len(ints) != 2 || !ints[0].IsUint64() || !ints[1].IsUint64() || ints[1].Uint64() > uint64(^uint32(0)) {
				return ErrCenotaph
			}

			mint := RuneID{Block: ints[0].Uint64(), TxID: uint32(ints[1].Uint64())}
			if !mint.IsValid() {
				return &CenotaphError{type_: MintCenotaphErrorType, message: fmt.Sprintf("invalid Mint(%s)", mint)}
			}

			runestone.Mint = &mint
		case TagPointer:
			if len(ints) != 1 || !ints[0].IsUint64() || ints[0].Uint64() > uint64(^uint32(0)) {
				return ErrCenotaph
			}

			pointer := uint32(ints[0].Uint64())
			runestone.Pointer = &pointer
		default:
			if !tag.IsKnown() && tag.IsEven() {
				return &CenotaphError{type_: TagCenotaphErrorType, message: fmt.Sprintf("unrecognized even tag %d", tag)}
			}
		}
	}

	runestone.Edicts = message.Edicts

	return nil
}

// IntoScript returns Runestone as OP_RETURN script, payload is split into
// data pushes of at most 75 bytes each.
func (runestone *Runestone) IntoScript() ([]byte, error) {
	payload, err := runestone.Serialize()
	if err != nil {
		return nil, err
	}

	script := make([]byte, 0, 2+len(payload)+len(payload)/maxDataPushSize+1)
	script = append(script, txscript.OP_RETURN, txscript.OP_13)
	for len(payload) > 0 {
		size := min(len(payload), maxDataPushSize)

		// OP_DATA_<num> opcode equals the number of pushed bytes.
		script = append(script, byte(size))
		script = append(script, payload[:size]...)
		payload = payload[size:]
	}

	return script, nil
}

// Serialize returns Runestone as LEB128 encoded payload.
func (runestone *Runestone) Serialize() ([]byte, error) {
	message := Message{
		Edicts: runestone.Edicts,
		Fields: map[Tag][]*big.Int{},
	}

	if runestone.Mint != nil {
		message.Fields[TagMint] = runestone.Mint.ToIntSeq()
	}

	if runestone.Pointer != nil {
		message.Fields[TagPointer] = []*big.Int{new(big.Int).SetUint64(uint64(*runestone.Pointer))}
	}

	return IntSequenceIntoPayload(message.ToIntSeq())
}

// Verify verifies that Runestone references only existing outputs.
func (runestone *Runestone) Verify(outputsNumber int) error {
	if runestone.Pointer != nil && int(*runestone.Pointer) >= outputsNumber {
		return &CenotaphError{
			type_:   PointerCenotaphErrorType,
			message: fmt.Sprintf("the Pointer(%d) is out of output idxs range [0;%d)", *runestone.Pointer, outputsNumber),
		}
	}

	for idx, edict := range runestone.Edicts {
		// output equal to outputs number splits balance between all outputs.
		if !edict.RuneID.IsValid() || int(edict.Output) > outputsNumber {
			return &CenotaphError{
				type_:   EdictsCenotaphErrorType,
				message: fmt.Sprintf("the Edict[%d] is malformed: %s -> %d in output idxs range [0;%d]", idx, edict.RuneID, edict.Output, outputsNumber),
			}
		}
	}

	return nil
}

// PreparePayload validates raw script, removes OP_RETURN and OP_13 opcodes,
// returns data collected from data pushes.
func PreparePayload(script []byte) ([]byte, error) {
	if !IsPossibleRunestone(script) {
		return nil, ErrNotRunestone
	}

	payload := make([]byte, 0, len(script)-2)
	tokenizer := txscript.MakeScriptTokenizer(0, script[2:])
	for tokenizer.Next() {
		if tokenizer.Opcode() > txscript.OP_PUSHDATA4 {
			return nil, fmt.Errorf("%w: non push opcode 0x%x", ErrCenotaph, tokenizer.Opcode())
		}

		payload = append(payload, tokenizer.Data()...)
	}

	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCenotaph, err)
	}

	return payload, nil
}

// IsPossibleRunestone returns true if the script starts with rune protocol bytes sequence.
func IsPossibleRunestone(script []byte) bool {
	return len(script) >= 2 && script[0] == txscript.OP_RETURN && script[1] == txscript.OP_13
}

// PayloadIntoIntSequence decodes payload in LEB128 into integer sequence.
func PayloadIntoIntSequence(payload []byte) ([]*big.Int, error) {
	sequence := make([]*big.Int, 0)
	data := bytes.NewReader(payload)
	for data.Len() > 0 {
		num, err := leb128.DecodeUnsigned(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
		}

		sequence = append(sequence, num)
	}

	return sequence, nil
}

// IntSequenceIntoPayload encodes integer sequence into payload in LEB128.
func IntSequenceIntoPayload(sequence []*big.Int) ([]byte, error) {
	payload := make([]byte, 0, len(sequence)*3)
	for _, num := range sequence {
		encoded, err := leb128.EncodeUnsigned(num)
		if err != nil {
			return nil, err
		}

		payload = append(payload, encoded...)
	}

	return payload, nil
}
