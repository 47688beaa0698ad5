// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package inscriptions

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// idSeparator defines separator between TxID and Index in inscription ID.
const idSeparator string = "i"

// ErrInvalidID defines malformed inscription id.
var ErrInvalidID = errors.New("invalid inscription id")

// ID describes inscription identifier.
type ID struct {
	TxID  chainhash.Hash // Reveal transaction ID.
	Index uint32         // The index of new inscriptions being inscribed in the reveal transaction.
}

// NewIDFromString parses inscription ID from "<txid>i<index>" string.
func NewIDFromString(idStr string) (ID, error) {
	txID, index, ok := strings.Cut(idStr, idSeparator)
	if !ok || len(txID) != chainhash.MaxHashStringSize {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, idStr)
	}

	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return ID{}, errors.Join(ErrInvalidID, err)
	}

	indexNum, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return ID{}, errors.Join(ErrInvalidID, err)
	}

	return ID{TxID: *hash, Index: uint32(indexNum)}, nil
}

// String returns inscription ID as string.
func (id ID) String() string {
	return fmt.Sprintf("%s%s%d", id.TxID.String(), idSeparator, id.Index)
}
