// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package runes

import (
	"math/big"
)

// Tag defines tag type for untyped message parsing.
type Tag uint64

const (
	// TagBody defines Body tag, edicts follow it.
	TagBody Tag = 0
	// TagFlags defines Flags tag.
	TagFlags Tag = 2
	// TagRune defines Rune tag.
	TagRune Tag = 4
	// TagPremine defines Premine tag.
	TagPremine Tag = 6
	// TagCap defines Cap tag.
	TagCap Tag = 8
	// TagAmount defines Amount tag.
	TagAmount Tag = 10
	// TagHeightStart defines HeightStart tag.
	TagHeightStart Tag = 12
	// TagHeightEnd defines HeightEnd tag.
	TagHeightEnd Tag = 14
	// TagOffsetStart defines OffsetStart tag.
	TagOffsetStart Tag = 16
	// TagOffsetEnd defines OffsetEnd tag.
	TagOffsetEnd Tag = 18
	// TagMint defines Mint tag.
	TagMint Tag = 20
	// TagPointer defines Pointer tag.
	TagPointer Tag = 22
	// TagCenotaph defines Cenotaph tag.
	TagCenotaph Tag = 126

	// TagDivisibility defines Divisibility tag.
	TagDivisibility Tag = 1
	// TagSpacers defines Spacers tag.
	TagSpacers Tag = 3
	// TagSymbol defines Symbol tag.
	TagSymbol Tag = 5
	// TagNop defines Nop tag.
	TagNop Tag = 127
)

// IsKnown returns true for tags defined by the protocol.
func (t Tag) IsKnown() bool {
	switch t {
	case TagBody, TagFlags, TagRune, TagPremine, TagCap, TagAmount, TagHeightStart, TagHeightEnd,
		TagOffsetStart, TagOffsetEnd, TagMint, TagPointer, TagDivisibility, TagSpacers, TagSymbol, TagNop:
		return true
	}

	return false
}

// IsEven returns true for tags that must be recognized by decoders.
func (t Tag) IsEven() bool {
	return t%2 == 0
}

// BigInt returns Tag as big.Int.
func (t Tag) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(t))
}
