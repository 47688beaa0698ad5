// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package sequencereader reads decoded runestone integers forward only.
package sequencereader

import (
	"errors"
	"fmt"
)

// ErrSequenceEnded defines read past the end of the sequence.
var ErrSequenceEnded = errors.New("the sequence is ended")

// SequenceReader defines forward-only reader over a slice.
type SequenceReader[T any] struct {
	s   []T
	idx int
}

// New is a constructor for SequenceReader.
func New[T any](seq []T) *SequenceReader[T] {
	return &SequenceReader[T]{s: seq}
}

// HasNext returns true if sequence is not ended.
func (sr *SequenceReader[T]) HasNext() bool {
	return sr.idx < len(sr.s)
}

// Next returns next element of the sequence.
func (sr *SequenceReader[T]) Next() (T, error) {
	if !sr.HasNext() {
		var zero T
		return zero, ErrSequenceEnded
	}

	sr.idx++

	return sr.s[sr.idx-1], nil
}

// NextN returns next n elements as one group, e.g. an edict. Nothing is
// consumed if fewer than n elements are left.
func (sr *SequenceReader[T]) NextN(n int) ([]T, error) {
	if n <= 0 || sr.Len() < n {
		return nil, fmt.Errorf("%w: %d of %d left", ErrSequenceEnded, sr.Len(), n)
	}

	group := sr.s[sr.idx : sr.idx+n : sr.idx+n]
	sr.idx += n

	return group, nil
}

// Len returns how many items are left.
func (sr *SequenceReader[T]) Len() int {
	return len(sr.s) - sr.idx
}
