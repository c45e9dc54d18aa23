// Package document provides the replicated document state owned by a room.
//
// The relay never interprets updates. A Document only has to accept them,
// report its full state as a single update for late joiners, and summarise
// what it has seen as a state vector.
package document

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var ErrInvalidUpdate = errors.New("invalid update")

// Document is the replicated-document capability a room owns. Implementations
// need not be safe for concurrent use; the room serializes access.
type Document interface {
	ApplyUpdate(update []byte) error
	EncodeStateAsUpdate() []byte
	EncodeStateVector() []byte
}

// Factory creates a fresh empty document.
type Factory func() Document

// Log is an in-memory Document that keeps every distinct update in the order
// it was first applied. Re-applying an update already in the log is a no-op,
// so applying the same stream twice converges to the same state.
type Log struct {
	updates [][]byte
	index   map[uint64][]int
	digest  uint64
	size    int
}

// NewLog returns an empty Log. It satisfies Factory.
func NewLog() Document {
	return &Log{index: make(map[uint64][]int)}
}

func (l *Log) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidUpdate)
	}

	sum := xxhash.Sum64(update)
	for _, i := range l.index[sum] {
		if bytes.Equal(l.updates[i], update) {
			return nil
		}
	}

	stored := bytes.Clone(update)
	l.index[sum] = append(l.index[sum], len(l.updates))
	l.updates = append(l.updates, stored)
	l.digest ^= sum
	l.size += len(stored)
	return nil
}

// EncodeStateAsUpdate returns the whole log as one update: a uvarint count
// followed by each update as a uvarint length and its bytes. An empty log
// encodes to nil.
func (l *Log) EncodeStateAsUpdate() []byte {
	if len(l.updates) == 0 {
		return nil
	}

	buf := make([]byte, 0, l.size+binary.MaxVarintLen64*(len(l.updates)+1))
	buf = binary.AppendUvarint(buf, uint64(len(l.updates)))
	for _, u := range l.updates {
		buf = binary.AppendUvarint(buf, uint64(len(u)))
		buf = append(buf, u...)
	}
	return buf
}

// EncodeStateVector returns a uvarint update count followed by an
// order-independent 64-bit digest of the updates seen.
func (l *Log) EncodeStateVector() []byte {
	buf := binary.AppendUvarint(nil, uint64(len(l.updates)))
	return binary.BigEndian.AppendUint64(buf, l.digest)
}

// DecodeState splits an encoded state back into its updates.
func DecodeState(state []byte) ([][]byte, error) {
	if len(state) == 0 {
		return nil, nil
	}

	count, n := binary.Uvarint(state)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad update count", ErrInvalidUpdate)
	}
	state = state[n:]

	updates := make([][]byte, 0, min(count, uint64(len(state))))
	for i := uint64(0); i < count; i++ {
		size, n := binary.Uvarint(state)
		if n <= 0 || uint64(len(state)-n) < size {
			return nil, fmt.Errorf("%w: truncated update %d", ErrInvalidUpdate, i)
		}
		state = state[n:]
		updates = append(updates, state[:size:size])
		state = state[size:]
	}
	if len(state) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidUpdate, len(state))
	}
	return updates, nil
}
