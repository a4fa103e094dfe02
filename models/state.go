package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const SecureHashSize = sha256.Size

// SecureHash is a SHA-256 digest identifying a transaction.
type SecureHash [SecureHashSize]byte

func Sha256(data []byte) SecureHash {
	return sha256.Sum256(data)
}

func ParseSecureHash(str string) (SecureHash, error) {
	var hash SecureHash
	decoded, err := hex.DecodeString(str)
	if err != nil {
		return hash, fmt.Errorf("parseSecureHash: invalid hex %q: %w", str, err)
	}
	if len(decoded) != SecureHashSize {
		return hash, fmt.Errorf("parseSecureHash: expected %d bytes, got %d", SecureHashSize, len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func SecureHashFromBytes(b []byte) (SecureHash, error) {
	var hash SecureHash
	if len(b) != SecureHashSize {
		return hash, fmt.Errorf("secureHashFromBytes: expected %d bytes, got %d", SecureHashSize, len(b))
	}
	copy(hash[:], b)
	return hash, nil
}

func (h SecureHash) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

func (h SecureHash) Bytes() []byte {
	b := make([]byte, SecureHashSize)
	copy(b, h[:])
	return b
}

// StateRef identifies a single ledger output: the transaction that issued it and the output's index in that
// transaction. It is a plain value and may be used as a map key.
type StateRef struct {
	TxHash SecureHash
	Index  uint32
}

// Key is the canonical string encoding of the reference, `<tx hash hex>:<index hex>`.
func (s StateRef) Key() string {
	return s.TxHash.String() + ":" + strconv.FormatUint(uint64(s.Index), 16)
}

func (s StateRef) String() string {
	return s.TxHash.String() + "(" + strconv.FormatUint(uint64(s.Index), 10) + ")"
}

func ParseStateRef(key string) (StateRef, error) {
	hashStr, idxStr, found := strings.Cut(key, ":")
	if !found {
		return StateRef{}, fmt.Errorf("parseStateRef: missing separator in %q", key)
	}
	hash, err := ParseSecureHash(hashStr)
	if err != nil {
		return StateRef{}, err
	}
	idx, err := strconv.ParseUint(idxStr, 16, 32)
	if err != nil {
		return StateRef{}, fmt.Errorf("parseStateRef: invalid index in %q: %w", key, err)
	}
	return StateRef{TxHash: hash, Index: uint32(idx)}, nil
}

type ConsumedStateType uint8

const (
	ConsumedStateType_InputState ConsumedStateType = iota
	ConsumedStateType_ReferenceInputState
)

func (t ConsumedStateType) String() string {
	if t == ConsumedStateType_ReferenceInputState {
		return "REFERENCE_INPUT_STATE"
	}
	return "INPUT_STATE"
}

// StateConsumptionDetails names the transaction that already consumed a state.
type StateConsumptionDetails struct {
	ConsumingTxId SecureHash
	Type          ConsumedStateType
}
