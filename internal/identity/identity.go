// Package identity holds the client-side identifiers and key material sent to
// the host: the client unique id, remote-input key, and log run ids.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	UniqueIDSize       = 8
	RemoteInputKeySize = 16
)

// NewUniqueID returns a random client unique id as 16 lowercase hex digits.
// The host uses it to remember which client paired.
func NewUniqueID() (string, error) {
	b := make([]byte, UniqueIDSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RemoteInputKey is the AES key and key id passed to the host on launch.
// The host uses them to decrypt input packets.
type RemoteInputKey struct {
	Key [RemoteInputKeySize]byte
	ID  uint32
}

// GenerateRemoteInputKey returns fresh random key material.
func GenerateRemoteInputKey() (RemoteInputKey, error) {
	var k RemoteInputKey
	if _, err := rand.Read(k.Key[:]); err != nil {
		return RemoteInputKey{}, err
	}
	var id [4]byte
	if _, err := rand.Read(id[:]); err != nil {
		return RemoteInputKey{}, err
	}
	k.ID = binary.BigEndian.Uint32(id[:])
	return k, nil
}

// HexKey is the key as sent in the launch query.
func (k RemoteInputKey) HexKey() string {
	return hex.EncodeToString(k.Key[:])
}

// ParseRemoteInputKey is the inverse of HexKey plus the decimal key id.
func ParseRemoteInputKey(hexKey string, id uint32) (RemoteInputKey, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return RemoteInputKey{}, fmt.Errorf("decode rikey: %w", err)
	}
	if len(b) != RemoteInputKeySize {
		return RemoteInputKey{}, fmt.Errorf("rikey length %d, want %d", len(b), RemoteInputKeySize)
	}
	var k RemoteInputKey
	copy(k.Key[:], b)
	k.ID = id
	return k, nil
}

// NewRunID returns an identifier for correlating the logs of one process run.
func NewRunID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return "run-" + id.String()
}
