package input

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/protocol"
)

var errBadPadding = errors.New("bad input padding")

// sealer encrypts input packets with the remote input key handed to the host
// at launch. Each packet is AES-128-CBC with PKCS#7 padding and an IV whose
// first four bytes are the key id, framed as [u32 BE length][ciphertext].
type sealer struct {
	block cipher.Block
	iv    [aes.BlockSize]byte
}

func newSealer(key identity.RemoteInputKey) (*sealer, error) {
	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		return nil, fmt.Errorf("input cipher: %w", err)
	}
	s := &sealer{block: block}
	binary.BigEndian.PutUint32(s.iv[:4], key.ID)
	return s, nil
}

// Seal appends the framed ciphertext of plain to dst.
func (s *sealer) Seal(dst, plain []byte) []byte {
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	n := len(plain) + pad

	dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	start := len(dst)
	dst = append(dst, plain...)
	for i := 0; i < pad; i++ {
		dst = append(dst, byte(pad))
	}
	cipher.NewCBCEncrypter(s.block, s.iv[:]).CryptBlocks(dst[start:], dst[start:])
	return dst
}

// Open reverses Seal. The host simulator uses it to read encrypted input.
func (s *sealer) Open(framed []byte) ([]byte, error) {
	if len(framed) < 4 {
		return nil, protocol.ErrShortPayload
	}
	n := int(binary.BigEndian.Uint32(framed))
	body := framed[4:]
	if n != len(body) || n == 0 || n%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: sealed length %d", protocol.ErrProtocol, n)
	}
	plain := make([]byte, n)
	cipher.NewCBCDecrypter(s.block, s.iv[:]).CryptBlocks(plain, body)
	pad := int(plain[n-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, errBadPadding
	}
	for _, b := range plain[n-pad:] {
		if int(b) != pad {
			return nil, errBadPadding
		}
	}
	return plain[:n-pad], nil
}

// OpenPacket decrypts one sealed input datagram.
func OpenPacket(key identity.RemoteInputKey, framed []byte) ([]byte, error) {
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	return s.Open(framed)
}
