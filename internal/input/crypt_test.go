package input

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/chronologos/gstream/internal/identity"
)

func TestSealOpen(t *testing.T) {
	key, err := identity.GenerateRemoteInputKey()
	if err != nil {
		t.Fatal(err)
	}
	s, err := newSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{0, 1, 15, 16, 17, 32} {
		plain := bytes.Repeat([]byte{0xAB}, n)
		framed := s.Seal(nil, plain)
		if got := int(binary.BigEndian.Uint32(framed)); got != len(framed)-4 || got%16 != 0 {
			t.Fatalf("n=%d: bad frame length %d", n, got)
		}
		out, err := OpenPacket(key, framed)
		if err != nil {
			t.Fatalf("n=%d: open: %v", n, err)
		}
		if !bytes.Equal(out, plain) {
			t.Fatalf("n=%d: round trip mismatch", n)
		}
	}
}

func TestOpenWrongKey(t *testing.T) {
	a, _ := identity.GenerateRemoteInputKey()
	b, _ := identity.GenerateRemoteInputKey()
	s, _ := newSealer(a)

	framed := s.Seal(nil, []byte("0123456789"))
	if out, err := OpenPacket(b, framed); err == nil && bytes.Equal(out, []byte("0123456789")) {
		t.Fatal("wrong key decrypted the packet")
	}
}

func TestOpenRejectsBadFraming(t *testing.T) {
	key, _ := identity.GenerateRemoteInputKey()
	for _, framed := range [][]byte{
		nil,
		{0, 0, 0, 16},
		{0, 0, 0, 5, 1, 2, 3, 4, 5},
	} {
		if _, err := OpenPacket(key, framed); err == nil {
			t.Fatalf("expected error for %x", framed)
		}
	}
}

func FuzzOpenPacket(f *testing.F) {
	key, _ := identity.ParseRemoteInputKey("000102030405060708090a0b0c0d0e0f", 7)
	s, _ := newSealer(key)
	f.Add(s.Seal(nil, []byte("seed")))
	f.Fuzz(func(t *testing.T, data []byte) {
		OpenPacket(key, data)
	})
}
