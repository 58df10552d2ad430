package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HandshakeRequest announces the launched game session to the host's
// handshake port.
type HandshakeRequest struct {
	GameSession uint32
}

// HandshakeResponse carries the host's readiness verdict.
type HandshakeResponse struct {
	Status HandshakeStatus
}

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeOK:
		return "ok"
	case HandshakeNotReady:
		return "not ready"
	case HandshakeUnknown:
		return "unknown session"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

func WriteHandshakeRequest(w io.Writer, req *HandshakeRequest) error {
	var buf [HandshakeRequestSize]byte
	copy(buf[0:4], HandshakeMagic)
	binary.LittleEndian.PutUint32(buf[4:8], req.GameSession)
	_, err := w.Write(buf[:])
	return err
}

func ReadHandshakeRequest(r io.Reader) (*HandshakeRequest, error) {
	var buf [HandshakeRequestSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	if string(buf[0:4]) != HandshakeMagic {
		return nil, ErrBadMagic
	}
	return &HandshakeRequest{GameSession: binary.LittleEndian.Uint32(buf[4:8])}, nil
}

func WriteHandshakeResponse(w io.Writer, resp *HandshakeResponse) error {
	var buf [HandshakeResponseSize]byte
	copy(buf[0:4], HandshakeMagic)
	buf[4] = byte(resp.Status)
	_, err := w.Write(buf[:])
	return err
}

func ReadHandshakeResponse(r io.Reader) (*HandshakeResponse, error) {
	var buf [HandshakeResponseSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	if string(buf[0:4]) != HandshakeMagic {
		return nil, ErrBadMagic
	}
	return &HandshakeResponse{Status: HandshakeStatus(buf[4])}, nil
}
