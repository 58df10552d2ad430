package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxControlPayloadSize bounds a single control frame. The host never sends
// anything close to this; larger lengths mean the stream is desynchronized.
const MaxControlPayloadSize = 1024

// --- Control frame types ---

// StartA opens the control session with the negotiated stream parameters.
type StartA struct {
	GameSession uint32
	Width       uint16
	Height      uint16
	FPS         uint16
	Flags       uint32
}

// StartAck is the host's answer to StartA. Status 0 means accepted.
type StartAck struct {
	Status uint32
}

// StartB tells the host the media streams are up.
type StartB struct{}

// LossStats is the periodic keepalive. It carries the video loss counters so
// the host can adapt its bitrate.
type LossStats struct {
	LostFrames    uint32
	LastGoodFrame uint32
	Sequence      uint32
}

// KeepaliveAck acknowledges a LossStats frame.
type KeepaliveAck struct {
	Sequence uint32
}

// RequestIDR asks the host for a fresh keyframe.
type RequestIDR struct {
	LastGoodFrame uint32
}

// Termination is sent by the host when the stream ends.
type Termination struct {
	Reason uint32
}

// --- Encoding ---

// WriteControl writes a framed control message (header + payload) to w in a
// single Write call, so concurrent writers only need to serialize calls.
func WriteControl(w io.Writer, msg any) error {
	var ctype ControlType
	var size int

	// header + largest fixed payload (StartA)
	var buf [ControlHeaderSize + StartASize]byte
	p := buf[ControlHeaderSize:]

	switch m := msg.(type) {
	case *StartA:
		ctype, size = CtrlStartA, StartASize
		binary.LittleEndian.PutUint32(p[0:4], m.GameSession)
		binary.LittleEndian.PutUint16(p[4:6], m.Width)
		binary.LittleEndian.PutUint16(p[6:8], m.Height)
		binary.LittleEndian.PutUint16(p[8:10], m.FPS)
		binary.LittleEndian.PutUint16(p[10:12], 0)
		binary.LittleEndian.PutUint32(p[12:16], m.Flags)
	case *StartAck:
		ctype, size = CtrlStartAck, StartAckSize
		binary.LittleEndian.PutUint32(p[0:4], m.Status)
	case *StartB:
		ctype, size = CtrlStartB, StartBSize
	case *LossStats:
		ctype, size = CtrlLossStats, LossStatsSize
		binary.LittleEndian.PutUint32(p[0:4], m.LostFrames)
		binary.LittleEndian.PutUint32(p[4:8], m.LastGoodFrame)
		binary.LittleEndian.PutUint32(p[8:12], m.Sequence)
	case *KeepaliveAck:
		ctype, size = CtrlKeepaliveAck, KeepaliveAckSize
		binary.LittleEndian.PutUint32(p[0:4], m.Sequence)
	case *RequestIDR:
		ctype, size = CtrlRequestIDR, RequestIDRSize
		binary.LittleEndian.PutUint32(p[0:4], m.LastGoodFrame)
	case *Termination:
		ctype, size = CtrlTermination, TerminationSize
		binary.LittleEndian.PutUint32(p[0:4], m.Reason)
	default:
		return fmt.Errorf("unsupported control type: %T", msg)
	}

	binary.LittleEndian.PutUint16(buf[0:2], uint16(ctype))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(size))

	_, err := w.Write(buf[:ControlHeaderSize+size])
	return err
}

// --- Decoding ---

// ReadControl reads one framed control message from r.
func ReadControl(r io.Reader) (any, error) {
	var header [ControlHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	ctype := ControlType(binary.LittleEndian.Uint16(header[0:2]))
	payloadLen := binary.LittleEndian.Uint16(header[2:4])
	if payloadLen > MaxControlPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return DecodeControl(ctype, payload)
}

// DecodeControl decodes a raw control payload given its type.
func DecodeControl(ctype ControlType, payload []byte) (any, error) {
	switch ctype {
	case CtrlStartA:
		if len(payload) < StartASize {
			return nil, ErrShortPayload
		}
		return &StartA{
			GameSession: binary.LittleEndian.Uint32(payload[0:4]),
			Width:       binary.LittleEndian.Uint16(payload[4:6]),
			Height:      binary.LittleEndian.Uint16(payload[6:8]),
			FPS:         binary.LittleEndian.Uint16(payload[8:10]),
			Flags:       binary.LittleEndian.Uint32(payload[12:16]),
		}, nil

	case CtrlStartAck:
		if len(payload) < StartAckSize {
			return nil, ErrShortPayload
		}
		return &StartAck{Status: binary.LittleEndian.Uint32(payload[0:4])}, nil

	case CtrlStartB:
		return &StartB{}, nil

	case CtrlLossStats:
		if len(payload) < LossStatsSize {
			return nil, ErrShortPayload
		}
		return &LossStats{
			LostFrames:    binary.LittleEndian.Uint32(payload[0:4]),
			LastGoodFrame: binary.LittleEndian.Uint32(payload[4:8]),
			Sequence:      binary.LittleEndian.Uint32(payload[8:12]),
		}, nil

	case CtrlKeepaliveAck:
		if len(payload) < KeepaliveAckSize {
			return nil, ErrShortPayload
		}
		return &KeepaliveAck{Sequence: binary.LittleEndian.Uint32(payload[0:4])}, nil

	case CtrlRequestIDR:
		if len(payload) < RequestIDRSize {
			return nil, ErrShortPayload
		}
		return &RequestIDR{LastGoodFrame: binary.LittleEndian.Uint32(payload[0:4])}, nil

	case CtrlTermination:
		if len(payload) < TerminationSize {
			return nil, ErrShortPayload
		}
		return &Termination{Reason: binary.LittleEndian.Uint32(payload[0:4])}, nil

	default:
		return nil, fmt.Errorf("%w: control type 0x%04x", ErrUnknownMessage, uint16(ctype))
	}
}
