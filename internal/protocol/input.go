package protocol

import (
	"encoding/binary"
	"fmt"
)

// --- Input packet types ---

// Keyboard is a key press or release. KeyCode is already translated to the
// host's key space (see input.TranslateKey).
type Keyboard struct {
	KeyCode   uint16
	Modifiers byte
	Down      bool
}

// MouseMove is a relative pointer motion.
type MouseMove struct {
	DeltaX int16
	DeltaY int16
}

// MouseButton is a mouse button press or release.
type MouseButton struct {
	Button byte
	Down   bool
}

// Scroll is a vertical wheel motion in WHEEL_DELTA units.
type Scroll struct {
	Amount int16
}

// Controller carries the complete gamepad state. The wire format has no
// partial-update mode, so every change retransmits all fields.
type Controller struct {
	Buttons      uint16
	LeftTrigger  uint8
	RightTrigger uint8
	LeftStickX   int16
	LeftStickY   int16
	RightStickX  int16
	RightStickY  int16
}

// --- Encoding ---

// EncodeInput returns the wire form of an input packet.
func EncodeInput(msg any) ([]byte, error) {
	return AppendInput(make([]byte, 0, InputHeaderSize+ControllerSize), msg)
}

// AppendInput appends the wire form of an input packet to dst. Each packet
// is sent as its own datagram, so callers must not concatenate two packets
// into one write.
func AppendInput(dst []byte, msg any) ([]byte, error) {
	var magic InputMagic
	var payload []byte

	// Stack buffer for fixed-size payloads (max 24 bytes for Controller).
	var scratch [ControllerSize]byte

	switch m := msg.(type) {
	case *Keyboard:
		magic = MagicKeyUp
		if m.Down {
			magic = MagicKeyDown
		}
		scratch[0] = 0
		binary.LittleEndian.PutUint16(scratch[1:3], m.KeyCode)
		scratch[3] = m.Modifiers
		payload = scratch[:KeyboardSize]
	case *MouseMove:
		magic = MagicMouseMove
		binary.BigEndian.PutUint16(scratch[0:2], uint16(m.DeltaX))
		binary.BigEndian.PutUint16(scratch[2:4], uint16(m.DeltaY))
		payload = scratch[:MouseMoveSize]
	case *MouseButton:
		magic = MagicMouseUp
		if m.Down {
			magic = MagicMouseDown
		}
		scratch[0] = m.Button
		payload = scratch[:MouseButtonSize]
	case *Scroll:
		magic = MagicScroll
		binary.BigEndian.PutUint16(scratch[0:2], uint16(m.Amount))
		binary.BigEndian.PutUint16(scratch[2:4], uint16(m.Amount))
		payload = scratch[:ScrollSize]
	case *Controller:
		magic = MagicController
		binary.LittleEndian.PutUint16(scratch[0:2], controllerHeaderB)
		binary.LittleEndian.PutUint16(scratch[2:4], m.Buttons)
		scratch[4] = m.LeftTrigger
		scratch[5] = m.RightTrigger
		binary.LittleEndian.PutUint16(scratch[6:8], uint16(m.LeftStickX))
		binary.LittleEndian.PutUint16(scratch[8:10], uint16(m.LeftStickY))
		binary.LittleEndian.PutUint16(scratch[10:12], uint16(m.RightStickX))
		binary.LittleEndian.PutUint16(scratch[12:14], uint16(m.RightStickY))
		binary.LittleEndian.PutUint32(scratch[14:18], controllerTailA)
		binary.LittleEndian.PutUint16(scratch[18:20], controllerTailB)
		payload = scratch[:ControllerSize]
	default:
		return dst, fmt.Errorf("unsupported input type: %T", msg)
	}

	var header [InputHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(4+len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(magic))

	dst = append(dst, header[:]...)
	return append(dst, payload...), nil
}

// --- Decoding ---

// DecodeInput decodes a single input datagram.
func DecodeInput(b []byte) (any, error) {
	if len(b) < InputHeaderSize {
		return nil, ErrShortPayload
	}
	length := binary.BigEndian.Uint32(b[0:4])
	magic := InputMagic(binary.LittleEndian.Uint32(b[4:8]))

	// length counts the magic too
	if length < 4 || length-4 > MaxInputPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	payloadLen := int(length - 4)
	if len(b) < InputHeaderSize+payloadLen {
		return nil, ErrShortPayload
	}
	return DecodeInputPayload(magic, b[InputHeaderSize:InputHeaderSize+payloadLen])
}

// DecodeInputPayload decodes a raw input payload given its magic.
func DecodeInputPayload(magic InputMagic, payload []byte) (any, error) {
	switch magic {
	case MagicKeyDown, MagicKeyUp:
		if len(payload) < KeyboardSize {
			return nil, ErrShortPayload
		}
		return &Keyboard{
			KeyCode:   binary.LittleEndian.Uint16(payload[1:3]),
			Modifiers: payload[3],
			Down:      magic == MagicKeyDown,
		}, nil

	case MagicMouseMove:
		if len(payload) < MouseMoveSize {
			return nil, ErrShortPayload
		}
		return &MouseMove{
			DeltaX: int16(binary.BigEndian.Uint16(payload[0:2])),
			DeltaY: int16(binary.BigEndian.Uint16(payload[2:4])),
		}, nil

	case MagicMouseDown, MagicMouseUp:
		if len(payload) < MouseButtonSize {
			return nil, ErrShortPayload
		}
		return &MouseButton{Button: payload[0], Down: magic == MagicMouseDown}, nil

	case MagicScroll:
		if len(payload) < ScrollSize {
			return nil, ErrShortPayload
		}
		return &Scroll{Amount: int16(binary.BigEndian.Uint16(payload[0:2]))}, nil

	case MagicController:
		if len(payload) < ControllerSize {
			return nil, ErrShortPayload
		}
		if binary.LittleEndian.Uint16(payload[0:2]) != controllerHeaderB {
			return nil, ErrBadMagic
		}
		return &Controller{
			Buttons:      binary.LittleEndian.Uint16(payload[2:4]),
			LeftTrigger:  payload[4],
			RightTrigger: payload[5],
			LeftStickX:   int16(binary.LittleEndian.Uint16(payload[6:8])),
			LeftStickY:   int16(binary.LittleEndian.Uint16(payload[8:10])),
			RightStickX:  int16(binary.LittleEndian.Uint16(payload[10:12])),
			RightStickY:  int16(binary.LittleEndian.Uint16(payload[12:14])),
		}, nil

	default:
		return nil, fmt.Errorf("%w: input magic 0x%02x", ErrUnknownMessage, uint32(magic))
	}
}
