package protocol

// Default host ports. All of them are overridable through config.
const (
	PortHTTP      = 47989
	PortHandshake = 47991
	PortControl   = 47995
	PortVideo     = 47998
	PortAudio     = 48000
	PortInput     = 35043
)

// Input header: [4B payload_length big-endian][4B magic little-endian]
const InputHeaderSize = 8

// Maximum input payload size. Input packets are tiny; anything larger is garbage.
const MaxInputPayloadSize = 64

// InputMagic identifies the kind of an input packet.
type InputMagic uint32

const (
	MagicKeyDown    InputMagic = 0x03
	MagicKeyUp      InputMagic = 0x04
	MagicMouseMove  InputMagic = 0x06
	MagicMouseDown  InputMagic = 0x07
	MagicMouseUp    InputMagic = 0x08
	MagicScroll     InputMagic = 0x09
	MagicController InputMagic = 0x0d
)

// Fixed input payload sizes (excluding header).
const (
	KeyboardSize    = 6  // flags, u16 keycode, modifiers, u16 zero
	MouseMoveSize   = 4  // i16 dx + i16 dy
	MouseButtonSize = 1  // button id
	ScrollSize      = 6  // i16 amount twice + u16 zero
	ControllerSize  = 24 // header B, buttons, triggers, 4 sticks, tail A, tail B
)

// Controller packet framing constants.
const (
	controllerHeaderB = 0x1400
	controllerTailA   = 0x00140000
	controllerTailB   = 0x0014
)

// Keyboard modifier bits.
const (
	ModifierShift byte = 0x01
	ModifierCtrl  byte = 0x02
	ModifierAlt   byte = 0x04
)

// Mouse button ids.
const (
	MouseButtonLeft   byte = 1
	MouseButtonMiddle byte = 2
	MouseButtonRight  byte = 3
)

// Controller button flags.
const (
	ButtonUp      uint16 = 0x0001
	ButtonDown    uint16 = 0x0002
	ButtonLeft    uint16 = 0x0004
	ButtonRight   uint16 = 0x0008
	ButtonPlay    uint16 = 0x0010
	ButtonBack    uint16 = 0x0020
	ButtonLSClick uint16 = 0x0040
	ButtonRSClick uint16 = 0x0080
	ButtonLB      uint16 = 0x0100
	ButtonRB      uint16 = 0x0200
	ButtonSpecial uint16 = 0x0400
	ButtonA       uint16 = 0x1000
	ButtonB       uint16 = 0x2000
	ButtonX       uint16 = 0x4000
	ButtonY       uint16 = 0x8000
)

// Control header: [2B type little-endian][2B payload_length little-endian]
const ControlHeaderSize = 4

// ControlType identifies a control channel frame.
type ControlType uint16

const (
	CtrlLossStats    ControlType = 0x0201 // periodic keepalive, carries loss stats
	CtrlKeepaliveAck ControlType = 0x0202
	CtrlRequestIDR   ControlType = 0x0302
	CtrlStartA       ControlType = 0x0305
	CtrlStartAck     ControlType = 0x0306
	CtrlStartB       ControlType = 0x0307
	CtrlTermination  ControlType = 0x0109
)

// Fixed control payload sizes.
const (
	StartASize       = 16 // u32 session, u16 width, u16 height, u16 fps, u16 reserved, u32 flags
	StartAckSize     = 4  // u32 status
	StartBSize       = 0
	LossStatsSize    = 12 // u32 lost frames, u32 last good frame, u32 sequence
	KeepaliveAckSize = 4  // u32 sequence
	RequestIDRSize   = 4  // u32 last good frame
	TerminationSize  = 4  // u32 reason
)

// Handshake framing.
const (
	HandshakeMagic        = "GSHS"
	HandshakeRequestSize  = 8 // magic + u32 game session
	HandshakeResponseSize = 5 // magic + u8 status
)

// HandshakeStatus is the host's verdict on a handshake.
type HandshakeStatus byte

const (
	HandshakeOK       HandshakeStatus = 0
	HandshakeNotReady HandshakeStatus = 1
	HandshakeUnknown  HandshakeStatus = 2
)

// Video datagram: RTP header followed by the NV video header.
const (
	RTPHeaderSize   = 12
	VideoHeaderSize = 12 // u32 frame, u16 frag index, u16 frag count, u16 length, u8 flags, u8 reserved
)

// Video fragment flags.
const (
	VideoFlagPicData byte = 0x01
	VideoFlagEOF     byte = 0x02
	VideoFlagSOF     byte = 0x04
)

// Maximum UDP datagram we ever expect from the host.
const MaxDatagramSize = 2048

// PingPayload is sent to the video and audio ports so the host learns our
// return address.
var PingPayload = []byte{'P', 'I', 'N', 'G'}
