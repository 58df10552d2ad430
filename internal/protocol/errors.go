package protocol

import "errors"

// Error taxonomy shared by every component. Wrap these with fmt.Errorf("%w")
// and classify with errors.Is.
var (
	// ErrNetwork covers unreachable hosts and reset connections. The caller
	// may retry the whole connection attempt.
	ErrNetwork = errors.New("network error")

	// ErrProtocol covers malformed XML, packets and handshakes. Never retried.
	ErrProtocol = errors.New("protocol error")

	// ErrUnpaired means the host does not trust this client yet. The user
	// has to pair before streaming.
	ErrUnpaired = errors.New("host not paired")
)

// Codec errors. All of them are protocol errors.
var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrShortPayload    = errors.New("payload too short for message type")
	ErrFragmentOverrun = errors.New("fragment length exceeds datagram")
	ErrEmptyFragment   = errors.New("zero-length fragment")
	ErrBadMagic        = errors.New("bad magic")
)

// IsProtocolError reports whether err is (or wraps) a codec or protocol error.
func IsProtocolError(err error) bool {
	switch {
	case errors.Is(err, ErrProtocol),
		errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrUnknownMessage),
		errors.Is(err, ErrShortPayload),
		errors.Is(err, ErrFragmentOverrun),
		errors.Is(err, ErrEmptyFragment),
		errors.Is(err, ErrBadMagic):
		return true
	}
	return false
}
