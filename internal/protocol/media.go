package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// RTP payload types used by the host.
const (
	PayloadTypeVideo uint8 = 96
	PayloadTypeAudio uint8 = 97
)

// VideoPacket is one decoded video datagram: one fragment of one access unit.
// Payload aliases the datagram buffer passed to DecodeVideoPacket.
type VideoPacket struct {
	Sequence  uint16 // RTP sequence number
	Timestamp uint32 // RTP timestamp
	Frame     uint32
	FragIndex uint16
	FragCount uint16
	Flags     byte
	Payload   []byte
}

// DecodeVideoPacket parses a video datagram without copying.
//
// When the NV header is readable but the fragment is unusable (zero length
// or a declared length past the end of the datagram) the packet is returned
// together with ErrEmptyFragment or ErrFragmentOverrun, so the caller still
// knows which access unit the fragment belonged to.
func DecodeVideoPacket(b []byte) (*VideoPacket, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("%w: rtp: %v", ErrShortPayload, err)
	}
	body := pkt.Payload
	if len(body) < VideoHeaderSize {
		return nil, ErrShortPayload
	}

	v := &VideoPacket{
		Sequence:  pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
		Frame:     binary.LittleEndian.Uint32(body[0:4]),
		FragIndex: binary.LittleEndian.Uint16(body[4:6]),
		FragCount: binary.LittleEndian.Uint16(body[6:8]),
		Flags:     body[10],
	}
	length := int(binary.LittleEndian.Uint16(body[8:10]))
	rest := body[VideoHeaderSize:]

	switch {
	case v.FragCount == 0 || v.FragIndex >= v.FragCount:
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrProtocol, v.FragIndex, v.FragCount)
	case length > len(rest):
		return v, ErrFragmentOverrun
	case length == 0:
		return v, ErrEmptyFragment
	}
	v.Payload = rest[:length]
	return v, nil
}

// EncodeVideoPacket builds a video datagram. Used by the host simulator.
func EncodeVideoPacket(ssrc uint32, v *VideoPacket) ([]byte, error) {
	if len(v.Payload) > MaxDatagramSize-RTPHeaderSize-VideoHeaderSize {
		return nil, ErrPayloadTooLarge
	}
	body := make([]byte, VideoHeaderSize+len(v.Payload))
	binary.LittleEndian.PutUint32(body[0:4], v.Frame)
	binary.LittleEndian.PutUint16(body[4:6], v.FragIndex)
	binary.LittleEndian.PutUint16(body[6:8], v.FragCount)
	binary.LittleEndian.PutUint16(body[8:10], uint16(len(v.Payload)))
	body[10] = v.Flags
	copy(body[VideoHeaderSize:], v.Payload)

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypeVideo,
			SequenceNumber: v.Sequence,
			Timestamp:      v.Timestamp,
			SSRC:           ssrc,
		},
		Payload: body,
	}
	return pkt.Marshal()
}

// AudioPacket is one audio datagram. Payload is opaque encoded audio and
// aliases the datagram buffer.
type AudioPacket struct {
	Sequence  uint16
	Timestamp uint32
	Payload   []byte
}

func DecodeAudioPacket(b []byte) (*AudioPacket, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("%w: rtp: %v", ErrShortPayload, err)
	}
	return &AudioPacket{
		Sequence:  pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
		Payload:   pkt.Payload,
	}, nil
}

func EncodeAudioPacket(ssrc uint32, a *AudioPacket) ([]byte, error) {
	if len(a.Payload) > MaxDatagramSize-RTPHeaderSize {
		return nil, ErrPayloadTooLarge
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypeAudio,
			SequenceNumber: a.Sequence,
			Timestamp:      a.Timestamp,
			SSRC:           ssrc,
		},
		Payload: a.Payload,
	}
	return pkt.Marshal()
}
