package video

import (
	"io"
	"time"
)

// ByteBufferDescriptor is a view into a receive buffer. Descriptors never
// copy; the bytes stay in the datagram buffer they arrived in.
type ByteBufferDescriptor struct {
	Data   []byte
	Offset int
	Length int
}

// Bytes returns the viewed range.
func (d ByteBufferDescriptor) Bytes() []byte {
	return d.Data[d.Offset : d.Offset+d.Length]
}

// DecodeUnit is one reassembled access unit. Its descriptors are immutable
// once handed out; release it with Depacketizer.FreeDecodeUnit exactly once.
type DecodeUnit struct {
	Frame   uint32
	Buffers []ByteBufferDescriptor
	Length  int
	// ReceiveTime is when the first fragment arrived, for latency accounting.
	ReceiveTime time.Time

	pooled [][]byte
}

// Bytes concatenates the descriptors. Renderers that can consume scattered
// buffers should use WriteTo instead.
func (u *DecodeUnit) Bytes() []byte {
	out := make([]byte, 0, u.Length)
	for _, d := range u.Buffers {
		out = append(out, d.Bytes()...)
	}
	return out
}

// WriteTo writes the access unit to w without concatenating.
func (u *DecodeUnit) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, d := range u.Buffers {
		n, err := w.Write(d.Bytes())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
