package rdgram

import (
	"encoding/binary"
	"fmt"

	pool "github.com/libp2p/go-buffer-pool"
)

type frameKind uint8

const (
	kindSingleData   frameKind = 0x00
	kindData         frameKind = 0x40
	kindContinueData frameKind = 0x80
	kindAck          frameKind = 0xC0
	kindMask         byte      = 0xC0
)

const (
	singleHeaderSize   = 1 + 4
	dataHeaderSize     = 1 + 4 + 2
	continueHeaderSize = 1 + 4
	ackFrameSize       = 1 + 4 + 4
	// minMTU leaves room for the largest header and one byte of payload.
	minMTU = dataHeaderSize + 1
)

func (k frameKind) String() string {
	switch k {
	case kindSingleData:
		return "single"
	case kindData:
		return "data"
	case kindContinueData:
		return "continue"
	case kindAck:
		return "ack"
	}
	return "unknown"
}

// frame is a decoded datagram. For acknowledgments seq holds the window base.
type frame struct {
	kind        frameKind
	messageType uint8
	seq         uint32
	total       uint16
	mask        uint32
	payload     []byte
}

func decodeFrame(b []byte) (frame, error) {
	if len(b) == 0 {
		return frame{}, fmt.Errorf("%w: empty datagram", ErrMalformedFrame)
	}
	f := frame{kind: frameKind(b[0] & kindMask), messageType: b[0] &^ kindMask}
	switch f.kind {
	case kindAck:
		if len(b) < ackFrameSize {
			return frame{}, fmt.Errorf("%w: ack of %d bytes", ErrMalformedFrame, len(b))
		}
		if f.messageType != 0 {
			return frame{}, fmt.Errorf("%w: ack header %#x", ErrMalformedFrame, b[0])
		}
		f.seq = binary.BigEndian.Uint32(b[1:])
		f.mask = binary.BigEndian.Uint32(b[5:])
	case kindSingleData:
		if len(b) < singleHeaderSize {
			return frame{}, fmt.Errorf("%w: single data frame of %d bytes", ErrMalformedFrame, len(b))
		}
		f.seq = binary.BigEndian.Uint32(b[1:])
		f.payload = b[singleHeaderSize:]
	case kindData:
		if len(b) < dataHeaderSize {
			return frame{}, fmt.Errorf("%w: data frame of %d bytes", ErrMalformedFrame, len(b))
		}
		f.seq = binary.BigEndian.Uint32(b[1:])
		f.total = binary.BigEndian.Uint16(b[5:])
		f.payload = b[dataHeaderSize:]
		if len(f.payload) > int(f.total) {
			return frame{}, fmt.Errorf("%w: data frame carries %d of %d bytes", ErrMalformedFrame, len(f.payload), f.total)
		}
	case kindContinueData:
		if len(b) < continueHeaderSize {
			return frame{}, fmt.Errorf("%w: continuation of %d bytes", ErrMalformedFrame, len(b))
		}
		if f.messageType != 0 {
			return frame{}, fmt.Errorf("%w: continuation header %#x", ErrMalformedFrame, b[0])
		}
		f.seq = binary.BigEndian.Uint32(b[1:])
		f.payload = b[continueHeaderSize:]
	}
	return f, nil
}

// The encoders below return buffers from the pool. The caller owns them and
// puts them back once the frame is no longer cached.

func encodeSingleData(seq uint32, messageType uint8, payload []byte) []byte {
	buf := pool.Get(singleHeaderSize + len(payload))
	buf[0] = byte(kindSingleData) | messageType
	binary.BigEndian.PutUint32(buf[1:], seq)
	copy(buf[singleHeaderSize:], payload)
	return buf
}

func encodeData(seq uint32, messageType uint8, total int, chunk []byte) []byte {
	buf := pool.Get(dataHeaderSize + len(chunk))
	buf[0] = byte(kindData) | messageType
	binary.BigEndian.PutUint32(buf[1:], seq)
	binary.BigEndian.PutUint16(buf[5:], uint16(total))
	copy(buf[dataHeaderSize:], chunk)
	return buf
}

func encodeContinueData(seq uint32, chunk []byte) []byte {
	buf := pool.Get(continueHeaderSize + len(chunk))
	buf[0] = byte(kindContinueData)
	binary.BigEndian.PutUint32(buf[1:], seq)
	copy(buf[continueHeaderSize:], chunk)
	return buf
}

func encodeAck(base uint32, mask uint32) []byte {
	buf := pool.Get(ackFrameSize)
	buf[0] = byte(kindAck)
	binary.BigEndian.PutUint32(buf[1:], base)
	binary.BigEndian.PutUint32(buf[5:], mask)
	return buf
}

// seqBefore reports whether a precedes b in circular sequence space.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
