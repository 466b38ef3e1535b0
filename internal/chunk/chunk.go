// Package chunk implements the RTMP chunk stream codec: splitting/joining
// RTMP messages into the wire's fmt-0/1/2/3 chunk framing, with one decode
// context kept per chunk stream id, as described by spec.md §4.2.
package chunk

import (
	"encoding/binary"
	"errors"
)

// Chunk format ids, controlling which header fields are present on the wire.
const (
	Fmt0 = 0 // 11 bytes: timestamp(3) + length(3) + type(1) + stream id(4)
	Fmt1 = 1 // 7 bytes: delta(3) + length(3) + type(1)
	Fmt2 = 2 // 3 bytes: delta(3)
	Fmt3 = 3 // 0 bytes
)

var headerSize = [4]int{11, 7, 3, 0}

const extendedTimestampMarker = 0xFFFFFF

// ErrNeedMoreBytes indicates Feed was given a truncated chunk; nothing
// was consumed and the caller should supply more bytes later.
var ErrNeedMoreBytes = errors.New("chunk: need more bytes")

// ErrProtocol is returned for malformed basic headers, chunk-stream-id
// overflow, or a negative-length computation — all connection-fatal per
// spec.md §7.
var ErrProtocol = errors.New("chunk: protocol error")

// MaxChunkSize is the implementation ceiling for set_chunk_size, per
// spec.md §4.2's recommendation.
const MaxChunkSize = 65535

// Message is a fully reassembled RTMP message: one or more chunks sharing
// a chunk stream id, concatenated in arrival order.
type Message struct {
	TypeID          byte
	ChunkStreamID   uint32
	MessageStreamID uint32
	Timestamp       uint32 // absolute timestamp, in milliseconds
	Payload         []byte
}

// partial tracks the in-progress decode state for one chunk stream id —
// the header fields a type-3 chunk inherits, plus the message buffer being
// assembled.
type partial struct {
	fmtUsed         byte
	typeID          byte
	messageStreamID uint32
	length          uint32 // declared message length from the last fmt 0/1 header
	timestampField  uint32 // raw 3-byte timestamp/delta field from the last header
	clock           int64  // accumulated absolute timestamp

	payload       []byte
	bytesReceived uint32
	started       bool // true once the first chunk of the current message has been seen
}

// Decoder reassembles inbound chunks into RtmpMessages. One Decoder exists
// per RTMP connection (inbound direction); it owns one partial per chunk
// stream id, as spec.md's data model requires.
type Decoder struct {
	pending     []byte
	contexts    map[uint32]*partial
	inChunkSize uint32
}

// NewDecoder creates a Decoder with the default 128-byte chunk size.
func NewDecoder() *Decoder {
	return &Decoder{
		contexts:    make(map[uint32]*partial),
		inChunkSize: 128,
	}
}

// SetChunkSize updates the negotiated inbound chunk size (RTMP_TYPE_SET_CHUNK_SIZE).
func (d *Decoder) SetChunkSize(n uint32) error {
	if n == 0 || n > MaxChunkSize {
		return ErrProtocol
	}
	d.inChunkSize = n
	return nil
}

// Feed appends b to the decoder's buffer and extracts every complete
// message it can. It is safe to call with arbitrarily small slices,
// including one byte at a time — the testable property in spec.md §8
// requires that feeding byte-by-byte behave identically to a single feed.
func (d *Decoder) Feed(b []byte) ([]*Message, error) {
	d.pending = append(d.pending, b...)

	var out []*Message
	for {
		consumed, msg, err := d.tryParseOne(d.pending)
		if err == ErrNeedMoreBytes {
			break
		}
		if err != nil {
			return out, err
		}
		d.pending = d.pending[consumed:]
		if msg != nil {
			// Set Chunk Size governs every chunk after it, including ones
			// already buffered from the same Feed call.
			if msg.TypeID == 0x01 && len(msg.Payload) >= 4 {
				_ = d.SetChunkSize(binary.BigEndian.Uint32(msg.Payload))
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// tryParseOne parses a single chunk (basic header + message header +
// extended timestamp + body slice) from buf without mutating the
// decoder's buffer. It returns how many bytes that one chunk occupied.
func (d *Decoder) tryParseOne(buf []byte) (consumed int, msg *Message, err error) {
	if len(buf) < 1 {
		return 0, nil, ErrNeedMoreBytes
	}

	first := buf[0]
	fmtID := first >> 6
	low6 := first & 0x3f

	var basicLen int
	var cid uint32
	switch low6 {
	case 0:
		basicLen = 2
		if len(buf) < basicLen {
			return 0, nil, ErrNeedMoreBytes
		}
		cid = 64 + uint32(buf[1])
	case 1:
		basicLen = 3
		if len(buf) < basicLen {
			return 0, nil, ErrNeedMoreBytes
		}
		cid = 64 + uint32(buf[1]) + uint32(buf[2])*256
	default:
		basicLen = 1
		cid = uint32(low6)
	}

	hdrLen := headerSize[fmtID]
	if len(buf) < basicLen+hdrLen {
		return 0, nil, ErrNeedMoreBytes
	}

	p := d.contexts[cid]
	if p == nil {
		p = &partial{}
		d.contexts[cid] = p
	}

	off := basicLen
	header := buf[basicLen : basicLen+hdrLen]
	localOff := 0

	if fmtID <= Fmt2 {
		p.timestampField = uint32(header[localOff])<<16 | uint32(header[localOff+1])<<8 | uint32(header[localOff+2])
		localOff += 3
	}
	if fmtID <= Fmt1 {
		p.length = uint32(header[localOff])<<16 | uint32(header[localOff+1])<<8 | uint32(header[localOff+2])
		p.typeID = header[localOff+3]
		localOff += 4
	}
	if fmtID == Fmt0 {
		p.messageStreamID = binary.LittleEndian.Uint32(header[localOff : localOff+4])
	}
	p.fmtUsed = fmtID
	off += hdrLen

	extended := p.timestampField == extendedTimestampMarker
	var tsValue uint32
	if extended {
		if len(buf) < off+4 {
			return 0, nil, ErrNeedMoreBytes
		}
		tsValue = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	} else {
		tsValue = p.timestampField
	}

	if !p.started {
		if fmtID == Fmt0 {
			p.clock = int64(tsValue)
		} else {
			p.clock += int64(tsValue)
		}
		p.payload = make([]byte, 0, p.length)
		p.bytesReceived = 0
		p.started = true
	}

	if p.length < p.bytesReceived {
		return 0, nil, ErrProtocol
	}

	remainInMsg := p.length - p.bytesReceived
	sizeToRead := d.inChunkSize - (p.bytesReceived % d.inChunkSize)
	if sizeToRead > remainInMsg {
		sizeToRead = remainInMsg
	}

	if len(buf) < off+int(sizeToRead) {
		return 0, nil, ErrNeedMoreBytes
	}

	if sizeToRead > 0 {
		p.payload = append(p.payload, buf[off:off+int(sizeToRead)]...)
		p.bytesReceived += sizeToRead
		off += int(sizeToRead)
	}

	if p.bytesReceived >= p.length && p.length > 0 {
		out := &Message{
			TypeID:          p.typeID,
			ChunkStreamID:   cid,
			MessageStreamID: p.messageStreamID,
			Timestamp:       uint32(p.clock),
			Payload:         p.payload,
		}
		p.started = false
		p.payload = nil
		p.bytesReceived = 0
		return off, out, nil
	}

	return off, nil, nil
}
