package chunk

import "encoding/binary"

// basicHeader serialises the 1/2/3-byte basic header for (fmtID, cid).
func basicHeader(fmtID byte, cid uint32) []byte {
	switch {
	case cid >= 64+255:
		rel := cid - 64
		return []byte{fmtID<<6 | 1, byte(rel & 0xff), byte((rel >> 8) & 0xff)}
	case cid >= 64:
		return []byte{fmtID << 6, byte(cid - 64)}
	default:
		return []byte{fmtID<<6 | byte(cid)}
	}
}

// Encode serialises msg as a leading fmt-0 chunk followed by fmt-3
// continuation chunks, each body capped at outChunkSize bytes, per
// spec.md §4.2's encoder description. A conforming implementation may
// always use fmt-0 + fmt-3, which is what this function does.
func Encode(cid uint32, msg *Message, outChunkSize uint32) []byte {
	if outChunkSize == 0 {
		outChunkSize = 128
	}

	useExtended := msg.Timestamp >= extendedTimestampMarker

	lead := basicHeader(Fmt0, cid)
	cont := basicHeader(Fmt3, cid)

	msgHeader := make([]byte, 0, 11)
	tsField := msg.Timestamp
	if useExtended {
		tsField = extendedTimestampMarker
	}
	msgHeader = append(msgHeader, byte(tsField>>16), byte(tsField>>8), byte(tsField))
	length := uint32(len(msg.Payload))
	msgHeader = append(msgHeader, byte(length>>16), byte(length>>8), byte(length))
	msgHeader = append(msgHeader, msg.TypeID)
	sidBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sidBytes, msg.MessageStreamID)
	msgHeader = append(msgHeader, sidBytes...)

	out := make([]byte, 0, len(lead)+len(msgHeader)+4+len(msg.Payload)+8)
	out = append(out, lead...)
	out = append(out, msgHeader...)
	if useExtended {
		extBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(extBytes, msg.Timestamp)
		out = append(out, extBytes...)
	}

	payload := msg.Payload
	for len(payload) > 0 {
		n := len(payload)
		if uint32(n) > outChunkSize {
			n = int(outChunkSize)
		}
		out = append(out, payload[:n]...)
		payload = payload[n:]
		if len(payload) > 0 {
			out = append(out, cont...)
			if useExtended {
				extBytes := make([]byte, 4)
				binary.BigEndian.PutUint32(extBytes, msg.Timestamp)
				out = append(out, extBytes...)
			}
		}
	}

	return out
}
