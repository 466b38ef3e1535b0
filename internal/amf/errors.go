package amf

import "errors"

// ErrNeedMoreBytes is returned by Decode/DecodeN when the buffer holds a
// truncated value. The caller should read more bytes and retry; nothing
// was consumed.
var ErrNeedMoreBytes = errors.New("amf: need more bytes")

// ErrMalformed is a ProtocolError: the buffer contains a value whose
// declared shape cannot be valid (an unsupported type tag). A declared
// length that overruns the buffer is reported as ErrNeedMoreBytes instead.
var ErrMalformed = errors.New("amf: malformed value")
