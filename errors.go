package danmaku

import (
	"errors"
	"fmt"
)

// Sentinel errors used for wrapping so callers can classify failures via
// errors.Is, the way the rest of the pack wraps transport/protocol errors.
var (
	// ErrTransportFailure wraps network I/O failures: HTTP dial/read
	// errors from RoomLookup, WebSocket dial/read/write errors from
	// Session.
	ErrTransportFailure = errors.New("danmaku: transport failure")

	// ErrProtocolFailure wraps JSON decode failures of envelopes or
	// packet bodies.
	ErrProtocolFailure = errors.New("danmaku: protocol failure")

	// ErrMalformedFrame wraps Codec failures: a short header, hdrLen
	// less than 16, an unknown enum discriminant, a truncated zlib
	// container, or a short final inner packet.
	ErrMalformedFrame = errors.New("danmaku: malformed frame")

	// ErrDecodeMismatch is returned by DecodeBody when called on a
	// packet whose ProtoVer is not Json. Callers must check ProtoVer
	// first; seeing this error is a programming error in the caller.
	ErrDecodeMismatch = errors.New("danmaku: decode_body called on non-json packet")

	// ErrClosed is returned by Subscription.Recv once the stream has
	// been closed and its buffered packets drained.
	ErrClosed = errors.New("danmaku: subscription closed")
)

// UpstreamRejected is returned by RoomLookup when an envelope's code
// field is non-zero. It is not recoverable by the core.
type UpstreamRejected struct {
	Code    int64
	Message string
}

func (e *UpstreamRejected) Error() string {
	return fmt.Sprintf("danmaku: upstream rejected request: code=%d msg=%q", e.Code, e.Message)
}

// Lagged is delivered by Subscription.Recv in place of a Packet when the
// subscriber's buffer overflowed and the oldest entries were dropped to
// make room for newer ones. Count is the number of packets dropped since
// the subscriber's previous Recv.
type Lagged struct {
	Count int
}

func (l *Lagged) Error() string {
	return fmt.Sprintf("danmaku: subscriber lagged, dropped %d packets", l.Count)
}
