package danmaku

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ProtoVer is the wire body encoding of a Packet.
type ProtoVer uint16

const (
	ProtoJSON    ProtoVer = 0 // body is a JSON document
	ProtoInt32BE ProtoVer = 1 // body is a single big-endian int32 (popularity)
	ProtoZlibBuf ProtoVer = 2 // body is a zlib stream of concatenated inner packets
	ProtoUnknown ProtoVer = 3 // reserved; round-trips without interpretation
)

// Operation is the wire operation code of a Packet.
type Operation uint32

const (
	OpHeartBeat      Operation = 2
	OpHeartBeatReply Operation = 3
	OpNotification   Operation = 5
	OpEntering       Operation = 7
	OpEnteringReply  Operation = 8
)

// headerSize is the fixed on-wire header length. Encode never writes
// fewer header bytes than this, and writes more only when Packet.HdrLen
// is larger; decode accepts hdrLen >= headerSize so a packet from a
// server that reserves extra header bytes re-encodes with the same
// hdrLen, but rejects hdrLen < headerSize.
const headerSize = 16

// Packet is one decoded unit of the wire protocol: a 16-byte header
// (pktLen folded into Encode/Decode) followed by an opaque body.
type Packet struct {
	HdrLen    uint16
	ProtoVer  ProtoVer
	Operation Operation
	SeqID     uint32
	Body      []byte
}

// Encode serializes p into the wire layout. pktLen is always recomputed
// from hdrLen (raised to headerSize when p.HdrLen is zero or below it)
// and len(Body) — a stale or zero pktLen on the caller's Packet is corrected
// silently, which is also how the canonical heartbeat packet ends up
// with pktLen=16 instead of the latent pktLen=0 bug some callers produce.
func Encode(p Packet) []byte {
	hdrLen := p.HdrLen
	if hdrLen < headerSize {
		hdrLen = headerSize
	}
	pktLen := uint32(hdrLen) + uint32(len(p.Body))

	buf := make([]byte, pktLen)
	binary.BigEndian.PutUint32(buf[0:4], pktLen)
	binary.BigEndian.PutUint16(buf[4:6], hdrLen)
	binary.BigEndian.PutUint16(buf[6:8], uint16(p.ProtoVer))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.Operation))
	binary.BigEndian.PutUint32(buf[12:16], p.SeqID)
	copy(buf[hdrLen:], p.Body)
	return buf
}

// Decode parses one Packet starting at offset in data. It returns the
// decoded packet, the bytes remaining after it, and the offset at which
// the next packet (if any) begins. Decode fails with ErrMalformedFrame
// when fewer than pktLen bytes are available, when hdrLen < 16, or when
// protoVer/operation hold an unknown discriminant (protoVer 3 decodes
// successfully as ProtoUnknown).
func Decode(data []byte, offset int) (Packet, []byte, int, error) {
	if offset < 0 || offset > len(data) {
		return Packet{}, nil, offset, fmt.Errorf("%w: offset %d out of range (len %d)", ErrMalformedFrame, offset, len(data))
	}
	buf := data[offset:]
	if len(buf) < headerSize {
		return Packet{}, nil, offset, fmt.Errorf("%w: need %d header bytes, have %d", ErrMalformedFrame, headerSize, len(buf))
	}

	pktLen := binary.BigEndian.Uint32(buf[0:4])
	hdrLen := binary.BigEndian.Uint16(buf[4:6])
	if hdrLen < headerSize {
		return Packet{}, nil, offset, fmt.Errorf("%w: hdrLen %d < %d", ErrMalformedFrame, hdrLen, headerSize)
	}
	if uint64(pktLen) < uint64(hdrLen) {
		return Packet{}, nil, offset, fmt.Errorf("%w: pktLen %d < hdrLen %d", ErrMalformedFrame, pktLen, hdrLen)
	}
	if uint64(pktLen) > uint64(len(buf)) {
		return Packet{}, nil, offset, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedFrame, pktLen, len(buf))
	}

	protoRaw := binary.BigEndian.Uint16(buf[6:8])
	proto := ProtoVer(protoRaw)
	switch proto {
	case ProtoJSON, ProtoInt32BE, ProtoZlibBuf, ProtoUnknown:
	default:
		return Packet{}, nil, offset, fmt.Errorf("%w: unknown protoVer %d", ErrMalformedFrame, protoRaw)
	}

	opRaw := binary.BigEndian.Uint32(buf[8:12])
	op := Operation(opRaw)
	switch op {
	case OpHeartBeat, OpHeartBeatReply, OpNotification, OpEntering, OpEnteringReply:
	default:
		return Packet{}, nil, offset, fmt.Errorf("%w: unknown operation %d", ErrMalformedFrame, opRaw)
	}

	seq := binary.BigEndian.Uint32(buf[12:16])
	body := make([]byte, pktLen-uint32(hdrLen))
	copy(body, buf[hdrLen:pktLen])

	newOffset := offset + int(pktLen)
	pkt := Packet{HdrLen: hdrLen, ProtoVer: proto, Operation: op, SeqID: seq, Body: body}
	return pkt, data[newOffset:], newOffset, nil
}

// NewHeartbeat builds the constant heartbeat packet: an empty Json body
// on OpHeartBeat with seqId 1. Encode(NewHeartbeat()) always yields the
// canonical 16-byte frame.
func NewHeartbeat() Packet {
	return Packet{HdrLen: headerSize, ProtoVer: ProtoJSON, Operation: OpHeartBeat, SeqID: 1}
}

// NewJSON builds a Json-bodied packet for the given operation, always
// with seqId 1 (the client never sends any other sequence id).
func NewJSON(body any, op Operation) (Packet, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: marshal body: %v", ErrProtocolFailure, err)
	}
	return Packet{HdrLen: headerSize, ProtoVer: ProtoJSON, Operation: op, SeqID: 1, Body: data}, nil
}

// DecodeBody unmarshals a Json packet's body into out. Calling this on a
// non-Json packet is a programming error — callers must check ProtoVer
// first — and returns ErrDecodeMismatch.
func DecodeBody(p Packet, out any) error {
	if p.ProtoVer != ProtoJSON {
		return fmt.Errorf("%w: protoVer=%d", ErrDecodeMismatch, p.ProtoVer)
	}
	if err := json.Unmarshal(p.Body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolFailure, err)
	}
	return nil
}

// Popularity extracts the big-endian int32 popularity value carried by a
// HeartBeatReply packet whose body is exactly 4 bytes. ok is false for
// any other packet shape.
func Popularity(p Packet) (value int32, ok bool) {
	if p.Operation != OpHeartBeatReply || len(p.Body) != 4 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(p.Body)), true
}

// DecodeZlibInner decompresses a ZlibBuf packet's body and loop-decodes
// inner packets from offset 0 until the plaintext buffer is exhausted.
// Inner packets may not themselves be ZlibBuf — unwrap never recurses.
//
// If decompression fails or an inner decode fails partway through, the
// packets already decoded before the failure are still returned
// alongside a non-nil ErrMalformedFrame error: callers (Session) forward
// whatever was already yielded before reporting the failure.
func DecodeZlibInner(body []byte) ([]Packet, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrMalformedFrame, err)
	}
	defer r.Close()

	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrMalformedFrame, err)
	}

	var packets []Packet
	offset := 0
	for offset < len(plain) {
		pkt, _, newOffset, err := Decode(plain, offset)
		if err != nil {
			return packets, fmt.Errorf("%w: inner packet at offset %d: %v", ErrMalformedFrame, offset, err)
		}
		if pkt.ProtoVer == ProtoZlibBuf {
			return packets, fmt.Errorf("%w: nested zlib container at offset %d", ErrMalformedFrame, offset)
		}
		packets = append(packets, pkt)
		offset = newOffset
	}
	return packets, nil
}
