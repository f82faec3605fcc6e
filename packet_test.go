package danmaku

import (
	"bytes"
	"compress/zlib"
	"testing"
)

func TestNewHeartbeatEncodesCanonicalFrame(t *testing.T) {
	want := []byte{0x00, 0x00, 0x00, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x01}
	got := Encode(NewHeartbeat())
	if !bytes.Equal(got, want) {
		t.Fatalf("heartbeat frame = % x, want % x", got, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{HdrLen: headerSize, ProtoVer: ProtoJSON, Operation: OpNotification, SeqID: 7, Body: []byte(`{"cmd":"DANMU_MSG"}`)}
	frame := Encode(p)

	got, rest, newOffset, err := Decode(frame, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("rest = %d bytes, want 0", len(rest))
	}
	if newOffset != len(frame) {
		t.Fatalf("newOffset = %d, want %d", newOffset, len(frame))
	}
	if got.Operation != p.Operation || got.ProtoVer != p.ProtoVer || got.SeqID != p.SeqID {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Body, p.Body) {
		t.Fatalf("decoded body = %q, want %q", got.Body, p.Body)
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, _, _, err := Decode([]byte{0, 0, 0, 1}, 0)
	if err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestDecodeRejectsHdrLenBelowMinimum(t *testing.T) {
	p := Packet{HdrLen: 8, ProtoVer: ProtoJSON, Operation: OpHeartBeat, SeqID: 1}
	frame := Encode(p)
	// Force a too-small hdrLen directly into the frame.
	frame[4] = 0
	frame[5] = 8
	_, _, _, err := Decode(frame, 0)
	if err == nil {
		t.Fatal("expected error for hdrLen < 16")
	}
}

func TestDecodeRejectsUnknownProtoVer(t *testing.T) {
	frame := Encode(NewHeartbeat())
	frame[6] = 0xFF
	frame[7] = 0xFF
	_, _, _, err := Decode(frame, 0)
	if err == nil {
		t.Fatal("expected error for unknown protoVer")
	}
}

func TestDecodeAcceptsReservedProtoVerThree(t *testing.T) {
	frame := Encode(NewHeartbeat())
	frame[6] = 0x00
	frame[7] = 0x03
	pkt, _, _, err := Decode(frame, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pkt.ProtoVer != ProtoUnknown {
		t.Fatalf("ProtoVer = %d, want %d", pkt.ProtoVer, ProtoUnknown)
	}
}

func TestPopularityFromHeartbeatReply(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x00, 0x14, 0x00, 0x10, 0x00, 0x01, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x27, 0x10}
	pkt, _, _, err := Decode(frame, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	value, ok := Popularity(pkt)
	if !ok {
		t.Fatal("Popularity: ok = false, want true")
	}
	if value != 10000 {
		t.Fatalf("Popularity = %d, want 10000", value)
	}
}

func TestPopularityRejectsWrongOperation(t *testing.T) {
	pkt := Packet{Operation: OpNotification, Body: []byte{0, 0, 0, 1}}
	if _, ok := Popularity(pkt); ok {
		t.Fatal("Popularity: ok = true for non-heartbeat-reply packet")
	}
}

func zlibInnerContainer(t *testing.T, packets ...Packet) []byte {
	t.Helper()
	var plain bytes.Buffer
	for _, p := range packets {
		plain.Write(Encode(p))
	}
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(plain.Bytes()); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	return compressed.Bytes()
}

func TestDecodeZlibInnerExactFill(t *testing.T) {
	inner1 := Packet{HdrLen: headerSize, ProtoVer: ProtoJSON, Operation: OpNotification, SeqID: 1, Body: []byte(`{"a":1}`)}
	inner2 := Packet{HdrLen: headerSize, ProtoVer: ProtoJSON, Operation: OpNotification, SeqID: 2, Body: []byte(`{"b":2}`)}
	body := zlibInnerContainer(t, inner1, inner2)

	packets, err := DecodeZlibInner(body)
	if err != nil {
		t.Fatalf("DecodeZlibInner: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("len(packets) = %d, want 2", len(packets))
	}
	if !bytes.Equal(packets[0].Body, inner1.Body) || !bytes.Equal(packets[1].Body, inner2.Body) {
		t.Fatalf("decoded bodies mismatch: %+v", packets)
	}
}

func TestDecodeZlibInnerRejectsShortFinalPacket(t *testing.T) {
	good := Packet{HdrLen: headerSize, ProtoVer: ProtoJSON, Operation: OpNotification, SeqID: 1, Body: []byte(`{}`)}
	var plain bytes.Buffer
	plain.Write(Encode(good))
	plain.Write([]byte{0x00, 0x00, 0x00, 0x20, 0x00, 0x10, 0x00, 0x00}) // truncated trailing header

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(plain.Bytes()); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}

	packets, err := DecodeZlibInner(compressed.Bytes())
	if err == nil {
		t.Fatal("expected error for truncated final inner packet")
	}
	if len(packets) != 1 {
		t.Fatalf("len(packets) = %d, want 1 (the packet already decoded before the failure)", len(packets))
	}
}

func TestDecodeZlibInnerRejectsNestedContainer(t *testing.T) {
	nested := Packet{HdrLen: headerSize, ProtoVer: ProtoZlibBuf, Operation: OpNotification, SeqID: 1, Body: []byte("whatever")}
	body := zlibInnerContainer(t, nested)

	_, err := DecodeZlibInner(body)
	if err == nil {
		t.Fatal("expected error for nested zlib container")
	}
}

func TestDecodeBodyRejectsNonJSONPacket(t *testing.T) {
	pkt := Packet{ProtoVer: ProtoInt32BE, Body: []byte{0, 0, 0, 1}}
	var out struct{}
	if err := DecodeBody(pkt, &out); err == nil {
		t.Fatal("expected error decoding non-json packet body")
	}
}
