package danmaku

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestSession(t *testing.T, serverHandler func(conn *websocket.Conn)) (*Session, chan Packet, chan error) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverHandler(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	packets := make(chan Packet, 16)
	failures := make(chan error, 4)
	sink := func(p Packet) { packets <- p }
	report := func(_ time.Time, err error) {
		select {
		case failures <- err:
		default:
		}
	}

	sess := newSessionFromConn(clientConn, 25*time.Millisecond, sink, report)
	t.Cleanup(sess.stop)
	return sess, packets, failures
}

func TestSessionForwardsDecodedPackets(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	_, packets, _ := dialTestSession(t, func(conn *websocket.Conn) {
		defer wg.Done()
		pkt := Packet{HdrLen: headerSize, ProtoVer: ProtoJSON, Operation: OpNotification, SeqID: 9, Body: []byte(`{"cmd":"DANMU_MSG"}`)}
		conn.WriteMessage(websocket.BinaryMessage, Encode(pkt))
	})

	select {
	case pkt := <-packets:
		if pkt.Operation != OpNotification || pkt.SeqID != 9 {
			t.Fatalf("got %+v", pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	wg.Wait()
}

func TestSessionForwardsZlibInnerPackets(t *testing.T) {
	inner := Packet{HdrLen: headerSize, ProtoVer: ProtoJSON, Operation: OpNotification, SeqID: 3, Body: []byte(`{"cmd":"DANMU_MSG"}`)}
	container := zlibInnerContainer(t, inner)
	outer := Packet{HdrLen: headerSize, ProtoVer: ProtoZlibBuf, Operation: OpNotification, SeqID: 1, Body: container}

	_, packets, _ := dialTestSession(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, Encode(outer))
	})

	select {
	case pkt := <-packets:
		if pkt.SeqID != 3 || string(pkt.Body) != `{"cmd":"DANMU_MSG"}` {
			t.Fatalf("got %+v", pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inner packet")
	}
}

func TestSessionSendsPeriodicHeartbeats(t *testing.T) {
	received := make(chan struct{}, 8)
	_, _, _ = dialTestSession(t, func(conn *websocket.Conn) {
		for i := 0; i < 3; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			pkt, _, _, err := Decode(data, 0)
			if err == nil && pkt.Operation == OpHeartBeat {
				received <- struct{}{}
			}
		}
	})

	deadline := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-deadline:
			t.Fatal("timed out waiting for heartbeats")
		}
	}
}

func TestSessionReportsTransportFailureOnReadError(t *testing.T) {
	_, _, failures := dialTestSession(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	select {
	case err := <-failures:
		if err == nil {
			t.Fatal("expected non-nil failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure report")
	}
}
