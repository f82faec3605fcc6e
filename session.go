package danmaku

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redcircle/danmaku-stream/internal/logging"
	"github.com/redcircle/danmaku-stream/internal/metrics"
)

// defaultHeartbeatInterval is the cadence the writer task sends
// heartbeats on, measured from the start of the previous iteration so a
// slow send doesn't skew the schedule.
const defaultHeartbeatInterval = 30 * time.Second

// EnteringBody is the JSON body of the Entering packet sent immediately
// after the WebSocket handshake. Field names are wire contract — do not
// rename roomid/protover.
type EnteringBody struct {
	UID      uint32 `json:"uid"`
	Platform string `json:"platform"`
	ProtoVer uint8  `json:"protover"`
	RoomID   uint64 `json:"roomid"`
	Type     uint8  `json:"type"`
	Key      string `json:"key"`
}

func newEnteringBody(roomID uint64, key string) EnteringBody {
	return EnteringBody{
		UID:      0,
		Platform: "web",
		ProtoVer: 2,
		RoomID:   roomID,
		Type:     2,
		Key:      key,
	}
}

// failureReport is one (instant, error) pair a Session's tasks hand to
// the Supervisor. It is the only edge from a task back to the
// Supervisor — tasks never hold a reference to the Supervisor itself.
type failureReport struct {
	at  time.Time
	err error
}

// Session wraps one live WebSocket connection: a writer task that sends
// the periodic heartbeat, and a reader task that decodes inbound frames
// and forwards packets to sink. The two tasks share no mutable state —
// each owns its own half of the connection's use until Session is
// stopped.
type Session struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

// dialSession opens a WebSocket connection to host, sends the Entering
// handshake, and starts the writer/reader tasks. report is called at
// most once per task, with the instant of the first failure it sees.
func dialSession(
	ctx context.Context,
	dialer *websocket.Dialer,
	host Host,
	room RoomIdentity,
	token string,
	heartbeatInterval time.Duration,
	sink func(Packet),
	report func(time.Time, error),
) (*Session, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	url := fmt.Sprintf("wss://%s:%s/sub", host.Host, strconv.Itoa(int(host.WSSPort)))

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportFailure, url, err)
	}

	entering, err := NewJSON(newEnteringBody(room.RoomID, token), OpEntering)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, Encode(entering)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: send entering packet: %v", ErrTransportFailure, err)
	}

	return newSessionFromConn(conn, heartbeatInterval, sink, report), nil
}

// newSessionFromConn starts the writer/reader tasks over an
// already-connected, already-authenticated conn. Split out from
// dialSession so tests can drive a Session over an in-process
// WebSocket pair without a real TLS dial.
func newSessionFromConn(conn *websocket.Conn, heartbeatInterval time.Duration, sink func(Packet), report func(time.Time, error)) *Session {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{conn: conn, cancel: cancel, done: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeHeartbeats(ctx, heartbeatInterval, report)
	}()
	go func() {
		defer wg.Done()
		s.readLoop(ctx, sink, report)
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()

	metrics.SessionActive.Set(1)
	return s
}

// writeHeartbeats sends one heartbeat every interval, checkpointed from
// the start of the previous iteration so a slow write doesn't skew the
// cadence. It exits (reporting the failure) on the first send error, or
// silently when ctx is cancelled.
func (s *Session) writeHeartbeats(ctx context.Context, interval time.Duration, report func(time.Time, error)) {
	frame := Encode(NewHeartbeat())
	for {
		checkpoint := time.Now()
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			if ctx.Err() == nil {
				report(time.Now(), fmt.Errorf("%w: heartbeat write: %v", ErrTransportFailure, err))
			}
			return
		}

		timer := time.NewTimer(time.Until(checkpoint.Add(interval)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// readLoop decodes each inbound binary message as one outer packet,
// unwraps ZlibBuf containers into their inner packets, and forwards
// everything to sink in wire order. It exits (reporting the failure) on
// the first codec or transport error.
func (s *Session) readLoop(ctx context.Context, sink func(Packet), report func(time.Time, error)) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				report(time.Now(), fmt.Errorf("%w: read: %v", ErrTransportFailure, err))
			}
			return
		}

		pkt, rest, _, err := Decode(data, 0)
		if err != nil {
			metrics.MalformedFrames.Inc()
			report(time.Now(), err)
			return
		}
		if len(rest) > 0 {
			logging.L().Warn("outer frame has trailing bytes, discarding remainder",
				"bytes", len(rest))
		}

		if pkt.ProtoVer == ProtoZlibBuf {
			inner, zerr := DecodeZlibInner(pkt.Body)
			for _, ip := range inner {
				metrics.PacketsDecoded.WithLabelValues(operationLabel(ip.Operation)).Inc()
				sink(ip)
			}
			if zerr != nil {
				metrics.MalformedFrames.Inc()
				report(time.Now(), zerr)
				return
			}
			continue
		}

		metrics.PacketsDecoded.WithLabelValues(operationLabel(pkt.Operation)).Inc()
		sink(pkt)
	}
}

// stop aborts both tasks and waits for them to exit. No further packet
// reaches sink after stop returns. Idempotent.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.conn.Close()
		<-s.done
		metrics.SessionActive.Set(0)
	})
}

func operationLabel(op Operation) string {
	switch op {
	case OpHeartBeat:
		return "heartbeat"
	case OpHeartBeatReply:
		return "heartbeat_reply"
	case OpNotification:
		return "notification"
	case OpEntering:
		return "entering"
	case OpEnteringReply:
		return "entering_reply"
	default:
		return "unknown"
	}
}
