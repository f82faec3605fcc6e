package danmaku

import (
	"context"
	"sync"

	"github.com/redcircle/danmaku-stream/internal/logging"
)

// DanmakuStream is a live connection to one room's event stream. It owns
// the Supervisor (host failover) and the Distributor (subscriber
// fan-out); Close tears both down and is safe to call more than once.
type DanmakuStream struct {
	dist *Distributor
	sv   *Supervisor

	closeOnce sync.Once
}

// Open resolves roomID to a canonical room and a server directory, opens
// the first Session, and returns the stream handle plus its first
// Subscription. Further subscribers can join later via Subscribe.
func Open(ctx context.Context, roomID uint64, opts ...Option) (*DanmakuStream, *Subscription, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	room, err := ResolveRoom(ctx, cfg.httpClient, cfg.roomInitURL, roomID)
	if err != nil {
		return nil, nil, err
	}

	directory, err := ResolveDirectory(ctx, cfg.httpClient, cfg.danmakuConfURL, room.RoomID)
	if err != nil {
		return nil, nil, err
	}

	dist := NewDistributor(cfg.subscriberBuf)
	sv := NewSupervisor(room, directory, dist, cfg.dialer, cfg.heartbeatInterval, cfg.failoverDebounce)

	sub := dist.Subscribe()
	if err := sv.Start(ctx); err != nil {
		sub.Unsubscribe()
		dist.Close()
		return nil, nil, err
	}

	logging.L().Info("danmaku stream opened", "room_id", room.RoomID, "hosts", len(directory.Hosts))
	return &DanmakuStream{dist: dist, sv: sv}, sub, nil
}

// Subscribe registers a new Subscription against the stream's live
// broadcast. It never replays packets sent before the call.
func (s *DanmakuStream) Subscribe() *Subscription {
	return s.dist.Subscribe()
}

// Close stops the supervisor (and with it the active Session) and closes
// every outstanding Subscription. Idempotent.
func (s *DanmakuStream) Close() {
	s.closeOnce.Do(func() {
		s.sv.Stop()
		s.dist.Close()
	})
}
