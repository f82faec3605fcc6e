package danmaku

import (
	"context"
	"sync"

	"github.com/redcircle/danmaku-stream/internal/metrics"
)

// defaultSubscriberBuffer is the default bounded buffer capacity for a
// subscriber that falls behind before packets start being dropped.
const defaultSubscriberBuffer = 10

// Distributor is the single-producer, multi-consumer broadcast: a
// Session's reader task calls Send, and an arbitrary number of
// Subscriptions independently drain their own buffer. Grounded on
// kstaniek-go-ampio-server/internal/hub's registry-under-a-mutex,
// broadcast-over-a-snapshot shape, with drop-oldest in place of its
// select/default drop-newest policy.
type Distributor struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
}

// NewDistributor creates a Distributor whose subscriptions each get a
// buffer of bufferSize packets (defaulting to 10 when <= 0).
func NewDistributor(bufferSize int) *Distributor {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Distributor{subs: make(map[*Subscription]struct{}), bufferSize: bufferSize}
}

// Subscribe registers a new Subscription. It may be called at any time,
// including before the first Session is open. The subscription only
// receives packets sent after this call — no backlog is replayed.
func (d *Distributor) Subscribe() *Subscription {
	s := &Subscription{
		ring: make([]Packet, d.bufferSize),
		d:    d,
	}
	s.cond = sync.NewCond(&s.mu)

	d.mu.Lock()
	d.subs[s] = struct{}{}
	n := len(d.subs)
	d.mu.Unlock()
	metrics.SubscriberCount.Set(float64(n))
	return s
}

// Send broadcasts p to every live subscription. It never blocks: a
// subscription whose buffer is full drops its oldest packet to make
// room, incrementing that subscription's lag counter.
func (d *Distributor) Send(p Packet) {
	d.mu.RLock()
	subs := make([]*Subscription, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.RUnlock()

	for _, s := range subs {
		s.push(p)
	}
}

// Count reports the number of live subscriptions.
func (d *Distributor) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close tears down every live subscription; their next Recv returns
// ErrClosed once their buffered packets are drained.
func (d *Distributor) Close() {
	d.mu.Lock()
	subs := make([]*Subscription, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	d.subs = make(map[*Subscription]struct{})
	d.mu.Unlock()

	for _, s := range subs {
		s.forceClose()
	}
	metrics.SubscriberCount.Set(0)
}

func (d *Distributor) unsubscribe(s *Subscription) {
	d.mu.Lock()
	delete(d.subs, s)
	n := len(d.subs)
	d.mu.Unlock()
	metrics.SubscriberCount.Set(float64(n))
}

// Subscription is a bounded view over a Distributor's broadcast stream.
// It is the only handle application code holds; Recv reports a Lagged
// count when the buffer overflowed since the previous Recv.
type Subscription struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring  []Packet
	head  int
	count int

	dropped int
	closed  bool

	d         *Distributor
	unsubOnce sync.Once
}

func (s *Subscription) push(p Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.count == len(s.ring) {
		s.head = (s.head + 1) % len(s.ring)
		s.count--
		s.dropped++
		metrics.PacketsDropped.Inc()
	}
	idx := (s.head + s.count) % len(s.ring)
	s.ring[idx] = p
	s.count++
	s.cond.Signal()
}

func (s *Subscription) pop() Packet {
	p := s.ring[s.head]
	s.ring[s.head] = Packet{}
	s.head = (s.head + 1) % len(s.ring)
	s.count--
	return p
}

// Recv blocks until a packet is available, the subscriber has lagged
// (the error is a *Lagged reporting the drop count since the previous
// Recv), the subscription is closed (ErrClosed), or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (Packet, error) {
	stop := context.AfterFunc(ctx, func() { s.cond.Broadcast() })
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			return Packet{}, &Lagged{Count: n}
		}
		if s.count > 0 {
			return s.pop(), nil
		}
		if s.closed {
			return Packet{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}
		s.cond.Wait()
	}
}

// Unsubscribe releases the subscription's buffer and removes it from
// the distributor. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.unsubOnce.Do(func() {
		if s.d != nil {
			s.d.unsubscribe(s)
		}
		s.mu.Lock()
		s.closed = true
		s.ring = nil
		s.head, s.count, s.dropped = 0, 0, 0
		s.mu.Unlock()
		s.cond.Broadcast()
	})
}

func (s *Subscription) forceClose() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
