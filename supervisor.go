package danmaku

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redcircle/danmaku-stream/internal/logging"
	"github.com/redcircle/danmaku-stream/internal/metrics"
)

// defaultFailoverDebounce is the window within which a second failure
// report is treated as the sibling of the first rather than a fresh
// break. A single transport break tends to trip both the reader and the
// writer task; without this window the supervisor would reconnect
// twice in a row for what is really one failure.
const defaultFailoverDebounce = 100 * time.Millisecond

// Supervisor owns the ServerDirectory, tracks which host is active,
// and rotates to the next candidate host whenever two failure reports
// arrive more than defaultFailoverDebounce apart. The very first
// failure report is recorded but does not itself trigger a reconnect —
// only the second (subject to the debounce gate) does; this mirrors the
// source's behavior, flagged as an open question in spec.md §4.4.
type Supervisor struct {
	room      RoomIdentity
	directory ServerDirectory
	dist      *Distributor

	dialer            *websocket.Dialer
	heartbeatInterval time.Duration
	failoverDebounce  time.Duration

	failures chan failureReport

	mu            sync.Mutex
	hostIndex     int
	session       *Session
	lastFailureAt *time.Time

	cancel context.CancelFunc
	loopDone chan struct{}
}

// NewSupervisor builds a Supervisor for room/directory, broadcasting
// decoded packets through dist. dialer/heartbeatInterval may be left
// zero-valued for production defaults; tests override them to run the
// debounce and cadence scenarios without a real dial or a real 30s wait.
func NewSupervisor(room RoomIdentity, directory ServerDirectory, dist *Distributor, dialer *websocket.Dialer, heartbeatInterval, failoverDebounce time.Duration) *Supervisor {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	if failoverDebounce <= 0 {
		failoverDebounce = defaultFailoverDebounce
	}
	return &Supervisor{
		room:              room,
		directory:         directory,
		dist:              dist,
		dialer:            dialer,
		heartbeatInterval: heartbeatInterval,
		failoverDebounce:  failoverDebounce,
		failures:          make(chan failureReport, 1),
		loopDone:          make(chan struct{}),
	}
}

// Start opens the initial Session against host 0 and begins the
// supervisor loop. The returned error is from the initial dial only —
// once running, the supervisor reconnects forever and never surfaces
// errors to the caller.
func (sv *Supervisor) Start(ctx context.Context) error {
	svCtx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel

	sv.mu.Lock()
	err := sv.connectLocked(svCtx, 0)
	sv.mu.Unlock()
	if err != nil {
		cancel()
		sv.cancel = nil
		return err
	}

	go sv.run(svCtx)
	return nil
}

func (sv *Supervisor) run(ctx context.Context) {
	defer close(sv.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-sv.failures:
			sv.handleFailure(ctx, rep)
		}
	}
}

func (sv *Supervisor) handleFailure(ctx context.Context, rep failureReport) {
	logging.L().Error("session task reported failure", "error", rep.err)
	metrics.SessionFailures.Inc()

	sv.mu.Lock()
	defer sv.mu.Unlock()

	prior := sv.lastFailureAt
	at := rep.at
	sv.lastFailureAt = &at

	if prior == nil {
		// Arms the debounce; the sibling task's report (if any) is
		// expected to land within the debounce window.
		return
	}
	if rep.at.Sub(*prior) <= sv.failoverDebounce {
		// Duplicate report from the sibling task of the same break.
		return
	}

	sv.hostIndex = (sv.hostIndex + 1) % len(sv.directory.Hosts)
	if sv.session != nil {
		sv.session.stop()
		sv.session = nil
	}
	if err := sv.connectLocked(ctx, sv.hostIndex); err != nil {
		logging.L().Error("failover reconnect failed", "error", err, "hostIndex", sv.hostIndex)
		return
	}
	metrics.FailoverTotal.Inc()
	logging.L().Info("stream reset", "hostIndex", sv.hostIndex)
}

// connectLocked dials a Session against hostIndex. Caller must hold sv.mu.
func (sv *Supervisor) connectLocked(ctx context.Context, hostIndex int) error {
	if len(sv.directory.Hosts) == 0 {
		return fmt.Errorf("%w: server directory has no hosts", ErrProtocolFailure)
	}
	host := sv.directory.Hosts[hostIndex%len(sv.directory.Hosts)]
	sess, err := dialSession(ctx, sv.dialer, host, sv.room, sv.directory.Token, sv.heartbeatInterval, sv.dist.Send, sv.reportFailure(ctx))
	if err != nil {
		return err
	}
	sv.hostIndex = hostIndex
	sv.session = sess
	return nil
}

// reportFailure returns the callback passed to a Session's tasks; it
// forwards into the failures inbox, the only edge from a task back to
// the supervisor. It never blocks past ctx being done, so a task never
// leaks waiting to report into a supervisor that has already stopped.
func (sv *Supervisor) reportFailure(ctx context.Context) func(time.Time, error) {
	return func(at time.Time, err error) {
		select {
		case sv.failures <- failureReport{at: at, err: err}:
		case <-ctx.Done():
		}
	}
}

// HostIndex reports the index of the currently active (or most
// recently attempted) host, for observability and tests.
func (sv *Supervisor) HostIndex() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.hostIndex
}

// Stop tears down the active Session and stops the supervisor loop.
// Idempotent: safe to call more than once.
func (sv *Supervisor) Stop() {
	if sv.cancel == nil {
		return
	}
	sv.cancel()
	<-sv.loopDone

	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.session != nil {
		sv.session.stop()
		sv.session = nil
	}
}
