// Package rconn implements a reliable connection manager layered above the
// non-blocking internal/vconn transport. It reconnects automatically with
// exponential backoff, probes an otherwise-silent peer for liveness, tracks
// whether the peer has actually admitted the connection (as opposed to
// merely accepting the TCP handshake), and fans out a copy of every
// message to a bounded set of passive monitors.
//
// The core is single-threaded and cooperative: Run and Wait never block and
// never spawn goroutines. An owner loop drives one rconn by alternating
// Wait (register what this tick is waiting for) / block on those events /
// Run (react) for as long as the rconn is alive.
package rconn

import (
	"errors"
	"log/slog"
	"net"

	"github.com/onkernel/rconn/internal/ofp"
	"github.com/onkernel/rconn/internal/pollloop"
	"github.com/onkernel/rconn/internal/rclock"
	"github.com/onkernel/rconn/internal/vconn"
)

const (
	// defaultMaxBackoff is used when a caller passes 0 for max_backoff.
	defaultMaxBackoff int64 = 8
	// minProbeInterval is the floor SetProbeInterval clamps a nonzero
	// request to.
	minProbeInterval int64 = 5
	// connectivityWindow bounds how often a single unhealthy stretch can
	// re-raise IsConnectivityQuestionable, and how long after the last
	// successful connection a disconnect is considered noteworthy.
	connectivityWindow int64 = 60
	// admissionWindow is how long any connection must have been up before
	// any received traffic, pre-admission or not, counts as proof of
	// admission.
	admissionWindow int64 = 30

	// forever is returned by timeout() to mean "never fires". It is far
	// below the range where adding it to a real timestamp could overflow.
	forever = int64(1) << 62
	// timeMin is the backoff_deadline sentinel meaning "already expired",
	// so the very first disconnect always resets backoff to 1.
	timeMin = -(int64(1) << 62)
)

var (
	// ErrNotConnected is returned by Send when the rconn is not currently
	// ACTIVE or IDLE. The caller retains ownership of the buffer.
	ErrNotConnected = errors.New("rconn: not connected")
	// ErrWouldBlock is returned by SendWithLimit when the supplied
	// counter has already reached the caller's limit. buf is always
	// consumed regardless of this error.
	ErrWouldBlock = errors.New("rconn: would block")
)

// dialFunc opens a transport to name. Production code uses vconn.Open;
// tests substitute a fake.
type dialFunc func(name string) (vconn.Transport, error)

func defaultOpen(name string) (vconn.Transport, error) {
	t, err := vconn.Open(name)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// fdTransport is implemented by transports that can be polled for
// readiness. vconn.TCP implements it; a fake transport used in tests need
// not, in which case Wait/RecvWait simply register no fd interest.
type fdTransport interface {
	Fd() int
}

// Rconn is a reliable (or, if created with ConnectUnreliably/NewFromTransport,
// best-effort) connection manager. The zero value is not usable; construct
// one with Create, New, or NewFromTransport.
type Rconn struct {
	name     string
	reliable bool

	state        State
	stateEntered int64

	transport vconn.Transport
	open      dialFunc

	txq txQueue
	// wakeRequested mirrors poll_immediate_wake: set whenever a tick's
	// work (draining the tx queue, flushing it) means the owner loop
	// should re-enter Run on its next pass instead of sleeping.
	wakeRequested bool

	backoff         int64
	maxBackoff      int64
	backoffDeadline int64

	lastReceived   int64
	lastConnected  int64
	lastAdmitted   int64
	lastQuestioned int64
	creationTime   int64

	probeInterval    int64
	probablyAdmitted bool

	packetsSent            uint64
	packetsReceived        uint64
	nAttemptedConnections  uint64
	nSuccessfulConnections uint64
	totalTimeConnected     int64
	seqno                  uint32

	questionableConnectivity bool

	localIP    net.IP
	remoteIP   net.IP
	remotePort int

	monitors monitorSet

	clock  rclock.Clock
	logger *slog.Logger
}

func newRconn(probeInterval, maxBackoff int64, clock rclock.Clock, open dialFunc, logger *slog.Logger) *Rconn {
	if clock == nil {
		clock = rclock.System{}
	}
	if open == nil {
		open = defaultOpen
	}
	if logger == nil {
		logger = slog.Default()
	}
	mb := maxBackoff
	if mb == 0 {
		mb = defaultMaxBackoff
	}
	now := clock.Now()
	rc := &Rconn{
		name:            "void",
		state:           StateVoid,
		stateEntered:    now,
		maxBackoff:      mb,
		backoffDeadline: timeMin,
		lastReceived:    now,
		lastConnected:   now,
		lastAdmitted:    now,
		lastQuestioned:  now,
		creationTime:    now,
		clock:           clock,
		open:            open,
		logger:          logger,
	}
	rc.SetProbeInterval(probeInterval)
	return rc
}

// Create returns a new, disconnected Rconn in state VOID. maxBackoff of 0
// selects defaultMaxBackoff.
func Create(probeInterval, maxBackoff int64) *Rconn {
	return newRconn(probeInterval, maxBackoff, nil, nil, nil)
}

// New returns a new Rconn already attempting a reliable connection to name.
func New(name string, probeInterval, maxBackoff int64) *Rconn {
	rc := Create(probeInterval, maxBackoff)
	_ = rc.Connect(name)
	return rc
}

// NewFromTransport returns a new Rconn that has unreliably adopted an
// already-open transport: it will never reconnect once t fails.
func NewFromTransport(name string, t vconn.Transport) *Rconn {
	rc := Create(60, 0)
	rc.ConnectUnreliably(name, t)
	return rc
}

// setClock overrides the clock. Exposed only to this package's tests.
func (rc *Rconn) setClock(c rclock.Clock) { rc.clock = c }

// setDialer overrides the dial function. Exposed only to this package's
// tests.
func (rc *Rconn) setDialer(d dialFunc) { rc.open = d }

// SetLogger overrides the logger used for this rconn's diagnostic output.
func (rc *Rconn) SetLogger(l *slog.Logger) {
	if l != nil {
		rc.logger = l
	}
}

func (rc *Rconn) now() int64 { return rc.clock.Now() }

func (rc *Rconn) elapsedInState() int64 { return rc.now() - rc.stateEntered }

func satAdd(a, b int64) int64 {
	if b >= forever {
		return forever
	}
	sum := a + b
	if sum < a {
		return forever
	}
	return sum
}

func (rc *Rconn) timedOut() bool {
	return rc.now() >= satAdd(rc.stateEntered, rc.timeout())
}

// timeout returns how many seconds may elapse in the current state before
// timedOut becomes true, or forever if the state never times out on its
// own.
func (rc *Rconn) timeout() int64 {
	switch rc.state {
	case StateBackoff:
		return rc.backoff
	case StateConnecting:
		b := rc.backoff
		if b < 1 {
			b = 1
		}
		return b
	case StateActive:
		if rc.probeInterval == 0 {
			return forever
		}
		base := rc.lastReceived
		if rc.stateEntered > base {
			base = rc.stateEntered
		}
		return base + rc.probeInterval - rc.stateEntered
	case StateIdle:
		return rc.probeInterval
	default: // StateVoid
		return forever
	}
}

// transition moves to newState, updating the connection-sequence number,
// probable-admission flag, and cumulative connected time exactly as
// spec.md §4.2 describes.
func (rc *Rconn) transition(newState State) {
	wasActive := rc.state == StateActive
	willBeActive := newState == StateActive
	if wasActive != willBeActive {
		rc.seqno++
	}
	if isConnected(newState) && !isConnected(rc.state) {
		rc.probablyAdmitted = false
	}
	if isConnected(rc.state) {
		rc.totalTimeConnected += rc.now() - rc.stateEntered
	}
	rc.logger.Debug("rconn state transition", "rconn", rc.name, "from", rc.state.String(), "to", newState.String())
	rc.state = newState
	rc.stateEntered = rc.now()
}

func (rc *Rconn) questionConnectivity() {
	now := rc.now()
	if now-rc.lastQuestioned > connectivityWindow {
		rc.questionableConnectivity = true
		rc.lastQuestioned = now
	}
}

// setName resets the cached peer address fields, mirroring
// set_vconn_name: a fresh name means any previously cached address is
// stale until the next successful connect repopulates it.
func (rc *Rconn) setName(name string) {
	rc.name = name
	rc.localIP = nil
	rc.remoteIP = nil
	rc.remotePort = 0
}

// flushQueue drops every queued message and requests an immediate wake, so
// the owner loop notices the queue is empty on its next tick instead of
// waiting out a stale timer.
func (rc *Rconn) flushQueue() {
	if rc.txq.empty() {
		return
	}
	rc.txq.flush()
	rc.wakeRequested = true
}

// reconnect attempts to open a fresh transport to rc.name. On success it
// transitions to CONNECTING with the backoff deadline armed so a failure
// before the backoff window elapses never gets to reset backoff to 1. On
// failure it forces that same "no reset" deadline and disconnects.
func (rc *Rconn) reconnect() error {
	rc.logger.Info("connecting", "rconn", rc.name)
	rc.nAttemptedConnections++
	t, err := rc.open(rc.name)
	if err != nil {
		rc.logger.Info("connection failed", "rconn", rc.name, "error", err)
		rc.backoffDeadline = forever
		rc.disconnect()
		return err
	}
	rc.transport = t
	rc.remoteIP = t.RemoteIP()
	rc.localIP = t.LocalIP()
	rc.remotePort = t.RemotePort()
	rc.backoffDeadline = rc.now() + rc.backoff
	rc.transition(StateConnecting)
	return nil
}

// disconnect is the internal path taken on any failure while connected or
// connecting: for a reliable rconn it tears down the transport, computes
// the next backoff, and re-enters BACKOFF; for an unreliable one (which
// never reconnects) it is equivalent to the public Disconnect.
func (rc *Rconn) disconnect() {
	if !rc.reliable {
		rc.Disconnect()
		return
	}

	now := rc.now()
	if hasTransport(rc.state) {
		_ = rc.transport.Close()
		rc.transport = nil
		rc.flushQueue()
	}
	if now >= rc.backoffDeadline {
		rc.backoff = 1
	} else {
		next := 2 * rc.backoff
		if next < 1 {
			next = 1
		}
		if next > rc.maxBackoff {
			next = rc.maxBackoff
		}
		rc.backoff = next
		rc.logger.Info("waiting before reconnect", "rconn", rc.name, "backoff_seconds", rc.backoff)
	}
	rc.backoffDeadline = now + rc.backoff
	rc.transition(StateBackoff)
	if now-rc.lastConnected > connectivityWindow {
		rc.questionConnectivity()
	}
}

// Connect directs rc to reliably maintain a connection to name, tearing
// down whatever it was previously doing first.
func (rc *Rconn) Connect(name string) error {
	rc.Disconnect()
	rc.setName(name)
	rc.reliable = true
	return rc.reconnect()
}

// ConnectUnreliably adopts an already-open transport t under name. rc will
// never attempt to reconnect once t fails; a failure takes it straight to
// VOID.
func (rc *Rconn) ConnectUnreliably(name string, t vconn.Transport) {
	rc.Disconnect()
	rc.setName(name)
	rc.reliable = false
	rc.transport = t
	rc.remoteIP = t.RemoteIP()
	rc.localIP = t.LocalIP()
	rc.remotePort = t.RemotePort()
	rc.lastConnected = rc.now()
	rc.transition(StateActive)
}

// Reconnect forces an immediate disconnect-and-retry if rc is currently
// connected. It is a no-op otherwise (a pending BACKOFF/CONNECTING attempt
// is left alone).
func (rc *Rconn) Reconnect() {
	if rc.state == StateActive || rc.state == StateIdle {
		rc.logger.Info("forcing reconnect", "rconn", rc.name)
		rc.disconnect()
	}
}

// Disconnect unconditionally returns rc to VOID: closes any transport,
// flushes the send queue, and forgets the peer name and cached address.
func (rc *Rconn) Disconnect() {
	if rc.state == StateVoid {
		return
	}
	if rc.transport != nil {
		_ = rc.transport.Close()
		rc.transport = nil
	}
	rc.flushQueue()
	rc.name = "void"
	rc.localIP, rc.remoteIP, rc.remotePort = nil, nil, 0
	rc.reliable = false
	rc.backoff = 0
	rc.backoffDeadline = timeMin
	rc.transition(StateVoid)
}

// Destroy releases everything rc is holding: closes the transport, drains
// the send queue, and closes every monitor. rc must not be used afterward.
func (rc *Rconn) Destroy() {
	if rc.transport != nil {
		_ = rc.transport.Close()
		rc.transport = nil
	}
	rc.flushQueue()
	rc.monitors.closeAll()
}

func (rc *Rconn) runBackoff() {
	if rc.timedOut() {
		_ = rc.reconnect()
	}
}

func (rc *Rconn) runConnecting() {
	err := rc.transport.Connect()
	if err == nil {
		rc.logger.Info("connected", "rconn", rc.name)
		rc.nSuccessfulConnections++
		// Connect() is what actually binds the local endpoint (vconn.TCP
		// only knows its local address after the non-blocking connect(2)
		// handshake completes), so the address cached at Open/reconnect
		// time is stale and must be refreshed here.
		rc.localIP = rc.transport.LocalIP()
		rc.transition(StateActive)
		rc.lastConnected = rc.stateEntered
		return
	}
	if !errors.Is(err, vconn.ErrTryAgain) {
		rc.logger.Info("connection failed", "rconn", rc.name, "error", err)
		rc.disconnect()
		return
	}
	if rc.timedOut() {
		rc.logger.Info("connection timed out", "rconn", rc.name)
		rc.backoffDeadline = forever
		rc.disconnect()
	}
}

func (rc *Rconn) trySend() error {
	item, ok := rc.txq.front()
	if !ok {
		return nil
	}
	err := rc.transport.Send(item.buf)
	if err != nil {
		if !errors.Is(err, vconn.ErrTryAgain) {
			rc.logger.Warn("connection dropped", "rconn", rc.name, "error", err)
			rc.disconnect()
		}
		return err
	}
	rc.packetsSent++
	item.counter.Dec()
	rc.txq.popFront()
	item.buf.Delete()
	return nil
}

func (rc *Rconn) doTxWork() {
	if rc.txq.empty() {
		return
	}
	for !rc.txq.empty() {
		if err := rc.trySend(); err != nil {
			return
		}
	}
	rc.wakeRequested = true
}

func (rc *Rconn) runActive() {
	if rc.timedOut() {
		rc.transition(StateIdle)
		_ = rc.Send(ofp.MakeEchoRequest(), nil)
		return
	}
	rc.doTxWork()
}

func (rc *Rconn) runIdle() {
	if rc.timedOut() {
		rc.questionConnectivity()
		rc.logger.Warn("no response to inactivity probe, disconnecting", "rconn", rc.name)
		rc.disconnect()
		return
	}
	rc.doTxWork()
}

// Run advances rc's state machine until a full pass through the current
// state's handler leaves the state unchanged. Callers invoke it once per
// tick of their event loop, typically right after Wait's registered
// conditions are satisfied.
func (rc *Rconn) Run() {
	for {
		old := rc.state
		switch old {
		case StateBackoff:
			rc.runBackoff()
		case StateConnecting:
			rc.runConnecting()
		case StateActive:
			rc.runActive()
		case StateIdle:
			rc.runIdle()
		case StateVoid:
			// Nothing to do; an external Connect/ConnectUnreliably call
			// is what moves rc out of VOID.
		}
		if rc.state == old {
			return
		}
	}
}

// Wait registers, on loop, everything this tick needs to wait for: the
// current state's timeout, write-readiness if there's a queued message to
// send, and an immediate wake if draining the queue produced one.
func (rc *Rconn) Wait(loop *pollloop.Loop) {
	if timeo := rc.timeout(); timeo < forever {
		expires := satAdd(rc.stateEntered, timeo)
		remaining := expires - rc.now()
		if remaining < 0 {
			remaining = 0
		}
		loop.TimerWait(remaining * 1000)
	}
	if isConnected(rc.state) && !rc.txq.empty() {
		if fdt, ok := rc.transport.(fdTransport); ok {
			loop.Wait(fdt.Fd(), pollloop.Send)
		}
	}
	if rc.wakeRequested {
		loop.ImmediateWake()
		rc.wakeRequested = false
	}
}

// RecvWait registers read-readiness interest on the current transport, if
// any. Callers combine it with Wait when they also intend to call Recv.
func (rc *Rconn) RecvWait(loop *pollloop.Loop) {
	if rc.transport == nil {
		return
	}
	if fdt, ok := rc.transport.(fdTransport); ok {
		loop.Wait(fdt.Fd(), pollloop.Recv)
	}
}

// Recv returns the next received message, or nil if there is none
// available right now (not connected, nothing to read, or a transient
// try-again). A hard receive error disconnects rc exactly as a hard send
// error would.
func (rc *Rconn) Recv() *ofp.Buf {
	if !isConnected(rc.state) {
		return nil
	}
	buf, err := rc.transport.Recv()
	if err != nil {
		if errors.Is(err, vconn.ErrTryAgain) {
			return nil
		}
		if vconn.IsEOF(err) {
			if rc.reliable {
				rc.logger.Info("connection closed by peer", "rconn", rc.name)
			} else {
				rc.logger.Debug("connection closed by peer", "rconn", rc.name)
			}
		} else {
			rc.logger.Warn("connection dropped", "rconn", rc.name, "error", err)
		}
		rc.disconnect()
		return nil
	}

	rc.monitors.forward(buf)
	now := rc.now()
	if rc.probablyAdmitted || ofp.IsAdmissionSignal(ofp.Type(buf)) || now-rc.lastConnected >= admissionWindow {
		rc.probablyAdmitted = true
		rc.lastAdmitted = now
	}
	rc.lastReceived = now
	rc.packetsReceived++
	if rc.state == StateIdle {
		rc.transition(StateActive)
	}
	return buf
}

// Send enqueues buf for transmission, tagging it with counter (which may
// be nil). It returns ErrNotConnected without consuming buf if rc is not
// currently ACTIVE or IDLE; otherwise buf is always consumed (queued, and
// possibly sent synchronously before Send returns).
func (rc *Rconn) Send(buf *ofp.Buf, counter *PacketCounter) error {
	if !isConnected(rc.state) {
		return ErrNotConnected
	}
	rc.monitors.forward(buf)
	counter.Inc()
	rc.txq.push(buf, counter)
	if rc.txq.len() == 1 {
		_ = rc.trySend()
	}
	return nil
}

// SendWithLimit is like Send but refuses to enqueue past limit messages
// still in flight under counter, returning ErrWouldBlock instead. buf is
// consumed in every case: either queued by Send, or deleted here.
func (rc *Rconn) SendWithLimit(buf *ofp.Buf, counter *PacketCounter, limit uint32) error {
	if counter != nil && counter.N >= limit {
		buf.Delete()
		return ErrWouldBlock
	}
	if err := rc.Send(buf, counter); err != nil {
		buf.Delete()
		return err
	}
	return nil
}

// AddMonitor registers t to receive a clone of every message sent or
// received on rc's primary transport, until t fails or the set is full.
func (rc *Rconn) AddMonitor(t vconn.Transport) {
	rc.monitors.add(t)
}

// SetMaxBackoff caps how many seconds backoff can grow to. If rc is
// currently backing off past the new cap, it is pulled in immediately.
func (rc *Rconn) SetMaxBackoff(maxBackoff int64) {
	if maxBackoff < 1 {
		maxBackoff = 1
	}
	rc.maxBackoff = maxBackoff
	if rc.state == StateBackoff && rc.backoff > maxBackoff {
		rc.backoff = maxBackoff
		if cap := rc.now() + maxBackoff; rc.backoffDeadline > cap {
			rc.backoffDeadline = cap
		}
	}
}

// GetMaxBackoff returns the current backoff cap, in seconds.
func (rc *Rconn) GetMaxBackoff() int64 { return rc.maxBackoff }

// SetProbeInterval sets how many seconds of silence are tolerated before
// an ACTIVE connection is probed. 0 disables probing entirely; any other
// value is clamped up to minProbeInterval.
func (rc *Rconn) SetProbeInterval(probeInterval int64) {
	if probeInterval == 0 {
		rc.probeInterval = 0
		return
	}
	if probeInterval < minProbeInterval {
		probeInterval = minProbeInterval
	}
	rc.probeInterval = probeInterval
}

// GetProbeInterval returns the current probe interval, in seconds (0 if
// probing is disabled).
func (rc *Rconn) GetProbeInterval() int64 { return rc.probeInterval }

// GetName returns the peer name rc was last told to connect to.
func (rc *Rconn) GetName() string { return rc.name }

// GetState returns the current state's name (VOID/BACKOFF/CONNECTING/
// ACTIVE/IDLE).
func (rc *Rconn) GetState() string { return rc.state.String() }

// IsAlive reports whether rc is doing anything at all (not VOID).
func (rc *Rconn) IsAlive() bool { return rc.state != StateVoid }

// IsConnected reports whether rc currently has a live transport capable of
// sending and receiving (ACTIVE or IDLE).
func (rc *Rconn) IsConnected() bool { return isConnected(rc.state) }

// IsAdmitted reports whether the peer is believed to have genuinely
// accepted this connection, not merely completed the TCP handshake.
func (rc *Rconn) IsAdmitted() bool {
	return rc.IsConnected() && rc.lastAdmitted >= rc.lastConnected
}

// FailureDuration returns how many seconds rc has been un-admitted, or 0
// if it is currently admitted.
func (rc *Rconn) FailureDuration() int64 {
	if rc.IsAdmitted() {
		return 0
	}
	return rc.now() - rc.lastAdmitted
}

// IsConnectivityQuestionable reports, and clears, whether rc has observed
// a suspicious disconnect since the last call. It is one-shot by design:
// callers that poll it regularly see each episode exactly once.
func (rc *Rconn) IsConnectivityQuestionable() bool {
	q := rc.questionableConnectivity
	rc.questionableConnectivity = false
	return q
}

// GetRemoteIP returns the peer's address, cached from the most recent
// successful open and retained while rc backs off and reconnects.
// Disconnect and Connect clear it.
func (rc *Rconn) GetRemoteIP() net.IP { return rc.remoteIP }

// GetRemotePort returns the peer's port, cached the same way as
// GetRemoteIP.
func (rc *Rconn) GetRemotePort() int { return rc.remotePort }

// GetLocalIP returns the local address of the most recent connection,
// cached the same way as GetRemoteIP.
func (rc *Rconn) GetLocalIP() net.IP { return rc.localIP }

// GetLocalPort always queries the live transport, returning 0 if there is
// none; unlike the other address getters it is never cached.
func (rc *Rconn) GetLocalPort() int {
	if rc.transport == nil {
		return 0
	}
	return rc.transport.LocalPort()
}

// PacketsSent returns the lifetime count of messages actually written to
// a transport (not merely enqueued).
func (rc *Rconn) PacketsSent() uint64 { return rc.packetsSent }

// PacketsReceived returns the lifetime count of messages delivered by
// Recv.
func (rc *Rconn) PacketsReceived() uint64 { return rc.packetsReceived }

// GetAttemptedConnections returns how many times rc has tried to open a
// transport.
func (rc *Rconn) GetAttemptedConnections() uint64 { return rc.nAttemptedConnections }

// GetSuccessfulConnections returns how many of those attempts completed
// their handshake.
func (rc *Rconn) GetSuccessfulConnections() uint64 { return rc.nSuccessfulConnections }

// GetLastConnection returns the clock reading of the most recent
// successful connection.
func (rc *Rconn) GetLastConnection() int64 { return rc.lastConnected }

// GetLastReceived returns the clock reading of the most recent received
// message.
func (rc *Rconn) GetLastReceived() int64 { return rc.lastReceived }

// GetCreationTime returns the clock reading at construction.
func (rc *Rconn) GetCreationTime() int64 { return rc.creationTime }

// GetTotalTimeConnected returns the cumulative number of seconds rc has
// spent ACTIVE or IDLE, including the current state if it is one of
// those.
func (rc *Rconn) GetTotalTimeConnected() int64 {
	total := rc.totalTimeConnected
	if isConnected(rc.state) {
		total += rc.elapsedInState()
	}
	return total
}

// GetBackoff returns the current backoff interval, in seconds.
func (rc *Rconn) GetBackoff() int64 { return rc.backoff }

// GetStateElapsed returns how many seconds rc has spent in its current
// state.
func (rc *Rconn) GetStateElapsed() int64 { return rc.elapsedInState() }

// GetConnectionSeqno returns a counter that increments every time rc
// enters or leaves ACTIVE, so callers can detect "this is a different
// connection episode" without comparing timestamps.
func (rc *Rconn) GetConnectionSeqno() uint32 { return rc.seqno }
