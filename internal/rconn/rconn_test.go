package rconn

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/rconn/internal/ofp"
	"github.com/onkernel/rconn/internal/rclock"
	"github.com/onkernel/rconn/internal/vconn"
)

// fakeTransport is a deterministic, in-memory vconn.Transport used to drive
// the state machine without any real sockets.
type fakeTransport struct {
	connectErr  error // returned by every Connect call until connected
	connected   bool
	closed      bool
	sendErr     error
	recvQueue   [][]byte
	recvErr     error
	sent        [][]byte
	remoteIP    net.IP
	remotePort  int
	localIP     net.IP
}

func (f *fakeTransport) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Send(buf *ofp.Buf) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), buf.Bytes()...))
	return nil
}

func (f *fakeTransport) Recv() (*ofp.Buf, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	if len(f.recvQueue) == 0 {
		return nil, vconn.ErrTryAgain
	}
	next := f.recvQueue[0]
	f.recvQueue = f.recvQueue[1:]
	return ofp.New(next), nil
}

func (f *fakeTransport) Close() error { f.closed = true; return nil }
func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) LocalIP() net.IP   { return f.localIP }
func (f *fakeTransport) LocalPort() int    { return 0 }
func (f *fakeTransport) RemoteIP() net.IP  { return f.remoteIP }
func (f *fakeTransport) RemotePort() int   { return f.remotePort }

func newTestRconn(probeInterval, maxBackoff int64) (*Rconn, *rclock.Fake) {
	clock := rclock.NewFake(1000)
	rc := newRconn(probeInterval, maxBackoff, clock, nil, nil)
	return rc, clock
}

func dialerReturning(t vconn.Transport, err error) dialFunc {
	return func(string) (vconn.Transport, error) {
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

func TestConnectFailureEntersBackoff(t *testing.T) {
	rc, _ := newTestRconn(0, 8)
	rc.setDialer(dialerReturning(nil, errors.New("refused")))

	err := rc.Connect("host:1")
	require.Error(t, err)

	assert.Equal(t, "BACKOFF", rc.GetState())
	assert.Equal(t, int64(1), rc.GetBackoff())
	assert.Equal(t, uint64(1), rc.GetAttemptedConnections())
}

func TestBackoffDoublesOnRepeatedConnectingTimeout(t *testing.T) {
	ft := &fakeTransport{connectErr: vconn.ErrTryAgain}
	rc, clock := newTestRconn(0, 8)
	rc.setDialer(dialerReturning(ft, nil))

	require.NoError(t, rc.Connect("host:1"))
	assert.Equal(t, "CONNECTING", rc.GetState())

	// First CONNECTING timeout: backoff grows from its 0 starting value to 1.
	clock.Advance(1)
	rc.Run()
	assert.Equal(t, "BACKOFF", rc.GetState())
	assert.Equal(t, int64(1), rc.GetBackoff())

	// BACKOFF expires, reconnect attempted, CONNECTING again.
	clock.Advance(1)
	rc.Run()
	assert.Equal(t, "CONNECTING", rc.GetState())

	// Second CONNECTING timeout: backoff doubles 1 -> 2.
	clock.Advance(1)
	rc.Run()
	assert.Equal(t, "BACKOFF", rc.GetState())
	assert.Equal(t, int64(2), rc.GetBackoff())
}

func TestSuccessfulConnectResetsBackoffAfterHealthyRun(t *testing.T) {
	ft := &fakeTransport{}
	rc, clock := newTestRconn(0, 8)
	rc.setDialer(dialerReturning(ft, nil))

	require.NoError(t, rc.Connect("host:1"))
	clock.Advance(0)
	rc.Run()
	require.Equal(t, "ACTIVE", rc.GetState())
	assert.Equal(t, uint64(1), rc.GetSuccessfulConnections())

	// Stay connected well past the backoff window, then fail.
	clock.Advance(connectivityWindow + 1)
	ft.sendErr = errors.New("reset")
	buf := ofp.New([]byte{1, ofp.TypeHello, 0, 8, 0, 0, 0, 1})
	_ = rc.Send(buf, nil)

	assert.Equal(t, "BACKOFF", rc.GetState())
	assert.Equal(t, int64(1), rc.GetBackoff(), "a long healthy connection should reset backoff to 1")
}

func TestActiveTimesOutToIdleAndSendsProbe(t *testing.T) {
	ft := &fakeTransport{}
	rc, clock := newTestRconn(5, 8)
	rc.setDialer(dialerReturning(ft, nil))
	require.NoError(t, rc.Connect("host:1"))
	rc.Run()
	require.Equal(t, "ACTIVE", rc.GetState())

	clock.Advance(5)
	rc.Run()

	assert.Equal(t, "IDLE", rc.GetState())
	require.Len(t, ft.sent, 1)
	assert.Equal(t, ofp.TypeEchoRequest, ft.sent[0][1])
	assert.True(t, rc.txq.empty())
}

func TestIdleTimeoutDisconnectsAndFlagsConnectivity(t *testing.T) {
	ft := &fakeTransport{}
	rc, clock := newTestRconn(5, 8)
	rc.setDialer(dialerReturning(ft, nil))
	require.NoError(t, rc.Connect("host:1"))
	rc.Run()
	require.Equal(t, "ACTIVE", rc.GetState())

	// Run well past connectivityWindow before the first ACTIVE->IDLE
	// transition, so the later IDLE timeout's questionConnectivity call
	// isn't debounced away by the "too soon since last question" check.
	clock.Advance(connectivityWindow + 5)
	rc.Run()
	require.Equal(t, "IDLE", rc.GetState())

	clock.Advance(5)
	rc.Run()

	assert.Equal(t, "BACKOFF", rc.GetState())
	assert.True(t, rc.IsConnectivityQuestionable())
	assert.False(t, rc.IsConnectivityQuestionable(), "IsConnectivityQuestionable is one-shot")
}

func TestRecvOnIdleReturnsToActive(t *testing.T) {
	ft := &fakeTransport{}
	rc, clock := newTestRconn(5, 8)
	rc.setDialer(dialerReturning(ft, nil))
	require.NoError(t, rc.Connect("host:1"))
	rc.Run()
	clock.Advance(5)
	rc.Run()
	require.Equal(t, "IDLE", rc.GetState())

	ft.recvQueue = [][]byte{{1, ofp.TypeEchoReply, 0, 8, 0, 0, 0, 1}}
	buf := rc.Recv()
	require.NotNil(t, buf)
	assert.Equal(t, "ACTIVE", rc.GetState())
}

func TestSendWhileNotConnectedReturnsError(t *testing.T) {
	rc, _ := newTestRconn(0, 8)
	buf := ofp.New([]byte{1, ofp.TypeHello, 0, 8, 0, 0, 0, 1})
	err := rc.Send(buf, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendWithLimitBlocksAtLimit(t *testing.T) {
	ft := &fakeTransport{sendErr: vconn.ErrTryAgain}
	rc, _ := newTestRconn(0, 8)
	rc.setDialer(dialerReturning(ft, nil))
	require.NoError(t, rc.Connect("host:1"))
	rc.Run()
	require.Equal(t, "ACTIVE", rc.GetState())

	counter := NewPacketCounter()
	buf1 := ofp.New([]byte{1, ofp.TypeHello, 0, 8, 0, 0, 0, 1})
	require.NoError(t, rc.SendWithLimit(buf1, counter, 1))
	assert.Equal(t, uint32(1), counter.N)

	buf2 := ofp.New([]byte{1, ofp.TypeHello, 0, 8, 0, 0, 0, 2})
	err := rc.SendWithLimit(buf2, counter, 1)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestConnectUnreliablyNeverReconnects(t *testing.T) {
	ft := &fakeTransport{recvErr: errors.New("reset by peer")}
	rc, _ := newTestRconn(0, 8)
	rc.ConnectUnreliably("fd:3", ft)
	assert.Equal(t, "ACTIVE", rc.GetState())

	buf := rc.Recv()
	assert.Nil(t, buf)
	assert.Equal(t, "VOID", rc.GetState())
	assert.True(t, ft.closed)
}

func TestDisconnectFlushesQueue(t *testing.T) {
	ft := &fakeTransport{sendErr: vconn.ErrTryAgain}
	rc, _ := newTestRconn(0, 8)
	rc.setDialer(dialerReturning(ft, nil))
	require.NoError(t, rc.Connect("host:1"))
	rc.Run()

	counter := NewPacketCounter()
	buf := ofp.New([]byte{1, ofp.TypeHello, 0, 8, 0, 0, 0, 1})
	require.NoError(t, rc.Send(buf, counter))
	require.Equal(t, uint32(1), counter.N)

	rc.Disconnect()
	assert.Equal(t, uint32(0), counter.N, "disconnect must flush the tx queue")
	assert.Equal(t, "VOID", rc.GetState())
}

func TestIsAdmittedRequiresPostConnectTraffic(t *testing.T) {
	ft := &fakeTransport{}
	rc, clock := newTestRconn(0, 8)
	rc.setDialer(dialerReturning(ft, nil))
	// Advance past creationTime so the CONNECTING->ACTIVE transition sets
	// lastConnected strictly after the lastAdmitted seeded at construction.
	clock.Advance(1)
	require.NoError(t, rc.Connect("host:1"))
	rc.Run()
	assert.False(t, rc.IsAdmitted())

	// Type 10 is outside the pre-admission set, so it signals admission.
	ft.recvQueue = [][]byte{{1, 10, 0, 8, 0, 0, 0, 1}}
	buf := rc.Recv()
	require.NotNil(t, buf)
	assert.True(t, rc.IsAdmitted())
}

func TestMaxBackoffClampsInFlightBackoff(t *testing.T) {
	ft := &fakeTransport{connectErr: vconn.ErrTryAgain}
	rc, clock := newTestRconn(0, 100)
	rc.setDialer(dialerReturning(ft, nil))
	require.NoError(t, rc.Connect("host:1"))

	clock.Advance(1)
	rc.Run() // CONNECTING timeout -> BACKOFF, backoff=1
	require.Equal(t, "BACKOFF", rc.GetState())
	require.Equal(t, int64(1), rc.GetBackoff())

	clock.Advance(1)
	rc.Run() // BACKOFF expires -> CONNECTING again
	require.Equal(t, "CONNECTING", rc.GetState())

	clock.Advance(1)
	rc.Run() // second CONNECTING timeout -> BACKOFF, backoff=2
	require.Equal(t, "BACKOFF", rc.GetState())
	require.Equal(t, int64(2), rc.GetBackoff())

	rc.SetMaxBackoff(1)
	assert.Equal(t, int64(1), rc.GetBackoff())
}
