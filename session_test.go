package hapble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinkTimeout(t *testing.T) {
	s, p, clock, _ := newTestServer(t)
	sess := connect(t, s)

	clock.Advance(initialLinkTimeout - safeToDisconnectTimeout - time.Millisecond)
	require.False(t, sess.IsTerminalSoon())
	clock.Advance(time.Millisecond)
	require.True(t, sess.IsTerminalSoon(), "link deadline within the safe-to-disconnect timeout")
	require.False(t, sess.IsTerminal())
	require.Empty(t, p.cancelled)

	clock.Advance(safeToDisconnectTimeout)
	require.True(t, sess.IsTerminal())
	require.Equal(t, []ConnectionHandle{testConn}, p.cancelled)
}

func TestTerminalSoonRejectsNewProcedures(t *testing.T) {
	s, _, clock, ta := newTestServer(t)
	connect(t, s)
	c := &testController{t: t, s: s}

	clock.Advance(initialLinkTimeout - safeToDisconnectTimeout)
	require.ErrorIs(t, c.write(ta.on, "0001013300"), ErrInvalidState)
}

func TestSecuredLinkTimeout(t *testing.T) {
	s, p, clock, _ := newTestServer(t)
	sess := connect(t, s)
	secure(t, sess)
	sess.DidCompletePairingProcedure(PairingProcedurePairVerify)

	clock.Advance(securedLinkTimeout - time.Millisecond)
	require.Empty(t, p.cancelled)
	clock.Advance(time.Millisecond)
	require.Equal(t, []ConnectionHandle{testConn}, p.cancelled)
}

func TestSecuredProcedureExtendsLink(t *testing.T) {
	s, p, clock, ta := newTestServer(t)
	c := &testController{t: t, s: s}
	c.ch = secure(t, connect(t, s))

	clock.Advance(5 * time.Second)
	require.Equal(t, "020100", c.do(ta.on, "00020133000300010101"))
	clock.Advance(securedLinkTimeout - time.Millisecond)
	require.Empty(t, p.cancelled)
	clock.Advance(time.Millisecond)
	require.Equal(t, []ConnectionHandle{testConn}, p.cancelled)
}

func TestPairingProcedureTimeout(t *testing.T) {
	s, p, clock, _ := newTestServer(t)
	sess := connect(t, s)

	sess.DidCompletePairingProcedure(PairingProcedurePairSetup)
	sess.DidStartPairingProcedure(PairingProcedurePairVerify)
	clock.Advance(pairingProcedureTimeout - time.Millisecond)
	require.Empty(t, p.cancelled)
	clock.Advance(time.Millisecond)
	require.True(t, sess.IsTerminal())
	require.Equal(t, []ConnectionHandle{testConn}, p.cancelled)
}

func TestPairingProcedureCompleted(t *testing.T) {
	s, p, clock, _ := newTestServer(t)
	sess := connect(t, s)

	sess.DidStartPairingProcedure(PairingProcedurePairSetup)
	clock.Advance(5 * time.Second)
	sess.DidCompletePairingProcedure(PairingProcedurePairSetup)

	// Pair-Setup completion re-arms the link for the secured timeout.
	clock.Advance(securedLinkTimeout - time.Millisecond)
	require.Empty(t, p.cancelled)
	clock.Advance(time.Millisecond)
	require.Equal(t, []ConnectionHandle{testConn}, p.cancelled)
}

func TestSafeToDisconnect(t *testing.T) {
	s, p, clock, ta := newTestServer(t)
	sess := connect(t, s)
	c := &testController{t: t, s: s}

	require.NoError(t, c.write(ta.on, "0001013300"))
	sess.Invalidate(true)
	require.True(t, sess.IsTerminal())
	require.Empty(t, p.cancelled, "a GATT response was just sent")

	clock.Advance(safeToDisconnectTimeout - time.Millisecond)
	require.Empty(t, p.cancelled)
	clock.Advance(time.Millisecond)
	require.Equal(t, []ConnectionHandle{testConn}, p.cancelled)

	_, err := c.read(ta.on)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestAcceptAfterTerminal(t *testing.T) {
	s, _, _, ta := newTestServer(t)
	sess := connect(t, s)
	sess.Invalidate(true)
	secure(t, sess)
	require.False(t, sess.IsSecured())
	require.Empty(t, ta.subscriptions)
}

func TestSessionCallbacks(t *testing.T) {
	var connected, disconnected []*Session
	s, _, _, _ := newTestServer(t,
		Connect(func(sess *Session) { connected = append(connected, sess) }),
		Disconnect(func(sess *Session) { disconnected = append(disconnected, sess) }),
	)
	sess := connect(t, s)
	require.Equal(t, []*Session{sess}, connected)

	s.HandleDisconnectedCentral(testConn + 1)
	require.Empty(t, disconnected, "unknown connection")
	s.HandleDisconnectedCentral(testConn)
	require.Equal(t, []*Session{sess}, disconnected)
	require.Nil(t, s.Session())
	require.False(t, sess.IsSecured())
}

func TestSecondConnectionPanics(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	connect(t, s)
	require.Panics(t, func() { s.HandleConnectedCentral(testConn + 1) })
}

func TestPairingProcedureString(t *testing.T) {
	cases := []struct {
		p    PairingProcedure
		want string
	}{
		{p: PairingProcedurePairSetup, want: "Pair Setup"},
		{p: PairingProcedurePairVerify, want: "Pair Verify"},
		{p: PairingProcedurePairings, want: "Pairings"},
		{p: 0, want: "Unknown"},
		{p: 9, want: "Unknown"},
	}
	for _, tt := range cases {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("PairingProcedure(%d).String(): got %q want %q", tt.p, got, tt.want)
		}
	}
}

func TestSafeToDisconnectWithoutTimers(t *testing.T) {
	s, p, clock, _ := newTestServer(t)
	sess := connect(t, s)
	exhaustTimers(t, clock)

	sess.didSendGATTResponse()
	require.True(t, sess.safeToDisconnect)
	require.Zero(t, sess.safeTimer)

	sess.Invalidate(true)
	require.Equal(t, []ConnectionHandle{testConn}, p.cancelled, "disconnected without waiting")
}
