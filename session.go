package hapble

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XC-/hapble/timer"
)

// A PairingProcedure is a pairing exchange run over a connection.
type PairingProcedure uint8

// Pairing procedures.
const (
	PairingProcedurePairSetup PairingProcedure = iota + 1
	PairingProcedurePairVerify
	PairingProcedurePairings
)

var pairingProcedureName = []string{
	PairingProcedurePairSetup:  "Pair Setup",
	PairingProcedurePairVerify: "Pair Verify",
	PairingProcedurePairings:   "Pairings",
}

func (p PairingProcedure) String() string {
	if int(p) < len(pairingProcedureName) && p != 0 {
		return pairingProcedureName[p]
	}
	return "Unknown"
}

// A Session is the state of the connected controller. There is at most
// one per server; it lives from connection to disconnection.
//
// The link timer bounds the connection: 10 seconds until the first
// procedure, then 30 seconds from every procedure on a secured session.
// A session becomes terminal when it is invalidated with link
// termination; the connection is then cancelled as soon as no GATT
// response was sent for 200 milliseconds.
type Session struct {
	server  *AccessoryServer
	log     *logrus.Entry
	channel SecureChannel

	linkTimer    timer.Handle
	linkDeadline time.Time
	pairingTimer timer.Handle

	safeTimer        timer.Handle
	safeToDisconnect bool

	terminal bool
}

func newSession(s *AccessoryServer) (*Session, error) {
	sess := &Session{server: s, log: s.log.session, safeToDisconnect: true}
	if err := sess.armLinkTimer(initialLinkTimeout); err != nil {
		sess.log.Error("Not enough timers available to register BLE link timer.")
		return nil, err
	}
	return sess, nil
}

// release stops all timers of a session whose connection is gone.
func (sess *Session) release() {
	sess.deregisterLinkTimer()
	if sess.pairingTimer != 0 {
		sess.server.timers.Deregister(sess.pairingTimer)
		sess.pairingTimer = 0
	}
	if sess.safeTimer != 0 {
		sess.server.timers.Deregister(sess.safeTimer)
		sess.safeTimer = 0
	}
	sess.channel = nil
}

func (sess *Session) armLinkTimer(d time.Duration) error {
	sess.deregisterLinkTimer()
	timers := sess.server.timers
	deadline := timers.Now().Add(d)
	var h timer.Handle
	var err error
	h, err = timers.Register(deadline, func() { sess.linkTimerExpired(h) })
	if err != nil {
		return timerErr(err)
	}
	sess.linkTimer, sess.linkDeadline = h, deadline
	return nil
}

func (sess *Session) deregisterLinkTimer() {
	if sess.linkTimer != 0 {
		sess.server.timers.Deregister(sess.linkTimer)
		sess.linkTimer = 0
		sess.linkDeadline = time.Time{}
	}
}

func (sess *Session) linkTimerExpired(h timer.Handle) {
	if h != sess.linkTimer {
		return
	}
	sess.log.Info("Link timeout expired.")
	sess.linkTimer = 0
	sess.linkDeadline = time.Time{}
	sess.Invalidate(true)
}

func (sess *Session) pairingTimerExpired(h timer.Handle) {
	if h != sess.pairingTimer {
		return
	}
	sess.log.Info("Pairing procedure timeout expired.")
	sess.pairingTimer = 0
	sess.Invalidate(true)
}

func (sess *Session) safeTimerExpired(h timer.Handle) {
	if h != sess.safeTimer {
		sess.log.Debug("Safe to disconnect expired after timer was invalidated.")
		return
	}
	sess.log.Debug("Safe to disconnect expired.")
	sess.safeTimer = 0
	sess.safeToDisconnect = true
	switch {
	case sess.terminal:
		sess.log.Info("Disconnecting BLE connection - Security session marked terminal (safe to disconnect timer).")
		sess.server.cancelConnection()
	case sess.server.state != StateRunning:
		sess.log.Info("Disconnecting BLE connection - Server is stopping (safe to disconnect timer).")
		sess.server.cancelConnection()
	}
}

// Accept installs the secure channel negotiated by Pair-Verify. Existing
// subscriptions are reported to the application and pending events are
// delivered.
func (sess *Session) Accept(ch SecureChannel) {
	if sess.terminal {
		sess.log.Warn("Ignoring security session for terminal session.")
		return
	}
	sess.channel = ch
	sess.log.WithFields(logrus.Fields{
		"admin":     ch.IsAdmin(),
		"transient": ch.IsTransient(),
	}).Info("Security session accepted.")
	sess.server.handleSessionAccept(sess)
}

// Invalidate drops the secure channel. With terminateLink the session
// becomes terminal and the connection is cancelled once it is safe.
func (sess *Session) Invalidate(terminateLink bool) {
	if sess.channel != nil {
		sess.server.handleSessionInvalidate(sess)
		sess.channel = nil
	}
	sess.deregisterLinkTimer()
	if terminateLink {
		sess.terminal = true
		if sess.safeToDisconnect && sess.server.pm.conn.connected {
			sess.log.Info("Disconnecting connection - Security session marked terminal.")
			sess.server.cancelConnection()
		}
	}
	if sess.pairingTimer != 0 {
		sess.server.timers.Deregister(sess.pairingTimer)
		sess.pairingTimer = 0
	}
}

// IsSecured reports whether a secure channel is installed.
func (sess *Session) IsSecured() bool { return sess.channel != nil }

// IsTransient reports whether the secure channel is transient.
func (sess *Session) IsTransient() bool { return sess.channel != nil && sess.channel.IsTransient() }

// IsAdmin reports whether the controller has admin permissions.
func (sess *Session) IsAdmin() bool { return sess.channel != nil && sess.channel.IsAdmin() }

// IsTerminal reports whether the session accepts no more requests.
func (sess *Session) IsTerminal() bool { return sess.terminal }

// IsTerminalSoon reports whether the session is terminal or its link
// timer expires within the safe-to-disconnect timeout.
func (sess *Session) IsTerminalSoon() bool {
	if sess.terminal {
		return true
	}
	if sess.linkTimer != 0 {
		return sess.linkDeadline.Sub(sess.server.timers.Now()) <= safeToDisconnectTimeout
	}
	return false
}

func (sess *Session) encrypt(b []byte) ([]byte, error) {
	if sess.channel == nil {
		return nil, ErrInvalidState
	}
	return sess.channel.EncryptControlMessage(b)
}

func (sess *Session) decrypt(b []byte) ([]byte, error) {
	if sess.channel == nil {
		return nil, ErrInvalidState
	}
	return sess.channel.DecryptControlMessage(b)
}

// didSendGATTResponse restarts the safe-to-disconnect timer.
func (sess *Session) didSendGATTResponse() {
	sess.safeToDisconnect = false
	timers := sess.server.timers
	if sess.safeTimer != 0 {
		timers.Deregister(sess.safeTimer)
		sess.safeTimer = 0
	}
	var h timer.Handle
	var err error
	h, err = timers.Register(timers.Now().Add(safeToDisconnectTimeout), func() { sess.safeTimerExpired(h) })
	if err != nil {
		sess.log.Error("Not enough resources to consider safe to dc timer. Reporting safe to dc immediately!")
		sess.safeToDisconnect = true
		return
	}
	sess.safeTimer = h
}

// didStartProcedure keeps secured links alive and lets unsecured links
// stay open while they run procedures.
func (sess *Session) didStartProcedure() {
	if sess.terminal {
		return
	}
	if !sess.IsSecured() {
		sess.deregisterLinkTimer()
		return
	}
	if err := sess.armLinkTimer(securedLinkTimeout); err != nil {
		sess.log.Error("Not enough resources to start link timer. Invalidating session!")
		sess.Invalidate(true)
	}
}

// DidStartPairingProcedure bounds a pairing exchange by the pairing
// procedure timeout.
func (sess *Session) DidStartPairingProcedure(p PairingProcedure) {
	sess.log.WithField("procedure", p).Debug("Pairing procedure started.")
	if sess.terminal || sess.pairingTimer != 0 {
		return
	}
	timers := sess.server.timers
	var h timer.Handle
	var err error
	h, err = timers.Register(timers.Now().Add(pairingProcedureTimeout), func() { sess.pairingTimerExpired(h) })
	if err != nil {
		sess.log.Error("Not enough resources to start pairing procedure timer. Invalidating session!")
		sess.Invalidate(true)
		return
	}
	sess.pairingTimer = h
}

// DidCompletePairingProcedure stops the pairing timer. A completed
// Pair-Setup, or a Pair-Verify that secured the session, extends the link.
func (sess *Session) DidCompletePairingProcedure(p PairingProcedure) {
	sess.log.WithField("procedure", p).Debug("Pairing procedure completed.")
	if sess.terminal {
		return
	}
	if sess.pairingTimer != 0 {
		sess.server.timers.Deregister(sess.pairingTimer)
		sess.pairingTimer = 0
	}
	if p == PairingProcedurePairSetup || (p == PairingProcedurePairVerify && sess.IsSecured()) {
		if err := sess.armLinkTimer(securedLinkTimeout); err != nil {
			sess.log.Error("Not enough resources to start link timer. Invalidating session!")
			sess.Invalidate(true)
		}
	}
}
