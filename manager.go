package hapble

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/XC-/hapble/timer"
)

type connection struct {
	connected bool
	handle    ConnectionHandle
	session   *Session
}

// peripheralManager binds GATT requests of the single connection to
// procedures. At most one full procedure exists; every characteristic
// row can additionally hold a fallback procedure.
type peripheralManager struct {
	table *attributeTable
	conn  connection
	full  *procedure
	buf   []byte

	// writing is the characteristic whose write handler runs.
	writing *Characteristic

	retryTimer timer.Handle
}

// registerTable publishes the GATT database of the accessory. If the
// platform does not allow refreshing services, the table of the previous
// registration is kept.
func (s *AccessoryServer) registerTable() error {
	log := s.log.manager
	if !s.p.AllowsServiceRefresh() {
		log.Debug("BLE services not re-registered.")
		return s.p.PublishServices()
	}
	if s.pm.table == nil || cap(s.pm.table.rows) < tableCapacity(s.acc) {
		s.pm.table = newAttributeTable(max(s.tableCapacity, tableCapacity(s.acc)))
	}
	s.pm.table.reset()
	if err := s.p.RemoveAllServices(); err != nil {
		return err
	}
	for _, svc := range s.acc.services {
		if err := s.p.AddService(svc.typ, true); err != nil {
			return err
		}
		iid, _, err := s.p.AddCharacteristic(serviceInstanceIDUUID, GATTRead, le16(svc.iid), false)
		if err != nil {
			return err
		}
		if _, err := s.pm.table.add(attribute{svc: svc, iidHandle: iid}); err != nil {
			log.WithField("sid", svc.iid).Error("GATT table capacity not large enough to store service.")
			return err
		}
		log.WithField("sid", svc.iid).Infof("(service) iid %04x", iid)

		for _, c := range svc.chars {
			props := GATTRead | GATTWrite
			events := c.has(PropEventNotification)
			if events {
				props |= GATTIndicate
			}
			value, ccc, err := s.p.AddCharacteristic(c.typ, props, nil, events)
			if err != nil {
				return err
			}
			iid, err := s.p.AddDescriptor(characteristicInstanceIDUUID, le16(c.iid))
			if err != nil {
				return err
			}
			a := attribute{svc: svc, c: c, valueHandle: value, cccHandle: ccc, iidHandle: iid}
			if _, err := s.pm.table.add(a); err != nil {
				log.WithFields(charFields(c)).Error("GATT table capacity not large enough to store characteristic.")
				return err
			}
			log.WithFields(charFields(c)).Infof("val %04x / iid %04x", value, iid)
		}
	}
	return s.p.PublishServices()
}

func le16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

// releaseManager aborts all procedures and the connection state.
func (s *AccessoryServer) releaseManager() {
	s.abortAllFallbackProcedures()
	if s.pm.full != nil {
		s.pm.full.destroy()
		s.pm.full = nil
	}
	if s.pm.retryTimer != 0 {
		s.timers.Deregister(s.pm.retryTimer)
		s.pm.retryTimer = 0
	}
	if s.pm.conn.connected && s.pm.conn.session != nil {
		s.pm.conn.session.release()
	}
	s.pm.conn = connection{}
}

func (s *AccessoryServer) resetEventState() {
	if s.pm.table == nil {
		return
	}
	for _, a := range s.pm.table.characteristics() {
		a.subscribed = false
		a.pending = false
	}
}

func (s *AccessoryServer) abortAllFallbackProcedures() {
	if s.pm.table == nil {
		return
	}
	for _, a := range s.pm.table.characteristics() {
		if !a.fallback.active() {
			continue
		}
		s.log.manager.WithFields(charFields(a.c)).Info("Aborting fallback procedure.")
		s.timers.Deregister(a.fallback.timer)
		a.fallback = fallbackProcedure{}
	}
}

func (s *AccessoryServer) cancelConnection() {
	if !s.pm.conn.connected {
		return
	}
	if err := s.p.CancelCentralConnection(s.pm.conn.handle); err != nil {
		s.log.manager.WithError(err).Error("Unable to cancel central connection.")
	}
}

// HandleConnectedCentral is called by the platform when a central
// connects. Only one central may be connected at a time.
func (s *AccessoryServer) HandleConnectedCentral(h ConnectionHandle) {
	log := s.log.manager.WithField("connection", h)
	log.Info("Central connected.")
	if s.pm.conn.connected {
		panic(fmt.Sprintf("hapble: central 0x%04x connected while 0x%04x is connected", h, s.pm.conn.handle))
	}

	s.abortAllFallbackProcedures()
	s.resetEventState()
	s.pm.conn = connection{connected: true, handle: h}

	if err := s.advertisingDidConnect(); err != nil {
		log.WithError(err).Error("Unable to update advertising state for connection.")
	}
	sess, err := newSession(s)
	if err != nil {
		log.WithError(err).Error("Unable to create session. Disconnecting.")
		s.cancelConnection()
		return
	}
	s.pm.conn.session = sess
	if s.connect != nil {
		s.connect(sess)
	}
}

// HandleDisconnectedCentral is called by the platform when the central
// disconnects.
func (s *AccessoryServer) HandleDisconnectedCentral(h ConnectionHandle) {
	log := s.log.manager.WithField("connection", h)
	if !s.pm.conn.connected || s.pm.conn.handle != h {
		log.Warn("Ignoring disconnect of unknown central.")
		return
	}
	log.Info("Central disconnected.")

	s.pm.conn.connected = false
	if s.pm.full != nil {
		s.pm.full.destroy()
		s.pm.full = nil
	}
	s.abortAllFallbackProcedures()
	sess := s.pm.conn.session
	if sess != nil {
		sess.Invalidate(false)
		sess.release()
	}
	s.resetEventState()
	if s.pm.retryTimer != 0 {
		s.timers.Deregister(s.pm.retryTimer)
		s.pm.retryTimer = 0
	}
	s.pm.conn = connection{}

	if sess != nil && s.disconnect != nil {
		s.disconnect(sess)
	}
	if err := s.advertisingDidDisconnect(); err != nil {
		log.WithError(err).Error("Unable to update advertising state after disconnect.")
	}
	if s.state == StateStopping {
		s.tryStop()
	}
}

// HandleReadyToUpdateSubscribers is called by the platform when the link
// can take indications again.
func (s *AccessoryServer) HandleReadyToUpdateSubscribers(h ConnectionHandle) {
	if !s.pm.conn.connected || s.pm.conn.handle != h {
		return
	}
	s.sendPendingEventNotifications()
}

func (s *AccessoryServer) lookup(h ConnectionHandle, attr AttributeHandle) (*attribute, handleType, *Session, error) {
	if !s.pm.conn.connected || s.pm.conn.handle != h || s.pm.conn.session == nil {
		return nil, 0, nil, fmt.Errorf("%w: no session for connection 0x%04x", ErrInvalidState, h)
	}
	if s.pm.table == nil {
		return nil, 0, nil, fmt.Errorf("%w: GATT table not registered", ErrInvalidState)
	}
	a, typ, ok := s.pm.table.At(attr)
	if !ok {
		s.log.manager.Errorf("GATT attribute structure not found for handle 0x%04x.", attr)
		return nil, 0, nil, fmt.Errorf("%w: unknown attribute handle 0x%04x", ErrInvalidState, attr)
	}
	return a, typ, s.pm.conn.session, nil
}

// HandleReadRequest is called by the platform for a GATT read of attr.
// The response must fit into maxBytes. An error other than
// ErrOutOfResources on a descriptor terminates the link.
func (s *AccessoryServer) HandleReadRequest(h ConnectionHandle, attr AttributeHandle, maxBytes int) ([]byte, error) {
	a, typ, sess, err := s.lookup(h, attr)
	if err != nil {
		return nil, err
	}
	log := s.log.manager.WithField("handle", attr)
	switch typ {
	case typValue:
		log = log.WithFields(charFields(a.c))
		log.Debug("GATT Read value.")
		b, err := s.readValue(log, sess, a, maxBytes)
		if err != nil {
			sess.Invalidate(true)
			return nil, err
		}
		s.removeQueuedBroadcastEvent(a.c)
		s.sendPendingEventNotifications()
		return b, nil

	case typClientConfiguration:
		if maxBytes < 2 {
			log.Info("Not enough space available to write Client Characteristic Configuration descriptor value.")
			return nil, ErrOutOfResources
		}
		var v uint16
		if a.subscribed {
			v = cccIndicate
		}
		return le16(v), nil
	}

	if maxBytes < 2 {
		log.Info("Not enough space available to write Instance ID value.")
		return nil, ErrOutOfResources
	}
	if a.c != nil {
		return le16(a.c.iid), nil
	}
	return le16(a.svc.iid), nil
}

func (s *AccessoryServer) readValue(log *logrus.Entry, sess *Session, a *attribute, maxBytes int) ([]byte, error) {
	p, err := s.getProcedure(log, sess, a)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p.handleGATTRead(maxBytes)
	}

	log.Info("Processing response of fallback procedure.")
	b, err := a.fallback.response()
	if err != nil {
		log.Info("Response of fallback procedure expected before request was fully sent.")
		return nil, err
	}
	log.Infof("Sending %s response.", a.fallback.status)

	// Fallback procedures are aborted when the security session changes,
	// so the current session state applies to the whole procedure.
	if sess.IsSecured() {
		if maxBytes < len(b)+tagSize {
			log.Info("Response of fallback procedure too long for available space.")
			return nil, ErrOutOfResources
		}
		if b, err = sess.encrypt(b); err != nil {
			log.Info("Response of fallback procedure could not be encrypted.")
			return nil, err
		}
	} else if maxBytes < len(b) {
		log.Info("Response of fallback procedure too long for available space.")
		return nil, ErrOutOfResources
	}
	s.timers.Deregister(a.fallback.timer)
	a.fallback = fallbackProcedure{}
	sess.didSendGATTResponse()
	return b, nil
}

// getProcedure returns the procedure a read of a continues: the full
// procedure if it is attached to a, else nil and the fallback procedure
// of a is used.
func (s *AccessoryServer) getProcedure(log *logrus.Entry, sess *Session, a *attribute) (*procedure, error) {
	if sess.IsTerminal() {
		s.cancelConnection()
		return nil, ErrInvalidState
	}
	if a.c.dropsSecuritySession {
		s.abortAllFallbackProcedures()
	}
	if a.fallback.active() {
		return nil, nil
	}
	if s.pm.full != nil && s.pm.full.c == a.c {
		return s.pm.full, nil
	}
	log.Info("Rejected read: No procedure attached.")
	return nil, ErrInvalidState
}

// attachProcedure returns the procedure a write to a starts or continues.
// A nil procedure means the fallback procedure of a is used.
func (s *AccessoryServer) attachProcedure(log *logrus.Entry, sess *Session, a *attribute) (p *procedure, isNew bool, err error) {
	if sess.IsTerminal() {
		s.cancelConnection()
		return nil, false, ErrInvalidState
	}
	full := s.pm.full
	if s.state != StateRunning {
		if full == nil || !full.inProgress() {
			s.cancelConnection()
			return nil, false, ErrInvalidState
		}
		log.Info("Shutdown has been requested. Allowing current HAP-BLE procedure to finish.")
	}
	if a.c.dropsSecuritySession {
		s.abortAllFallbackProcedures()
	}
	if a.fallback.active() {
		return nil, false, nil
	}

	if full != nil {
		if full.c == a.c {
			return full, false, nil
		}
		if full.inProgress() {
			if a.c.dropsSecuritySession {
				log.WithField("attached", full.c.iid).Info("Aborting existing procedure (Characteristic drops security session).")
				s.abortAllFallbackProcedures()
			} else {
				log.WithField("attached", full.c.iid).Info("HAP-BLE procedure is in progress. Attaching fallback procedure.")
				var h timer.Handle
				h, err = s.timers.Register(s.timers.Now().Add(fallbackProcedureTimeout), func() { s.fallbackTimerExpired(h) })
				if err != nil {
					log.Error("Not enough resources to start timer. Disconnecting immediately!")
					return nil, false, timerErr(err)
				}
				a.fallback = fallbackProcedure{timer: h}
				sess.didStartProcedure()
				return nil, true, nil
			}
		}
		log.WithField("attached", full.c.iid).Debug("Detaching procedure to start procedure.")
		full.destroy()
		s.pm.full = nil
	}

	s.pm.full = newProcedure(s, sess, a.c, s.pm.buf)
	return s.pm.full, true, nil
}

func (s *AccessoryServer) fallbackTimerExpired(h timer.Handle) {
	if s.pm.table == nil {
		return
	}
	found := false
	for _, a := range s.pm.table.characteristics() {
		if a.fallback.timer == h {
			s.log.manager.WithFields(charFields(a.c)).Info("Fallback procedure expired.")
			a.fallback = fallbackProcedure{}
			found = true
		}
	}
	if found && s.pm.conn.connected && s.pm.conn.session != nil {
		s.pm.conn.session.Invalidate(true)
	}
}

// HandleWriteRequest is called by the platform for a GATT write of attr.
// Errors on the value handle terminate the link.
func (s *AccessoryServer) HandleWriteRequest(h ConnectionHandle, attr AttributeHandle, data []byte) error {
	a, typ, sess, err := s.lookup(h, attr)
	if err != nil {
		return err
	}
	log := s.log.manager.WithField("handle", attr)
	switch typ {
	case typValue:
		log = log.WithFields(charFields(a.c))
		log.Debug("GATT Write value.")
		if err := s.writeValue(log, sess, a, data); err != nil {
			sess.Invalidate(true)
			return err
		}
		s.sendPendingEventNotifications()
		return nil

	case typClientConfiguration:
		log = log.WithFields(charFields(a.c))
		if len(data) != 2 {
			log.Infof("Unexpected Client Characteristic Configuration descriptor length: %d.", len(data))
			return ErrInvalidData
		}
		v := binary.LittleEndian.Uint16(data)
		if v&^cccIndicate != 0 {
			log.Infof("Unexpected Client Characteristic Configuration descriptor value: 0x%04x.", v)
			return ErrInvalidData
		}
		return s.setNotificationsEnabled(log, sess, a, v&cccIndicate != 0)
	}
	log.Info("Rejecting write to Instance ID value.")
	return ErrInvalidState
}

func (s *AccessoryServer) writeValue(log *logrus.Entry, sess *Session, a *attribute, data []byte) error {
	p, isNew, err := s.attachProcedure(log, sess, a)
	if err != nil {
		return err
	}
	if p != nil {
		return p.handleGATTWrite(data)
	}

	if sess.IsSecured() {
		if len(data) < tagSize {
			log.Info("Write to fallback procedure malformed (too short for auth tag).")
			return ErrInvalidData
		}
		if data, err = sess.decrypt(data); err != nil {
			log.Info("Fragment of fallback procedure malformed (decryption failed).")
			return err
		}
	}
	if isNew {
		log.Info("Processing first fragment of fallback procedure.")
	}
	if err := a.fallback.handleWrite(data, isNew, a.svc.iid, a.c.iid); err != nil {
		log.WithError(err).Info("Fallback procedure malformed.")
		return err
	}
	sess.didSendGATTResponse()
	return nil
}

func (s *AccessoryServer) setNotificationsEnabled(log *logrus.Entry, sess *Session, a *attribute, enable bool) error {
	if enable {
		log.Info("Enabling events.")
	} else {
		log.Info("Disabling events.")
	}
	if a.subscribed == enable {
		return nil
	}
	if enable && s.maxEvents > 0 && s.pm.table.subscriptions() >= s.maxEvents {
		log.Infof("Rejecting subscription: %d characteristics already subscribed.", s.maxEvents)
		return ErrOutOfResources
	}
	a.subscribed = enable
	if sess.IsSecured() {
		a.c.subscribe(sess, enable)
	} else {
		log.Info("Session is not secured. Delaying to inform application about subscription change.")
	}
	s.sendPendingEventNotifications()
	return nil
}

// handleSessionAccept reports subscriptions made before the session was
// secured and resumes event delivery.
func (s *AccessoryServer) handleSessionAccept(sess *Session) {
	if sess != s.pm.conn.session || s.pm.table == nil {
		return
	}
	for _, a := range s.pm.table.characteristics() {
		if a.subscribed && a.c.has(PropEventNotification) {
			s.log.manager.WithFields(charFields(a.c)).Info("Informing application about enabling of events that were enabled before session was accepted.")
			a.c.subscribe(sess, true)
		}
	}
	s.sendPendingEventNotifications()
}

// handleSessionInvalidate reports all subscriptions as removed. The GATT
// subscription state itself lasts until disconnect.
func (s *AccessoryServer) handleSessionInvalidate(sess *Session) {
	if sess != s.pm.conn.session || s.pm.table == nil {
		return
	}
	for _, a := range s.pm.table.characteristics() {
		if a.subscribed && a.c.has(PropEventNotification) {
			s.log.manager.WithFields(charFields(a.c)).Debug("Informing application about disabling of events.")
			a.c.subscribe(sess, false)
		}
	}
}
