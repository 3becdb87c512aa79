package hapble

import (
	"errors"

	"github.com/XC-/hapble/timer"
)

// raiseConnectedEvent marks c as having a pending event for the
// connected controller. Events raised before the indication goes out
// coalesce into one.
func (s *AccessoryServer) raiseConnectedEvent(c *Characteristic) {
	log := s.log.manager.WithFields(charFields(c))
	if s.pm.table == nil {
		return
	}
	a := s.pm.table.find(c)
	if a == nil {
		log.Info("GATT attribute structure not found.")
		return
	}
	log.Info("Scheduling event.")
	a.pending = true
	s.sendPendingEventNotifications()
}

// sendPendingEventNotifications indicates pending events to the
// subscribed controller. Indications carry no value; the controller
// reads it with a regular procedure.
func (s *AccessoryServer) sendPendingEventNotifications() {
	conn := &s.pm.conn
	if !conn.connected || conn.session == nil || s.pm.table == nil {
		return
	}
	sess := conn.session
	for _, a := range s.pm.table.characteristics() {
		if !a.c.has(PropEventNotification) || !a.subscribed || !a.pending {
			continue
		}
		log := s.log.manager.WithFields(charFields(a.c))
		if !sess.IsSecured() {
			log.Info("Not sending Handle Value Indication because the session is not secured.")
			return
		}
		if sess.IsTransient() {
			log.Info("Not sending Handle Value Indication because the session is transient.")
			return
		}
		if a.c.readRequiresAdmin && !sess.IsAdmin() {
			log.Info("Not sending Handle Value Indication because event notification values will only be delivered to controllers with admin permissions.")
			continue
		}

		err := s.p.SendHandleValueIndication(conn.handle, a.valueHandle, nil)
		if errors.Is(err, ErrBusy) || errors.Is(err, ErrInvalidState) {
			log.Info("Delayed event sending until ready to update subscribers.")
			s.retryPendingEventNotifications()
			return
		}
		if err != nil {
			log.WithError(err).Error("Unable to send Handle Value Indication.")
			return
		}
		a.pending = false
		log.Info("Sent event.")
		if err := s.didSendEventNotification(a.c); err != nil {
			log.WithError(err).Error("Unable to record sent event.")
		}
	}
}

// retryPendingEventNotifications schedules another delivery attempt as
// soon as the current callback returns.
func (s *AccessoryServer) retryPendingEventNotifications() {
	if s.pm.retryTimer != 0 {
		return
	}
	var h timer.Handle
	var err error
	h, err = s.timers.Register(s.timers.Now(), func() {
		if h != s.pm.retryTimer {
			return
		}
		s.pm.retryTimer = 0
		s.sendPendingEventNotifications()
	})
	if err != nil {
		s.log.manager.WithError(err).Error("Not enough resources to retry event delivery.")
		return
	}
	s.pm.retryTimer = h
}
