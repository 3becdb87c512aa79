package hapble

import (
	"fmt"
)

// RaiseEvent informs the server that the value of c changed. If session
// is not nil, only that session is notified over the connection.
//
// Depending on the properties of c and the connection state, the change
// is broadcast in an encrypted advertisement, queued for a later
// broadcast, indicated to a subscribed controller and/or signalled by
// bumping the GSN once per disconnected cycle.
func (s *AccessoryServer) RaiseEvent(c *Characteristic, session *Session) error {
	if c.service == nil || c.service.accessory != s.acc {
		return fmt.Errorf("%w: characteristic %d does not belong to the accessory", ErrInvalidState, c.iid)
	}
	if s.state != StateRunning {
		return fmt.Errorf("%w: server is %s", ErrInvalidState, s.state)
	}
	log := s.log.broadcast.WithFields(charFields(c))

	didUpdate := false
	if c.has(PropBroadcastNotification) {
		keyExpiration, err := s.bcast.keyExpiration()
		if err != nil {
			return err
		}
		gsn, err := s.gsn.get()
		if err != nil {
			return err
		}
		switch {
		case keyExpiration == 0 || keyExpiration == gsn.Value:
			log.Info("Broadcasted Event - Skipping: Broadcast Key expired.")
		default:
			enabled, interval, err := s.ccfg.get(c)
			if err != nil {
				return err
			}
			if !enabled {
				log.Info("Broadcasted Event - Skipping: Broadcasts disabled.")
				break
			}
			queue := s.adv.connected ||
				(s.adv.timer != 0 && s.adv.broadcast.iid != 0 && s.adv.broadcast.iid != c.iid)
			if !queue {
				if err := s.startBroadcast(c, interval); err != nil {
					return err
				}
				didUpdate = true
				break
			}
			switch duplicate, full := s.adv.queue.enqueue(c); {
			case duplicate:
				log.Info("Broadcasted Event - Already queued.")
				didUpdate = true
			case full:
				log.Info("Broadcasted Event - Skipped: Queue full.")
			default:
				log.Info("Broadcasted Event - Queued.")
				didUpdate = true
			}
		}
	}

	if c.has(PropEventNotification) {
		conn := &s.pm.conn
		if conn.connected && (session == nil || session == conn.session) {
			if s.pm.writing == c {
				log.Info("Suppressing notification as the characteristic is currently being written.")
			} else {
				s.raiseConnectedEvent(c)
			}
		}
	}

	if c.has(PropDisconnectedNotification) && !didUpdate {
		did, err := s.gsn.flag(s.adv.connected)
		if err != nil {
			return err
		}
		if did {
			log.Info("Disconnected Event - Skipping: GSN already incremented.")
			return nil
		}
		if _, err := s.incrementGSN(); err != nil {
			return err
		}
		s.deregisterAdvertisingTimer()
		if s.adv.connected {
			log.Info("Disconnected Event - Connected (no adv).")
			return nil
		}
		log.Info("Disconnected Event.")
		if err := s.armAdvertisingTimer(); err != nil {
			log.Error("Not enough resources to start disconnected event timer!")
		}
		s.updateAdvertisingData()
	}
	return nil
}

// startBroadcast replaces the current broadcast with the value of c.
// Failures to fetch the value or to arm the window are logged and the
// event is skipped. A failed GSN update leaves the current broadcast as is.
func (s *AccessoryServer) startBroadcast(c *Characteristic, interval BroadcastInterval) error {
	log := s.log.broadcast.WithFields(charFields(c))

	value, err := s.readBroadcastValue(c)
	if err != nil {
		log.WithError(err).Warn("Value for broadcast notification could not be received. Skipping event!")
		s.deregisterAdvertisingTimer()
		s.adv.broadcast = activeBroadcast{}
		s.updateAdvertisingData()
		return nil
	}
	if _, err := s.incrementGSN(); err != nil {
		return err
	}
	s.deregisterAdvertisingTimer()
	s.adv.broadcast = activeBroadcast{}
	if err := s.armAdvertisingTimer(); err != nil {
		log.Error("Not enough resources to start broadcast event timer. Skipping event!")
	} else {
		s.adv.broadcast = activeBroadcast{iid: c.iid, value: value, interval: interval}
		log.Info("Broadcasted Event.")
	}
	s.updateAdvertisingData()
	return nil
}

// readBroadcastValue reads c and packs its value for a broadcast.
func (s *AccessoryServer) readBroadcastValue(c *Characteristic) ([8]byte, error) {
	var b [8]byte
	switch c.format {
	case FormatData, FormatString, FormatTLV8:
		s.log.broadcast.WithFields(charFields(c)).Errorf("%s characteristic cannot be used in broadcast notifications.", c.format)
		return b, ErrUnknown
	}
	v, err := c.read(nil)
	if err != nil {
		return b, err
	}
	b, ok := broadcastValue(v)
	if !ok {
		return b, ErrUnknown
	}
	if c.format == FormatUInt8 && c.has(PropEventContextInformation) && c.chandler != nil {
		context, err := c.chandler(c.request(nil))
		if err != nil {
			return b, err
		}
		copy(b[1:], context[:])
	}
	return b, nil
}

// processQueuedBroadcastEvent raises the event of the front entry of the
// broadcast queue again.
func (s *AccessoryServer) processQueuedBroadcastEvent() {
	c := s.adv.queue.pop()
	if c == nil {
		return
	}
	if err := s.RaiseEvent(c, nil); err != nil {
		s.log.broadcast.WithFields(charFields(c)).WithError(err).Error("Unable to raise queued broadcast event.")
	}
}

// didSendEventNotification records an acknowledged indication of c.
func (s *AccessoryServer) didSendEventNotification(c *Characteristic) error {
	log := s.log.broadcast.WithFields(charFields(c))
	s.removeQueuedBroadcastEvent(c)
	did, err := s.gsn.flag(s.adv.connected)
	if err != nil {
		return err
	}
	if did {
		log.Info("Connected Event - Skipping: GSN already incremented.")
		return nil
	}
	if _, err := s.incrementGSN(); err != nil {
		return err
	}
	log.Info("Connected Event - GSN incremented.")
	return nil
}

// removeQueuedBroadcastEvent drops a queued broadcast of c because the
// controller learned about the change another way. The GSN still moves
// once per cycle.
func (s *AccessoryServer) removeQueuedBroadcastEvent(c *Characteristic) {
	if !s.adv.queue.remove(c) {
		return
	}
	log := s.log.broadcast.WithFields(charFields(c))
	log.Info("Broadcasted Event - Removed from queue")
	did, err := s.gsn.flag(s.adv.connected)
	if err != nil {
		log.WithError(err).Error("Unable to read GSN increment flag.")
		return
	}
	if !did {
		if _, err := s.incrementGSN(); err != nil {
			log.WithError(err).Error("Unable to increment GSN.")
		}
	}
}
