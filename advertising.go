package hapble

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XC-/hapble/kvstore"
	"github.com/XC-/hapble/timer"
)

// activeBroadcast is the characteristic value currently advertised in an
// encrypted notification. iid 0 means none.
type activeBroadcast struct {
	iid      uint16
	value    [8]byte
	interval BroadcastInterval
}

type advertisingState struct {
	connected   bool
	fastStarted bool
	fastTimer   timer.Handle

	// timer bounds the current broadcast or disconnected event window.
	// expiry is the deadline it was armed for; a callback that fires
	// before expiry belongs to a superseded timer.
	timer  timer.Handle
	expiry time.Time

	broadcast activeBroadcast
	queue     broadcastQueue
}

// AdvertisingParameters returns what the accessory should advertise now.
func (s *AccessoryServer) AdvertisingParameters() (AdvertisingParameters, error) {
	if s.adv.connected {
		return AdvertisingParameters{}, nil
	}
	if s.adv.broadcast.iid != 0 {
		return s.broadcastAdvertisingParameters()
	}

	interval := AdvertisingIntervalFromDuration(s.advInterval)
	if s.adv.timer != 0 || !s.adv.fastStarted || s.adv.fastTimer != 0 {
		interval = AdvertisingIntervalFromDuration(fastAdvertisingInterval)
	}
	gsn, err := s.gsn.get()
	if err != nil {
		return AdvertisingParameters{}, err
	}
	cn, err := s.configurationNumber()
	if err != nil {
		return AdvertisingParameters{}, err
	}
	r := regularAdvertisement{
		paired:   s.paired(),
		deviceID: s.deviceID,
		category: s.acc.category,
		gsn:      gsn.Value,
		cn:       cn,
		setupID:  s.setupID,
		name:     s.deviceName(),
	}
	adv, sr := r.marshal()
	s.log.adv.WithFields(logrus.Fields{
		"interval": interval,
		"gsn":      gsn.Value,
		"cn":       compactCN(cn),
		"paired":   r.paired,
	}).Debugf("Regular advertisement: % X", adv)
	return AdvertisingParameters{Active: true, Interval: interval, Data: adv, ScanResponse: sr}, nil
}

func (s *AccessoryServer) broadcastAdvertisingParameters() (AdvertisingParameters, error) {
	keyExpiration, key, advID, err := s.bcast.parameters()
	if err != nil {
		return AdvertisingParameters{}, err
	}
	if keyExpiration == 0 {
		s.log.adv.Error("Started broadcasted event without valid key. Corrupted data?")
		return AdvertisingParameters{}, ErrUnknown
	}
	gsn, err := s.gsn.get()
	if err != nil {
		return AdvertisingParameters{}, err
	}
	b := s.adv.broadcast
	adv, err := encryptedNotification(key, advID, gsn.Value, b.iid, b.value)
	if err != nil {
		return AdvertisingParameters{}, err
	}
	interval := AdvertisingIntervalFromDuration(b.interval.Duration())
	s.log.adv.WithFields(logrus.Fields{
		"interval": interval,
		"gsn":      gsn.Value,
		"iid":      b.iid,
		"advID":    advID,
	}).Debugf("Encrypted notification advertisement: % X", adv)
	return AdvertisingParameters{Active: true, Interval: interval, Data: adv}, nil
}

// configurationNumber returns the persisted configuration number, 1 if unset.
func (s *AccessoryServer) configurationNumber() (uint32, error) {
	b, found, err := s.kv.Get(kvstore.DomainConfiguration, kvstore.KeyConfigurationNumber)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if !found {
		return 1, nil
	}
	if len(b) != 4 {
		s.log.adv.Errorf("Invalid configuration number length: %d.", len(b))
		return 0, ErrUnknown
	}
	cn := binary.LittleEndian.Uint32(b)
	if cn == 0 {
		return 1, nil
	}
	return cn, nil
}

// updateAdvertisingData pushes the current advertising parameters to
// the platform.
func (s *AccessoryServer) updateAdvertisingData() {
	s.updateAdvertising(false)
}

// StartFastAdvertising advertises at the fastest interval for the
// notification duration.
func (s *AccessoryServer) StartFastAdvertising() {
	s.updateAdvertising(true)
}

func (s *AccessoryServer) updateAdvertising(fast bool) {
	switch s.state {
	case StateIdle:
		return
	case StateStopping:
		s.log.adv.Info("Stopping advertisement - Server is shutting down.")
		s.stopAdvertising()
		return
	}

	params, err := s.AdvertisingParameters()
	if err != nil {
		s.log.adv.WithError(err).Error("Unable to compute advertising parameters.")
		s.stopAdvertising()
		return
	}
	if !params.Active {
		s.stopAdvertising()
		return
	}
	if fast {
		params.Interval = AdvertisingIntervalFromDuration(fastAdvertisingInterval)
	}
	s.log.adv.Infof("ADV data: Active = %t, Interval = %s.", params.Active, params.Interval)
	if err := s.p.StartAdvertising(params.Interval, params.Data, params.ScanResponse); err != nil {
		s.log.adv.WithError(err).Error("Unable to start advertising.")
		return
	}
	if !fast {
		s.didStartAdvertising()
		return
	}
	s.log.adv.Infof("Increasing advertising interval to %s for %s", params.Interval, s.notifyDuration)
	s.deregisterAdvertisingTimer()
	if err := s.armAdvertisingTimer(); err != nil {
		s.log.adv.Error("Not enough resource to start advertising timeout timer")
	}
}

func (s *AccessoryServer) stopAdvertising() {
	if err := s.p.StopAdvertising(); err != nil {
		s.log.adv.WithError(err).Error("Unable to stop advertising.")
	}
}

// didStartAdvertising opens the fast advertising window after boot.
func (s *AccessoryServer) didStartAdvertising() {
	if s.adv.fastStarted {
		return
	}
	s.adv.fastStarted = true
	if err := s.armFastTimer(fastAdvertisingDuration); err != nil {
		s.log.adv.Error("Not enough resources to start fast initial advertisement timer. Using regular interval!")
	}
}

func (s *AccessoryServer) armFastTimer(d time.Duration) error {
	if s.adv.fastTimer != 0 {
		s.timers.Deregister(s.adv.fastTimer)
		s.adv.fastTimer = 0
	}
	var h timer.Handle
	var err error
	h, err = s.timers.Register(s.timers.Now().Add(d), func() { s.fastTimerExpired(h) })
	if err != nil {
		return timerErr(err)
	}
	s.adv.fastTimer = h
	return nil
}

// armAdvertisingTimer arms the main advertising timer for the
// notification duration. The timer must not be armed.
func (s *AccessoryServer) armAdvertisingTimer() error {
	s.adv.expiry = s.timers.Now().Add(s.notifyDuration)
	var h timer.Handle
	var err error
	h, err = s.timers.Register(s.adv.expiry, func() { s.advertisingTimerExpired(h) })
	if err != nil {
		s.adv.timer = 0
		return timerErr(err)
	}
	s.adv.timer = h
	return nil
}

func (s *AccessoryServer) deregisterAdvertisingTimer() {
	if s.adv.timer != 0 {
		s.timers.Deregister(s.adv.timer)
		s.adv.timer = 0
		s.adv.expiry = time.Time{}
	}
}

func (s *AccessoryServer) fastTimerExpired(h timer.Handle) {
	if h == 0 || h != s.adv.fastTimer {
		s.log.adv.Debug("Ignoring obsolete advertisement timer expiry")
		return
	}
	s.log.adv.Debug("Fast advertisement timer expired.")
	s.adv.fastTimer = 0
	s.advertisingWindowClosed()
}

func (s *AccessoryServer) advertisingTimerExpired(h timer.Handle) {
	if h == 0 || h != s.adv.timer {
		s.log.adv.Debug("Ignoring obsolete advertisement timer expiry")
		return
	}
	if s.adv.expiry.IsZero() || s.timers.Now().Before(s.adv.expiry) {
		s.log.adv.Debug("Ignoring obsolete advertisement timer expiry")
		return
	}
	s.log.adv.Debug("Advertisement timer expired.")
	s.adv.timer = 0
	s.advertisingWindowClosed()
}

// advertisingWindowClosed ends an unacknowledged broadcast by switching to
// a disconnected event window, then refreshes the advertisement.
func (s *AccessoryServer) advertisingWindowClosed() {
	if s.adv.broadcast.iid != 0 && s.adv.timer == 0 {
		s.adv.broadcast = activeBroadcast{}

		// The broadcast was not acknowledged by a connection. Clearing the
		// flag makes the next disconnected event bump the GSN again.
		if err := s.gsn.setFlag(s.adv.connected, false); err != nil {
			s.log.adv.WithError(err).Error("Failed to clear GSN increment flag. Future GSN might go out of sync.")
		}

		// Queued broadcasts are dropped; one GSN bump covers all of them.
		if s.adv.queue.len() > 0 {
			if _, err := s.incrementGSN(); err != nil {
				s.log.adv.WithError(err).Error("Failed to increment GSN for dropped broadcasts.")
			}
		}
		s.adv.queue.purge()

		if err := s.armAdvertisingTimer(); err != nil {
			s.log.adv.Error("Not enough resources to start disconnected event timer!")
		}
	}
	s.updateAdvertisingData()
}

func (s *AccessoryServer) incrementGSN() (GSN, error) {
	return s.gsn.increment(s.adv.connected)
}

// advertisingDidConnect stops advertising for the new connection.
func (s *AccessoryServer) advertisingDidConnect() error {
	s.adv.connected = true
	if s.adv.fastTimer != 0 {
		s.timers.Deregister(s.adv.fastTimer)
		s.adv.fastTimer = 0
	}
	s.deregisterAdvertisingTimer()
	if err := s.gsn.clearFlags(); err != nil {
		return err
	}
	s.adv.broadcast = activeBroadcast{}
	s.updateAdvertisingData()
	return nil
}

// advertisingDidDisconnect resumes advertising with a fast reconnection
// window and starts the next queued broadcast, if any.
func (s *AccessoryServer) advertisingDidDisconnect() error {
	s.adv.connected = false
	if err := s.armFastTimer(s.notifyDuration); err != nil {
		s.log.adv.Error("Not enough resources to start quick reconnection timer. Using regular interval!")
	}
	if err := s.gsn.clearFlags(); err != nil {
		return err
	}
	if s.state == StateRunning {
		s.processQueuedBroadcastEvent()
		if s.adv.timer == 0 {
			s.updateAdvertisingData()
		}
	} else {
		s.updateAdvertisingData()
	}
	return nil
}
