package hapble

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/XC-/hapble/kvstore"
	"github.com/XC-/hapble/timer"
)

// failingStore is a Memory store whose writes fail on demand.
type failingStore struct {
	*kvstore.Memory
	failSet bool
}

func (f *failingStore) Set(domain kvstore.Domain, key kvstore.Key, value []byte) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.Memory.Set(domain, key, value)
}

// exhaustTimers makes every further timer registration fail.
func exhaustTimers(t *testing.T, clock *timer.Manual) {
	t.Helper()
	if clock.Pending() == 0 {
		_, err := clock.Register(clock.Now().Add(time.Hour), func() {})
		require.NoError(t, err)
	}
	clock.Capacity = clock.Pending()
}

func TestObsoleteAdvertisingTimer(t *testing.T) {
	s, p, clock, ta := bootedServer(t)
	enableBroadcasts(t, s, ta.on, ta.brightness)
	require.NoError(t, s.RaiseEvent(ta.on, nil))
	require.NoError(t, s.RaiseEvent(ta.brightness, nil))
	require.Equal(t, 1, s.adv.queue.len())

	old := s.adv.timer
	clock.Advance(time.Second)
	s.StartFastAdvertising()
	require.NotEqual(t, old, s.adv.timer)

	gsn, err := s.GSN()
	require.NoError(t, err)
	adv := append([]byte(nil), p.adv...)
	unchanged := func(desc string) {
		t.Helper()
		require.Equal(t, uint16(0x33), s.adv.broadcast.iid, desc)
		require.Equal(t, 1, s.adv.queue.len(), desc)
		require.Equal(t, adv, p.adv, desc)
		require.Equal(t, fastInterval, p.interval, desc)
		got, err := s.GSN()
		require.NoError(t, err)
		require.Equal(t, gsn, got, desc)
	}

	// Callback of the superseded timer.
	s.advertisingTimerExpired(old)
	unchanged("superseded timer")

	// Callback of the current timer before its deadline.
	s.advertisingTimerExpired(s.adv.timer)
	unchanged("early expiry")

	s.advertisingTimerExpired(0)
	unchanged("no timer")

	// The re-armed window closes 3s after the restart, dropping the queue.
	clock.Advance(minNotificationDuration - time.Millisecond)
	unchanged("old deadline passed")
	clock.Advance(time.Millisecond)
	require.Zero(t, s.adv.queue.len())
	require.Equal(t, gsn.Value+1, advertisedGSN(t, p))
}

func TestObsoleteFastTimer(t *testing.T) {
	s, p, clock, _ := newTestServer(t)
	old := s.adv.fastTimer
	require.NotZero(t, old)

	connect(t, s)
	s.HandleDisconnectedCentral(testConn)
	current := s.adv.fastTimer
	require.NotEqual(t, old, current)

	s.fastTimerExpired(old)
	s.fastTimerExpired(0)
	require.Equal(t, current, s.adv.fastTimer)
	require.Equal(t, fastInterval, p.interval)

	clock.Advance(minNotificationDuration)
	require.Zero(t, s.adv.fastTimer)
	require.Equal(t, regularInterval, p.interval)
}

func TestDisconnectedEventWithoutTimers(t *testing.T) {
	s, p, clock, ta := bootedServer(t)
	exhaustTimers(t, clock)

	require.NoError(t, s.RaiseEvent(ta.on, nil))
	require.Zero(t, s.adv.timer)
	require.Equal(t, regularInterval, p.interval, "no fast window without a timer")
	require.Equal(t, uint16(2), advertisedGSN(t, p))
}

func TestBroadcastWithoutTimers(t *testing.T) {
	s, p, clock, ta := bootedServer(t)
	enableBroadcasts(t, s, ta.on)
	exhaustTimers(t, clock)

	require.NoError(t, s.RaiseEvent(ta.on, nil))
	require.Zero(t, s.adv.broadcast.iid, "broadcast skipped")
	require.Equal(t, regularInterval, p.interval)
	require.Equal(t, uint16(2), advertisedGSN(t, p), "GSN still advances")
}

func TestRaiseEventPersistenceFailure(t *testing.T) {
	kv := &failingStore{Memory: kvstore.NewMemory()}
	s, p, _, ta := bootedServer(t, KeyValueStore(kv))

	// Disconnected event.
	adv := append([]byte(nil), p.adv...)
	kv.failSet = true
	require.ErrorIs(t, s.RaiseEvent(ta.on, nil), ErrUnknown)
	gsn, err := s.GSN()
	require.NoError(t, err)
	require.Equal(t, GSN{Value: 1}, gsn)
	require.Zero(t, s.adv.timer)
	require.Equal(t, adv, p.adv)
	require.Equal(t, regularInterval, p.interval)

	// Broadcast replacing an active broadcast.
	kv.failSet = false
	enableBroadcasts(t, s, ta.on, ta.brightness)
	require.NoError(t, s.RaiseEvent(ta.on, nil))
	require.NoError(t, s.RaiseEvent(ta.brightness, nil))
	before, err := s.GSN()
	require.NoError(t, err)
	window := s.adv.timer
	adv = append([]byte(nil), p.adv...)

	kv.failSet = true
	require.ErrorIs(t, s.RaiseEvent(ta.on, nil), ErrUnknown)
	require.Equal(t, uint16(0x33), s.adv.broadcast.iid)
	require.Equal(t, window, s.adv.timer)
	require.Equal(t, 1, s.adv.queue.len())
	require.Equal(t, adv, p.adv)
	gsn, err = s.GSN()
	require.NoError(t, err)
	require.Equal(t, before, gsn)
}

func TestConnectedEventPersistenceFailure(t *testing.T) {
	kv := &failingStore{Memory: kvstore.NewMemory()}
	s, _, _, ta := bootedServer(t, KeyValueStore(kv))
	enableBroadcasts(t, s, ta.on)
	connect(t, s)
	require.NoError(t, s.RaiseEvent(ta.on, nil))
	require.Equal(t, 1, s.adv.queue.len())
	before, err := s.GSN()
	require.NoError(t, err)

	kv.failSet = true
	require.ErrorIs(t, s.RaiseEvent(ta.brightness, nil), ErrUnknown)
	require.Equal(t, 1, s.adv.queue.len())
	gsn, err := s.GSN()
	require.NoError(t, err)
	require.Equal(t, before, gsn)
	require.False(t, gsn.DidIncrementConnected)
}
