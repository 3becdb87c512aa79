package hapble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/XC-/hapble/kvstore"
	"github.com/XC-/hapble/timer"
)

func TestParseDeviceID(t *testing.T) {
	cases := []struct {
		s    string
		want DeviceID
		ok   bool
	}{
		{s: "11:22:33:44:55:66", want: testDeviceID, ok: true},
		{s: "aa:BB:cc:DD:ee:FF", want: DeviceID{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, ok: true},
		{s: ""},
		{s: "11:22:33:44:55"},
		{s: "11:22:33:44:55:66:77"},
		{s: "112233445566"},
		{s: "11:22:33:44:55:6g"},
		{s: "1:122:33:44:55:66"},
	}
	for _, tt := range cases {
		got, err := ParseDeviceID(tt.s)
		if (err == nil) != tt.ok {
			t.Errorf("ParseDeviceID(%q): error %v", tt.s, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseDeviceID(%q): got %s want %s", tt.s, got, tt.want)
		}
	}
	if got, want := testDeviceID.String(), "11:22:33:44:55:66"; got != want {
		t.Errorf("String(): got %q want %q", got, want)
	}
}

func TestStartValidation(t *testing.T) {
	ta := newTestAccessory()
	clock := timer.NewManual(epoch)
	base := func(opts ...option) *AccessoryServer {
		return NewAccessoryServer(append([]option{
			Logger(testLogger()),
			ServeAccessory(ta.acc),
			WithPeripheral(newTestPeripheral()),
			Timers(clock),
		}, opts...)...)
	}
	cases := []struct {
		desc string
		s    *AccessoryServer
	}{
		{desc: "no accessory", s: base(ServeAccessory(nil))},
		{desc: "no peripheral", s: base(WithPeripheral(nil))},
		{desc: "no timers", s: base(Timers(nil))},
		{desc: "fast interval", s: base(PreferredAdvertisingInterval(100 * time.Millisecond))},
		{desc: "slow interval", s: base(PreferredAdvertisingInterval(3 * time.Second))},
		{desc: "short notifications", s: base(NotificationDuration(time.Second))},
		{desc: "setup ID", s: base(SetupID("ABC"))},
		{desc: "buffer", s: base(ProcedureBufferSize(4))},
	}
	for _, tt := range cases {
		if err := tt.s.Start(); err == nil {
			t.Errorf("%s: Start should fail", tt.desc)
		}
		if tt.s.State() != StateIdle {
			t.Errorf("%s: state %s", tt.desc, tt.s.State())
		}
	}

	s := base()
	require.NoError(t, s.Start())
	require.ErrorIs(t, s.Start(), ErrInvalidState)
}

func TestStartAllocatesTable(t *testing.T) {
	ta := newTestAccessory()
	p := newTestPeripheral()
	s := NewAccessoryServer(Logger(testLogger()), ServeAccessory(ta.acc), WithPeripheral(p), Timers(timer.NewManual(epoch)))
	require.NoError(t, s.Start())
	require.GreaterOrEqual(t, cap(s.pm.table.rows), tableCapacity(ta.acc))
}

func TestDeviceIDPersisted(t *testing.T) {
	kv := kvstore.NewMemory()
	s1, _, _, _ := newTestServer(t, KeyValueStore(kv), FixedDeviceID(DeviceID{}))
	id := s1.DeviceID()
	require.NotEqual(t, DeviceID{}, id)

	s2, _, _, _ := newTestServer(t, KeyValueStore(kv), FixedDeviceID(DeviceID{}))
	require.Equal(t, id, s2.DeviceID())

	b, found, err := kv.Get(kvstore.DomainConfiguration, kvstore.KeyDeviceID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id[:], b)

	// A corrupt ID is replaced.
	require.NoError(t, kv.Set(kvstore.DomainConfiguration, kvstore.KeyDeviceID, []byte{1, 2, 3}))
	s3, _, _, _ := newTestServer(t, KeyValueStore(kv), FixedDeviceID(DeviceID{}))
	b, _, _ = kv.Get(kvstore.DomainConfiguration, kvstore.KeyDeviceID)
	require.Len(t, b, 6)
	require.Equal(t, s3.DeviceID(), DeviceID(b))
}

func TestStopWhileConnected(t *testing.T) {
	var states []ServerState
	s, p, clock, _ := newTestServer(t, StateChange(func(st ServerState) { states = append(states, st) }))
	connect(t, s)

	s.Stop()
	require.Equal(t, StateStopping, s.State())
	require.Equal(t, []ConnectionHandle{testConn}, p.cancelled)

	// The platform did not disconnect yet; the server keeps asking.
	clock.Advance(stopRetryTimeout)
	require.Equal(t, []ConnectionHandle{testConn, testConn}, p.cancelled)

	s.HandleDisconnectedCentral(testConn)
	require.Equal(t, StateIdle, s.State())
	require.False(t, p.advertising)
	require.Zero(t, clock.Pending())
	require.Equal(t, []ServerState{StateRunning, StateStopping, StateIdle}, states)
}

func TestStopWaitsForProcedure(t *testing.T) {
	s, p, clock, ta := newTestServer(t)
	connect(t, s)
	c := &testController{t: t, s: s}

	require.NoError(t, c.write(ta.on, "00020133000600010101"))
	s.Stop()
	require.Empty(t, p.cancelled, "GATT response just sent")

	// The procedure in flight may finish.
	require.NoError(t, c.write(ta.on, "8001090101"))
	resp, err := c.read(ta.on)
	require.NoError(t, err)
	require.Equal(t, "020105", resp)

	// New procedures are refused.
	require.ErrorIs(t, c.write(ta.brightness, "0001023400"), ErrInvalidState)

	clock.Advance(safeToDisconnectTimeout)
	require.NotEmpty(t, p.cancelled)
	s.HandleDisconnectedCentral(testConn)
	require.Equal(t, StateIdle, s.State())
}

func TestStopIdle(t *testing.T) {
	var states []ServerState
	s, p, clock, _ := newTestServer(t, StateChange(func(st ServerState) { states = append(states, st) }))
	require.True(t, p.advertising)
	s.Stop()
	require.Equal(t, []ServerState{StateRunning, StateStopping, StateIdle}, states)
	require.False(t, p.advertising)
	require.Zero(t, clock.Pending())

	s.Stop()
	require.Len(t, states, 3)
}

func TestOptionRestore(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	prev := s.Option(SetupID("7OSX"))
	require.Equal(t, "7OSX", s.setupID)
	s.Option(prev)
	require.Equal(t, "", s.setupID)

	prev = s.Option(NotificationDuration(5*time.Second), MaxEventNotifications(4))
	require.Equal(t, 4, s.maxEvents)
	s.Option(prev)
	require.Zero(t, s.maxEvents)
	require.Equal(t, 5*time.Second, s.notifyDuration)
}

func TestOptionWhileRunning(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	require.Panics(t, func() { s.Option(Name("Other")) })
	require.Panics(t, func() { s.Option(KeyValueStore(kvstore.NewMemory())) })
	require.NotPanics(t, func() { s.Option(IsPaired(func() bool { return true })) })
	require.Panics(t, func() { s.Option(Logger(testLogger())) })

	// A logger set while idle reaches the stores on the next start.
	s.Stop()
	l := testLogger()
	s.Option(Logger(l))
	require.NoError(t, s.Start())
	require.Same(t, l, s.gsn.log.Logger)
	require.Same(t, l, s.bcast.log.Logger)
	require.Same(t, l, s.ccfg.log.Logger)
}

func TestPairedAdvertisement(t *testing.T) {
	paired := false
	s, p, _, _ := newTestServer(t, IsPaired(func() bool { return paired }), Name("Lamp"))
	md := p.manufacturerData(t)
	require.Equal(t, byte(0x01), md[4]&0x01, "unpaired status flag")

	var a Advertisement
	require.NoError(t, a.Unmarshal(p.adv))
	require.NoError(t, a.Unmarshal(p.sr))
	require.Equal(t, "Lamp", a.LocalName)

	paired = true
	s.updateAdvertisingData()
	md = p.manufacturerData(t)
	require.Zero(t, md[4]&0x01)
}

func TestServerStateString(t *testing.T) {
	cases := []struct {
		s    ServerState
		want string
	}{
		{s: StateIdle, want: "Idle"},
		{s: StateRunning, want: "Running"},
		{s: StateStopping, want: "Stopping"},
		{s: 7, want: "ServerState(7)"},
	}
	for _, tt := range cases {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("ServerState(%d).String(): got %q want %q", tt.s, got, tt.want)
		}
	}
}
