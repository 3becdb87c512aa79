package hapble

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XC-/hapble/kvstore"
	"github.com/XC-/hapble/timer"
)

// A DeviceID identifies the accessory to controllers. It is generated
// once and persisted.
type DeviceID [6]byte

func (id DeviceID) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", id[0], id[1], id[2], id[3], id[4], id[5])
}

// ParseDeviceID parses the XX:XX:XX:XX:XX:XX form of a device ID.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	if len(s) != 3*len(id)-1 {
		return id, fmt.Errorf("hapble: invalid device ID %q", s)
	}
	for i := range id {
		if i > 0 && s[3*i-1] != ':' {
			return DeviceID{}, fmt.Errorf("hapble: invalid device ID %q", s)
		}
		if _, err := hex.Decode(id[i:i+1], []byte(s[3*i:3*i+2])); err != nil {
			return DeviceID{}, fmt.Errorf("hapble: invalid device ID %q", s)
		}
	}
	return id, nil
}

// A ServerState is the lifecycle state of an AccessoryServer.
type ServerState uint8

// Server states.
const (
	StateIdle ServerState = iota
	StateRunning
	StateStopping
)

var serverStateName = []string{
	StateIdle:     "Idle",
	StateRunning:  "Running",
	StateStopping: "Stopping",
}

func (s ServerState) String() string {
	if int(s) < len(serverStateName) {
		return serverStateName[s]
	}
	return fmt.Sprintf("ServerState(%d)", uint8(s))
}

const (
	defaultAdvertisingInterval = 417500 * time.Microsecond
	defaultProcedureBufferSize = 2048
)

// An AccessoryServer serves one accessory over BLE.
//
// An AccessoryServer is not safe for concurrent use. All methods, the
// Handle callbacks of the platform and timer callbacks must run on one
// goroutine; timer.Loop provides such a context.
type AccessoryServer struct {
	acc    *Accessory
	kv     kvstore.Store
	p      Peripheral
	timers timer.Service
	logger *logrus.Logger
	log    loggers

	gsn   *gsnStore
	bcast *broadcastStore
	ccfg  *charConfigStore
	adv   advertisingState
	pm    peripheralManager

	deviceID       DeviceID
	hasDeviceID    bool
	setupID        string
	name           string
	advInterval    time.Duration
	notifyDuration time.Duration
	bufSize        int
	tableCapacity  int
	maxEvents      int

	isPaired    func() bool
	connect     func(*Session)
	disconnect  func(*Session)
	stateChange func(ServerState)

	state     ServerState
	stopTimer timer.Handle
}

// NewAccessoryServer creates an AccessoryServer with the specified
// options. Accessory, Peripheral and Timers are required before Start.
// See also AccessoryServer.Option.
func NewAccessoryServer(opts ...option) *AccessoryServer {
	s := &AccessoryServer{
		kv:             kvstore.NewMemory(),
		logger:         logrus.StandardLogger(),
		advInterval:    defaultAdvertisingInterval,
		notifyDuration: minNotificationDuration,
		bufSize:        defaultProcedureBufferSize,
	}
	s.Option(opts...)
	s.wire()
	return s
}

// wire binds the persistent stores to the current options.
func (s *AccessoryServer) wire() {
	s.log = newLoggers(s.logger)
	s.bcast = &broadcastStore{kv: s.kv, log: s.log.broadcast, deviceID: s.deviceID}
	s.gsn = &gsnStore{kv: s.kv, bcast: s.bcast, log: s.log.adv}
	s.bcast.gsn = s.gsn
	s.ccfg = &charConfigStore{kv: s.kv, log: s.log.char}
}

// Start registers the GATT database and starts advertising.
func (s *AccessoryServer) Start() error {
	if s.state != StateIdle {
		return fmt.Errorf("%w: server is %s", ErrInvalidState, s.state)
	}
	switch {
	case s.acc == nil:
		return errors.New("hapble: no accessory configured")
	case s.p == nil:
		return errors.New("hapble: no peripheral configured")
	case s.timers == nil:
		return errors.New("hapble: no timer service configured")
	case s.advInterval < minRegularAdvertisingTime || s.advInterval > maxRegularAdvertisingTime:
		return fmt.Errorf("hapble: preferred advertising interval %s out of range", s.advInterval)
	case s.notifyDuration < minNotificationDuration:
		return fmt.Errorf("hapble: notification duration %s below %s", s.notifyDuration, minNotificationDuration)
	case s.setupID != "" && len(s.setupID) != 4:
		return fmt.Errorf("hapble: invalid setup ID %q", s.setupID)
	case s.bufSize < requestHeaderLen+bodyLengthLen:
		return fmt.Errorf("hapble: procedure buffer of %d bytes too small", s.bufSize)
	}
	s.wire()
	if err := s.loadDeviceID(); err != nil {
		return err
	}
	s.bcast.deviceID = s.deviceID
	if len(s.pm.buf) != s.bufSize {
		s.pm.buf = make([]byte, s.bufSize)
	}
	if err := s.p.SetDeviceName(s.deviceName()); err != nil {
		return err
	}
	if err := s.registerTable(); err != nil {
		return err
	}
	s.log.manager.WithFields(logrus.Fields{
		"deviceID": s.deviceID,
		"name":     s.deviceName(),
	}).Info("Accessory server started.")
	s.setState(StateRunning)
	s.updateAdvertisingData()
	return nil
}

// loadDeviceID reads the persisted device ID, generating one on first use.
func (s *AccessoryServer) loadDeviceID() error {
	if s.hasDeviceID {
		return nil
	}
	b, found, err := s.kv.Get(kvstore.DomainConfiguration, kvstore.KeyDeviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if found && len(b) == len(s.deviceID) {
		copy(s.deviceID[:], b)
		return nil
	}
	if found {
		s.log.manager.Errorf("Invalid device ID length: %d. Generating new device ID.", len(b))
	}
	if _, err := rand.Read(s.deviceID[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if err := s.kv.Set(kvstore.DomainConfiguration, kvstore.KeyDeviceID, s.deviceID[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	s.log.manager.WithField("deviceID", s.deviceID).Info("Generated device ID.")
	return nil
}

// Stop stops the server. A connected central is disconnected once no
// procedure is in flight; the server becomes idle after the disconnect.
func (s *AccessoryServer) Stop() {
	if s.state != StateRunning {
		return
	}
	s.setState(StateStopping)
	s.tryStop()
}

func (s *AccessoryServer) tryStop() {
	if s.stopTimer != 0 {
		s.timers.Deregister(s.stopTimer)
		s.stopTimer = 0
	}
	if s.pm.conn.connected {
		if sess := s.pm.conn.session; sess == nil || sess.safeToDisconnect {
			s.log.manager.Info("Disconnecting BLE connection - Server is stopping.")
			s.cancelConnection()
		}
		var h timer.Handle
		var err error
		h, err = s.timers.Register(s.timers.Now().Add(stopRetryTimeout), func() {
			if h != s.stopTimer {
				return
			}
			s.stopTimer = 0
			s.tryStop()
		})
		if err != nil {
			s.log.manager.Error("Not enough resources to retry stopping. Disconnecting immediately!")
			s.cancelConnection()
			return
		}
		s.stopTimer = h
		return
	}

	s.stopAdvertising()
	for _, h := range []timer.Handle{s.adv.fastTimer, s.adv.timer} {
		if h != 0 {
			s.timers.Deregister(h)
		}
	}
	s.adv = advertisingState{}
	s.releaseManager()
	s.log.manager.Info("Accessory server stopped.")
	s.setState(StateIdle)
}

func (s *AccessoryServer) setState(state ServerState) {
	if s.state == state {
		return
	}
	s.state = state
	if s.stateChange != nil {
		s.stateChange(state)
	}
}

// State returns the lifecycle state.
func (s *AccessoryServer) State() ServerState { return s.state }

// Session returns the session of the connected controller, or nil.
func (s *AccessoryServer) Session() *Session {
	if !s.pm.conn.connected {
		return nil
	}
	return s.pm.conn.session
}

// DeviceID returns the device ID. It is valid once the server started.
func (s *AccessoryServer) DeviceID() DeviceID { return s.deviceID }

// GSN returns the current global state number.
func (s *AccessoryServer) GSN() (GSN, error) { return s.gsn.get() }

// BroadcastParameters returns the broadcast key expiration GSN, the key,
// valid only while the expiration is not 0, and the advertising ID.
func (s *AccessoryServer) BroadcastParameters() (keyExpiration uint16, key BroadcastKey, advID DeviceID, err error) {
	return s.bcast.parameters()
}

// ExpireBroadcastKey invalidates the broadcast encryption key.
func (s *AccessoryServer) ExpireBroadcastKey() error { return s.bcast.expireKey() }

func (s *AccessoryServer) paired() bool {
	return s.isPaired != nil && s.isPaired()
}

func (s *AccessoryServer) deviceName() string {
	if s.name != "" {
		return s.name
	}
	return s.acc.name
}

type option func(*AccessoryServer) option

// Option sets the options specified.
// It returns an option to restore the last arg's previous value.
// Some options can only be set while the server is idle;
// they are best used with NewAccessoryServer instead of Option.
func (s *AccessoryServer) Option(opts ...option) (prev option) {
	for _, opt := range opts {
		prev = opt(s)
	}
	return prev
}

func (s *AccessoryServer) mustBeIdle(what string) {
	if s.state != StateIdle {
		panic("cannot set " + what + " while server is running")
	}
}

// Logger sets the logger all log categories derive from.
// Logger cannot be called while the server is running.
// See also NewAccessoryServer and AccessoryServer.Option.
func Logger(l *logrus.Logger) option {
	return func(s *AccessoryServer) option {
		s.mustBeIdle("Logger")
		prev := s.logger
		s.logger = l
		s.log = newLoggers(l)
		return Logger(prev)
	}
}

// KeyValueStore sets the store GSN, broadcast and device state persist in.
// KeyValueStore cannot be called while the server is running.
func KeyValueStore(kv kvstore.Store) option {
	return func(s *AccessoryServer) option {
		s.mustBeIdle("KeyValueStore")
		prev := s.kv
		s.kv = kv
		return KeyValueStore(prev)
	}
}

// WithPeripheral sets the platform peripheral.
// WithPeripheral cannot be called while the server is running.
func WithPeripheral(p Peripheral) option {
	return func(s *AccessoryServer) option {
		s.mustBeIdle("Peripheral")
		prev := s.p
		s.p = p
		return WithPeripheral(prev)
	}
}

// Timers sets the timer service.
// Timers cannot be called while the server is running.
func Timers(t timer.Service) option {
	return func(s *AccessoryServer) option {
		s.mustBeIdle("Timers")
		prev := s.timers
		s.timers = t
		return Timers(prev)
	}
}

// ServeAccessory sets the accessory to serve.
// ServeAccessory cannot be called while the server is running.
func ServeAccessory(a *Accessory) option {
	return func(s *AccessoryServer) option {
		s.mustBeIdle("Accessory")
		prev := s.acc
		s.acc = a
		return ServeAccessory(prev)
	}
}

// FixedDeviceID sets the device ID instead of the persisted one.
// A zero ID restores the persisted one.
func FixedDeviceID(id DeviceID) option {
	return func(s *AccessoryServer) option {
		s.mustBeIdle("DeviceID")
		prev := s.deviceID
		s.deviceID = id
		s.hasDeviceID = id != DeviceID{}
		return FixedDeviceID(prev)
	}
}

// SetupID sets the 4 character setup ID advertised as setup hash.
// An empty ID disables the setup hash.
func SetupID(id string) option {
	return func(s *AccessoryServer) option {
		prev := s.setupID
		s.setupID = id
		return SetupID(prev)
	}
}

// Name sets the GAP device name advertised as local name. By default
// the accessory name is used.
// Name cannot be called while the server is running.
func Name(n string) option {
	return func(s *AccessoryServer) option {
		s.mustBeIdle("Name")
		prev := s.name
		s.name = n
		return Name(prev)
	}
}

// PreferredAdvertisingInterval sets the regular advertising interval,
// between 160ms and 2.5s.
func PreferredAdvertisingInterval(d time.Duration) option {
	return func(s *AccessoryServer) option {
		prev := s.advInterval
		s.advInterval = d
		return PreferredAdvertisingInterval(prev)
	}
}

// NotificationDuration sets how long broadcasts, disconnected events and
// reconnection windows advertise at the fast interval. At least 3s.
func NotificationDuration(d time.Duration) option {
	return func(s *AccessoryServer) option {
		prev := s.notifyDuration
		s.notifyDuration = d
		return NotificationDuration(prev)
	}
}

// ProcedureBufferSize sets the size of the buffer holding request and
// response bodies of the full procedure.
func ProcedureBufferSize(n int) option {
	return func(s *AccessoryServer) option {
		s.mustBeIdle("ProcedureBufferSize")
		prev := s.bufSize
		s.bufSize = n
		return ProcedureBufferSize(prev)
	}
}

// AttributeCapacity sets the number of GATT table rows to allocate.
// The table always holds at least one row per service and characteristic.
func AttributeCapacity(n int) option {
	return func(s *AccessoryServer) option {
		s.mustBeIdle("AttributeCapacity")
		prev := s.tableCapacity
		s.tableCapacity = n
		return AttributeCapacity(prev)
	}
}

// MaxEventNotifications limits how many characteristics a controller may
// subscribe to at once. 0 means no limit.
func MaxEventNotifications(n int) option {
	return func(s *AccessoryServer) option {
		prev := s.maxEvents
		s.maxEvents = n
		return MaxEventNotifications(prev)
	}
}

// IsPaired sets a function reporting whether the accessory has pairings.
func IsPaired(f func() bool) option {
	return func(s *AccessoryServer) option {
		prev := s.isPaired
		s.isPaired = f
		return IsPaired(prev)
	}
}

// Connect sets a function to be called with the session of a newly
// connected central. The pairing layer uses it to accept secure channels.
func Connect(f func(*Session)) option {
	return func(s *AccessoryServer) option {
		prev := s.connect
		s.connect = f
		return Connect(prev)
	}
}

// Disconnect sets a function to be called when a central disconnects.
func Disconnect(f func(*Session)) option {
	return func(s *AccessoryServer) option {
		prev := s.disconnect
		s.disconnect = f
		return Disconnect(prev)
	}
}

// StateChange sets a function to be called when the server changes states.
func StateChange(f func(ServerState)) option {
	return func(s *AccessoryServer) option {
		prev := s.stateChange
		s.stateChange = f
		return StateChange(prev)
	}
}
