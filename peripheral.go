package hapble

import "github.com/google/uuid"

// An AttributeHandle is a GATT attribute handle assigned by the platform.
// 0 is not a valid handle.
type AttributeHandle uint16

// A ConnectionHandle identifies a connection to a central.
type ConnectionHandle uint16

// GATTProperties are the GATT characteristic properties.
type GATTProperties uint8

// Do not re-order the bit flags below;
// they are organized to match the BLE spec.

// GATT characteristic property flags.
const (
	GATTBroadcast            GATTProperties = 1 << iota // the characteristic value may be broadcast
	GATTRead                                            // the characteristic value may be read
	GATTWriteWithoutResponse                            // the characteristic value may be written without response
	GATTWrite                                           // the characteristic value may be written
	GATTNotify                                          // the characteristic value may be notified
	GATTIndicate                                        // the characteristic value may be indicated
)

// A Peripheral is the platform BLE peripheral the server runs on.
//
// The platform reports connections and GATT requests by calling the
// Handle methods of the AccessoryServer. Those calls, and timer callbacks,
// must never run concurrently.
type Peripheral interface {
	// SetDeviceName sets the GAP device name.
	SetDeviceName(name string) error

	// RemoveAllServices clears the GATT database.
	RemoveAllServices() error

	// AddService starts a new service. Following characteristics
	// belong to it.
	AddService(typ uuid.UUID, primary bool) error

	// AddCharacteristic adds a characteristic to the last service.
	// A nil value makes reads and writes go to the server. With withCCC
	// a client characteristic configuration descriptor is added too.
	AddCharacteristic(typ uuid.UUID, props GATTProperties, value []byte, withCCC bool) (valueHandle, cccHandle AttributeHandle, err error)

	// AddDescriptor adds a read-only descriptor with a constant value to
	// the last characteristic.
	AddDescriptor(typ uuid.UUID, value []byte) (AttributeHandle, error)

	// PublishServices makes the GATT database visible to centrals.
	PublishServices() error

	// AllowsServiceRefresh reports whether the GATT database may be
	// rebuilt. If not, a previously published database is kept.
	AllowsServiceRefresh() bool

	// StartAdvertising starts or updates advertising. sr may be nil.
	StartAdvertising(interval AdvertisingInterval, adv, sr []byte) error

	// StopAdvertising stops advertising.
	StopAdvertising() error

	// CancelCentralConnection disconnects a central.
	CancelCentralConnection(h ConnectionHandle) error

	// SendHandleValueIndication indicates a value. It returns ErrBusy or
	// ErrInvalidState when the link cannot take it yet; the server then
	// retries.
	SendHandleValueIndication(h ConnectionHandle, attr AttributeHandle, value []byte) error
}
