package hapble

import (
	"github.com/google/uuid"
)

// Properties are the HAP characteristic properties.
type Properties uint16

// Do not re-order the bit flags below;
// they match the HAP characteristic properties descriptor.

// Characteristic property flags.
const (
	PropReadableWithoutSecurity   Properties = 1 << iota // the characteristic may be read before pair verify
	PropWritableWithoutSecurity                          // the characteristic may be written before pair verify
	PropSupportsAuthorizationData                        // writes may carry additional authorization data
	PropRequiresTimedWrite                               // writes must use the timed write procedure
	PropReadable                                         // the characteristic may be read on a secured session
	PropWritable                                         // the characteristic may be written on a secured session
	PropHidden                                           // the characteristic is not shown to users
	PropEventNotification                                // connected controllers may subscribe
	PropDisconnectedNotification                         // changes bump the GSN while disconnected
	PropBroadcastNotification                            // changes may be broadcast in encrypted advertisements
	PropEventContextInformation                          // broadcasts carry compact context data
)

// A Request is the context for a request from a controller.
// Session is nil for reads issued to fill broadcast notifications.
type Request struct {
	Session        *Session
	Accessory      *Accessory
	Service        *Service
	Characteristic *Characteristic
}

// A WriteRequest is a characteristic write request from a controller.
type WriteRequest struct {
	Request
	Remote            bool   // the write was relayed by a remote controller
	AuthorizationData []byte // optional additional authorization data
	TimedWrite        bool   // the write was executed by a timed write procedure
}

// A ReadHandler handles characteristic reads.
type ReadHandler interface {
	ServeRead(req *Request) (Value, error)
}

// ReadHandlerFunc is an adapter to allow the use of
// ordinary functions as ReadHandlers. If f is a function
// with the appropriate signature, ReadHandlerFunc(f) is a
// ReadHandler that calls f.
type ReadHandlerFunc func(req *Request) (Value, error)

// ServeRead returns f(req).
func (f ReadHandlerFunc) ServeRead(req *Request) (Value, error) {
	return f(req)
}

// A WriteHandler handles characteristic writes.
// Returning ErrNotAuthorized rejects the authorization data.
type WriteHandler interface {
	ServeWrite(req *WriteRequest, v Value) error
}

// WriteHandlerFunc is an adapter to allow the use of
// ordinary functions as WriteHandlers. If f is a function
// with the appropriate signature, WriteHandlerFunc(f) is a
// WriteHandler that calls f.
type WriteHandlerFunc func(req *WriteRequest, v Value) error

// ServeWrite returns f(req, v).
func (f WriteHandlerFunc) ServeWrite(req *WriteRequest, v Value) error {
	return f(req, v)
}

// A Range bounds numeric characteristic values.
type Range struct {
	Min, Max Value
	Step     Value
}

// A Characteristic is a HAP characteristic.
type Characteristic struct {
	service *Service
	iid     uint16
	typ     uuid.UUID
	format  Format
	unit    Unit
	props   Properties
	desc    string
	valid   *Range

	readRequiresAdmin     bool
	writeRequiresAdmin    bool
	dropsSecuritySession  bool
	supportsWriteResponse bool

	rhandler ReadHandler
	whandler WriteHandler
	shandler func(req *Request, subscribed bool)
	chandler func(req *Request) ([7]byte, error)
}

// HandleRead routes characteristic reads to h.
// HandleRead must be called before any server using c has been started.
func (c *Characteristic) HandleRead(h ReadHandler) {
	c.rhandler = h
}

// HandleReadFunc calls HandleRead(ReadHandlerFunc(f)).
func (c *Characteristic) HandleReadFunc(f func(req *Request) (Value, error)) {
	c.HandleRead(ReadHandlerFunc(f))
}

// HandleWrite routes characteristic writes to h.
// HandleWrite must be called before any server using c has been started.
func (c *Characteristic) HandleWrite(h WriteHandler) {
	c.whandler = h
}

// HandleWriteFunc calls HandleWrite(WriteHandlerFunc(f)).
func (c *Characteristic) HandleWriteFunc(f func(req *WriteRequest, v Value) error) {
	c.HandleWrite(WriteHandlerFunc(f))
}

// HandleSubscribeFunc registers f to be told when a controller on a
// secured session subscribes to or unsubscribes from c.
func (c *Characteristic) HandleSubscribeFunc(f func(req *Request, subscribed bool)) {
	c.shandler = f
}

// HandleCompactContextFunc registers f to provide the 7 bytes of context
// data appended to broadcasts of a UInt8 characteristic that supports
// event context information.
func (c *Characteristic) HandleCompactContextFunc(f func(req *Request) ([7]byte, error)) {
	c.chandler = f
}

// SetUnit sets the unit reported in the presentation format descriptor.
func (c *Characteristic) SetUnit(u Unit) { c.unit = u }

// SetDescription sets the user description.
func (c *Characteristic) SetDescription(s string) { c.desc = s }

// SetValidRange sets the valid range and step of numeric values.
// Step may be nil.
func (c *Characteristic) SetValidRange(min, max, step Value) {
	c.valid = &Range{Min: min, Max: max, Step: step}
}

// RequireAdmin restricts reads and writes to admin controllers.
func (c *Characteristic) RequireAdmin(read, write bool) {
	c.readRequiresAdmin = read
	c.writeRequiresAdmin = write
}

// SetDropsSecuritySession marks c as a pairing characteristic whose
// procedures run outside the secured session.
func (c *Characteristic) SetDropsSecuritySession(b bool) { c.dropsSecuritySession = b }

// SetSupportsWriteResponse makes writes without a return response
// still answer with the current value.
func (c *Characteristic) SetSupportsWriteResponse(b bool) { c.supportsWriteResponse = b }

// IID returns the characteristic instance ID.
func (c *Characteristic) IID() uint16 { return c.iid }

// Type returns the characteristic type.
func (c *Characteristic) Type() uuid.UUID { return c.typ }

// Format returns the value format.
func (c *Characteristic) Format() Format { return c.format }

// Properties returns the characteristic properties.
func (c *Characteristic) Properties() Properties { return c.props }

// Service returns the service the characteristic belongs to.
func (c *Characteristic) Service() *Service { return c.service }

func (c *Characteristic) has(p Properties) bool { return c.props&p != 0 }

func (c *Characteristic) request(s *Session) *Request {
	return &Request{
		Session:        s,
		Accessory:      c.service.accessory,
		Service:        c.service,
		Characteristic: c,
	}
}

// read fetches the current value through the read handler.
func (c *Characteristic) read(s *Session) (Value, error) {
	if c.rhandler == nil {
		return nil, ErrInvalidState
	}
	v, err := c.rhandler.ServeRead(c.request(s))
	if err != nil {
		return nil, err
	}
	if v == nil || v.Format() != c.format {
		return nil, ErrUnknown
	}
	return v, nil
}

// write delivers v to the write handler.
func (c *Characteristic) write(req *WriteRequest, v Value) error {
	if c.whandler == nil {
		return ErrInvalidState
	}
	return c.whandler.ServeWrite(req, v)
}

func (c *Characteristic) subscribe(s *Session, subscribed bool) {
	if c.shandler != nil {
		c.shandler(c.request(s), subscribed)
	}
}

// isIdentify reports whether c is the identify characteristic, which
// stays writable without security while the accessory is unpaired.
func (c *Characteristic) isIdentify() bool {
	return c.typ == CharacteristicTypeIdentify
}
