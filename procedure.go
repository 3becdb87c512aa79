package hapble

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/XC-/hapble/internal/tlv8"
	"github.com/XC-/hapble/timer"
)

type multiTransaction uint8

const (
	multiTransactionNone multiTransaction = iota
	multiTransactionTimedWrite
)

// A procedure runs HAP procedures against one characteristic. It is the
// single full procedure of a connection; it stays attached until a
// different characteristic is accessed.
//
// While a request is handled or a timed write is pending the procedure
// is in progress, bounded by the procedure timer.
type procedure struct {
	server  *AccessoryServer
	log     *logrus.Entry
	session *Session
	c       *Characteristic

	buf []byte
	txn *transaction

	timer          timer.Handle
	startedSecured bool
	multi          multiTransaction

	timedWriteBody  []byte
	timedWriteStart time.Time
}

func newProcedure(s *AccessoryServer, sess *Session, c *Characteristic, buf []byte) *procedure {
	log := s.log.procedure.WithFields(charFields(c))
	return &procedure{
		server:  s,
		log:     log,
		session: sess,
		c:       c,
		buf:     buf,
		txn:     newTransaction(s.log.transaction.WithFields(charFields(c)), buf),
	}
}

// destroy stops the procedure timer.
func (p *procedure) destroy() {
	if p.timer != 0 {
		p.server.timers.Deregister(p.timer)
		p.timer = 0
	}
}

func (p *procedure) reset() {
	p.destroy()
	*p = *newProcedure(p.server, p.session, p.c, p.buf)
}

func (p *procedure) inProgress() bool { return p.timer != 0 }

func (p *procedure) timerExpired(h timer.Handle) {
	if h != p.timer {
		return
	}
	p.log.Info("Procedure timeout expired.")
	p.timer = 0
	p.reset()
	p.session.Invalidate(true)
}

// handleGATTWrite consumes a write to the value of the characteristic.
func (p *procedure) handleGATTWrite(b []byte) error {
	sess := p.session
	if sess.IsTerminal() {
		p.log.Info("Rejecting GATT write: Session is terminal. No more requests are accepted.")
		return ErrInvalidState
	}
	if !p.inProgress() {
		if sess.IsTerminalSoon() {
			p.log.Info("Rejecting GATT write: Session is terminal soon. No new procedures are started.")
			return ErrInvalidState
		}
		if sess.IsSecured() && p.c.dropsSecuritySession {
			p.log.Info("Terminating existing security session (Characteristic drops security session).")
			sess.Invalidate(false)
			p.reset()
		}
		p.startedSecured = sess.IsSecured()
		timers := p.server.timers
		var h timer.Handle
		var err error
		h, err = timers.Register(timers.Now().Add(procedureTimeout), func() { p.timerExpired(h) })
		if err != nil {
			p.log.Error("Not enough resources to start procedure timer. Disconnecting immediately!")
			return timerErr(err)
		}
		p.timer = h
		sess.didStartProcedure()
	}

	if p.startedSecured {
		if len(b) < tagSize {
			p.log.Info("Secure request too short, auth tag not present.")
			return ErrInvalidData
		}
		var err error
		if b, err = sess.decrypt(b); err != nil {
			return err
		}
	}
	p.log.Debugf("< (%s) % X", p.secureLabel(), b)
	if err := p.txn.handleWrite(b); err != nil {
		return err
	}
	sess.didSendGATTResponse()
	return nil
}

// handleGATTRead returns the next response fragment. A complete request
// is processed first.
func (p *procedure) handleGATTRead(max int) ([]byte, error) {
	sess := p.session
	if sess.IsTerminal() {
		p.log.Info("Rejecting GATT read: Session is terminal. No more requests are accepted.")
		return nil, ErrInvalidState
	}
	if p.startedSecured {
		if max < tagSize {
			p.log.Info("Secure response buffer does not have enough space for auth tag.")
			return nil, ErrOutOfResources
		}
		max -= tagSize
	}
	if p.txn.requestAvailable() {
		if err := p.process(); err != nil {
			return nil, err
		}
	}
	b, final, err := p.txn.handleRead(max)
	if err != nil {
		return nil, err
	}
	p.log.Debugf("> (%s) % X", p.secureLabel(), b)
	if p.startedSecured {
		if b, err = sess.encrypt(b); err != nil {
			return nil, err
		}
	}
	if final {
		p.completeTransaction()
	}
	sess.didSendGATTResponse()
	if !p.inProgress() && p.startedSecured && !sess.IsSecured() {
		sess.Invalidate(true)
	}
	return b, nil
}

func (p *procedure) secureLabel() string {
	if p.startedSecured {
		return "encrypted"
	}
	return "plaintext"
}

func (p *procedure) completeTransaction() {
	if p.multi == multiTransactionTimedWrite {
		// The scratch buffer holds the timed write body until the
		// execute write arrives.
		p.txn = newTransaction(p.txn.log, nil)
		return
	}
	p.destroy()
	p.txn = newTransaction(p.txn.log, p.buf)
}

// process handles the buffered request and stores the response in the
// transaction. Errors terminate the link.
func (p *procedure) process() error {
	s, sess, c := p.server, p.session, p.c
	svc := c.service

	op, iid, body, err := p.txn.request()
	if err != nil {
		if p.multi == multiTransactionTimedWrite {
			p.log.Error("Insufficient transaction buffer is due to an unexpected procedure request.")
			return ErrInvalidState
		}
		return p.fail(StatusInvalidRequest)
	}
	log := p.log.WithField("opcode", op)
	if !op.valid() {
		log.Infof("Rejected request with unknown opcode: 0x%02x.", uint8(op))
		return p.fail(StatusUnsupportedPDU)
	}
	if !op.supportedOnBLE() {
		log.Info("Rejected request with opcode that is not supported by BLE.")
		return p.fail(StatusUnsupportedPDU)
	}
	if !opcodeSupportedFor(op, c) {
		log.Info("Rejected request with opcode that is not supported for this characteristic.")
		return p.fail(StatusUnsupportedPDU)
	}
	expected := c.iid
	if op.operationType() == operationService {
		expected = svc.iid
	}
	if iid != expected {
		log.Infof("Request's IID [%d] does not match the addressed IID.", iid)
		if op != OpServiceSignatureRead {
			return p.fail(StatusInvalidInstanceID)
		}
		svc = nil
	}

	if op == OpCharacteristicExecuteWrite {
		if p.multi != multiTransactionTimedWrite {
			log.Info("Rejected HAP-Characteristic-Execute-Write-Request: No timed write in progress.")
			return ErrInvalidState
		}
		p.multi = multiTransactionNone
		body = p.timedWriteBody
		p.timedWriteBody = nil
	} else if p.multi != multiTransactionNone {
		log.Info("Rejected request: Different HAP procedure in progress.")
		return ErrInvalidState
	}

	switch op {
	case OpServiceSignatureRead:
		return p.respond(serviceSignature(svc))

	case OpCharacteristicSignatureRead:
		if sess.IsSecured() && c.dropsSecuritySession {
			log.Info("Rejected HAP-Characteristic-Signature-Read-Request: Only non-secure access is permitted.")
			return p.fail(StatusUnsupportedPDU)
		}
		return p.respond(characteristicSignature(c))

	case OpCharacteristicConfiguration:
		if sess.IsTransient() || !sess.IsSecured() {
			log.Info("Rejected HAP-Characteristic-Configuration-Request: Only secure access is permitted.")
			return p.fail(StatusUnsupportedPDU)
		}
		if err := s.handleCharacteristicConfiguration(c, body); err != nil {
			log.WithError(err).Info("Rejected HAP-Characteristic-Configuration-Request: Request handling failed.")
			return p.fail(StatusInvalidRequest)
		}
		b, err := s.characteristicConfiguration(c)
		if err != nil {
			return p.fail(StatusInvalidRequest)
		}
		return p.respond(b)

	case OpProtocolConfiguration:
		if sess.IsTransient() {
			log.Info("Rejected HAP-Protocol-Configuration-Request: Session is transient.")
			return p.fail(StatusUnsupportedPDU)
		}
		if svc.props&ServiceSupportsConfiguration == 0 {
			log.Info("Rejected HAP-Protocol-Configuration-Request: Service does not support configuration.")
			return p.fail(StatusUnsupportedPDU)
		}
		if !sess.IsSecured() {
			log.Info("Rejected HAP-Protocol-Configuration-Request: Only secure access is permitted.")
			return p.fail(StatusUnsupportedPDU)
		}
		getAll, err := s.handleProtocolConfiguration(sess, body)
		if err != nil {
			log.WithError(err).Info("Rejected HAP-Protocol-Configuration-Request: Request handling failed.")
			return p.fail(StatusInvalidRequest)
		}
		if !getAll {
			return p.respond(nil)
		}
		b, err := s.protocolConfiguration()
		if err != nil {
			return p.fail(StatusInvalidRequest)
		}
		return p.respond(b)

	case OpToken, OpTokenUpdate:
		if !sess.IsSecured() {
			log.Info("Rejected token request: Only secure access is permitted.")
			return p.fail(StatusUnsupportedPDU)
		}
		log.Info("Rejected token request: MFi token auth unsupported.")
		return p.fail(StatusInvalidRequest)

	case OpInfo:
		if !sess.IsSecured() {
			log.Info("Rejected HAP-Info-Request: Only secure access is permitted.")
			return p.fail(StatusUnsupportedPDU)
		}
		b, err := s.infoResponse()
		if err != nil {
			log.WithError(err).Info("Rejected HAP-Info-Request: Request handler failed.")
			return p.fail(StatusInvalidRequest)
		}
		return p.respond(b)

	case OpCharacteristicTimedWrite:
		if sess.IsTransient() {
			log.Info("Rejected HAP-Characteristic-Timed-Write-Request: Session is transient.")
			return p.fail(StatusUnsupportedPDU)
		}
		p.multi = multiTransactionTimedWrite
		p.timedWriteBody = body
		p.timedWriteStart = s.timers.Now()
		return p.respond(nil)

	case OpCharacteristicWrite, OpCharacteristicExecuteWrite:
		return p.write(log, body, op == OpCharacteristicExecuteWrite)

	case OpCharacteristicRead:
		return p.read(log, true)
	}
	return p.fail(StatusUnsupportedPDU)
}

// opcodeSupportedFor reports whether op may address c. Service
// operations go through the service signature characteristic; accessory
// operations additionally require the protocol information service.
func opcodeSupportedFor(op Opcode, c *Characteristic) bool {
	switch op.operationType() {
	case operationService:
		return c.typ == CharacteristicTypeServiceSignature
	case operationAccessory:
		return c.typ == CharacteristicTypeServiceSignature && c.service.typ == ServiceTypeProtocolInformation
	}
	return true
}

func (p *procedure) respond(body []byte) error {
	p.txn.setResponse(StatusSuccess, body)
	return nil
}

func (p *procedure) fail(status Status) error {
	p.txn.setResponse(status, nil)
	return nil
}

// accessAllowed checks the security requirements of a read or write.
// plain and secure are the permissions without and with a secure session.
func (p *procedure) accessAllowed(log *logrus.Entry, kind string, plain, secure bool) (Status, bool) {
	secured := p.session.IsSecured()
	switch {
	case !secured && !plain && secure:
		log.Infof("Rejected %s: Only secure %ss are supported.", kind, kind)
		return StatusInsufficientAuthentication, false
	case !secured && !plain:
		log.Infof("Rejected %s: Not supported.", kind)
		return StatusUnsupportedPDU, false
	case secured && !secure && plain:
		log.Infof("Rejected %s: Only non-secure %ss are supported.", kind, kind)
		return StatusUnsupportedPDU, false
	case secured && !secure:
		log.Infof("Rejected %s: Not supported.", kind)
		return StatusUnsupportedPDU, false
	}
	return StatusSuccess, true
}

func (p *procedure) write(log *logrus.Entry, body []byte, timed bool) error {
	s, sess, c := p.server, p.session, p.c
	if sess.IsTransient() {
		log.Info("Rejected write: Session is transient.")
		return p.fail(StatusUnsupportedPDU)
	}
	plain := c.has(PropWritableWithoutSecurity)
	if c.isIdentify() {
		plain = !s.paired()
	}
	if status, ok := p.accessAllowed(log, "write", plain, c.has(PropWritable)); !ok {
		return p.fail(status)
	}
	if c.writeRequiresAdmin && !sess.IsAdmin() {
		log.Info("Rejected write: Requires controller to have admin permissions.")
		return p.fail(StatusInvalidRequest)
	}
	if !timed && c.has(PropRequiresTimedWrite) {
		log.Info("Rejected write: Only timed writes are supported.")
		return p.fail(StatusInvalidRequest)
	}

	params, err := parseWriteBody(c, body)
	if err == nil && timed {
		if params.ttl == 0 {
			log.Info("Timed Write Request did not include valid TTL.")
			err = ErrInvalidData
		} else if s.timers.Now().Sub(p.timedWriteStart) > time.Duration(params.ttl)*100*time.Millisecond {
			log.Info("Rejected write: Timed Write expired.")
			return p.fail(StatusUnsupportedPDU)
		}
	}
	var v Value
	if err == nil {
		v, err = decodeValue(c.format, params.value)
	}
	if err == nil {
		req := &WriteRequest{
			Request:           *c.request(sess),
			Remote:            params.remote,
			AuthorizationData: params.authData,
			TimedWrite:        timed,
		}
		s.pm.writing = c
		err = c.write(req, v)
		s.pm.writing = nil
	}
	if err != nil {
		if errors.Is(err, ErrNotAuthorized) {
			log.Info("Rejected write: Write failed due to insufficient authorization.")
			return p.fail(StatusInsufficientAuthorization)
		}
		log.WithError(err).Info("Rejected write: Write failed.")
		return p.fail(StatusInvalidRequest)
	}

	if !params.returnResponse {
		if !c.supportsWriteResponse {
			return p.respond(nil)
		}
		log.Info("Characteristic supports write response: Calling read handler.")
	}
	return p.read(log, params.returnResponse)
}

func (p *procedure) read(log *logrus.Entry, returnResponse bool) error {
	sess, c := p.session, p.c
	if sess.IsTransient() {
		log.Info("Rejected read: Session is transient.")
		return p.fail(StatusUnsupportedPDU)
	}
	status, ok := p.accessAllowed(log, "read", c.has(PropReadableWithoutSecurity), c.has(PropReadable))
	if !ok {
		return p.fail(status)
	}
	if c.readRequiresAdmin && !sess.IsAdmin() {
		log.Info("Rejected read: Requires controller to have admin permissions.")
		return p.fail(StatusInvalidRequest)
	}
	v, err := c.read(sess)
	if err != nil {
		log.WithError(err).Info("Rejected read: Read failed.")
		return p.fail(StatusInvalidRequest)
	}
	if !returnResponse {
		log.Info("HAP-Param-Return-Response not set: Discarding write response.")
		return p.respond(nil)
	}
	var w tlv8.Writer
	w.Append(tlvValue, encodeValue(v))
	return p.respond(w.Bytes())
}
