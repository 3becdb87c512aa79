package hapble

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type transactionState uint8

const (
	waitingForInitialWrite transactionState = iota
	readingRequest
	handlingRequest
	waitingForInitialRead
	writingResponse
)

var transactionStateName = []string{
	waitingForInitialWrite: "WaitingForInitialWrite",
	readingRequest:         "ReadingRequest",
	handlingRequest:        "HandlingRequest",
	waitingForInitialRead:  "WaitingForInitialRead",
	writingResponse:        "WritingResponse",
}

func (s transactionState) String() string { return transactionStateName[s] }

// A transaction reassembles one request from GATT writes and fragments
// its response over GATT reads. The request body is kept in buf; bodies
// that do not fit are counted but discarded.
type transaction struct {
	log   *logrus.Entry
	state transactionState
	buf   []byte

	opcode    Opcode
	tid       uint8
	iid       uint16
	total     int
	offset    int
	discarded bool

	status   Status
	response []byte
	hasBody  bool
	sent     int
}

func newTransaction(log *logrus.Entry, buf []byte) *transaction {
	return &transaction{log: log, buf: buf[:0]}
}

func (t *transaction) appendBody(fragment []byte) {
	if t.total > cap(t.buf) {
		if !t.discarded {
			t.log.Infof("Discarding body fragment as transaction buffer is not large enough (%d/%d).", t.total, cap(t.buf))
		}
		t.discarded = true
	} else {
		t.buf = append(t.buf, fragment...)
	}
	t.offset += len(fragment)
}

// handleWrite consumes one GATT write.
func (t *transaction) handleWrite(b []byte) error {
	switch t.state {
	case waitingForInitialWrite:
		t.state = readingRequest
		p, err := parsePDU(b)
		if err != nil {
			return err
		}
		if p.typ != pduRequest {
			return fmt.Errorf("%w: expected HAP-BLE request", ErrInvalidData)
		}
		t.opcode, t.tid, t.iid = p.opcode, p.tid, p.iid
		t.total, t.offset = p.totalBody, 0
		t.appendBody(p.body)
		t.log.WithFields(logrus.Fields{"opcode": t.opcode, "tid": t.tid, "iid": t.iid}).
			Debugf("Request (%d/%d body bytes).", t.offset, t.total)
		return nil
	case readingRequest:
		p, err := parseContinuation(b, pduRequest, t.total, t.offset)
		if err != nil {
			return err
		}
		if p.tid != t.tid {
			return fmt.Errorf("%w: continuation fragment has different TID", ErrInvalidData)
		}
		t.appendBody(p.body)
		return nil
	case handlingRequest, waitingForInitialRead:
		p, err := parseContinuation(b, pduRequest, 0, 0)
		if err != nil {
			return err
		}
		if p.tid != t.tid {
			return fmt.Errorf("%w: continuation fragment has different TID", ErrInvalidData)
		}
		return nil
	}
	return fmt.Errorf("%w: received write while writing response", ErrInvalidState)
}

// requestAvailable reports whether a complete request is buffered.
func (t *transaction) requestAvailable() bool {
	return t.state == readingRequest && t.offset == t.total
}

// request returns the buffered request.
func (t *transaction) request() (op Opcode, iid uint16, body []byte, err error) {
	t.state = handlingRequest
	if t.total > cap(t.buf) {
		t.log.Errorf("Transaction buffer was not large enough to hold request. (%d/%d).", t.total, cap(t.buf))
		return 0, 0, nil, ErrOutOfResources
	}
	return t.opcode, t.iid, t.buf[:t.total], nil
}

// setResponse stores the response to send. body may be nil.
func (t *transaction) setResponse(status Status, body []byte) {
	t.state = waitingForInitialRead
	t.status = status
	t.response = body
	t.hasBody = len(body) > 0
	t.sent = 0
}

// handleRead returns the next response fragment of at most max bytes.
func (t *transaction) handleRead(max int) (b []byte, final bool, err error) {
	var p *pdu
	switch t.state {
	case waitingForInitialRead:
		t.state = writingResponse
		header := responseHeaderLen
		if t.hasBody {
			header += bodyLengthLen
		}
		if max < header {
			return nil, false, fmt.Errorf("%w: not enough capacity for response PDU header", ErrOutOfResources)
		}
		n := min(len(t.response), max-header)
		p = &pdu{
			typ:       pduResponse,
			tid:       t.tid,
			status:    t.status,
			hasBody:   t.hasBody,
			totalBody: len(t.response),
			body:      t.response[:n],
		}
	case writingResponse:
		if max < continuationHeaderLen {
			return nil, false, fmt.Errorf("%w: not enough capacity for continuation PDU header", ErrOutOfResources)
		}
		n := min(len(t.response)-t.sent, max-continuationHeaderLen)
		p = &pdu{
			continuation: true,
			typ:          pduResponse,
			tid:          t.tid,
			body:         t.response[t.sent : t.sent+n],
		}
	default:
		return nil, false, fmt.Errorf("%w: read in state %s", ErrInvalidState, t.state)
	}
	b, err = p.marshal(max)
	if err != nil {
		return nil, false, err
	}
	t.sent += len(p.body)
	t.log.WithFields(logrus.Fields{"tid": t.tid, "status": t.status}).
		Debugf("Response fragment (%d/%d body bytes).", t.sent, len(t.response))
	return b, t.sent == len(t.response), nil
}
