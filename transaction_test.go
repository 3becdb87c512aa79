package hapble

import (
	"errors"
	"fmt"
	"testing"
)

func newTestTransaction(size int) *transaction {
	return newTransaction(testLogger().WithField("category", "test"), make([]byte, size))
}

func TestTransactionReassembly(t *testing.T) {
	tx := newTestTransaction(16)
	if err := tx.handleWrite(mustHex("00020a33000600010401")); err != nil {
		t.Fatalf("initial write: %v", err)
	}
	if tx.requestAvailable() {
		t.Fatalf("request available after first fragment")
	}
	if err := tx.handleWrite(mustHex("800a020304")); err != nil {
		t.Fatalf("continuation: %v", err)
	}
	if !tx.requestAvailable() {
		t.Fatalf("request not available after last fragment")
	}
	op, iid, body, err := tx.request()
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if op != OpCharacteristicWrite || iid != 0x33 {
		t.Errorf("request: got %s 0x%04x", op, iid)
	}
	if got, want := fmt.Sprintf("%x", body), "010401020304"; got != want {
		t.Errorf("body: got %q want %q", got, want)
	}
}

func TestTransactionInvalidWrites(t *testing.T) {
	cases := []struct {
		desc   string
		writes []string
		want   error
	}{
		{desc: "response PDU", writes: []string{"020a00"}, want: ErrInvalidData},
		{desc: "different TID", writes: []string{"00020a33000600010401", "800b020304"}, want: ErrInvalidData},
		{desc: "excess data", writes: []string{"00020a33000400010401", "800a02030405"}, want: ErrInvalidData},
		{desc: "not a continuation", writes: []string{"00020a33000600010401", "00020a3300"}, want: ErrInvalidData},
	}
	for _, tt := range cases {
		tx := newTestTransaction(16)
		var err error
		for _, w := range tt.writes {
			if err = tx.handleWrite(mustHex(w)); err != nil {
				break
			}
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v want %v", tt.desc, err, tt.want)
		}
	}
}

func TestTransactionOversizeBody(t *testing.T) {
	tx := newTestTransaction(4)
	if err := tx.handleWrite(mustHex("00020a33000600010401")); err != nil {
		t.Fatalf("initial write: %v", err)
	}
	if err := tx.handleWrite(mustHex("800a020304")); err != nil {
		t.Fatalf("continuation: %v", err)
	}
	if !tx.requestAvailable() {
		t.Fatalf("oversize request should still complete")
	}
	if _, _, _, err := tx.request(); !errors.Is(err, ErrOutOfResources) {
		t.Errorf("request: got %v want %v", err, ErrOutOfResources)
	}
}

func TestTransactionResponseFragments(t *testing.T) {
	tx := newTestTransaction(16)
	if err := tx.handleWrite(mustHex("00030a3300")); err != nil {
		t.Fatalf("initial write: %v", err)
	}
	if _, _, _, err := tx.request(); err != nil {
		t.Fatalf("request: %v", err)
	}
	// No response yet.
	if _, _, err := tx.handleRead(8); !errors.Is(err, ErrInvalidState) {
		t.Errorf("read before response: got %v want %v", err, ErrInvalidState)
	}

	tx.setResponse(StatusSuccess, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	reads := []struct {
		max   int
		want  string
		final bool
	}{
		{max: 8, want: "020a000a00000102"},
		{max: 4, want: "820a0304"},
		{max: 8, want: "820a0506070809", final: true},
	}
	for i, tt := range reads {
		b, final, err := tx.handleRead(tt.max)
		if err != nil {
			t.Fatalf("%d: handleRead(%d): %v", i, tt.max, err)
		}
		if got := fmt.Sprintf("%x", b); got != tt.want || final != tt.final {
			t.Errorf("%d: handleRead(%d): got %q %v want %q %v", i, tt.max, got, final, tt.want, tt.final)
		}
	}

	if err := tx.handleWrite(mustHex("00030b3300")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("write while writing response: got %v want %v", err, ErrInvalidState)
	}
}

func TestTransactionResponseWithoutBody(t *testing.T) {
	tx := newTestTransaction(16)
	tx.handleWrite(mustHex("00030a3300"))
	tx.request()
	tx.setResponse(StatusInvalidRequest, nil)

	if _, _, err := tx.handleRead(2); !errors.Is(err, ErrOutOfResources) {
		t.Errorf("handleRead(2): got %v want %v", err, ErrOutOfResources)
	}

	tx.setResponse(StatusInvalidRequest, nil)
	b, final, err := tx.handleRead(64)
	if err != nil {
		t.Fatalf("handleRead: %v", err)
	}
	if got := fmt.Sprintf("%x", b); got != "020a06" || !final {
		t.Errorf("handleRead: got %q %v want %q true", got, final, "020a06")
	}
}
