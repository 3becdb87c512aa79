package hapble

import (
	"errors"
	"fmt"
	"testing"
)

func TestFallbackResponse(t *testing.T) {
	cases := []struct {
		desc    string
		request string
		want    string
	}{
		{desc: "characteristic read", request: "0003073300", want: "020702"},
		{desc: "wrong characteristic", request: "0003073400", want: "020704"},
		{desc: "service signature read", request: "0006073000", want: "020702"},
		{desc: "wrong service", request: "0006073100", want: "020704"},
		{desc: "zero service signature read", request: "0006070000", want: "02070002001000"},
		{desc: "unknown opcode", request: "007f074200", want: "020702"},
		{desc: "write with body", request: "00020733000300010101", want: "020702"},
	}
	for _, tt := range cases {
		var f fallbackProcedure
		if err := f.handleWrite(mustHex(tt.request), true, 0x30, 0x33); err != nil {
			t.Errorf("%s: handleWrite: %v", tt.desc, err)
			continue
		}
		b, err := f.response()
		if err != nil {
			t.Errorf("%s: response: %v", tt.desc, err)
			continue
		}
		if got := fmt.Sprintf("%x", b); got != tt.want {
			t.Errorf("%s: got %q want %q", tt.desc, got, tt.want)
		}
	}
}

func TestFallbackFragmented(t *testing.T) {
	var f fallbackProcedure
	if err := f.handleWrite(mustHex("00020733000500010101"), true, 0x30, 0x33); err != nil {
		t.Fatalf("first fragment: %v", err)
	}
	if _, err := f.response(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("response before completion: got %v want %v", err, ErrInvalidState)
	}
	if err := f.handleWrite(mustHex("80080202"), false, 0x30, 0x33); !errors.Is(err, ErrInvalidData) {
		t.Errorf("different TID: got %v want %v", err, ErrInvalidData)
	}
	if err := f.handleWrite(mustHex("8007020203"), false, 0x30, 0x33); !errors.Is(err, ErrInvalidData) {
		t.Errorf("excess data: got %v want %v", err, ErrInvalidData)
	}
	if err := f.handleWrite(mustHex("80070202"), false, 0x30, 0x33); err != nil {
		t.Fatalf("continuation: %v", err)
	}
	b, err := f.response()
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if got := fmt.Sprintf("%x", b); got != "020702" {
		t.Errorf("response: got %q want %q", got, "020702")
	}
}

func TestFallbackInvalidRequests(t *testing.T) {
	for _, in := range []string{
		"00030733",     // short header
		"0203073300",   // response PDU
		"800307330000", // continuation as first fragment
		"000207330005", // truncated body length
		"00020733000100aabb",
	} {
		var f fallbackProcedure
		if err := f.handleWrite(mustHex(in), true, 0x30, 0x33); !errors.Is(err, ErrInvalidData) {
			t.Errorf("handleWrite(%s): got %v want %v", in, err, ErrInvalidData)
		}
	}
}
