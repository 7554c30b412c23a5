package gatt

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestEncodePasswordDefault(t *testing.T) {
	got, err := EncodePassword("000000")
	if err != nil {
		t.Fatalf("EncodePassword() error = %v", err)
	}
	want := []byte{0x30, 0x30, 0x30, 0x30, 0x30, 0x30}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodePassword(\"000000\") = %x, want %x", got, want)
	}
}

func TestEncodePasswordLength(t *testing.T) {
	for _, pw := range []string{"", "12345", "1234567"} {
		_, err := EncodePassword(pw)
		var derr *DecodeError
		if !errors.As(err, &derr) || derr.Kind != InvalidPassword {
			t.Errorf("EncodePassword(%q) error = %v, want InvalidPassword", pw, err)
		}
	}
}

func TestEncodeTime(t *testing.T) {
	// 2023-10-01 12:34:56 UTC = 0x65196770
	ts := time.Date(2023, 10, 1, 12, 34, 56, 0, time.UTC)
	got := EncodeTime(ts)
	want := []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0x65, 0x19, 0x67, 0x70}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeTime(%v) = %x, want %x", ts, got, want)
	}
	if len(got) != 9 {
		t.Errorf("EncodeTime() produced %d bytes, want 9", len(got))
	}
}

func TestEncodeTimeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)
	payload := EncodeTime(ts)
	// A set-time command and a get-time result share the timestamp
	// layout; only the command byte differs.
	payload[0] = CmdGetTime
	got, err := DecodeTimeResult(payload)
	if err != nil {
		t.Fatalf("DecodeTimeResult() error = %v", err)
	}
	if !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}

func TestEncodeLockAndPauseMode(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"lock on", EncodeLockMode(true), []byte{0x04, 0x01}},
		{"lock off", EncodeLockMode(false), []byte{0x04, 0x02}},
		{"pause on", EncodePauseMode(true), []byte{0x06, 0x01}},
		{"pause off", EncodePauseMode(false), []byte{0x06, 0x02}},
	}
	for _, tt := range tests {
		if !bytes.Equal(tt.got, tt.want) {
			t.Errorf("%s = %x, want %x", tt.name, tt.got, tt.want)
		}
	}
}

func TestEncodeAutoPause(t *testing.T) {
	got := EncodeAutoPause(480)
	want := []byte{0x05, 0x01, 0xE0}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeAutoPause(480) = %x, want %x", got, want)
	}
}

func TestEncodeBrightness(t *testing.T) {
	got, err := EncodeBrightness(75)
	if err != nil {
		t.Fatalf("EncodeBrightness(75) error = %v", err)
	}
	if !bytes.Equal(got, []byte{0x09, 0x4B}) {
		t.Errorf("EncodeBrightness(75) = %x, want 094b", got)
	}

	if _, err := EncodeBrightness(101); err == nil {
		t.Error("EncodeBrightness(101) expected error")
	}
}

func TestEncodeBlinkInterval(t *testing.T) {
	got, err := EncodeBlinkInterval(30)
	if err != nil {
		t.Fatalf("EncodeBlinkInterval(30) error = %v", err)
	}
	if !bytes.Equal(got, []byte{0x0A, 0x1E}) {
		t.Errorf("EncodeBlinkInterval(30) = %x, want 0a1e", got)
	}

	for _, s := range []uint8{4, 61} {
		if _, err := EncodeBlinkInterval(s); err == nil {
			t.Errorf("EncodeBlinkInterval(%d) expected error", s)
		}
	}
}

func TestEncodeSetColor(t *testing.T) {
	got := EncodeSetColor(3, 0xFFFF, 0x0100, 0x0001)
	want := []byte{0x11, 0x03, 0xFF, 0xFF, 0x01, 0x00, 0x00, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeSetColor() = %x, want %x", got, want)
	}
}

func TestEncodeSetTask(t *testing.T) {
	got := EncodeSetTask(5, FacetTask{Kind: TaskSimple})
	want := []byte{0x13, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeSetTask(simple) = %x, want %x", got, want)
	}

	got = EncodeSetTask(5, FacetTask{Kind: TaskPomodoro, PomodoroSeconds: 1500})
	want = []byte{0x13, 0x05, 0x01, 0x00, 0x00, 0x05, 0xDC}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeSetTask(pomodoro) = %x, want %x", got, want)
	}
}

func TestEncodeHistoryCommands(t *testing.T) {
	got := EncodeHistoryRead(HistoryLastEntry)
	want := []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeHistoryRead(last) = %x, want %x", got, want)
	}

	got = EncodeHistorySince(42)
	want = []byte{0x02, 0x00, 0x00, 0x00, 0x2A}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeHistorySince(42) = %x, want %x", got, want)
	}
}
