// Package gatt implements the TimeFlip2 GATT schema: the characteristic
// UUID table and the binary codec for every documented payload. All
// functions here are pure; I/O and session state live elsewhere.
package gatt

import "fmt"

// GATT services exposed by the TimeFlip2.
const (
	// BatteryServiceUUID is the standard Battery service (0x180F).
	BatteryServiceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	// TimeFlipServiceUUID is the vendor service holding all TimeFlip2
	// characteristics.
	TimeFlipServiceUUID = "f1196f50-71a4-11e6-bdf4-0800200c9a66"
)

// Characteristics of the TimeFlip2. The vendor characteristics share the
// service UUID prefix and differ only in the fourth octet.
const (
	// BatteryLevelCharUUID reports the battery level in percent (0x2A19).
	// Read, Notify.
	BatteryLevelCharUUID = "00002a19-0000-1000-8000-00805f9b34fb"
	// EventCharUUID carries the most recent event log line as ASCII text.
	// Read, Notify.
	EventCharUUID = "f1196f51-71a4-11e6-bdf4-0800200c9a66"
	// FacetCharUUID reports the facet currently pointing upward.
	// Read, Notify.
	FacetCharUUID = "f1196f52-71a4-11e6-bdf4-0800200c9a66"
	// CommandResultCharUUID holds the output of the last command.
	// Read only.
	CommandResultCharUUID = "f1196f53-71a4-11e6-bdf4-0800200c9a66"
	// CommandCharUUID accepts commands. Reading it back yields the last
	// command's id and execution status.
	CommandCharUUID = "f1196f54-71a4-11e6-bdf4-0800200c9a66"
	// DoubleTapCharUUID notifies about double taps / pause toggles.
	// Notify only.
	DoubleTapCharUUID = "f1196f55-71a4-11e6-bdf4-0800200c9a66"
	// SystemStateCharUUID reports the synchronization/calibration state.
	// Read, Notify.
	SystemStateCharUUID = "f1196f56-71a4-11e6-bdf4-0800200c9a66"
	// PasswordCharUUID accepts the six-byte password. The device clears
	// the password whenever the connection drops, so it must be written
	// again after every reconnect. Write only.
	PasswordCharUUID = "f1196f57-71a4-11e6-bdf4-0800200c9a66"
	// HistoryCharUUID reads flip history from device memory.
	// Write, Read, Notify.
	HistoryCharUUID = "f1196f58-71a4-11e6-bdf4-0800200c9a66"
)

// Command ids accepted by the command characteristic.
const (
	CmdLockMode      = 0x04
	CmdAutoPause     = 0x05
	CmdPauseMode     = 0x06
	CmdGetTime       = 0x07
	CmdSetTime       = 0x08
	CmdBrightness    = 0x09
	CmdBlinkInterval = 0x0A
	CmdReadStatus    = 0x10
	CmdSetColor      = 0x11
	CmdSetTask       = 0x13
	CmdGetTask       = 0x14
)

// DecodeKind discriminates decode failures.
type DecodeKind int

const (
	// LengthMismatch means the payload length does not match the schema.
	LengthMismatch DecodeKind = iota
	// UnknownState means a system-state payload used undocumented values.
	UnknownState
	// InvalidPassword means the password is not exactly six ASCII bytes.
	InvalidPassword
	// UnexpectedPayload means the bytes do not match any known signature.
	UnexpectedPayload
)

// DecodeError describes a payload that could not be decoded. Payloads are
// never truncated or padded to fit; a wrong length is always an error.
type DecodeError struct {
	Kind DecodeKind
	msg  string
}

func (e *DecodeError) Error() string { return e.msg }

func decodeErrf(kind DecodeKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, msg: "gatt: " + fmt.Sprintf(format, args...)}
}
