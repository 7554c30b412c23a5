package gatt

import (
	"encoding/binary"
	"errors"
	"time"
)

// StateKind is the coarse device lifecycle state from the system-state
// characteristic.
type StateKind uint8

const (
	// StateReady means the device is synchronized and ready for use.
	StateReady StateKind = iota
	// StateReset means the device was reset to factory settings.
	StateReset
	// StateSyncRequired means a setting must be pushed to the device;
	// Sync names which one.
	StateSyncRequired
)

// SyncKind names the setting the device is waiting for when the state is
// StateSyncRequired.
type SyncKind uint8

const (
	SyncNone SyncKind = iota
	SyncTime
	SyncFacetColor
	SyncBrightness
	SyncBlinkInterval
	SyncTaskParameters
	SyncAutoPause
)

// SystemState is the decoded system-state characteristic.
type SystemState struct {
	Kind StateKind
	Sync SyncKind
	// Hardware fault flags reported alongside the sync state.
	AccelerometerError bool
	FlashError         bool
}

// DecodeSystemState decodes the four-byte system-state payload. Byte 0
// selects the state, byte 1 the pending synchronization, bytes 2-3 the
// hardware fault flags. Undocumented values fail with UnknownState; the
// payload is never partially applied.
func DecodeSystemState(data []byte) (SystemState, error) {
	if len(data) != 4 {
		return SystemState{}, decodeErrf(LengthMismatch, "system state needs 4 bytes, got %d", len(data))
	}

	var s SystemState
	switch {
	case data[0] == 0 && data[1] == 0:
		s.Kind = StateReady
	case data[0] == 1 && data[1] == 0:
		s.Kind = StateReset
	case data[0] == 2 && data[1] >= 1 && data[1] <= 6:
		s.Kind = StateSyncRequired
		s.Sync = SyncKind(data[1])
	default:
		return SystemState{}, decodeErrf(UnknownState, "unhandled sync state 0x%02x 0x%02x", data[0], data[1])
	}

	switch {
	case data[2] == 0 && data[3] == 0:
	case data[2] == 2 && data[3] == 1:
		s.AccelerometerError = true
	case data[2] == 2 && data[3] == 2:
		s.FlashError = true
	case data[2] == 2 && data[3] == 3:
		s.AccelerometerError = true
		s.FlashError = true
	default:
		return SystemState{}, decodeErrf(UnknownState, "unhandled hardware error 0x%02x 0x%02x", data[2], data[3])
	}

	return s, nil
}

// BatteryLevel is the decoded battery characteristic.
type BatteryLevel struct {
	Percent uint8
	// Clamped is set when the device reported a value above 100.
	Clamped bool
}

// DecodeBattery decodes the single-byte battery payload. Out-of-range
// values are clamped and flagged rather than rejected.
func DecodeBattery(data []byte) (BatteryLevel, error) {
	if len(data) != 1 {
		return BatteryLevel{}, decodeErrf(LengthMismatch, "battery level needs 1 byte, got %d", len(data))
	}
	if data[0] > 100 {
		return BatteryLevel{Percent: 100, Clamped: true}, nil
	}
	return BatteryLevel{Percent: data[0]}, nil
}

// DecodeFacet decodes a facet notification. The raw byte is passed
// through unchanged: the device defines which subset of 0-255 is
// physically meaningful, and interpreting it is left to the consumer.
func DecodeFacet(data []byte) (uint8, error) {
	if len(data) != 1 {
		return 0, decodeErrf(LengthMismatch, "facet needs 1 byte, got %d", len(data))
	}
	return data[0], nil
}

// DecodeDoubleTap decodes a double-tap notification. Bit 7 of the facet
// byte carries the pause state.
func DecodeDoubleTap(data []byte) (facet uint8, pause bool, err error) {
	if len(data) != 1 {
		return 0, false, decodeErrf(LengthMismatch, "double tap needs 1 byte, got %d", len(data))
	}
	if data[0] > 127 {
		return data[0] - 128, true, nil
	}
	return data[0], false, nil
}

// AuthResult is the outcome of a password verification.
type AuthResult int

const (
	AuthOK AuthResult = iota
	AuthBadPassword
)

// CommandAck is the two-byte read-back of the command characteristic:
// the id of the last command and its execution status.
type CommandAck struct {
	Command uint8
	Result  AuthResult
}

// DecodeCommandAck decodes the command acknowledgement payload. Status
// 0x02 means success — verified against captured device traffic; the
// vendor documentation labels this value inconsistently, so captured
// bytes are authoritative here. Status 0x01 means the command was
// refused, which after a password write means the password was wrong.
func DecodeCommandAck(data []byte) (CommandAck, error) {
	if len(data) < 2 {
		return CommandAck{}, decodeErrf(LengthMismatch, "command ack needs 2 bytes, got %d", len(data))
	}
	ack := CommandAck{Command: data[0]}
	switch data[1] {
	case 0x02:
		ack.Result = AuthOK
	case 0x01:
		ack.Result = AuthBadPassword
	default:
		return CommandAck{}, decodeErrf(UnexpectedPayload, "unhandled command status 0x%02x for command 0x%02x", data[1], data[0])
	}
	return ack, nil
}

// DecodeTimeResult decodes the get-time command result: the command byte
// 0x07 followed by the unix timestamp as a big-endian uint64.
func DecodeTimeResult(data []byte) (time.Time, error) {
	if len(data) != 9 {
		return time.Time{}, decodeErrf(LengthMismatch, "time result needs 9 bytes, got %d", len(data))
	}
	if data[0] != CmdGetTime {
		return time.Time{}, decodeErrf(UnexpectedPayload, "time result carries command 0x%02x", data[0])
	}
	ts := binary.BigEndian.Uint64(data[1:])
	return time.Unix(int64(ts), 0).UTC(), nil
}

// SystemStatus is the decoded read-status command result.
type SystemStatus struct {
	LockMode         bool
	PauseMode        bool
	AutoPauseMinutes uint16
}

// DecodeSystemStatus decodes the four-byte read-status result. The mode
// bytes use 1 for on and 2 for off.
func DecodeSystemStatus(data []byte) (SystemStatus, error) {
	if len(data) < 4 {
		return SystemStatus{}, decodeErrf(LengthMismatch, "system status needs 4 bytes, got %d", len(data))
	}
	var st SystemStatus
	switch data[0] {
	case 1:
		st.LockMode = true
	case 2:
	default:
		return SystemStatus{}, decodeErrf(UnexpectedPayload, "unhandled lock mode 0x%02x", data[0])
	}
	switch data[1] {
	case 1:
		st.PauseMode = true
	case 2:
	default:
		return SystemStatus{}, decodeErrf(UnexpectedPayload, "unhandled pause mode 0x%02x", data[1])
	}
	st.AutoPauseMinutes = binary.BigEndian.Uint16(data[2:])
	return st, nil
}

// FacetSettings is the decoded get-task-parameter result.
type FacetSettings struct {
	Facet uint8
	Task  FacetTask
	// SecondsSinceStart counts from the moment the facet's timer started.
	SecondsSinceStart uint32
}

// DecodeFacetSettings decodes the get-task-parameter command result.
func DecodeFacetSettings(data []byte) (FacetSettings, error) {
	if len(data) < 11 {
		return FacetSettings{}, decodeErrf(LengthMismatch, "facet settings need 11 bytes, got %d", len(data))
	}
	if data[0] != CmdGetTask {
		return FacetSettings{}, decodeErrf(UnexpectedPayload, "facet settings carry command 0x%02x", data[0])
	}
	fs := FacetSettings{Facet: data[1]}
	switch data[2] {
	case 0:
		fs.Task.Kind = TaskSimple
	case 1:
		fs.Task.Kind = TaskPomodoro
		fs.Task.PomodoroSeconds = binary.BigEndian.Uint32(data[3:])
	default:
		return FacetSettings{}, decodeErrf(UnexpectedPayload, "unhandled task kind 0x%02x", data[2])
	}
	fs.SecondsSinceStart = binary.BigEndian.Uint32(data[7:])
	return fs, nil
}

// ErrEndOfHistory marks the all-zero entry the device sends after the
// last real history entry.
var ErrEndOfHistory = errors.New("gatt: end of history")

// HistoryEntry is one flip event from the device's memory.
type HistoryEntry struct {
	ID    uint32
	Facet uint8
	// Paused reports whether the entry covers a pause period.
	Paused   bool
	Start    time.Time
	Duration time.Duration
}

// DecodeHistoryEntry decodes a 17-byte history entry: id, facet (bit 7 =
// paused), big-endian uint64 start time and uint32 duration in seconds.
func DecodeHistoryEntry(data []byte) (HistoryEntry, error) {
	if len(data) < 17 {
		return HistoryEntry{}, decodeErrf(LengthMismatch, "history entry needs 17 bytes, got %d", len(data))
	}
	id := binary.BigEndian.Uint32(data)
	facet := data[4]
	start := binary.BigEndian.Uint64(data[5:])
	duration := binary.BigEndian.Uint32(data[13:])

	if id == 0 && facet == 0 && start == 0 && duration == 0 {
		return HistoryEntry{}, ErrEndOfHistory
	}

	entry := HistoryEntry{
		ID:       id,
		Facet:    facet,
		Start:    time.Unix(int64(start), 0).UTC(),
		Duration: time.Duration(duration) * time.Second,
	}
	if facet > 127 {
		entry.Facet = facet - 128
		entry.Paused = true
	}
	return entry, nil
}
