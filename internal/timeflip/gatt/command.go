package gatt

import (
	"encoding/binary"
	"time"
)

// TaskKind is the kind of timer assigned to a facet.
type TaskKind uint8

const (
	// TaskSimple is a plain counting-up timer.
	TaskSimple TaskKind = 0
	// TaskPomodoro is a countdown timer with a limit in seconds.
	TaskPomodoro TaskKind = 1
)

// FacetTask is the timer configuration of a facet.
type FacetTask struct {
	Kind TaskKind
	// PomodoroSeconds is the countdown limit; ignored for TaskSimple.
	PomodoroSeconds uint32
}

// EncodePassword encodes the password for the password characteristic.
// The password must be exactly six ASCII bytes; the factory default is
// "000000" (six times 0x30).
func EncodePassword(password string) ([]byte, error) {
	if len(password) != 6 {
		return nil, decodeErrf(InvalidPassword, "password must be 6 bytes, got %d", len(password))
	}
	for i := 0; i < len(password); i++ {
		if password[i] > 0x7F {
			return nil, decodeErrf(InvalidPassword, "password byte %d is not ASCII", i)
		}
	}
	return []byte(password), nil
}

// EncodeTime encodes the set-time command. The nine-byte layout is fixed:
// the command byte 0x08 followed by the unix timestamp (UTC, seconds) as
// a big-endian uint64.
func EncodeTime(t time.Time) []byte {
	buf := make([]byte, 9)
	buf[0] = CmdSetTime
	binary.BigEndian.PutUint64(buf[1:], uint64(t.Unix()))
	return buf
}

// EncodeGetTime encodes the get-time command.
func EncodeGetTime() []byte { return []byte{CmdGetTime} }

// EncodeReadStatus encodes the read-status command.
func EncodeReadStatus() []byte { return []byte{CmdReadStatus} }

// EncodeLockMode encodes the lock-mode command. In lock mode the dice
// keeps counting on the last active facet and ignores flips.
func EncodeLockMode(on bool) []byte {
	return []byte{CmdLockMode, onOff(on)}
}

// EncodePauseMode encodes the pause-mode command.
func EncodePauseMode(on bool) []byte {
	return []byte{CmdPauseMode, onOff(on)}
}

// EncodeAutoPause encodes the auto-pause command. A value of 0 disables
// auto-pause.
func EncodeAutoPause(minutes uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = CmdAutoPause
	binary.BigEndian.PutUint16(buf[1:], minutes)
	return buf
}

// EncodeBrightness encodes the LED brightness command.
func EncodeBrightness(percent uint8) ([]byte, error) {
	if percent > 100 {
		return nil, decodeErrf(UnexpectedPayload, "brightness %d out of range (0-100)", percent)
	}
	return []byte{CmdBrightness, percent}, nil
}

// EncodeBlinkInterval encodes the LED blink interval command. The
// interval is given in seconds, range 5 to 60 inclusive.
func EncodeBlinkInterval(seconds uint8) ([]byte, error) {
	if seconds < 5 || seconds > 60 {
		return nil, decodeErrf(UnexpectedPayload, "blink interval %d out of range (5-60s)", seconds)
	}
	return []byte{CmdBlinkInterval, seconds}, nil
}

// EncodeSetColor encodes the facet LED color command.
func EncodeSetColor(facet uint8, red, green, blue uint16) []byte {
	buf := make([]byte, 8)
	buf[0] = CmdSetColor
	buf[1] = facet
	binary.BigEndian.PutUint16(buf[2:], red)
	binary.BigEndian.PutUint16(buf[4:], green)
	binary.BigEndian.PutUint16(buf[6:], blue)
	return buf
}

// EncodeSetTask encodes the set-task-parameter command for a facet.
func EncodeSetTask(facet uint8, task FacetTask) []byte {
	buf := make([]byte, 7)
	buf[0] = CmdSetTask
	buf[1] = facet
	buf[2] = byte(task.Kind)
	if task.Kind == TaskPomodoro {
		binary.BigEndian.PutUint32(buf[3:], task.PomodoroSeconds)
	}
	return buf
}

// EncodeGetTask encodes the get-task-parameter command for a facet.
func EncodeGetTask(facet uint8) []byte {
	return []byte{CmdGetTask, facet}
}

// EncodeHistoryRead encodes a single-entry read request for the history
// characteristic. Passing HistoryLastEntry returns the newest entry.
func EncodeHistoryRead(id uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = 0x01
	binary.BigEndian.PutUint32(buf[1:], id)
	return buf
}

// EncodeHistorySince encodes a streaming read request: the device sends
// every entry newer than id as notifications on the history
// characteristic, terminated by an all-zero entry.
func EncodeHistorySince(id uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = 0x02
	binary.BigEndian.PutUint32(buf[1:], id)
	return buf
}

// HistoryLastEntry requests the newest history entry from
// EncodeHistoryRead.
const HistoryLastEntry uint32 = 0xFFFFFFFF

func onOff(on bool) byte {
	if on {
		return 0x01
	}
	return 0x02
}
