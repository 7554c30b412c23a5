// Package timeflip implements the client-side protocol engine for the
// TimeFlip2 dice: the authenticated session state machine, the facet
// event tracker turning notifications into activity intervals, and
// clock synchronization. It talks to the device through the transport
// interfaces in internal/ble and the codec in internal/timeflip/gatt.
package timeflip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fliptrace/fliptrace/internal/ble"
	"github.com/fliptrace/fliptrace/internal/timeflip/gatt"
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuth
	StateAuthenticated
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting-auth"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// AuthState tracks password acceptance. It resets to Unauthenticated on
// every disconnect: the device clears the password whenever the link
// drops, so auth is never assumed to survive a reconnect.
type AuthState int

const (
	AuthUnauthenticated AuthState = iota
	AuthPendingVerification
	AuthAuthenticated
	AuthFailed
)

// Options configures session behavior.
type Options struct {
	Password       string        // six ASCII characters, factory default "000000"
	Reconnect      bool          // reconnect with backoff after a transport drop
	ReconnectMax   int           // max reconnect backoff in seconds
	ReadyAttempts  int           // system-state polls before giving up
	ReadyDelay     time.Duration // delay between system-state polls
	HistoryTimeout time.Duration // max wait for a history replay to finish
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Password:       "000000",
		Reconnect:      true,
		ReconnectMax:   30,
		ReadyAttempts:  5,
		ReadyDelay:     500 * time.Millisecond,
		HistoryTimeout: 30 * time.Second,
	}
}

// characteristics holds the discovered handles for one connection.
type characteristics struct {
	battery       ble.Characteristic
	event         ble.Characteristic
	facet         ble.Characteristic
	commandResult ble.Characteristic
	command       ble.Characteristic
	doubleTap     ble.Characteristic
	systemState   ble.Characteristic
	password      ble.Characteristic
	history       ble.Characteristic
}

// Session owns the connection and authentication lifecycle for one
// TimeFlip2. One Session per physical device; characteristics are never
// shared across sessions.
type Session struct {
	adapter ble.Adapter
	addr    string
	opts    Options
	log     *slog.Logger

	// mu guards the mutable session state below and serializes tracker
	// access: facet handling and state transitions must observe a strict
	// order relative to each other.
	mu          sync.Mutex
	state       State
	auth        AuthState
	conn        ble.Connection
	chars       characteristics
	lastAuth    time.Time
	clockSynced bool
	tracker     *Tracker

	// writeMu serializes characteristic writes: at most one in-flight
	// write per session, so authentication never interleaves with
	// configuration commands.
	writeMu sync.Mutex

	historyMu sync.Mutex
	historyCh atomic.Value // chan []byte, set while a replay is active

	intervals chan ActivityInterval
	events    chan SessionEvent
	done      chan struct{}
	closeOnce sync.Once

	reconnecting atomic.Bool

	now func() time.Time
}

// NewSession creates a session for the device at addr. The session is
// created disconnected; call Connect to start it.
func NewSession(adapter ble.Adapter, addr string, opts Options, log *slog.Logger) (*Session, error) {
	if _, err := gatt.EncodePassword(opts.Password); err != nil {
		return nil, err
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}
	if opts.ReadyAttempts <= 0 {
		opts.ReadyAttempts = 5
	}
	if opts.ReadyDelay <= 0 {
		opts.ReadyDelay = 500 * time.Millisecond
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		adapter:   adapter,
		addr:      addr,
		opts:      opts,
		log:       log.With("device", addr),
		tracker:   NewTracker(),
		intervals: make(chan ActivityInterval, 64),
		events:    make(chan SessionEvent, 32),
		done:      make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Intervals returns the stream of completed activity intervals. The
// stream is infinite and non-restartable; select on Done to terminate.
func (s *Session) Intervals() <-chan ActivityInterval { return s.intervals }

// Events returns the out-of-band session event stream.
func (s *Session) Events() <-chan SessionEvent { return s.events }

// Done is closed when the session is closed for good.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AuthState returns the current authentication state.
func (s *Session) AuthState() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// LastAuth returns the time of the last successful authentication, zero
// if the session never authenticated.
func (s *Session) LastAuth() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth
}

// Connect establishes the BLE connection, authenticates and waits for
// the device to become ready. Bad-password and not-ready failures are
// terminal; transport failures are recoverable by calling Connect again
// or through the automatic reconnect policy.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("timeflip: connect in state %s", state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.adapter.Enable(); err != nil {
		s.fail(fmt.Errorf("timeflip: enable adapter: %w", err))
		return fmt.Errorf("timeflip: enable adapter: %w", err)
	}

	conn, err := s.adapter.Connect(ctx, s.addr)
	if err != nil {
		err = fmt.Errorf("timeflip: connect to %s: %w", s.addr, err)
		s.fail(err)
		return err
	}

	return s.establish(conn)
}

// establish runs characteristic discovery, authentication and the
// ready handshake on a fresh connection. Shared by Connect and the
// reconnect loop.
func (s *Session) establish(conn ble.Connection) error {
	chars, err := discover(conn)
	if err != nil {
		conn.Disconnect()
		err = fmt.Errorf("timeflip: %w", err)
		s.fail(err)
		return err
	}

	conn.OnDisconnect(s.handleDisconnect)

	if err := s.subscribe(chars); err != nil {
		conn.Disconnect()
		err = fmt.Errorf("timeflip: %w", err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.chars = chars
	s.state = StateAwaitingAuth
	s.auth = AuthPendingVerification
	s.clockSynced = false
	s.mu.Unlock()
	s.emit(EventConnected, nil)

	if err := s.authenticate(); err != nil {
		s.teardown(conn)
		return err
	}
	if err := s.awaitReady(); err != nil {
		s.teardown(conn)
		return err
	}
	s.syncClockOnce()
	return nil
}

func discover(conn ble.Connection) (characteristics, error) {
	var chars characteristics
	for _, c := range []struct {
		service string
		uuid    string
		dst     *ble.Characteristic
	}{
		{gatt.BatteryServiceUUID, gatt.BatteryLevelCharUUID, &chars.battery},
		{gatt.TimeFlipServiceUUID, gatt.EventCharUUID, &chars.event},
		{gatt.TimeFlipServiceUUID, gatt.FacetCharUUID, &chars.facet},
		{gatt.TimeFlipServiceUUID, gatt.CommandResultCharUUID, &chars.commandResult},
		{gatt.TimeFlipServiceUUID, gatt.CommandCharUUID, &chars.command},
		{gatt.TimeFlipServiceUUID, gatt.DoubleTapCharUUID, &chars.doubleTap},
		{gatt.TimeFlipServiceUUID, gatt.SystemStateCharUUID, &chars.systemState},
		{gatt.TimeFlipServiceUUID, gatt.PasswordCharUUID, &chars.password},
		{gatt.TimeFlipServiceUUID, gatt.HistoryCharUUID, &chars.history},
	} {
		char, err := conn.DiscoverCharacteristic(c.service, c.uuid)
		if err != nil {
			return chars, fmt.Errorf("discover characteristic %s: %w", c.uuid, err)
		}
		*c.dst = char
	}
	return chars, nil
}

func (s *Session) subscribe(chars characteristics) error {
	if err := chars.facet.Subscribe(s.handleFacet); err != nil {
		return fmt.Errorf("subscribe facet: %w", err)
	}
	if err := chars.battery.Subscribe(s.handleBattery); err != nil {
		return fmt.Errorf("subscribe battery: %w", err)
	}
	if err := chars.doubleTap.Subscribe(s.handleDoubleTap); err != nil {
		return fmt.Errorf("subscribe double tap: %w", err)
	}
	if err := chars.history.Subscribe(s.handleHistory); err != nil {
		return fmt.Errorf("subscribe history: %w", err)
	}
	return nil
}

// authenticate writes the password and verifies it by issuing a
// read-status command: the device refuses commands until the correct
// password has been written, and the refusal shows up in the command
// acknowledgement. A bad password is terminal and never auto-retried.
func (s *Session) authenticate() error {
	pw, err := gatt.EncodePassword(s.opts.Password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	chars := s.chars
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := chars.password.Write(pw); err != nil {
		err = fmt.Errorf("timeflip: write password: %w", err)
		s.fail(err)
		return err
	}
	if err := chars.command.Write(gatt.EncodeReadStatus()); err != nil {
		err = fmt.Errorf("timeflip: verify password: %w", err)
		s.fail(err)
		return err
	}
	ackData, err := chars.command.Read()
	if err != nil {
		err = fmt.Errorf("timeflip: read command ack: %w", err)
		s.fail(err)
		return err
	}
	ack, err := gatt.DecodeCommandAck(ackData)
	if err != nil {
		err = fmt.Errorf("timeflip: %w", err)
		s.fail(err)
		return err
	}
	if ack.Result != gatt.AuthOK {
		s.mu.Lock()
		s.auth = AuthFailed
		s.mu.Unlock()
		s.emit(EventError, ErrBadPassword)
		return ErrBadPassword
	}

	s.mu.Lock()
	s.auth = AuthAuthenticated
	s.state = StateAuthenticated
	s.lastAuth = s.now()
	s.mu.Unlock()
	s.emit(EventAuthenticated, nil)
	return nil
}

// awaitReady polls the system-state characteristic until the device
// reports itself synchronized. A pending time synchronization is
// resolved inline; other pending syncs are the consumer's business and
// only logged. Gives up after the configured attempt count.
func (s *Session) awaitReady() error {
	s.mu.Lock()
	stateChar := s.chars.systemState
	s.mu.Unlock()

	for attempt := 0; attempt < s.opts.ReadyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.opts.ReadyDelay):
			case <-s.done:
				return ErrSessionClosed
			}
		}

		data, err := stateChar.Read()
		if err != nil {
			err = fmt.Errorf("timeflip: read system state: %w", err)
			s.fail(err)
			return err
		}
		st, err := gatt.DecodeSystemState(data)
		if err != nil {
			// Malformed payload: state stays unchanged, poll again.
			s.log.Warn("undecodable system state", "error", err)
			s.emit(EventError, err)
			continue
		}

		switch st.Kind {
		case gatt.StateReady:
			if st.AccelerometerError || st.FlashError {
				s.log.Warn("device reports hardware fault",
					"accelerometer", st.AccelerometerError, "flash", st.FlashError)
			}
			s.mu.Lock()
			s.state = StateReady
			s.mu.Unlock()
			s.emit(EventReady, nil)
			return nil
		case gatt.StateSyncRequired:
			if st.Sync == gatt.SyncTime {
				s.syncClockOnce()
			} else {
				s.log.Info("device waiting for settings sync", "sync", st.Sync)
			}
		case gatt.StateReset:
			s.log.Warn("device was factory reset, settings must be pushed")
		}
	}

	s.emit(EventError, ErrDeviceNotReady)
	return ErrDeviceNotReady
}

// syncClockOnce writes the current time to the device once per session.
// Failure is non-fatal: a ClockSyncError event is emitted and the
// session keeps running; Resync retries on demand.
func (s *Session) syncClockOnce() {
	s.mu.Lock()
	if s.clockSynced {
		s.mu.Unlock()
		return
	}
	s.clockSynced = true
	s.mu.Unlock()

	if err := s.writeTime(); err != nil {
		s.log.Warn("clock sync failed", "error", err)
		s.emit(EventError, &ClockSyncError{Err: err})
		return
	}
	s.log.Debug("clock synchronized")
}

// Resync rewrites the current time to the device. Intended for
// long-lived sessions subject to clock drift.
func (s *Session) Resync() error {
	if err := s.writeTime(); err != nil {
		return &ClockSyncError{Err: err}
	}
	return nil
}

func (s *Session) writeTime() error {
	return s.exec(gatt.EncodeTime(s.now()))
}

// exec writes a command and checks its acknowledgement.
func (s *Session) exec(payload []byte) error {
	_, err := s.roundTrip(payload, false)
	return err
}

// query writes a command, checks its acknowledgement and reads the
// command result characteristic.
func (s *Session) query(payload []byte) ([]byte, error) {
	return s.roundTrip(payload, true)
}

func (s *Session) roundTrip(payload []byte, wantResult bool) ([]byte, error) {
	s.mu.Lock()
	if s.auth != AuthAuthenticated || s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	chars := s.chars
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := chars.command.Write(payload); err != nil {
		return nil, fmt.Errorf("timeflip: write command 0x%02x: %w", payload[0], err)
	}
	ackData, err := chars.command.Read()
	if err != nil {
		return nil, fmt.Errorf("timeflip: read command ack: %w", err)
	}
	ack, err := gatt.DecodeCommandAck(ackData)
	if err != nil {
		return nil, fmt.Errorf("timeflip: %w", err)
	}
	if ack.Command != payload[0] {
		return nil, fmt.Errorf("timeflip: ack for command 0x%02x, expected 0x%02x", ack.Command, payload[0])
	}
	if ack.Result != gatt.AuthOK {
		return nil, fmt.Errorf("timeflip: command 0x%02x refused by device", payload[0])
	}
	if !wantResult {
		return nil, nil
	}
	data, err := chars.commandResult.Read()
	if err != nil {
		return nil, fmt.Errorf("timeflip: read command result: %w", err)
	}
	return data, nil
}

// Battery reads the current battery level.
func (s *Session) Battery() (gatt.BatteryLevel, error) {
	char, err := s.characteristic(func(c characteristics) ble.Characteristic { return c.battery })
	if err != nil {
		return gatt.BatteryLevel{}, err
	}
	data, err := char.Read()
	if err != nil {
		return gatt.BatteryLevel{}, fmt.Errorf("timeflip: read battery: %w", err)
	}
	return gatt.DecodeBattery(data)
}

// Facet reads the facet currently pointing upward.
func (s *Session) Facet() (uint8, error) {
	char, err := s.characteristic(func(c characteristics) ble.Characteristic { return c.facet })
	if err != nil {
		return 0, err
	}
	data, err := char.Read()
	if err != nil {
		return 0, fmt.Errorf("timeflip: read facet: %w", err)
	}
	return gatt.DecodeFacet(data)
}

// LastEvent reads the device's most recent event log line.
func (s *Session) LastEvent() (string, error) {
	char, err := s.characteristic(func(c characteristics) ble.Characteristic { return c.event })
	if err != nil {
		return "", err
	}
	data, err := char.Read()
	if err != nil {
		return "", fmt.Errorf("timeflip: read event: %w", err)
	}
	return string(data), nil
}

// SystemState reads and decodes the system-state characteristic.
func (s *Session) SystemState() (gatt.SystemState, error) {
	char, err := s.characteristic(func(c characteristics) ble.Characteristic { return c.systemState })
	if err != nil {
		return gatt.SystemState{}, err
	}
	data, err := char.Read()
	if err != nil {
		return gatt.SystemState{}, fmt.Errorf("timeflip: read system state: %w", err)
	}
	return gatt.DecodeSystemState(data)
}

// Status queries lock mode, pause mode and auto-pause time.
func (s *Session) Status() (gatt.SystemStatus, error) {
	data, err := s.query(gatt.EncodeReadStatus())
	if err != nil {
		return gatt.SystemStatus{}, err
	}
	return gatt.DecodeSystemStatus(data)
}

// Time queries the clock currently running on the device.
func (s *Session) Time() (time.Time, error) {
	data, err := s.query(gatt.EncodeGetTime())
	if err != nil {
		return time.Time{}, err
	}
	return gatt.DecodeTimeResult(data)
}

// SetLocked switches lock mode on or off.
func (s *Session) SetLocked(on bool) error { return s.exec(gatt.EncodeLockMode(on)) }

// SetPaused switches pause mode on or off.
func (s *Session) SetPaused(on bool) error { return s.exec(gatt.EncodePauseMode(on)) }

// SetAutoPause sets the auto-pause time in minutes; 0 disables it.
func (s *Session) SetAutoPause(minutes uint16) error { return s.exec(gatt.EncodeAutoPause(minutes)) }

// SetBrightness sets the LED brightness in percent.
func (s *Session) SetBrightness(percent uint8) error {
	payload, err := gatt.EncodeBrightness(percent)
	if err != nil {
		return err
	}
	return s.exec(payload)
}

// SetBlinkInterval sets the LED blink interval in seconds (5-60).
func (s *Session) SetBlinkInterval(seconds uint8) error {
	payload, err := gatt.EncodeBlinkInterval(seconds)
	if err != nil {
		return err
	}
	return s.exec(payload)
}

// SetColor sets a facet's LED color.
func (s *Session) SetColor(facet uint8, red, green, blue uint16) error {
	return s.exec(gatt.EncodeSetColor(facet, red, green, blue))
}

// SetTask assigns a timer task to a facet.
func (s *Session) SetTask(facet uint8, task gatt.FacetTask) error {
	return s.exec(gatt.EncodeSetTask(facet, task))
}

// Task queries a facet's timer settings.
func (s *Session) Task(facet uint8) (gatt.FacetSettings, error) {
	data, err := s.query(gatt.EncodeGetTask(facet))
	if err != nil {
		return gatt.FacetSettings{}, err
	}
	return gatt.DecodeFacetSettings(data)
}

// ReadLastHistoryEntry reads the newest flip entry from device memory.
func (s *Session) ReadLastHistoryEntry() (gatt.HistoryEntry, error) {
	char, err := s.characteristic(func(c characteristics) ble.Characteristic { return c.history })
	if err != nil {
		return gatt.HistoryEntry{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := char.Write(gatt.EncodeHistoryRead(gatt.HistoryLastEntry)); err != nil {
		return gatt.HistoryEntry{}, fmt.Errorf("timeflip: request history entry: %w", err)
	}
	data, err := char.Read()
	if err != nil {
		return gatt.HistoryEntry{}, fmt.Errorf("timeflip: read history entry: %w", err)
	}
	return gatt.DecodeHistoryEntry(data)
}

// ReadHistorySince replays every flip entry newer than id from device
// memory. Entries arrive as notifications and the device terminates the
// replay with an all-zero entry. Useful to recover intervals recorded
// while no client was connected; the device only stores flips longer
// than five seconds.
func (s *Session) ReadHistorySince(id uint32) ([]gatt.HistoryEntry, error) {
	char, err := s.characteristic(func(c characteristics) ble.Characteristic { return c.history })
	if err != nil {
		return nil, err
	}

	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	ch := make(chan []byte, 32)
	s.historyCh.Store(ch)
	defer s.historyCh.Store((chan []byte)(nil))

	s.writeMu.Lock()
	err = char.Write(gatt.EncodeHistorySince(id))
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeflip: request history replay: %w", err)
	}

	var entries []gatt.HistoryEntry
	deadline := time.NewTimer(s.opts.HistoryTimeout)
	defer deadline.Stop()
	for {
		select {
		case data := <-ch:
			entry, err := gatt.DecodeHistoryEntry(data)
			switch {
			case errors.Is(err, gatt.ErrEndOfHistory):
				return entries, nil
			case err != nil:
				s.log.Warn("skipping undecodable history entry", "error", err)
			default:
				entries = append(entries, entry)
			}
		case <-deadline.C:
			return entries, fmt.Errorf("timeflip: history replay timed out after %s", s.opts.HistoryTimeout)
		case <-s.done:
			return entries, ErrSessionClosed
		}
	}
}

func (s *Session) characteristic(pick func(characteristics) ble.Characteristic) (ble.Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return pick(s.chars), nil
}

// handleFacet runs on the transport's notification callback. Readings
// are only trusted once the session is authenticated; everything else
// is logged and dropped, never silently accepted.
func (s *Session) handleFacet(data []byte) {
	at := s.now()
	id, err := gatt.DecodeFacet(data)
	if err != nil {
		s.log.Warn("dropping malformed facet notification", "error", err)
		s.emit(EventError, err)
		return
	}

	s.mu.Lock()
	if s.auth != AuthAuthenticated {
		s.mu.Unlock()
		err := &UntrustedReadingError{Facet: id}
		s.log.Warn("dropping facet reading", "error", err)
		s.emit(EventError, err)
		return
	}
	closed, err := s.tracker.Observe(FacetReading{FacetID: id, ObservedAt: at})
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("dropping out-of-order facet reading", "error", err)
		s.emit(EventError, err)
		return
	}
	if closed != nil {
		s.log.Debug("interval closed", "facet", closed.FacetID, "duration", closed.Duration())
		s.emitInterval(*closed)
	}
}

func (s *Session) handleBattery(data []byte) {
	level, err := gatt.DecodeBattery(data)
	if err != nil {
		s.log.Warn("dropping malformed battery notification", "error", err)
		return
	}
	if level.Clamped {
		s.log.Warn("battery level out of range, clamped", "percent", level.Percent)
	}
	s.log.Debug("battery level", "percent", level.Percent)
}

func (s *Session) handleDoubleTap(data []byte) {
	facet, pause, err := gatt.DecodeDoubleTap(data)
	if err != nil {
		s.log.Warn("dropping malformed double-tap notification", "error", err)
		return
	}
	s.log.Info("double tap", "facet", facet, "pause", pause)
}

func (s *Session) handleHistory(data []byte) {
	ch, _ := s.historyCh.Load().(chan []byte)
	if ch == nil {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case ch <- cp:
	default:
		s.log.Warn("history replay buffer full, dropping entry")
	}
}

// handleDisconnect runs when the transport reports a dropped link. It
// force-closes the open interval at the disconnect time, discards the
// authentication state and, if configured, starts the reconnect loop.
func (s *Session) handleDisconnect() {
	at := s.now()

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.auth = AuthUnauthenticated
	s.conn = nil
	s.chars = characteristics{}
	closed := s.tracker.CloseAt(at)
	s.mu.Unlock()

	if closed != nil {
		s.emitInterval(*closed)
	}
	s.emit(EventDisconnected, nil)

	select {
	case <-s.done:
		return
	default:
	}
	if s.opts.Reconnect && s.reconnecting.CompareAndSwap(false, true) {
		s.log.Warn("disconnected, reconnecting")
		go s.reconnectLoop()
	} else if !s.opts.Reconnect {
		s.log.Warn("disconnected")
	}
}

// reconnectLoop attempts to reconnect with exponential backoff. The
// first attempt is immediate. Terminal session errors (bad password,
// device never ready) stop the loop; transport errors keep it going.
func (s *Session) reconnectLoop() {
	defer s.reconnecting.Store(false)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.opts.ReconnectMax)
			s.log.Info("reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-s.done:
				return
			}
		}
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.Lock()
		s.state = StateConnecting
		s.mu.Unlock()

		conn, err := s.adapter.Connect(context.Background(), s.addr)
		if err != nil {
			s.log.Warn("reconnect failed", "error", err, "attempt", attempt+1)
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
			continue
		}

		err = s.establish(conn)
		switch {
		case err == nil:
			s.log.Info("reconnected")
			return
		case errors.Is(err, ErrBadPassword), errors.Is(err, ErrDeviceNotReady), errors.Is(err, ErrSessionClosed):
			s.log.Error("reconnect abandoned", "error", err)
			return
		default:
			s.log.Warn("reconnect handshake failed", "error", err, "attempt", attempt+1)
		}
	}
}

// Close disconnects the device and shuts the session down for good. The
// open interval, if any, is force-closed. Safe to call while a write is
// pending; the in-flight result is discarded.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.chars = characteristics{}
	wasConnected := s.state != StateDisconnected
	s.state = StateDisconnected
	s.auth = AuthUnauthenticated
	closed := s.tracker.CloseAt(s.now())
	s.mu.Unlock()

	if closed != nil {
		// Best effort: the consumer may already be gone.
		select {
		case s.intervals <- *closed:
		default:
			s.log.Warn("dropping final interval, consumer gone", "facet", closed.FacetID)
		}
	}
	if conn != nil {
		conn.Disconnect()
	}
	if wasConnected {
		s.emit(EventDisconnected, nil)
	}
	return nil
}

// fail records a transport-level failure: back to Disconnected with an
// error event.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.auth = AuthUnauthenticated
	s.mu.Unlock()
	s.emit(EventError, err)
}

// teardown drops a connection after a terminal handshake failure.
func (s *Session) teardown(conn ble.Connection) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.conn = nil
	s.chars = characteristics{}
	s.mu.Unlock()
	conn.Disconnect()
}

func (s *Session) emitInterval(iv ActivityInterval) {
	select {
	case s.intervals <- iv:
	case <-s.done:
		s.log.Warn("session closed, dropping interval", "facet", iv.FacetID)
	}
}

func (s *Session) emit(t EventType, err error) {
	ev := SessionEvent{Type: t, Time: s.now(), Err: err}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, dropping event", "event", t, "error", err)
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at
// maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
