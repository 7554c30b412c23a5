package timeflip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fliptrace/fliptrace/internal/timeflip/gatt"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.ReadyAttempts = 3
	opts.ReadyDelay = time.Millisecond
	opts.HistoryTimeout = time.Second
	return opts
}

func newTestSession(t *testing.T, dev *mockDevice, opts Options) (*Session, *fakeClock) {
	t.Helper()
	s, err := NewSession(dev, mockAddr, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	clk := &fakeClock{t: trackerEpoch}
	s.now = clk.now
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func waitEvent(t *testing.T, s *Session, want EventType) SessionEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func waitInterval(t *testing.T, s *Session) ActivityInterval {
	t.Helper()
	select {
	case iv := <-s.Intervals():
		return iv
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for interval")
		return ActivityInterval{}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	// Generous: a failed reconnect attempt backs off for a full second.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session state = %s, want %s", s.State(), want)
}

func TestSessionConnectAuthenticatesAndSyncsClock(t *testing.T) {
	dev := newMockDevice()
	s, _ := newTestSession(t, dev, fastOptions())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("State() = %s, want ready", s.State())
	}
	if s.AuthState() != AuthAuthenticated {
		t.Errorf("AuthState() = %v, want authenticated", s.AuthState())
	}

	waitEvent(t, s, EventConnected)
	waitEvent(t, s, EventAuthenticated)
	waitEvent(t, s, EventReady)

	conn := dev.latestConn()
	pwWrites := conn.char(gatt.PasswordCharUUID).writtenPayloads()
	if len(pwWrites) != 1 || string(pwWrites[0]) != "000000" {
		t.Errorf("password writes = %q, want one write of 000000", pwWrites)
	}

	// The clock must be written exactly once per session.
	var timeWrites int
	for _, w := range conn.char(gatt.CommandCharUUID).writtenPayloads() {
		if len(w) == 9 && w[0] == gatt.CmdSetTime {
			timeWrites++
		}
	}
	if timeWrites != 1 {
		t.Errorf("set-time commands = %d, want exactly 1", timeWrites)
	}
}

func TestSessionBadPasswordIsTerminal(t *testing.T) {
	dev := newMockDevice()
	dev.password = []byte("123456")
	s, _ := newTestSession(t, dev, fastOptions())

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrBadPassword) {
		t.Fatalf("Connect() error = %v, want ErrBadPassword", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", s.State())
	}
	ev := waitEvent(t, s, EventError)
	if !errors.Is(ev.Err, ErrBadPassword) {
		t.Errorf("error event = %v, want ErrBadPassword", ev.Err)
	}
	if s.reconnecting.Load() {
		t.Error("bad password must not trigger the reconnect loop")
	}
}

func TestSessionNotReadyIsTerminal(t *testing.T) {
	dev := newMockDevice()
	dev.setState([]byte{0x02, 0x02, 0x00, 0x00}) // settings sync only the consumer can resolve
	s, _ := newTestSession(t, dev, fastOptions())

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrDeviceNotReady) {
		t.Fatalf("Connect() error = %v, want ErrDeviceNotReady", err)
	}
}

func TestSessionTimeSyncRequestResolvedDuringHandshake(t *testing.T) {
	dev := newMockDevice()
	dev.setState([]byte{0x02, 0x01, 0x00, 0x00}) // device asks for the time
	s, _ := newTestSession(t, dev, fastOptions())

	// The mock flips to ready once the clock write lands.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("State() = %s, want ready", s.State())
	}
	dev.mu.Lock()
	lastCmd := dev.lastCmd
	dev.mu.Unlock()
	if lastCmd != gatt.CmdSetTime {
		t.Errorf("last command = 0x%02x, want set-time", lastCmd)
	}
}

func TestSessionMalformedSystemStateIsNotFatalToDecode(t *testing.T) {
	dev := newMockDevice()
	dev.setState([]byte{0x00, 0x00}) // truncated payload
	s, _ := newTestSession(t, dev, fastOptions())

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrDeviceNotReady) {
		t.Fatalf("Connect() error = %v, want ErrDeviceNotReady after retries", err)
	}

	ev := waitEvent(t, s, EventError)
	var derr *gatt.DecodeError
	if !errors.As(ev.Err, &derr) {
		t.Errorf("error event = %v, want DecodeError", ev.Err)
	}
}

func TestSessionFacetNotificationsProduceIntervals(t *testing.T) {
	dev := newMockDevice()
	s, clk := newTestSession(t, dev, fastOptions())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	facet := dev.latestConn().char(gatt.FacetCharUUID)
	clk.set(at(0))
	facet.notify([]byte{1})
	clk.set(at(5))
	facet.notify([]byte{1}) // duplicate, debounced
	clk.set(at(60))
	facet.notify([]byte{2})

	iv := waitInterval(t, s)
	want := ActivityInterval{FacetID: 1, Start: at(0), End: at(60)}
	if iv != want {
		t.Errorf("interval = %+v, want %+v", iv, want)
	}
}

func TestSessionDisconnectForceClosesInterval(t *testing.T) {
	dev := newMockDevice()
	opts := fastOptions()
	opts.Reconnect = false
	s, clk := newTestSession(t, dev, opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn := dev.latestConn()
	clk.set(at(0))
	conn.char(gatt.FacetCharUUID).notify([]byte{3})
	clk.set(at(42))
	conn.simulateDisconnect()

	iv := waitInterval(t, s)
	want := ActivityInterval{FacetID: 3, Start: at(0), End: at(42)}
	if iv != want {
		t.Errorf("interval = %+v, want %+v", iv, want)
	}
	waitEvent(t, s, EventDisconnected)
	if s.AuthState() != AuthUnauthenticated {
		t.Error("auth state must reset on disconnect")
	}

	// A second disconnect must not close another interval.
	conn.simulateDisconnect()
	select {
	case iv := <-s.Intervals():
		t.Errorf("unexpected second interval %+v", iv)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSessionReadingBeforeAuthIsDropped(t *testing.T) {
	dev := newMockDevice()
	opts := fastOptions()
	opts.Reconnect = false
	s, _ := newTestSession(t, dev, opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn := dev.latestConn()
	conn.simulateDisconnect()
	waitEvent(t, s, EventDisconnected)

	conn.char(gatt.FacetCharUUID).notify([]byte{5})

	ev := waitEvent(t, s, EventError)
	var uerr *UntrustedReadingError
	if !errors.As(ev.Err, &uerr) || uerr.Facet != 5 {
		t.Errorf("error event = %v, want UntrustedReadingError for facet 5", ev.Err)
	}
	select {
	case iv := <-s.Intervals():
		t.Errorf("untrusted reading produced interval %+v", iv)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSessionOutOfOrderReadingIsDropped(t *testing.T) {
	dev := newMockDevice()
	s, clk := newTestSession(t, dev, fastOptions())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	facet := dev.latestConn().char(gatt.FacetCharUUID)
	clk.set(at(100))
	facet.notify([]byte{1})
	clk.set(at(50))
	facet.notify([]byte{2})

	ev := waitEvent(t, s, EventError)
	var oerr *OrderingError
	if !errors.As(ev.Err, &oerr) {
		t.Errorf("error event = %v, want OrderingError", ev.Err)
	}

	// The open interval survives and closes normally afterwards.
	clk.set(at(200))
	facet.notify([]byte{2})
	iv := waitInterval(t, s)
	want := ActivityInterval{FacetID: 1, Start: at(100), End: at(200)}
	if iv != want {
		t.Errorf("interval = %+v, want %+v", iv, want)
	}
}

func TestSessionReconnectReauthenticates(t *testing.T) {
	dev := newMockDevice()
	s, _ := newTestSession(t, dev, fastOptions())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	dev.latestConn().simulateDisconnect()
	waitState(t, s, StateReady)

	if dev.connCount() != 2 {
		t.Fatalf("connection count = %d, want 2", dev.connCount())
	}
	pwWrites := dev.latestConn().char(gatt.PasswordCharUUID).writtenPayloads()
	if len(pwWrites) != 1 {
		t.Errorf("password writes on new connection = %d, want 1", len(pwWrites))
	}
	if s.AuthState() != AuthAuthenticated {
		t.Error("session must reauthenticate after reconnect")
	}
}

func TestSessionReconnectRetriesTransportFailures(t *testing.T) {
	dev := newMockDevice()
	opts := fastOptions()
	opts.ReconnectMax = 1 // keep the backoff short for the test
	s, _ := newTestSession(t, dev, opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	dev.mu.Lock()
	dev.failConnects = 1
	dev.mu.Unlock()

	dev.latestConn().simulateDisconnect()
	waitState(t, s, StateReady)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.reconnecting.Load() {
		time.Sleep(2 * time.Millisecond)
	}
	if s.reconnecting.Load() {
		t.Error("reconnecting flag should clear after successful reconnect")
	}
}

func TestSessionCloseStopsReconnectLoop(t *testing.T) {
	dev := newMockDevice()
	opts := fastOptions()
	opts.ReconnectMax = 1
	s, _ := newTestSession(t, dev, opts)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	dev.mu.Lock()
	dev.failConnects = 1000 // keep every reconnect attempt failing
	dev.mu.Unlock()

	dev.latestConn().simulateDisconnect()
	time.Sleep(10 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.reconnecting.Load() {
		time.Sleep(2 * time.Millisecond)
	}
	if s.reconnecting.Load() {
		t.Error("reconnect loop should stop after Close")
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestSessionStatusQuery(t *testing.T) {
	dev := newMockDevice()
	s, _ := newTestSession(t, dev, fastOptions())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	dev.mu.Lock()
	dev.result = []byte{0x01, 0x02, 0x01, 0xE0}
	dev.mu.Unlock()

	status, err := s.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	want := gatt.SystemStatus{LockMode: true, PauseMode: false, AutoPauseMinutes: 480}
	if status != want {
		t.Errorf("Status() = %+v, want %+v", status, want)
	}
}

func TestSessionCommandsRequireConnection(t *testing.T) {
	dev := newMockDevice()
	s, _ := newTestSession(t, dev, fastOptions())

	if err := s.SetPaused(true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetPaused() before connect error = %v, want ErrNotConnected", err)
	}
	if _, err := s.Battery(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Battery() before connect error = %v, want ErrNotConnected", err)
	}
}

func TestSessionHistoryReplay(t *testing.T) {
	dev := newMockDevice()
	s, _ := newTestSession(t, dev, fastOptions())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	dev.mu.Lock()
	dev.history = [][]byte{
		{0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x00, 0x00, 0x00, 0x65, 0x19, 0x67, 0x70, 0x00, 0x00, 0x00, 0x3C},
		{0x00, 0x00, 0x00, 0x02, 0x85, 0x00, 0x00, 0x00, 0x00, 0x65, 0x19, 0x67, 0xAC, 0x00, 0x00, 0x0E, 0x10},
	}
	dev.mu.Unlock()

	entries, err := s.ReadHistorySince(0)
	if err != nil {
		t.Fatalf("ReadHistorySince() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ReadHistorySince() returned %d entries, want 2", len(entries))
	}
	if entries[0].ID != 1 || entries[0].Facet != 2 || entries[0].Paused {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].ID != 2 || entries[1].Facet != 5 || !entries[1].Paused {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[1].Duration != time.Hour {
		t.Errorf("entry 1 duration = %v, want 1h", entries[1].Duration)
	}
}

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}
	for i, want := range delays {
		if got := backoffDelay(i, 30); got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}

	// Large attempt counts must not overflow the shift.
	if got := backoffDelay(100, 30); got != 30*time.Second {
		t.Errorf("backoffDelay(100, 30) = %v, want 30s", got)
	}
	if got := backoffDelay(31, 60); got <= 0 || got > 60*time.Second {
		t.Errorf("backoffDelay(31, 60) = %v, want positive and capped", got)
	}
}
