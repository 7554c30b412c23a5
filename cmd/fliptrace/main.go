package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fliptrace/fliptrace/internal/ble"
	"github.com/fliptrace/fliptrace/internal/config"
	"github.com/fliptrace/fliptrace/internal/logging"
	"github.com/fliptrace/fliptrace/internal/publish"
	"github.com/fliptrace/fliptrace/internal/timeflip"
	"github.com/fliptrace/fliptrace/internal/timeflip/gatt"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/fliptrace/config.yaml)")
	address := flag.String("address", "", "device address, overrides the config file")
	scan := flag.Bool("scan", false, "scan for TimeFlip dice and exit")
	writeConfig := flag.Bool("write-config", false, "write a default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("config file already exists, not overwriting")
		} else {
			fmt.Println("wrote", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Device.Address = *address
	}

	logger := logging.New(config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat)
	adapter := ble.NewHardwareAdapter()

	if *scan {
		if err := scanDevices(adapter, logger); err != nil {
			logger.Error("scan failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, adapter, logger); err != nil {
		logger.Error("fliptrace failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, adapter ble.Adapter, logger *slog.Logger) error {
	opts := timeflip.DefaultOptions()
	opts.Password = cfg.Device.Password
	opts.Reconnect = cfg.Session.Reconnect
	opts.ReconnectMax = cfg.Session.ReconnectMaxSeconds
	opts.ReadyAttempts = cfg.Session.ReadyAttempts
	opts.ReadyDelay = time.Duration(cfg.Session.ReadyDelayMS) * time.Millisecond

	session, err := timeflip.NewSession(adapter, cfg.Device.Address, opts, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	var publisher *publish.Publisher
	if cfg.MQTT.Enabled {
		publisher = publish.NewPublisher(cfg.MQTT, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := publisher.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer publisher.Disconnect()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting", "address", cfg.Device.Address)
	if err := session.Connect(ctx); err != nil {
		return err
	}

	for {
		select {
		case iv := <-session.Intervals():
			handleInterval(cfg, logger, publisher, iv, "live")

		case ev := <-session.Events():
			handleEvent(cfg, session, logger, publisher, ev)

		case <-ctx.Done():
			logger.Info("shutting down")
			session.Close()
			drainIntervals(cfg, logger, publisher, session)
			return nil

		case <-session.Done():
			return nil
		}
	}
}

func handleInterval(cfg *config.Config, logger *slog.Logger, publisher *publish.Publisher, iv timeflip.ActivityInterval, source string) {
	name := cfg.FacetName(iv.FacetID)
	logger.Info("interval",
		"facet", iv.FacetID,
		"name", name,
		"start", iv.Start.Format(time.RFC3339),
		"duration", iv.Duration().Round(time.Second),
		"source", source,
	)
	if publisher == nil {
		return
	}
	rec := publish.IntervalRecord{
		Device:          cfg.Device.Address,
		Facet:           iv.FacetID,
		FacetName:       name,
		Start:           iv.Start,
		End:             iv.End,
		DurationSeconds: iv.Duration().Seconds(),
		Source:          source,
	}
	if err := publisher.PublishInterval(rec); err != nil {
		logger.Warn("publish interval failed", "error", err)
	}
}

func handleEvent(cfg *config.Config, session *timeflip.Session, logger *slog.Logger, publisher *publish.Publisher, ev timeflip.SessionEvent) {
	if ev.Type == timeflip.EventError {
		logger.Warn("session error", "error", ev.Err)
	} else {
		logger.Info("session event", "event", ev.Type)
	}

	if ev.Type == timeflip.EventReady {
		// Push the configured device settings each time the session
		// becomes ready; a factory-reset die gets them back this way.
		go func() {
			if err := pushSettings(cfg, session, logger); err != nil {
				logger.Warn("pushing device settings failed", "error", err)
			}
			if cfg.Session.HistoryCatchup {
				catchUpHistory(cfg, session, logger, publisher)
			}
		}()
	}

	if publisher != nil {
		rec := publish.EventRecord{
			Device: cfg.Device.Address,
			Type:   ev.Type.String(),
			Time:   ev.Time,
		}
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}
		if err := publisher.PublishEvent(rec); err != nil {
			logger.Warn("publish event failed", "error", err)
		}
	}
}

// pushSettings applies the configured brightness, blink interval,
// auto-pause and per-facet tasks and colors to the device.
func pushSettings(cfg *config.Config, session *timeflip.Session, logger *slog.Logger) error {
	if cfg.Device.Brightness >= 0 {
		if err := session.SetBrightness(uint8(cfg.Device.Brightness)); err != nil {
			return fmt.Errorf("brightness: %w", err)
		}
	}
	if cfg.Device.BlinkSeconds > 0 {
		if err := session.SetBlinkInterval(uint8(cfg.Device.BlinkSeconds)); err != nil {
			return fmt.Errorf("blink interval: %w", err)
		}
	}
	if cfg.Device.AutoPauseMinutes >= 0 {
		if err := session.SetAutoPause(uint16(cfg.Device.AutoPauseMinutes)); err != nil {
			return fmt.Errorf("auto-pause: %w", err)
		}
	}
	for facet, fc := range cfg.Facets {
		if fc.PomodoroMinutes > 0 {
			task := gatt.FacetTask{
				Kind:            gatt.TaskPomodoro,
				PomodoroSeconds: uint32(fc.PomodoroMinutes) * 60,
			}
			if err := session.SetTask(facet, task); err != nil {
				return fmt.Errorf("facet %d task: %w", facet, err)
			}
		}
		if r, g, b, ok := fc.RGB(); ok {
			if err := session.SetColor(facet, r, g, b); err != nil {
				return fmt.Errorf("facet %d color: %w", facet, err)
			}
		}
	}

	if battery, err := session.Battery(); err == nil {
		logger.Info("device ready", "battery", battery.Percent)
	}
	return nil
}

// catchUpHistory replays flips the die recorded while nothing was
// connected and publishes them like live intervals.
func catchUpHistory(cfg *config.Config, session *timeflip.Session, logger *slog.Logger, publisher *publish.Publisher) {
	entries, err := session.ReadHistorySince(0)
	if err != nil && !errors.Is(err, timeflip.ErrSessionClosed) {
		logger.Warn("history catch-up failed", "error", err, "entries", len(entries))
	}
	for _, e := range entries {
		if e.Paused {
			continue
		}
		iv := timeflip.ActivityInterval{
			FacetID: e.Facet,
			Start:   e.Start,
			End:     e.Start.Add(e.Duration),
		}
		handleInterval(cfg, logger, publisher, iv, "history")
	}
	if len(entries) > 0 {
		logger.Info("history catch-up done", "entries", len(entries))
	}
}

// drainIntervals flushes intervals still buffered after Close, the
// force-closed final interval included.
func drainIntervals(cfg *config.Config, logger *slog.Logger, publisher *publish.Publisher, session *timeflip.Session) {
	for {
		select {
		case iv := <-session.Intervals():
			handleInterval(cfg, logger, publisher, iv, "live")
		default:
			return
		}
	}
}

func scanDevices(adapter ble.Adapter, logger *slog.Logger) error {
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("scanning for TimeFlip dice", "timeout", "10s")
	devices, err := adapter.Scan(ctx, gatt.TimeFlipServiceUUID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no TimeFlip dice found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%s  %s  (RSSI %d)\n", d.Address, d.Name, d.RSSI)
	}
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}
