package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// HardwareAdapter wraps tinygo-org/bluetooth. On Linux the address is a
// MAC address; on macOS it is the CoreBluetooth UUID the OS assigns to
// the peripheral. Config and Device structs store this string verbatim.
type HardwareAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*hardwareConnection // keyed by device address
}

// NewHardwareAdapter creates a BLE adapter backed by the platform stack.
func NewHardwareAdapter() *HardwareAdapter {
	return &HardwareAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*hardwareConnection),
	}
}

func (a *HardwareAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Register the adapter-level connect/disconnect handler. The stack
	// fires this callback (with connected=false) when a peripheral
	// disconnects, which is how we learn about dropped links.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

func (a *HardwareAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *HardwareAdapter) Connect(ctx context.Context, addr string) (Connection, error) {
	var address bluetooth.Address
	address.Set(addr)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(address, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed.
		// We can't cancel it from here, but we return immediately.
		return nil, fmt.Errorf("ble: connect to %s: %w", addr, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", addr, result.err)
		}
		conn := &hardwareConnection{device: &result.device}

		// Track this connection so the adapter-level disconnect handler
		// can find it and fire its OnDisconnect callback.
		a.mu.Lock()
		a.connections[addr] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that HardwareAdapter implements Adapter.
var _ Adapter = (*HardwareAdapter)(nil)

type hardwareConnection struct {
	device       *bluetooth.Device
	disconnectCb func()
}

func (c *hardwareConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &hardwareCharacteristic{char: &chars[0]}, nil
}

func (c *hardwareConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *hardwareConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type hardwareCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *hardwareCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 64)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *hardwareCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *hardwareCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
