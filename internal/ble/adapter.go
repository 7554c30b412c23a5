// Package ble abstracts the Bluetooth Low Energy transport used to talk
// to a TimeFlip2 dice. The session logic depends only on the Adapter,
// Connection and Characteristic interfaces so it can be exercised
// against a mock transport in tests.
package ble

import "context"

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read reads the characteristic's current value.
	Read() ([]byte, error)
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, addr string) (Connection, error)
}
