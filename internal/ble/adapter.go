// Package ble is a BLE GATT central client. It serializes every GATT
// transaction through a single timeout-bound scheduler, bridges the
// driver's callbacks into awaitable results, reassembles fragmented
// messages and keeps device discovery bounded in time.
package ble

import (
	uuid "github.com/satori/go.uuid"
)

// Status is a GATT status code delivered with a driver callback.
type Status int

// StatusSuccess is the only status treated as success.
const StatusSuccess Status = 0

// Native connection state codes reported by OnConnectionStateChange.
const (
	NativeStateDisconnected  = 0
	NativeStateConnecting    = 1
	NativeStateConnected     = 2
	NativeStateDisconnecting = 3
)

// Characteristic property flags.
const (
	PropertyRead     uint8 = 0x02
	PropertyWriteNR  uint8 = 0x04
	PropertyWrite    uint8 = 0x08
	PropertyNotify   uint8 = 0x10
	PropertyIndicate uint8 = 0x20
)

// Device is a peripheral seen by a scan. The driver keeps whatever native
// reference it needs to connect in native; a Device built from a bare
// address cannot be connected to.
type Device struct {
	Name     string
	Address  string
	RSSI     int
	Services []uuid.UUID

	native any
}

// CharacteristicInfo describes one characteristic of a discovered service.
type CharacteristicInfo struct {
	Service    uuid.UUID
	UUID       uuid.UUID
	Properties uint8
}

// CanNotify reports whether the characteristic supports notifications.
func (c CharacteristicInfo) CanNotify() bool { return c.Properties&PropertyNotify != 0 }

// CanIndicate reports whether the characteristic supports indications.
func (c CharacteristicInfo) CanIndicate() bool { return c.Properties&PropertyIndicate != 0 }

// ServiceInfo is a discovered GATT service.
type ServiceInfo struct {
	UUID            uuid.UUID
	Characteristics []CharacteristicInfo
}

// ScanFilter restricts discovery. Zero fields match everything.
type ScanFilter struct {
	Service uuid.UUID
	Name    string
}

// Matches reports whether d passes the filter.
func (f ScanFilter) Matches(d Device) bool {
	if f.Name != "" && d.Name != f.Name {
		return false
	}
	if uuid.Equal(f.Service, uuid.Nil) {
		return true
	}
	for _, s := range d.Services {
		if uuid.Equal(s, f.Service) {
			return true
		}
	}
	return false
}

// Callbacks receives the driver's asynchronous results. Drivers may invoke
// them from any goroutine.
type Callbacks interface {
	OnConnectionStateChange(status Status, nativeState int)
	OnServicesDiscovered(status Status)
	OnCharacteristicRead(char uuid.UUID, value []byte, status Status)
	OnCharacteristicChanged(char uuid.UUID, value []byte)
	OnCharacteristicWrite(char uuid.UUID, status Status)
	OnDescriptorWrite(char uuid.UUID, status Status)
}

// Handle is one native connection. Request methods only issue the
// operation; the result arrives through Callbacks.
type Handle interface {
	DiscoverServices() error
	// Services returns the services found by the last discovery.
	Services() []ServiceInfo
	ReadCharacteristic(c CharacteristicInfo) error
	WriteCharacteristic(c CharacteristicInfo, data []byte) error
	// WriteDescriptor writes value to the CCCD of c.
	WriteDescriptor(c CharacteristicInfo, value []byte) error
	Disconnect() error
	// Close releases the native connection. It must be safe to call after
	// the link is already gone.
	Close() error
}

// Driver abstracts the BLE hardware for testing.
type Driver interface {
	// Enable powers on the adapter.
	Enable() error
	// StartScan begins discovery. onResult and onFailure may be called from
	// any goroutine until StopScan returns.
	StartScan(filter ScanFilter, onResult func(Device), onFailure func(error)) error
	StopScan() error
	// Connect starts connecting to a device obtained from a scan. The
	// connection result is reported to cb.
	Connect(d Device, cb Callbacks) (Handle, error)
}

// Environment reports platform preconditions checked before any operation.
type Environment interface {
	HardwareAvailable() bool
	Enabled() bool
	PermissionsGranted() bool
}

// PairedLister lists the peripherals already bonded with the host adapter.
// An Environment may implement it.
type PairedLister interface {
	PairedDevices() ([]Device, error)
}
