// Package platform checks host Bluetooth preconditions before the BLE
// client touches the radio.
package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	uuid "github.com/satori/go.uuid"

	"github.com/chaz8081/simpleble/internal/ble"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	propsIface      = "org.freedesktop.DBus.Properties"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"

	accessDenied = "org.freedesktop.DBus.Error.AccessDenied"

	// DefaultAdapter is the first HCI controller.
	DefaultAdapter = "hci0"
)

// bus is the slice of the system bus the checks need.
type bus interface {
	managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error)
	property(path dbus.ObjectPath, iface, name string) (dbus.Variant, error)
}

type systemBus struct {
	conn *dbus.Conn
}

func (b systemBus) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := b.conn.Object(bluezService, dbus.ObjectPath("/")).Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("platform: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("platform: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func (b systemBus) property(path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := b.conn.Object(bluezService, path).Call(propsIface+".Get", 0, iface, name)
	if call.Err != nil {
		return v, fmt.Errorf("platform: get %s.%s: %w", iface, name, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return v, fmt.Errorf("platform: decode %s.%s: %w", iface, name, err)
	}
	return v, nil
}

// BlueZ answers the BLE client's environment checks from the BlueZ daemon
// over the D-Bus system bus.
type BlueZ struct {
	bus  bus
	path dbus.ObjectPath
}

// NewBlueZ connects to the system bus. adapter names the HCI controller,
// "hci0" when empty.
func NewBlueZ(adapter string) (*BlueZ, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("platform: connect to system bus: %w", err)
	}
	return newBlueZ(systemBus{conn: conn}, adapter), nil
}

func newBlueZ(b bus, adapter string) *BlueZ {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return &BlueZ{bus: b, path: dbus.ObjectPath("/org/bluez/" + adapter)}
}

var (
	_ ble.Environment  = (*BlueZ)(nil)
	_ ble.PairedLister = (*BlueZ)(nil)
)

// HardwareAvailable reports whether BlueZ exposes the adapter.
func (z *BlueZ) HardwareAvailable() bool {
	objs, err := z.bus.managedObjects()
	if err != nil {
		// Without access we cannot tell; let PermissionsGranted report it.
		if isAccessDenied(err) {
			return true
		}
		slog.Debug("[BLE] listing BlueZ objects", "error", err)
		return false
	}
	_, ok := objs[z.path][adapterIface]
	return ok
}

// Enabled reports whether the adapter is powered on.
func (z *BlueZ) Enabled() bool {
	v, err := z.bus.property(z.path, adapterIface, "Powered")
	if err != nil {
		if isAccessDenied(err) {
			return true
		}
		slog.Debug("[BLE] reading adapter power state", "adapter", z.path, "error", err)
		return false
	}
	powered, ok := v.Value().(bool)
	return ok && powered
}

// PermissionsGranted reports whether this process may talk to BlueZ.
func (z *BlueZ) PermissionsGranted() bool {
	_, err := z.bus.managedObjects()
	return !isAccessDenied(err)
}

// PairedDevices lists the Device1 objects under the adapter whose Paired
// property is true, ordered by address.
func (z *BlueZ) PairedDevices() ([]ble.Device, error) {
	objs, err := z.bus.managedObjects()
	if err != nil {
		return nil, err
	}
	prefix := string(z.path) + "/"
	var devices []ble.Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		devices = append(devices, deviceFromProps(props))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
	return devices, nil
}

func deviceFromProps(props map[string]dbus.Variant) ble.Device {
	d := ble.Device{}
	d.Address, _ = props["Address"].Value().(string)
	if name, ok := props["Name"].Value().(string); ok {
		d.Name = name
	} else {
		d.Name, _ = props["Alias"].Value().(string)
	}
	if rssi, ok := props["RSSI"].Value().(int16); ok {
		d.RSSI = int(rssi)
	}
	ids, _ := props["UUIDs"].Value().([]string)
	for _, s := range ids {
		u, err := uuid.FromString(s)
		if err != nil {
			slog.Debug("[BLE] skipping malformed service UUID", "address", d.Address, "uuid", s)
			continue
		}
		d.Services = append(d.Services, u)
	}
	return d
}

func isAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name == accessDenied
	}
	var pe *dbus.Error
	if errors.As(err, &pe) {
		return pe.Name == accessDenied
	}
	return false
}
