package ble

import (
	"fmt"
	"log/slog"
	"sync"

	uuid "github.com/satori/go.uuid"
	"tinygo.org/x/bluetooth"
)

// statusGattError is reported when tinygo/bluetooth returns an error; it
// has no finer grained status codes.
const statusGattError Status = 0x85

// readBufferSize is the largest attribute value a single read can return.
const readBufferSize = 512

// TinyGoDriver drives the host adapter through tinygo-org/bluetooth.
// tinygo/bluetooth calls block, so every request runs on its own goroutine
// and reports back through Callbacks.
//
// tinygo/bluetooth does not expose characteristic property flags on every
// platform, so discovered characteristics are reported as readable,
// writable and notify capable. Subscribing with an explicit allow-list
// avoids enabling characteristics that cannot notify.
type TinyGoDriver struct {
	adapter *bluetooth.Adapter

	// mu protects the handles map.
	mu      sync.Mutex
	handles map[string]*tinyGoHandle // keyed by device address
}

// NewTinyGoDriver creates a driver using the default host adapter.
func NewTinyGoDriver() *TinyGoDriver {
	return &TinyGoDriver{
		adapter: bluetooth.DefaultAdapter,
		handles: make(map[string]*tinyGoHandle),
	}
}

// Compile-time check that TinyGoDriver implements Driver.
var _ Driver = (*TinyGoDriver)(nil)

// characteristicIO is the part of bluetooth.DeviceCharacteristic the driver
// uses for values. Both methods exist on linux, darwin and windows.
type characteristicIO interface {
	Read(data []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
}

var _ characteristicIO = bluetooth.DeviceCharacteristic{}

func (d *TinyGoDriver) Enable() error {
	if err := d.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only place an unsolicited
	// disconnect is reported.
	d.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		d.mu.Lock()
		h, ok := d.handles[device.Address.String()]
		d.mu.Unlock()
		if ok {
			h.reportDisconnected(StatusSuccess)
		}
	})
	return nil
}

func (d *TinyGoDriver) StartScan(filter ScanFilter, onResult func(Device), onFailure func(error)) error {
	var service bluetooth.UUID
	hasService := !uuid.Equal(filter.Service, uuid.Nil)
	if hasService {
		parsed, err := bluetooth.ParseUUID(filter.Service.String())
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		service = parsed
	}

	go func() {
		err := d.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			dev := Device{
				Name:    result.LocalName(),
				Address: result.Address.String(),
				RSSI:    int(result.RSSI),
				native:  result.Address,
			}
			if hasService {
				if !result.HasServiceUUID(service) {
					return
				}
				dev.Services = []uuid.UUID{filter.Service}
			}
			onResult(dev)
		})
		if err != nil {
			onFailure(fmt.Errorf("ble: scan: %w", err))
		}
	}()
	return nil
}

func (d *TinyGoDriver) StopScan() error {
	return d.adapter.StopScan()
}

func (d *TinyGoDriver) Connect(dev Device, cb Callbacks) (Handle, error) {
	addr, ok := dev.native.(bluetooth.Address)
	if !ok {
		return nil, fmt.Errorf("ble: device %s was not obtained from a scan", dev.Address)
	}
	h := &tinyGoHandle{driver: d, cb: cb, address: dev.Address}

	go func() {
		device, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			slog.Error("[BLE] native connect failed", "address", dev.Address, "error", err)
			cb.OnConnectionStateChange(statusGattError, NativeStateDisconnected)
			return
		}
		if !h.attach(&device) {
			// The caller gave up before the link came up.
			_ = device.Disconnect()
			return
		}
		d.mu.Lock()
		d.handles[dev.Address] = h
		d.mu.Unlock()
		cb.OnConnectionStateChange(StatusSuccess, NativeStateConnected)
	}()
	return h, nil
}

func (d *TinyGoDriver) forget(address string, h *tinyGoHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handles[address] == h {
		delete(d.handles, address)
	}
}

type tinyGoHandle struct {
	driver  *TinyGoDriver
	cb      Callbacks
	address string

	mu       sync.Mutex
	device   *bluetooth.Device
	services []ServiceInfo
	chars    map[uuid.UUID]bluetooth.DeviceCharacteristic
	closed   bool

	disconnected sync.Once
}

var _ Handle = (*tinyGoHandle)(nil)

func (h *tinyGoHandle) attach(device *bluetooth.Device) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.device = device
	return true
}

func (h *tinyGoHandle) connected() (*bluetooth.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.device == nil {
		return nil, fmt.Errorf("ble: %s is not connected", h.address)
	}
	return h.device, nil
}

func (h *tinyGoHandle) characteristic(id uuid.UUID) (bluetooth.DeviceCharacteristic, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.chars[id]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not discovered", id)
	}
	return ch, nil
}

func (h *tinyGoHandle) DiscoverServices() error {
	device, err := h.connected()
	if err != nil {
		return err
	}
	go func() {
		services, chars, err := discoverAll(device)
		if err != nil {
			slog.Error("[BLE] native service discovery failed", "error", err)
			h.cb.OnServicesDiscovered(statusGattError)
			return
		}
		h.mu.Lock()
		h.services = services
		h.chars = chars
		h.mu.Unlock()
		h.cb.OnServicesDiscovered(StatusSuccess)
	}()
	return nil
}

func discoverAll(device *bluetooth.Device) ([]ServiceInfo, map[uuid.UUID]bluetooth.DeviceCharacteristic, error) {
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover services: %w", err)
	}
	var services []ServiceInfo
	chars := make(map[uuid.UUID]bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		svcID, err := uuid.FromString(svc.UUID().String())
		if err != nil {
			return nil, nil, fmt.Errorf("ble: service UUID: %w", err)
		}
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcID, err)
		}
		info := ServiceInfo{UUID: svcID}
		for _, ch := range found {
			id, err := uuid.FromString(ch.UUID().String())
			if err != nil {
				return nil, nil, fmt.Errorf("ble: characteristic UUID: %w", err)
			}
			chars[id] = ch
			info.Characteristics = append(info.Characteristics, CharacteristicInfo{
				Service:    svcID,
				UUID:       id,
				Properties: PropertyRead | PropertyWrite | PropertyNotify,
			})
		}
		services = append(services, info)
	}
	return services, chars, nil
}

func (h *tinyGoHandle) Services() []ServiceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ServiceInfo(nil), h.services...)
}

func (h *tinyGoHandle) ReadCharacteristic(c CharacteristicInfo) error {
	ch, err := h.characteristic(c.UUID)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, readBufferSize)
		n, err := ch.Read(buf)
		if err != nil {
			slog.Error("[BLE] native read failed", "char", c.UUID, "error", err)
			h.cb.OnCharacteristicRead(c.UUID, nil, statusGattError)
			return
		}
		h.cb.OnCharacteristicRead(c.UUID, buf[:n], StatusSuccess)
	}()
	return nil
}

func (h *tinyGoHandle) WriteCharacteristic(c CharacteristicInfo, data []byte) error {
	ch, err := h.characteristic(c.UUID)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	go func() {
		if _, err := ch.WriteWithoutResponse(payload); err != nil {
			slog.Error("[BLE] native write failed", "char", c.UUID, "error", err)
			h.cb.OnCharacteristicWrite(c.UUID, statusGattError)
			return
		}
		h.cb.OnCharacteristicWrite(c.UUID, StatusSuccess)
	}()
	return nil
}

// WriteDescriptor enables notifications on c. tinygo/bluetooth writes the
// CCCD itself and picks notify or indicate from the characteristic, so
// value is not sent verbatim.
func (h *tinyGoHandle) WriteDescriptor(c CharacteristicInfo, value []byte) error {
	ch, err := h.characteristic(c.UUID)
	if err != nil {
		return err
	}
	go func() {
		err := ch.EnableNotifications(func(buf []byte) {
			h.cb.OnCharacteristicChanged(c.UUID, append([]byte(nil), buf...))
		})
		if err != nil {
			slog.Error("[BLE] enabling notifications failed", "char", c.UUID, "error", err)
			h.cb.OnDescriptorWrite(c.UUID, statusGattError)
			return
		}
		h.cb.OnDescriptorWrite(c.UUID, StatusSuccess)
	}()
	return nil
}

func (h *tinyGoHandle) Disconnect() error {
	device, err := h.connected()
	if err != nil {
		return err
	}
	if err := device.Disconnect(); err != nil {
		return err
	}
	// Not every platform fires the connect handler for a local disconnect.
	go h.reportDisconnected(StatusSuccess)
	return nil
}

func (h *tinyGoHandle) reportDisconnected(status Status) {
	h.disconnected.Do(func() {
		h.cb.OnConnectionStateChange(status, NativeStateDisconnected)
	})
}

func (h *tinyGoHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	device := h.device
	h.chars = nil
	h.mu.Unlock()

	h.driver.forget(h.address, h)
	// The remote end may already be gone; a failed disconnect is expected then.
	if device != nil {
		if err := device.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect on close", "error", err)
		}
	}
	return nil
}
