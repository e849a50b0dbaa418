package ble

import (
	"errors"
	"sync"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"
)

var (
	testService  = mustUUID("0000fff0-0000-1000-8000-00805f9b34fb")
	testNotify   = mustUUID("0000fff1-0000-1000-8000-00805f9b34fb")
	testIndicate = mustUUID("0000fff2-0000-1000-8000-00805f9b34fb")
	testWrite    = mustUUID("0000fff3-0000-1000-8000-00805f9b34fb")

	testUnknown = mustUUID("0000fff9-0000-1000-8000-00805f9b34fb")

	testAddress = "AA:BB:CC:DD:EE:FF"
)

func mustUUID(s string) uuid.UUID {
	u, err := uuid.FromString(s)
	if err != nil {
		panic(err)
	}
	return u
}

// testServices describes a peripheral with one notify, one indicate and one
// plain write characteristic.
func testServices() []ServiceInfo {
	return []ServiceInfo{{
		UUID: testService,
		Characteristics: []CharacteristicInfo{
			{Service: testService, UUID: testNotify, Properties: PropertyRead | PropertyNotify},
			{Service: testService, UUID: testIndicate, Properties: PropertyIndicate},
			{Service: testService, UUID: testWrite, Properties: PropertyWrite | PropertyRead},
		},
	}}
}

// mockDriver answers every request on its own goroutine, the way a native
// stack does. Statuses and errors can be set per request type; silenced
// requests never get a callback.
type mockDriver struct {
	mu sync.Mutex

	enableErr    error
	startScanErr error
	connectErr   error

	connectStatus    Status
	discoverStatus   Status
	readStatus       Status
	writeStatus      Status
	descriptorStatus map[uuid.UUID]Status
	silent           map[string]bool

	services   []ServiceInfo
	readFrames [][]byte // first frame answers the read, the rest arrive as notifications
	reply      [][]byte // notifications sent after every successful write

	enabled   int
	stopScans int
	onResult  func(Device)
	onFailure func(error)
	connects  int
	handles   []*mockHandle
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		services:         testServices(),
		descriptorStatus: make(map[uuid.UUID]Status),
		silent:           make(map[string]bool),
	}
}

var _ Driver = (*mockDriver)(nil)

func (d *mockDriver) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled++
	return d.enableErr
}

func (d *mockDriver) StartScan(_ ScanFilter, onResult func(Device), onFailure func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startScanErr != nil {
		return d.startScanErr
	}
	d.onResult = onResult
	d.onFailure = onFailure
	return nil
}

func (d *mockDriver) StopScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopScans++
	return nil
}

func (d *mockDriver) Connect(dev Device, cb Callbacks) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	h := &mockHandle{d: d, cb: cb, address: dev.Address}
	d.handles = append(d.handles, h)
	if !d.silent["connect"] {
		status := d.connectStatus
		go func() {
			if status != StatusSuccess {
				cb.OnConnectionStateChange(status, NativeStateDisconnected)
				return
			}
			cb.OnConnectionStateChange(StatusSuccess, NativeStateConnected)
		}()
	}
	return h, nil
}

// SimulateDevice reports a scan result to the running scan.
func (d *mockDriver) SimulateDevice(dev Device) {
	d.mu.Lock()
	onResult := d.onResult
	d.mu.Unlock()
	if onResult != nil {
		onResult(dev)
	}
}

// SimulateScanFailure reports a terminal scan failure.
func (d *mockDriver) SimulateScanFailure(err error) {
	d.mu.Lock()
	onFailure := d.onFailure
	d.mu.Unlock()
	if onFailure != nil {
		onFailure(err)
	}
}

func (d *mockDriver) scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onResult != nil
}

func (d *mockDriver) lastHandle() *mockHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

func (d *mockDriver) setSilent(op string, silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent[op] = silent
}

func (d *mockDriver) isSilent(op string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.silent[op]
}

func (d *mockDriver) stopScanCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopScans
}

// mockHandle records every request made on one connection.
type mockHandle struct {
	d       *mockDriver
	cb      Callbacks
	address string

	mu          sync.Mutex
	discovered  bool
	reads       []uuid.UUID
	writes      [][]byte
	lateWrites  int // writes issued after Close
	descriptors []descriptorWrite
	disconnects int
	closes      int
}

type descriptorWrite struct {
	char  uuid.UUID
	value []byte
}

var _ Handle = (*mockHandle)(nil)

func (h *mockHandle) DiscoverServices() error {
	if h.d.isSilent("discover") {
		return nil
	}
	h.d.mu.Lock()
	status := h.d.discoverStatus
	h.d.mu.Unlock()
	go func() {
		if status == StatusSuccess {
			h.mu.Lock()
			h.discovered = true
			h.mu.Unlock()
		}
		h.cb.OnServicesDiscovered(status)
	}()
	return nil
}

func (h *mockHandle) Services() []ServiceInfo {
	h.mu.Lock()
	discovered := h.discovered
	h.mu.Unlock()
	if !discovered {
		return nil
	}
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return h.d.services
}

func (h *mockHandle) ReadCharacteristic(c CharacteristicInfo) error {
	h.mu.Lock()
	h.reads = append(h.reads, c.UUID)
	h.mu.Unlock()
	if h.d.isSilent("read") {
		return nil
	}
	h.d.mu.Lock()
	status := h.d.readStatus
	frames := h.d.readFrames
	h.d.mu.Unlock()
	go func() {
		if status != StatusSuccess {
			h.cb.OnCharacteristicRead(c.UUID, nil, status)
			return
		}
		for i, f := range frames {
			if i == 0 {
				h.cb.OnCharacteristicRead(c.UUID, f, StatusSuccess)
				continue
			}
			h.cb.OnCharacteristicChanged(c.UUID, f)
		}
	}()
	return nil
}

func (h *mockHandle) WriteCharacteristic(c CharacteristicInfo, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	h.mu.Lock()
	h.writes = append(h.writes, cp)
	if h.closes > 0 {
		h.lateWrites++
	}
	h.mu.Unlock()
	if h.d.isSilent("write") {
		return nil
	}
	h.d.mu.Lock()
	status := h.d.writeStatus
	reply := h.d.reply
	h.d.mu.Unlock()
	go func() {
		h.cb.OnCharacteristicWrite(c.UUID, status)
		if status != StatusSuccess {
			return
		}
		for _, f := range reply {
			h.cb.OnCharacteristicChanged(c.UUID, f)
		}
	}()
	return nil
}

func (h *mockHandle) WriteDescriptor(c CharacteristicInfo, value []byte) error {
	h.mu.Lock()
	h.descriptors = append(h.descriptors, descriptorWrite{char: c.UUID, value: value})
	h.mu.Unlock()
	if h.d.isSilent("descriptor") {
		return nil
	}
	h.d.mu.Lock()
	status := h.d.descriptorStatus[c.UUID]
	h.d.mu.Unlock()
	go h.cb.OnDescriptorWrite(c.UUID, status)
	return nil
}

func (h *mockHandle) Disconnect() error {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
	if h.d.isSilent("disconnect") {
		return nil
	}
	go h.cb.OnConnectionStateChange(StatusSuccess, NativeStateDisconnected)
	return nil
}

func (h *mockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

// SimulateDrop reports a link loss the client did not ask for.
func (h *mockHandle) SimulateDrop() {
	h.cb.OnConnectionStateChange(StatusSuccess, NativeStateDisconnected)
}

// SimulateNotification delivers an inbound frame.
func (h *mockHandle) SimulateNotification(char uuid.UUID, frame []byte) {
	h.cb.OnCharacteristicChanged(char, frame)
}

func (h *mockHandle) writeLog() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.writes...)
}

func (h *mockHandle) descriptorLog() []descriptorWrite {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]descriptorWrite(nil), h.descriptors...)
}

func (h *mockHandle) lateWriteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lateWrites
}

func (h *mockHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// mockEnv is a configurable Environment that can also list paired devices.
type mockEnv struct {
	hardware, enabled, permitted bool

	paired    []Device
	pairedErr error
}

func readyEnv() *mockEnv { return &mockEnv{hardware: true, enabled: true, permitted: true} }

func (e *mockEnv) HardwareAvailable() bool  { return e.hardware }
func (e *mockEnv) Enabled() bool            { return e.enabled }
func (e *mockEnv) PermissionsGranted() bool { return e.permitted }

func (e *mockEnv) PairedDevices() ([]Device, error) { return e.paired, e.pairedErr }

var errMock = errors.New("mock failure")

// testOptions keeps timeouts short so failing paths finish quickly.
func testOptions() Options {
	opts := DefaultOptions()
	opts.OperationTimeout = 200 * time.Millisecond
	opts.ScanDuration = 100 * time.Millisecond
	return opts
}

// newStartedClient returns a started client with testDevice already in the
// scan cache.
func newStartedClient(t *testing.T, d *mockDriver, opts Options) *Client {
	t.Helper()
	c, err := NewClient(d, readyEnv(), opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.scanner.cache.Add(testAddress, Device{Name: "sensor", Address: testAddress})
	return c
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
