package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/chaz8081/simpleble/internal/ble/protocol"
)

// Options configures the BLE client behavior.
type Options struct {
	OperationTimeout   time.Duration // deadline for each GATT operation, lock wait included
	ScanDuration       time.Duration // how long a discovery session runs
	MessageBufferSize  int           // per-subscriber inbound message buffer
	MessageReplay      int           // messages replayed to new subscribers
	DeviceCacheSize    int           // distinct devices remembered per scan
	FragmentedMessages bool          // reassemble length-prefixed fragments
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		OperationTimeout:   DefaultOperationTimeout,
		ScanDuration:       DefaultScanDuration,
		MessageBufferSize:  1,
		MessageReplay:      1,
		DeviceCacheSize:    DefaultDeviceCacheSize,
		FragmentedMessages: true,
	}
}

// Client is the public entry point: discovery, connection, subscriptions
// and characteristic I/O against one peripheral at a time.
type Client struct {
	driver Driver
	env    Environment
	opts   Options

	sched   *Scheduler
	reg     *Registry
	cb      *gattCallbacks
	scanner *Scanner
	ctrl    *Controller
	subs    *Subscriptions
	xfer    *Transfer

	mu      sync.Mutex
	started bool
}

// NewClient creates a client over driver. env may be nil when the platform
// offers no precondition checks.
func NewClient(driver Driver, env Environment, opts Options) (*Client, error) {
	if driver == nil {
		return nil, errors.New("ble: NewClient called with nil driver")
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = DefaultScanDuration
	}
	if opts.MessageBufferSize <= 0 {
		opts.MessageBufferSize = 1
	}
	if opts.MessageReplay < 0 {
		opts.MessageReplay = 0
	}
	if opts.DeviceCacheSize <= 0 {
		opts.DeviceCacheSize = DefaultDeviceCacheSize
	}

	var proc protocol.Processor = protocol.NewPassthrough()
	if opts.FragmentedMessages {
		proc = protocol.NewAssembler()
	}

	scanner, err := newScanner(driver, opts.ScanDuration, opts.DeviceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("ble: create scanner: %w", err)
	}

	sched := NewScheduler(opts.OperationTimeout)
	reg := NewRegistry()
	cb := newGattCallbacks(reg, proc, opts)
	ctrl := newController(driver, sched, reg, cb, scanner)

	return &Client{
		driver:  driver,
		env:     env,
		opts:    opts,
		sched:   sched,
		reg:     reg,
		cb:      cb,
		scanner: scanner,
		ctrl:    ctrl,
		subs:    newSubscriptions(ctrl, sched, reg),
		xfer:    newTransfer(ctrl, sched, reg),
	}, nil
}

// Start powers on the adapter. Every other operation fails with
// KindNotInitialized until Start succeeds.
func (c *Client) Start() error {
	if err := c.checkEnvironment(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.driver.Enable(); err != nil {
		slog.Error("[BLE] enabling adapter", "error", err)
		return wrapError(KindUnableInitController, err)
	}
	c.started = true
	return nil
}

// guard runs the precondition checks shared by every public operation.
func (c *Client) guard() error {
	if err := c.checkEnvironment(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return NewError(KindNotInitialized, "call Start first")
	}
	return nil
}

func (c *Client) checkEnvironment() error {
	if c.env == nil {
		return nil
	}
	switch {
	case !c.env.HardwareAvailable():
		return NewError(KindNotSupported, "")
	case !c.env.Enabled():
		return NewError(KindNotEnabled, "")
	case !c.env.PermissionsGranted():
		return NewError(KindMissingPermissions, "")
	}
	return nil
}

// DevicesNearby starts a bounded discovery session. A nil service UUID or
// empty name disables that filter.
func (c *Client) DevicesNearby(ctx context.Context, service uuid.UUID, name string) (*ScanStream, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	stream, err := c.scanner.DevicesNearby(ctx, ScanFilter{Service: service, Name: name})
	return stream, asTyped(err, KindOther)
}

// ScanForDevices runs a full discovery session and returns the distinct
// devices it found.
func (c *Client) ScanForDevices(ctx context.Context, service uuid.UUID, name string) ([]Device, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	devices, err := c.scanner.Collect(ctx, ScanFilter{Service: service, Name: name})
	return devices, asTyped(err, KindOther)
}

// StopScan ends the running discovery session.
func (c *Client) StopScan() error {
	if err := c.guard(); err != nil {
		return err
	}
	c.scanner.Stop()
	return nil
}

// DetectedDevices returns the devices remembered from the last scan.
func (c *Client) DetectedDevices() []Device { return c.scanner.Detected() }

// PairedDevices lists the peripherals bonded with the host adapter. The
// result carries no native reference: a paired device still has to be seen
// by a scan before Connect accepts its address.
func (c *Client) PairedDevices() ([]Device, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	lister, ok := c.env.(PairedLister)
	if !ok {
		return nil, NewError(KindNotSupported, "paired devices are not available on this platform")
	}
	devices, err := lister.PairedDevices()
	if err != nil {
		slog.Error("[BLE] listing paired devices", "error", err)
		return nil, wrapError(KindOther, err)
	}
	return devices, nil
}

// Connect connects to a device found by a previous scan.
func (c *Client) Connect(ctx context.Context, address string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return asTyped(c.ctrl.Connect(ctx, address), KindOther)
}

// Disconnect closes the active connection.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	return asTyped(c.ctrl.Disconnect(ctx), KindOther)
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() ConnectionState { return c.ctrl.State() }

// WatchConnectionState streams connection states, starting with the current one.
func (c *Client) WatchConnectionState() (<-chan ConnectionState, func()) {
	return c.ctrl.WatchState()
}

// DiscoverServices runs GATT service discovery on the active connection.
// Read and Send need it; Subscribe runs it itself.
func (c *Client) DiscoverServices(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	return asTyped(c.ctrl.DiscoverServices(ctx), KindOther)
}

// Subscribe enables notifications on the characteristics in allow, or on
// every capable characteristic when allow is empty.
func (c *Client) Subscribe(ctx context.Context, allow ...uuid.UUID) error {
	if err := c.guard(); err != nil {
		return err
	}
	return asTyped(c.subs.Subscribe(ctx, allow), KindOther)
}

// Subscribed returns the characteristics enabled on the current connection.
func (c *Client) Subscribed() []uuid.UUID { return c.subs.Active() }

// Messages streams reassembled inbound messages.
func (c *Client) Messages() (<-chan protocol.Message, func()) { return c.cb.messages.Subscribe() }

// Read reads a characteristic value.
func (c *Client) Read(ctx context.Context, service, char uuid.UUID) (protocol.Message, error) {
	if err := c.guard(); err != nil {
		return protocol.Message{}, err
	}
	msg, err := c.xfer.Read(ctx, service, char)
	return msg, asTyped(err, KindOther)
}

// Send writes data to a characteristic.
func (c *Client) Send(ctx context.Context, service, char uuid.UUID, data []byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	return asTyped(c.xfer.Send(ctx, service, char, data), KindOther)
}

// SendWithResponse writes data and waits for the peripheral's reply.
func (c *Client) SendWithResponse(ctx context.Context, service, char uuid.UUID, data []byte) (protocol.Message, error) {
	if err := c.guard(); err != nil {
		return protocol.Message{}, err
	}
	msg, err := c.xfer.SendWithResponse(ctx, service, char, data)
	return msg, asTyped(err, KindOther)
}

// SendFragmented writes payload split into frames of frameSize bytes.
func (c *Client) SendFragmented(ctx context.Context, service, char uuid.UUID, payload []byte, frameSize int) error {
	if err := c.guard(); err != nil {
		return err
	}
	return asTyped(c.xfer.SendFragmented(ctx, service, char, payload, frameSize), KindOther)
}

// Characteristics lists the characteristics of the connected peripheral.
func (c *Client) Characteristics() ([]CharacteristicInfo, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	chars, err := c.xfer.Characteristics()
	return chars, asTyped(err, KindOther)
}

// Close stops any scan, frees the connection and ends every stream.
func (c *Client) Close() error {
	c.scanner.Stop()
	c.ctrl.Close()
	c.cb.close()
	return nil
}
