package ble

import (
	"context"
	"log/slog"
	"sync"
)

// deviceLookup resolves an address to a device seen by a scan.
type deviceLookup interface {
	Lookup(address string) (Device, bool)
}

// Controller owns the single native connection. Connection state only
// changes in response to driver callbacks; the controller issues requests
// and waits.
type Controller struct {
	driver  Driver
	sched   *Scheduler
	reg     *Registry
	cb      *gattCallbacks
	devices deviceLookup

	mu      sync.Mutex
	handle  Handle
	address string

	stopWatch context.CancelFunc
	watchDone chan struct{}
}

func newController(driver Driver, sched *Scheduler, reg *Registry, cb *gattCallbacks, devices deviceLookup) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		driver:    driver,
		sched:     sched,
		reg:       reg,
		cb:        cb,
		devices:   devices,
		stopWatch: cancel,
		watchDone: make(chan struct{}),
	}
	go c.watchDisconnects(ctx)
	return c
}

// watchDisconnects frees resources whenever the link reports Disconnected,
// including drops the caller never asked for. It never goes through the
// scheduler: by the time it runs the connection is already gone.
func (c *Controller) watchDisconnects(ctx context.Context) {
	defer close(c.watchDone)
	states, cancel := c.cb.state.Watch()
	defer cancel()
	for {
		select {
		case state, ok := <-states:
			if !ok {
				return
			}
			if state == StateDisconnected {
				c.freeIfDisconnected()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Connect connects to a device previously found by a scan. A stored handle
// whose link is no longer connected is freed first.
func (c *Controller) Connect(ctx context.Context, address string) error {
	dev, ok := c.devices.Lookup(address)
	if !ok {
		slog.Error("[BLE] connect: device not found in scan results", "address", address)
		return NewError(KindDeviceNotFound, address)
	}

	return c.sched.Run(ctx, "connect", func(ctx context.Context) error {
		c.mu.Lock()
		current := c.address
		held := c.handle != nil
		c.mu.Unlock()
		if held {
			if c.cb.state.Current() != StateConnected {
				slog.Info("[BLE] connect: freeing stale connection", "address", current)
				c.FreeResources()
			} else if current == address {
				return nil
			} else {
				return NewError(KindOther, "already connected to "+current)
			}
		}

		slot := c.reg.Open(OpConnect)
		h, err := c.driver.Connect(dev, c.cb)
		if err != nil {
			c.reg.detach(slot)
			return wrapError(KindCommunicationFailed, err)
		}
		if _, err := slot.Wait(ctx); err != nil {
			if cerr := h.Close(); cerr != nil {
				slog.Warn("[BLE] closing failed connection attempt", "error", cerr)
			}
			return err
		}

		c.mu.Lock()
		c.handle = h
		c.address = address
		c.mu.Unlock()

		// The link may have dropped before the handle was stored.
		if c.cb.state.Current() == StateDisconnected {
			c.FreeResources()
			return NewError(KindDeviceNotConnected, "link dropped while connecting")
		}
		slog.Info("[BLE] connected", "address", address)
		return nil
	})
}

// Disconnect closes the active connection and frees its resources.
func (c *Controller) Disconnect(ctx context.Context) error {
	err := c.sched.Run(ctx, "disconnect", func(ctx context.Context) error {
		slot, err := c.issue(OpDisconnect, Handle.Disconnect)
		if err != nil {
			return err
		}
		_, err = slot.Wait(ctx)
		return err
	})
	if err != nil {
		return err
	}
	c.FreeResources()
	slog.Info("[BLE] disconnected")
	return nil
}

// DiscoverServices runs GATT service discovery on the active connection.
func (c *Controller) DiscoverServices(ctx context.Context) error {
	return c.sched.Run(ctx, "discoverServices", func(ctx context.Context) error {
		slot, err := c.issue(OpDiscoverServices, Handle.DiscoverServices)
		if err != nil {
			return err
		}
		_, err = slot.Wait(ctx)
		return err
	})
}

// issue opens a slot for kind and sends request on the current handle. It
// holds mu for the whole request so FreeResources cannot close the handle
// between the check and the native call; a handle freed afterwards cancels
// the slot instead.
func (c *Controller) issue(kind OpKind, request func(h Handle) error) (*Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil, NewError(KindDeviceNotConnected, "")
	}
	slot := c.reg.Open(kind)
	if err := request(c.handle); err != nil {
		c.reg.detach(slot)
		return nil, err
	}
	return slot, nil
}

// FreeResources closes the handle, cancels every pending slot and drops any
// partially assembled message. It is a no-op without a handle.
func (c *Controller) FreeResources() {
	c.mu.Lock()
	h := c.take()
	c.mu.Unlock()
	c.release(h)
}

// freeIfDisconnected frees the handle only while the link is still down, so
// a late Disconnected observation cannot free a newer connection.
func (c *Controller) freeIfDisconnected() {
	c.mu.Lock()
	var h Handle
	if c.cb.state.Current() == StateDisconnected {
		h = c.take()
	}
	c.mu.Unlock()
	c.release(h)
}

// take detaches the stored handle. Callers hold mu.
func (c *Controller) take() Handle {
	h := c.handle
	c.handle = nil
	c.address = ""
	return h
}

func (c *Controller) release(h Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		slog.Warn("[BLE] closing connection", "error", err)
	}
	c.reg.ResetAll()
	c.cb.clear()
	slog.Info("[BLE] connection resources freed")
}

// Handle returns the active connection.
func (c *Controller) Handle() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil, NewError(KindDeviceNotConnected, "")
	}
	return c.handle, nil
}

// Address returns the address of the connected device, or "".
func (c *Controller) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// State returns the current connection state.
func (c *Controller) State() ConnectionState { return c.cb.state.Current() }

// WatchState streams connection states, starting with the current one.
func (c *Controller) WatchState() (<-chan ConnectionState, func()) { return c.cb.state.Watch() }

// Close stops the disconnect watcher and frees the connection.
func (c *Controller) Close() {
	c.stopWatch()
	<-c.watchDone
	c.FreeResources()
}
