package ble

import (
	"context"
	"log/slog"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/chaz8081/simpleble/internal/ble/protocol"
)

// Subscriptions enables notifications and indications on the connected
// peripheral, one descriptor write at a time.
type Subscriptions struct {
	ctrl  *Controller
	sched *Scheduler
	reg   *Registry

	mu     sync.Mutex
	handle Handle
	active []uuid.UUID
}

func newSubscriptions(ctrl *Controller, sched *Scheduler, reg *Registry) *Subscriptions {
	return &Subscriptions{ctrl: ctrl, sched: sched, reg: reg}
}

// Subscribe discovers services and enables every notify or indicate capable
// characteristic in allow, or all of them when allow is empty. Any failure
// aborts the call with KindUnableToSubscribe.
func (m *Subscriptions) Subscribe(ctx context.Context, allow []uuid.UUID) error {
	if _, err := m.ctrl.Handle(); err != nil {
		return err
	}
	if err := m.ctrl.DiscoverServices(ctx); err != nil {
		slog.Error("[BLE] subscribe: service discovery failed", "error", err)
		return &Error{Kind: KindUnableToSubscribe, Detail: "service discovery", Err: err}
	}
	h, err := m.ctrl.Handle()
	if err != nil {
		return &Error{Kind: KindUnableToSubscribe, Detail: "connection lost", Err: err}
	}

	var enabled []uuid.UUID
	defer func() { m.set(h, enabled) }()

	for _, c := range subscribable(h.Services(), allow) {
		value := protocol.EnableNotificationValue
		if c.CanIndicate() {
			value = protocol.EnableIndicationValue
		}
		err := m.sched.Run(ctx, "writeDescriptor", func(ctx context.Context) error {
			slot, err := m.ctrl.issue(OpWriteDescriptor, func(current Handle) error {
				if current != h {
					return NewError(KindDeviceNotConnected, "connection replaced")
				}
				return current.WriteDescriptor(c, value)
			})
			if err != nil {
				return err
			}
			_, err = slot.Wait(ctx)
			return err
		})
		if err != nil {
			slog.Error("[BLE] subscribe: enabling characteristic failed", "char", c.UUID, "error", err)
			return &Error{Kind: KindUnableToSubscribe, Detail: c.UUID.String(), Err: err}
		}
		enabled = append(enabled, c.UUID)
	}
	slog.Info("[BLE] subscribed", "count", len(enabled))
	return nil
}

// Active returns the characteristics enabled by the last Subscribe on the
// current connection.
func (m *Subscriptions) Active() []uuid.UUID {
	current, err := m.ctrl.Handle()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || current != m.handle {
		return nil
	}
	return append([]uuid.UUID(nil), m.active...)
}

func (m *Subscriptions) set(h Handle, enabled []uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = h
	m.active = enabled
}

// subscribable returns the notify or indicate capable characteristics
// passing the allow-list, in discovery order.
func subscribable(services []ServiceInfo, allow []uuid.UUID) []CharacteristicInfo {
	var out []CharacteristicInfo
	for _, svc := range services {
		for _, c := range svc.Characteristics {
			if !c.CanNotify() && !c.CanIndicate() {
				continue
			}
			if len(allow) > 0 && !containsUUID(allow, c.UUID) {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

func containsUUID(list []uuid.UUID, u uuid.UUID) bool {
	for _, v := range list {
		if uuid.Equal(v, u) {
			return true
		}
	}
	return false
}
