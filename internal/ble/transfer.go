package ble

import (
	"context"
	"fmt"
	"log/slog"

	uuid "github.com/satori/go.uuid"

	"github.com/chaz8081/simpleble/internal/ble/protocol"
)

// Transfer reads and writes characteristic values on the connected
// peripheral through the scheduler.
type Transfer struct {
	ctrl  *Controller
	sched *Scheduler
	reg   *Registry
}

func newTransfer(ctrl *Controller, sched *Scheduler, reg *Registry) *Transfer {
	return &Transfer{ctrl: ctrl, sched: sched, reg: reg}
}

// Read reads a characteristic. The result may span several frames; it is
// returned once the message processor reports it complete.
func (t *Transfer) Read(ctx context.Context, service, char uuid.UUID) (protocol.Message, error) {
	var msg protocol.Message
	err := t.sched.Run(ctx, "read", func(ctx context.Context) error {
		slot, err := t.request(OpRead, service, char, "read request refused", func(h Handle, c CharacteristicInfo) error {
			return h.ReadCharacteristic(c)
		})
		if err != nil {
			return err
		}
		v, err := slot.Wait(ctx)
		if err != nil {
			return err
		}
		msg, err = asMessage(v)
		return err
	})
	return msg, err
}

// Send writes data and waits for the write acknowledgement.
func (t *Transfer) Send(ctx context.Context, service, char uuid.UUID, data []byte) error {
	return t.sched.Run(ctx, "write", func(ctx context.Context) error {
		slot, err := t.request(OpWrite, service, char, "write request refused", func(h Handle, c CharacteristicInfo) error {
			return h.WriteCharacteristic(c, data)
		})
		if err != nil {
			return err
		}
		_, err = slot.Wait(ctx)
		return err
	})
}

// SendWithResponse writes data and waits for the peripheral's reply, which
// arrives as inbound data rather than as a write acknowledgement.
func (t *Transfer) SendWithResponse(ctx context.Context, service, char uuid.UUID, data []byte) (protocol.Message, error) {
	var msg protocol.Message
	err := t.sched.Run(ctx, "writeWithResponse", func(ctx context.Context) error {
		slot, err := t.request(OpRead, service, char, "write request refused", func(h Handle, c CharacteristicInfo) error {
			return h.WriteCharacteristic(c, data)
		})
		if err != nil {
			return err
		}
		v, err := slot.Wait(ctx)
		if err != nil {
			return err
		}
		msg, err = asMessage(v)
		return err
	})
	return msg, err
}

// SendFragmented splits payload into frames of frameSize bytes and writes
// them in order, each waiting for its acknowledgement.
func (t *Transfer) SendFragmented(ctx context.Context, service, char uuid.UUID, payload []byte, frameSize int) error {
	frames, err := protocol.Fragment(payload, frameSize)
	if err != nil {
		return &Error{Kind: KindOther, Detail: "fragmenting payload", Err: err}
	}
	for i, f := range frames {
		if err := t.Send(ctx, service, char, f); err != nil {
			slog.Error("[BLE] fragmented send aborted", "frame", i, "of", len(frames), "error", err)
			return err
		}
	}
	return nil
}

// Characteristics lists every characteristic of every discovered service.
func (t *Transfer) Characteristics() ([]CharacteristicInfo, error) {
	h, err := t.ctrl.Handle()
	if err != nil {
		return nil, err
	}
	var out []CharacteristicInfo
	for _, svc := range h.Services() {
		out = append(out, svc.Characteristics...)
	}
	return out, nil
}

// request resolves char on the live handle and issues send against it.
// Native refusals become KindNoDataReceived.
func (t *Transfer) request(kind OpKind, service, char uuid.UUID, refused string, send func(Handle, CharacteristicInfo) error) (*Slot, error) {
	return t.ctrl.issue(kind, func(h Handle) error {
		c, ok := findCharacteristic(h.Services(), service, char)
		if !ok {
			slog.Error("[BLE] characteristic not found", "service", service, "char", char)
			return NewError(KindNoCharacteristicFound, fmt.Sprintf("%s/%s", service, char))
		}
		if err := send(h, c); err != nil {
			return &Error{Kind: KindNoDataReceived, Detail: refused, Err: err}
		}
		return nil
	})
}

func findCharacteristic(services []ServiceInfo, service, char uuid.UUID) (CharacteristicInfo, bool) {
	for _, svc := range services {
		if !uuid.Equal(svc.UUID, service) {
			continue
		}
		for _, c := range svc.Characteristics {
			if uuid.Equal(c.UUID, char) {
				return c, true
			}
		}
	}
	return CharacteristicInfo{}, false
}

func asMessage(v any) (protocol.Message, error) {
	msg, ok := v.(protocol.Message)
	if !ok {
		return protocol.Message{}, NewError(KindNoDataReceived, "no data received from device")
	}
	return msg, nil
}
