package ble

import (
	"log/slog"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/chaz8081/simpleble/internal/ble/protocol"
)

// gattCallbacks turns driver callbacks into slot resolutions, state
// changes and inbound messages. It never calls back into caller code.
type gattCallbacks struct {
	reg      *Registry
	state    *StateStream
	messages *Broadcast[protocol.Message]

	mu   sync.Mutex
	proc protocol.Processor
}

var _ Callbacks = (*gattCallbacks)(nil)

func newGattCallbacks(reg *Registry, proc protocol.Processor, opts Options) *gattCallbacks {
	return &gattCallbacks{
		reg:      reg,
		state:    NewStateStream(),
		messages: NewBroadcast[protocol.Message](opts.MessageBufferSize, opts.MessageReplay),
		proc:     proc,
	}
}

func (g *gattCallbacks) OnConnectionStateChange(status Status, nativeState int) {
	state := mapConnectionState(nativeState)
	if status != StatusSuccess {
		slog.Error("[BLE] connection state change failed", "status", status, "state", state)
		err := statusError("connection state change", status)
		g.reg.Resolve(OpConnect, nil, err)
		g.reg.Resolve(OpDisconnect, nil, err)
		// The link is gone whatever the status says.
		if state == StateDisconnected {
			g.state.set(state)
		}
		return
	}

	slog.Debug("[BLE] connection state changed", "state", state)
	switch state {
	case StateConnected:
		// State first: a connect waiter must observe Connected once woken.
		g.state.set(state)
		g.reg.Resolve(OpConnect, true, nil)
	case StateDisconnected:
		// Slot first: publishing Disconnected triggers teardown, which
		// cancels every open slot.
		g.reg.Resolve(OpDisconnect, true, nil)
		g.state.set(state)
	default:
		g.state.set(state)
	}
}

func (g *gattCallbacks) OnServicesDiscovered(status Status) {
	if status != StatusSuccess {
		slog.Error("[BLE] service discovery failed", "status", status)
		g.reg.Resolve(OpDiscoverServices, nil, statusError("service discovery", status))
		return
	}
	g.reg.Resolve(OpDiscoverServices, true, nil)
}

func (g *gattCallbacks) OnCharacteristicRead(char uuid.UUID, value []byte, status Status) {
	if status != StatusSuccess {
		slog.Error("[BLE] characteristic read failed", "char", char, "status", status)
		g.clear()
		g.reg.Resolve(OpRead, nil, statusError("characteristic read", status))
		return
	}
	g.process(char, value)
}

func (g *gattCallbacks) OnCharacteristicChanged(char uuid.UUID, value []byte) {
	g.process(char, value)
}

func (g *gattCallbacks) OnCharacteristicWrite(char uuid.UUID, status Status) {
	if status != StatusSuccess {
		slog.Error("[BLE] characteristic write failed", "char", char, "status", status)
		g.reg.Resolve(OpWrite, nil, statusError("characteristic write", status))
		return
	}
	g.reg.Resolve(OpWrite, true, nil)
}

func (g *gattCallbacks) OnDescriptorWrite(char uuid.UUID, status Status) {
	if status != StatusSuccess {
		slog.Error("[BLE] descriptor write failed", "char", char, "status", status)
		g.reg.Resolve(OpWriteDescriptor, nil, statusError("descriptor write", status))
		return
	}
	g.reg.Resolve(OpWriteDescriptor, true, nil)
}

// process feeds one inbound frame to the processor and, once a message is
// complete, publishes it and resolves the pending read.
func (g *gattCallbacks) process(char uuid.UUID, frame []byte) {
	g.mu.Lock()
	if err := g.proc.Process(char, frame); err != nil {
		g.proc.Clear()
		g.mu.Unlock()
		slog.Warn("[BLE] dropping malformed frame", "char", char, "error", err)
		g.reg.Resolve(OpRead, nil, wrapError(KindCommunicationFailed, err))
		return
	}
	if !g.proc.Complete() {
		g.mu.Unlock()
		return
	}
	msg := g.proc.Message()
	g.mu.Unlock()

	g.messages.Publish(msg)
	g.reg.Resolve(OpRead, msg, nil)
}

func (g *gattCallbacks) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.proc.Clear()
}

func (g *gattCallbacks) close() {
	g.messages.Close()
	g.state.Close()
}
