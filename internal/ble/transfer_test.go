package ble

import (
	"bytes"
	"context"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/chaz8081/simpleble/internal/ble/protocol"
)

// discoveredClient returns a client connected to a peripheral whose
// services have been discovered.
func discoveredClient(t *testing.T, d *mockDriver, opts Options) *Client {
	t.Helper()
	c := newStartedClient(t, d, opts)
	ctx := context.Background()
	if err := c.Connect(ctx, testAddress); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.DiscoverServices(ctx); err != nil {
		t.Fatalf("DiscoverServices() error = %v", err)
	}
	return c
}

func TestReadSingleFrame(t *testing.T) {
	d := newMockDriver()
	d.readFrames = [][]byte{{0x03, 0x07, 0x00, 0x2a}}
	c := discoveredClient(t, d, testOptions())

	msg, err := c.Read(context.Background(), testService, testNotify)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(msg.Data, []byte{0x07, 0x00, 0x2a}) {
		t.Errorf("Data = % x, want 07 00 2a", msg.Data)
	}
	if msg.ID != 7 || msg.Status != 0 {
		t.Errorf("ID/Status = %d/%d, want 7/0", msg.ID, msg.Status)
	}
}

func TestReadMultiFrame(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 50)
	frames, err := protocol.Fragment(payload, protocol.DefaultFrameSize)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	d := newMockDriver()
	d.readFrames = frames
	c := discoveredClient(t, d, testOptions())

	msg, err := c.Read(context.Background(), testService, testNotify)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(msg.Data, payload) {
		t.Errorf("Data = % x, want %d bytes of 0xab", msg.Data, len(payload))
	}
	if msg.MissingData {
		t.Error("MissingData = true, want false")
	}
}

func TestReadIncompleteTimesOut(t *testing.T) {
	d := newMockDriver()
	d.readFrames = [][]byte{{0x05, 0x01}}
	c := discoveredClient(t, d, testOptions())

	_, err := c.Read(context.Background(), testService, testNotify)
	if KindOf(err) != KindDeviceNotResponding {
		t.Fatalf("Read() error = %v, want %s", err, KindDeviceNotResponding)
	}
}

func TestReadFailureStatus(t *testing.T) {
	d := newMockDriver()
	d.readStatus = 0x85
	c := discoveredClient(t, d, testOptions())

	_, err := c.Read(context.Background(), testService, testNotify)
	if KindOf(err) != KindCommunicationFailed {
		t.Fatalf("Read() error = %v, want %s", err, KindCommunicationFailed)
	}
}

func TestReadMalformedFrame(t *testing.T) {
	d := newMockDriver()
	d.readFrames = [][]byte{{0x60, 0x01}}
	c := discoveredClient(t, d, testOptions())

	_, err := c.Read(context.Background(), testService, testNotify)
	if KindOf(err) != KindCommunicationFailed {
		t.Fatalf("Read() error = %v, want %s", err, KindCommunicationFailed)
	}
}

func TestReadUnknownCharacteristic(t *testing.T) {
	c := discoveredClient(t, newMockDriver(), testOptions())

	_, err := c.Read(context.Background(), testService, testUnknown)
	if KindOf(err) != KindNoCharacteristicFound {
		t.Fatalf("Read() error = %v, want %s", err, KindNoCharacteristicFound)
	}
}

func TestReadBeforeDiscovery(t *testing.T) {
	c := connectedClient(t, newMockDriver())

	_, err := c.Read(context.Background(), testService, testNotify)
	if KindOf(err) != KindNoCharacteristicFound {
		t.Fatalf("Read() error = %v, want %s", err, KindNoCharacteristicFound)
	}
}

func TestLateReadIsIgnored(t *testing.T) {
	d := newMockDriver()
	d.setSilent("read", true)
	c := discoveredClient(t, d, testOptions())
	ctx := context.Background()

	if _, err := c.Read(ctx, testService, testNotify); KindOf(err) != KindDeviceNotResponding {
		t.Fatalf("Read() error = %v, want %s", err, KindDeviceNotResponding)
	}

	// The answer to the abandoned read arrives after its deadline.
	d.lastHandle().cb.OnCharacteristicRead(testNotify, []byte{0x02, 0x09, 0x09}, StatusSuccess)

	d.setSilent("read", false)
	d.readFrames = [][]byte{{0x02, 0x01, 0x00}}
	msg, err := c.Read(ctx, testService, testNotify)
	if err != nil {
		t.Fatalf("second Read() error = %v", err)
	}
	if msg.ID != 1 {
		t.Errorf("second Read() ID = %d, want 1 (late answer must not leak)", msg.ID)
	}
}

func TestSend(t *testing.T) {
	d := newMockDriver()
	c := discoveredClient(t, d, testOptions())

	if err := c.Send(context.Background(), testService, testWrite, []byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	writes := d.lastHandle().writeLog()
	if len(writes) != 1 || string(writes[0]) != "hello" {
		t.Errorf("writes = %q, want [hello]", writes)
	}
}

func TestSendFailureStatus(t *testing.T) {
	d := newMockDriver()
	d.writeStatus = 0x85
	c := discoveredClient(t, d, testOptions())

	err := c.Send(context.Background(), testService, testWrite, []byte{1})
	if KindOf(err) != KindCommunicationFailed {
		t.Fatalf("Send() error = %v, want %s", err, KindCommunicationFailed)
	}
}

func TestSendNotConnected(t *testing.T) {
	c := newStartedClient(t, newMockDriver(), testOptions())

	err := c.Send(context.Background(), testService, testWrite, []byte{1})
	if KindOf(err) != KindDeviceNotConnected {
		t.Fatalf("Send() error = %v, want %s", err, KindDeviceNotConnected)
	}
}

func TestSendWithResponse(t *testing.T) {
	d := newMockDriver()
	d.reply = [][]byte{{0x04, 0x10, 0x00}, {0x80, 0x01, 0x02}}
	c := discoveredClient(t, d, testOptions())

	msg, err := c.SendWithResponse(context.Background(), testService, testWrite, []byte{0x10})
	if err != nil {
		t.Fatalf("SendWithResponse() error = %v", err)
	}
	if !bytes.Equal(msg.Data, []byte{0x10, 0x00, 0x01, 0x02}) {
		t.Errorf("Data = % x, want 10 00 01 02", msg.Data)
	}
}

func TestSendWithResponseNoReply(t *testing.T) {
	d := newMockDriver()
	c := discoveredClient(t, d, testOptions())

	_, err := c.SendWithResponse(context.Background(), testService, testWrite, []byte{0x10})
	if KindOf(err) != KindDeviceNotResponding {
		t.Fatalf("SendWithResponse() error = %v, want %s", err, KindDeviceNotResponding)
	}
}

func TestSendFragmented(t *testing.T) {
	d := newMockDriver()
	c := discoveredClient(t, d, testOptions())
	payload := bytes.Repeat([]byte("x"), 45)

	if err := c.SendFragmented(context.Background(), testService, testWrite, payload, protocol.DefaultFrameSize); err != nil {
		t.Fatalf("SendFragmented() error = %v", err)
	}

	writes := d.lastHandle().writeLog()
	if len(writes) != 3 {
		t.Fatalf("writes = %d, want 3", len(writes))
	}
	a := protocol.NewAssembler()
	for _, w := range writes {
		if err := a.Process(testWrite, w); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}
	if !a.Complete() || !bytes.Equal(a.Message().Data, payload) {
		t.Errorf("reassembled % x, want the original payload", a.Message().Data)
	}
}

func TestSendFragmentedAbortsOnFailure(t *testing.T) {
	d := newMockDriver()
	d.writeStatus = 0x85
	c := discoveredClient(t, d, testOptions())

	err := c.SendFragmented(context.Background(), testService, testWrite, make([]byte, 60), protocol.DefaultFrameSize)
	if KindOf(err) != KindCommunicationFailed {
		t.Fatalf("SendFragmented() error = %v, want %s", err, KindCommunicationFailed)
	}
	if n := len(d.lastHandle().writeLog()); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}
}

func TestNotificationsPublished(t *testing.T) {
	d := newMockDriver()
	c := discoveredClient(t, d, testOptions())
	messages, cancel := c.Messages()
	defer cancel()

	h := d.lastHandle()
	h.SimulateNotification(testNotify, []byte{0x02, 0x01})
	h.SimulateNotification(testNotify, []byte{0x80, 0x02})

	select {
	case msg := <-messages:
		if !bytes.Equal(msg.Data, []byte{0x01, 0x02}) {
			t.Errorf("Data = % x, want 01 02", msg.Data)
		}
		if !uuid.Equal(msg.Characteristic, testNotify) {
			t.Errorf("Characteristic = %s, want %s", msg.Characteristic, testNotify)
		}
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestPassthroughMessages(t *testing.T) {
	d := newMockDriver()
	opts := testOptions()
	opts.FragmentedMessages = false
	d.readFrames = [][]byte{{0x60, 0x01, 0x02}}
	c := discoveredClient(t, d, opts)

	msg, err := c.Read(context.Background(), testService, testNotify)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(msg.Data, []byte{0x60, 0x01, 0x02}) {
		t.Errorf("Data = % x, want the raw frame", msg.Data)
	}
}

func TestCharacteristics(t *testing.T) {
	c := discoveredClient(t, newMockDriver(), testOptions())

	chars, err := c.Characteristics()
	if err != nil {
		t.Fatalf("Characteristics() error = %v", err)
	}
	if len(chars) != 3 {
		t.Errorf("Characteristics() = %d, want 3", len(chars))
	}
}
