package connection

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/nodeforge/netchannel/channel"
	"github.com/nodeforge/netchannel/message"
	"github.com/rs/zerolog"
)

type testMessage struct {
	value uint32
}

func (m *testMessage) Serialize(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, m.value)
}

func (m *testMessage) Deserialize(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, &m.value)
}

func newTestMessage() message.Message { return &testMessage{} }

type cloneableTestMessage struct{ testMessage }

func (m *cloneableTestMessage) Clone() message.Message {
	return &cloneableTestMessage{testMessage{value: m.value}}
}

func newTwoChannelConfig() Config {
	unreliableCfg := channel.DefaultConfig(channel.UnreliableUnordered)
	unreliableCfg.NewMessage = newTestMessage
	reliableCfg := channel.DefaultConfig(channel.ReliableOrdered)
	reliableCfg.NewMessage = newTestMessage

	return Config{
		MaxPacketSize: 4096,
		Channels:      []channel.Config{unreliableCfg, reliableCfg},
	}
}

func TestConnectionGenerateProcessRoundTrip(t *testing.T) {
	log := zerolog.New(io.Discard)
	sender := New(newTwoChannelConfig(), 0, log)
	receiver := New(newTwoChannelConfig(), 0, log)

	sender.SendMessage(0, &testMessage{value: 100})
	sender.SendMessage(1, &cloneableTestMessage{testMessage{value: 200}})

	buf := make([]byte, 4096)
	n, err := sender.GeneratePacket(7, buf)
	if err != nil {
		t.Fatalf("GeneratePacket: %v", err)
	}
	if n == 0 {
		t.Fatal("expected a non-empty packet")
	}

	if !receiver.ProcessPacket(7, buf[:n]) {
		t.Fatalf("ProcessPacket failed, error level = %v", receiver.ErrorLevel())
	}

	_, msg, ok := receiver.ReceiveMessage(0)
	if !ok || msg.(*testMessage).value != 100 {
		t.Fatalf("channel 0 receive = (_, %v, %v)", msg, ok)
	}
	id, msg, ok := receiver.ReceiveMessage(1)
	if !ok || id != 0 || msg.(*testMessage).value != 200 {
		t.Fatalf("channel 1 receive = (%d, %v, %v)", id, msg, ok)
	}
}

func TestConnectionGeneratePacketEmptyWhenNothingQueued(t *testing.T) {
	sender := New(newTwoChannelConfig(), 0, zerolog.New(io.Discard))
	buf := make([]byte, 4096)
	n, err := sender.GeneratePacket(1, buf)
	if err != nil {
		t.Fatalf("GeneratePacket: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0 when no channel had anything queued", n)
	}
}

func TestConnectionProcessPacketUnknownChannelFails(t *testing.T) {
	receiver := New(newTwoChannelConfig(), 0, zerolog.New(io.Discard))

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(1))     // 1 channel entry
	binary.Write(&buf, binary.LittleEndian, uint16(99))    // bogus channel index
	binary.Write(&buf, binary.LittleEndian, uint8(0))      // no messages

	if receiver.ProcessPacket(1, buf.Bytes()) {
		t.Fatal("expected ProcessPacket to fail on an out-of-range channel index")
	}
	if receiver.ErrorLevel() != ErrorReadPacketFailed {
		t.Fatalf("error level = %v, want ErrorReadPacketFailed", receiver.ErrorLevel())
	}
}

func TestConnectionAdvanceTimePropagatesChannelError(t *testing.T) {
	cfg := newTwoChannelConfig()
	cfg.Channels[1].MessageSendQueueSize = 1
	c := New(cfg, 0, zerolog.New(io.Discard))

	c.SendMessage(1, &cloneableTestMessage{testMessage{value: 1}})
	c.SendMessage(1, &cloneableTestMessage{testMessage{value: 2}})

	if c.ChannelErrorLevel(1) != channel.ErrorSendQueueFull {
		t.Fatalf("channel 1 error = %v, want SendQueueFull", c.ChannelErrorLevel(1))
	}

	c.AdvanceTime(1.0)
	if c.ErrorLevel() != ErrorChannel {
		t.Fatalf("connection error level = %v, want ErrorChannel", c.ErrorLevel())
	}
}

func TestConnectionProcessAcksReleasesReliableMessages(t *testing.T) {
	log := zerolog.New(io.Discard)
	sender := New(newTwoChannelConfig(), 0, log)

	sender.SendMessage(1, &cloneableTestMessage{testMessage{value: 1}})

	buf := make([]byte, 4096)
	_, err := sender.GeneratePacket(3, buf)
	if err != nil {
		t.Fatalf("GeneratePacket: %v", err)
	}
	if !sender.HasMessagesToSend(1) {
		t.Fatal("message should still be unacked after sending")
	}

	sender.ProcessAcks([]uint16{3})
	if sender.HasMessagesToSend(1) {
		t.Fatal("acked message should be released from the reliable channel's send queue")
	}
}

func TestConnectionReset(t *testing.T) {
	c := New(newTwoChannelConfig(), 0, zerolog.New(io.Discard))
	c.SendMessage(0, &testMessage{value: 1})

	c.Reset()
	if c.ErrorLevel() != ErrorNone {
		t.Fatalf("error level after Reset = %v, want None", c.ErrorLevel())
	}
	if c.HasMessagesToSend(0) {
		t.Fatal("Reset should clear queued messages")
	}
}
