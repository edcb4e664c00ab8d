package channel

import (
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nodeforge/netchannel/message"
)

// failingMessage always fails to serialize, standing in for a message type
// with a broken Serialize implementation.
type failingMessage struct{}

func (failingMessage) Serialize(io.Writer) error { return errors.New("boom") }
func (failingMessage) Deserialize(io.Reader) error { return errors.New("boom") }
func (failingMessage) Clone() message.Message      { return failingMessage{} }

func TestChannelUnreliableSendReceive(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage
	c := New(cfg, 0, 0, zerolog.New(io.Discard))

	c.SendMessage(&testMessage{value: 9})
	if !c.HasMessagesToSend() {
		t.Fatal("should have a message queued")
	}

	data, _ := c.PacketData(1, 100_000)
	if data.Empty() {
		t.Fatal("expected packet data")
	}
	c.ProcessPacketData(data, 1)

	_, msg, ok := c.ReceiveMessage()
	if !ok || msg.(*testMessage).value != 9 {
		t.Fatalf("ReceiveMessage = (_, %v, %v)", msg, ok)
	}
	if c.ErrorLevel() != ErrorNone {
		t.Fatalf("error level = %v, want None", c.ErrorLevel())
	}
}

func TestChannelReliableSendQueueFull(t *testing.T) {
	cfg := DefaultConfig(ReliableOrdered)
	cfg.NewMessage = newTestMessage
	cfg.MessageSendQueueSize = 2
	cfg.SentPacketBufferSize = 2
	cfg.MaxMessagesPerPacket = 2
	c := New(cfg, 0, 0, zerolog.New(io.Discard))

	c.SendMessage(&cloneableTestMessage{testMessage{value: 1}})
	c.SendMessage(&cloneableTestMessage{testMessage{value: 2}})
	c.SendMessage(&cloneableTestMessage{testMessage{value: 3}})

	if c.ErrorLevel() != ErrorSendQueueFull {
		t.Fatalf("error level = %v, want SendQueueFull", c.ErrorLevel())
	}
}

func TestChannelSendMessageOnReliableRequiresCloner(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic sending a non-Cloner message on a reliable channel")
		}
	}()

	cfg := DefaultConfig(ReliableOrdered)
	cfg.NewMessage = newTestMessage
	c := New(cfg, 0, 0, zerolog.New(io.Discard))
	c.SendMessage(&testMessage{value: 1})
}

func TestChannelResetClearsErrorLevel(t *testing.T) {
	cfg := DefaultConfig(ReliableOrdered)
	cfg.NewMessage = newTestMessage
	cfg.MessageSendQueueSize = 1
	c := New(cfg, 0, 0, zerolog.New(io.Discard))

	c.SendMessage(&cloneableTestMessage{testMessage{value: 1}})
	c.SendMessage(&cloneableTestMessage{testMessage{value: 2}})
	if c.ErrorLevel() == ErrorNone {
		t.Fatal("expected an error after overfilling the send queue")
	}

	c.Reset()
	if c.ErrorLevel() != ErrorNone {
		t.Fatalf("error level after Reset = %v, want None", c.ErrorLevel())
	}
	if c.HasMessagesToSend() {
		t.Fatal("Reset should clear queued messages")
	}
}

func TestChannelSendMessageFailedSerializeReliable(t *testing.T) {
	cfg := DefaultConfig(ReliableOrdered)
	cfg.NewMessage = newTestMessage
	c := New(cfg, 0, 0, zerolog.New(io.Discard))

	c.SendMessage(failingMessage{})

	if c.ErrorLevel() != ErrorFailedToSerialize {
		t.Fatalf("error level = %v, want FailedToSerialize", c.ErrorLevel())
	}
	if c.HasMessagesToSend() {
		t.Fatal("a message that failed to serialize must not be queued")
	}
}

func TestChannelSendMessageFailedSerializeUnreliable(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage
	c := New(cfg, 0, 0, zerolog.New(io.Discard))

	c.SendMessage(failingMessage{})

	if c.ErrorLevel() != ErrorFailedToSerialize {
		t.Fatalf("error level = %v, want FailedToSerialize", c.ErrorLevel())
	}
	if c.HasMessagesToSend() {
		t.Fatal("a message that failed to serialize must not be queued")
	}
}
