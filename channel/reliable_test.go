package channel

import (
	"testing"

	"github.com/nodeforge/netchannel/message"
)

func newTestReliable() *reliable {
	cfg := DefaultConfig(ReliableOrdered)
	cfg.NewMessage = newTestMessage
	cfg.SentPacketBufferSize = 32
	cfg.MessageSendQueueSize = 32
	cfg.MessageReceiveQueueSize = 32
	cfg.MaxMessagesPerPacket = 32
	return newReliable(cfg, 0)
}

// cloneableTestMessage is the Cloner-satisfying message type reliable
// channel tests send, since a reliable channel retains and clones messages
// until they're acked.
type cloneableTestMessage struct {
	testMessage
}

func (m *cloneableTestMessage) Clone() message.Message {
	return &cloneableTestMessage{testMessage{value: m.value}}
}

func TestReliableHasMessagesToSend(t *testing.T) {
	r := newTestReliable()
	if r.hasMessagesToSend() {
		t.Fatal("nothing sent yet")
	}
	r.sendMessage(&cloneableTestMessage{testMessage{value: 1}})
	if !r.hasMessagesToSend() {
		t.Fatal("after sending a message, hasMessagesToSend should be true")
	}
}

func TestReliableSendAckReleasesMessage(t *testing.T) {
	r := newTestReliable()
	r.sendMessage(&cloneableTestMessage{testMessage{value: 1}})
	r.sendMessage(&cloneableTestMessage{testMessage{value: 2}})

	data, bits := r.packetData(0, 5, 100_000)
	if data.Empty() || bits <= 0 {
		t.Fatalf("expected packet data, got %+v bits=%d", data, bits)
	}
	if len(data.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(data.Messages))
	}
	if data.Messages[0].ID != 0 || data.Messages[1].ID != 1 {
		t.Fatalf("ids = %d, %d; want 0, 1", data.Messages[0].ID, data.Messages[1].ID)
	}

	r.processAck(5)
	if r.hasMessagesToSend() {
		t.Fatal("both messages should be released after the packet carrying them is acked")
	}
	if r.oldestUnackedMessageID != 2 {
		t.Fatalf("oldestUnackedMessageID = %d, want 2", r.oldestUnackedMessageID)
	}
}

func TestReliableResendAfterTimeout(t *testing.T) {
	r := newTestReliable()
	r.cfg.MessageResendTime = 0.1
	r.sendMessage(&cloneableTestMessage{testMessage{value: 1}})

	data, _ := r.packetData(0, 1, 100_000)
	if data.Empty() {
		t.Fatal("first send should produce a packet")
	}

	data, _ = r.packetData(0, 2, 100_000)
	if !data.Empty() {
		t.Fatal("immediately re-requesting packet data before resend time elapses should yield nothing")
	}

	r.advanceTime(0.2)
	data, _ = r.packetData(0, 3, 100_000)
	if data.Empty() {
		t.Fatal("after resend time elapses, the unacked message should be retransmitted")
	}
}

func TestReliableReceiveOrdering(t *testing.T) {
	r := newTestReliable()

	r.processPacketData(PacketData{Messages: []Entry{
		{ID: 1, Message: &testMessage{value: 20}},
		{ID: 0, Message: &testMessage{value: 10}},
	}}, func() { t.Fatal("unexpected desync") })

	id, msg, ok := r.receiveMessage()
	if !ok || id != 0 || msg.(*testMessage).value != 10 {
		t.Fatalf("first receive = (%d, %v, %v), want (0, 10, true)", id, msg, ok)
	}
	id, msg, ok = r.receiveMessage()
	if !ok || id != 1 || msg.(*testMessage).value != 20 {
		t.Fatalf("second receive = (%d, %v, %v), want (1, 20, true)", id, msg, ok)
	}
}

func TestReliableReceiveDesyncOnOutOfRange(t *testing.T) {
	r := newTestReliable()
	desynced := false

	farFuture := uint16(r.receiveQueue.Capacity() + 100)
	r.processPacketData(PacketData{Messages: []Entry{
		{ID: farFuture, Message: &testMessage{value: 1}},
	}}, func() { desynced = true })

	if !desynced {
		t.Fatal("a message id far beyond the receive window should raise desync")
	}
}

func TestReliableReset(t *testing.T) {
	r := newTestReliable()
	r.sendMessage(&cloneableTestMessage{testMessage{value: 1}})
	r.reset()

	if r.hasMessagesToSend() {
		t.Fatal("reset should clear the send queue")
	}
	if r.sendMessageID != 0 || r.receiveMessageID != 0 || r.oldestUnackedMessageID != 0 {
		t.Fatal("reset should zero every counter")
	}
}
