package channel

import "testing"

func TestUnreliableHasMessagesToSendSense(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage
	u := newUnreliable(cfg)

	if u.hasMessagesToSend() {
		t.Fatal("freshly constructed channel should have nothing queued")
	}
	u.sendMessage(&testMessage{value: 1})
	if !u.hasMessagesToSend() {
		t.Fatal("after queuing a message, hasMessagesToSend should be true")
	}
}

func TestUnreliablePacketDataRoundTrip(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage
	u := newUnreliable(cfg)

	u.sendMessage(&testMessage{value: 42})
	u.sendMessage(&testMessage{value: 43})

	data, bits := u.packetData(cfg, 0, 7, 100_000)
	if data.Empty() {
		t.Fatal("expected a non-empty packet")
	}
	if bits <= 0 {
		t.Fatalf("used bits = %d, want > 0", bits)
	}
	if u.hasMessagesToSend() {
		t.Fatal("send queue should be drained after packing both messages")
	}

	u.processPacketData(data, 7)
	seq, msg, ok := u.receiveMessage()
	if !ok || seq != 7 {
		t.Fatalf("receiveMessage = (%d, %v, %v), want (7, _, true)", seq, msg, ok)
	}
	if msg.(*testMessage).value != 42 {
		t.Fatalf("first received message = %d, want 42", msg.(*testMessage).value)
	}
}

func TestUnreliablePacketDataRespectsBudget(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage
	u := newUnreliable(cfg)

	for i := 0; i < 10; i++ {
		u.sendMessage(&testMessage{value: uint32(i)})
	}

	// Only enough room for the conservative header plus slack, no message.
	data, bits := u.packetData(cfg, 0, 1, ConservativeMessageHeaderBits+4*8-1)
	if !data.Empty() {
		t.Fatalf("expected nothing to fit, got %+v", data)
	}
	if bits != 0 {
		t.Fatalf("used bits = %d, want 0", bits)
	}
	if !u.hasMessagesToSend() {
		t.Fatal("messages should remain queued when nothing fit")
	}
}

func TestUnreliableReset(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage
	u := newUnreliable(cfg)

	u.sendMessage(&testMessage{value: 1})
	u.processPacketData(PacketData{Messages: []Entry{{Message: &testMessage{value: 2}}}}, 5)

	u.reset()
	if u.hasMessagesToSend() {
		t.Fatal("reset should clear the send queue")
	}
	if _, _, ok := u.receiveMessage(); ok {
		t.Fatal("reset should clear the receive queue")
	}
}
