package channel

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/nodeforge/netchannel/message"
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

func newTestMessage() message.Message {
	return &testMessage{}
}

func TestPacketDataEmptyRoundTrip(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage

	var buf bytes.Buffer
	empty := PacketData{ChannelIndex: 3}
	if !empty.Empty() {
		t.Fatal("PacketData with no messages should be Empty")
	}
	if err := empty.Serialize(&buf, cfg, false); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := Deserialize(&buf, cfg, false)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.ChannelIndex != 3 || !got.Empty() {
		t.Fatalf("got %+v, want empty packet data for channel 3", got)
	}
}

func TestPacketDataUnorderedRoundTrip(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage

	for _, serializeCheck := range []bool{false, true} {
		pd := PacketData{
			ChannelIndex: 1,
			Messages: []Entry{
				{ID: 0, Message: &testMessage{value: 10}},
				{ID: 0, Message: &testMessage{value: 20}},
				{ID: 0, Message: &testMessage{value: 30}},
			},
		}

		var buf bytes.Buffer
		if err := pd.Serialize(&buf, cfg, serializeCheck); err != nil {
			t.Fatalf("serialize (check=%v): %v", serializeCheck, err)
		}

		got, err := Deserialize(&buf, cfg, serializeCheck)
		if err != nil {
			t.Fatalf("deserialize (check=%v): %v", serializeCheck, err)
		}
		if got.ChannelIndex != 1 || len(got.Messages) != 3 {
			t.Fatalf("got %+v", got)
		}
		for i, want := range []uint32{10, 20, 30} {
			if got.Messages[i].Message.(*testMessage).value != want {
				t.Fatalf("message %d = %d, want %d", i, got.Messages[i].Message.(*testMessage).value, want)
			}
		}
	}
}

func TestPacketDataOrderedRoundTrip(t *testing.T) {
	cfg := DefaultConfig(ReliableOrdered)
	cfg.NewMessage = newTestMessage

	pd := PacketData{
		ChannelIndex: 2,
		Messages: []Entry{
			{ID: 100, Message: &testMessage{value: 1}},
			{ID: 101, Message: &testMessage{value: 2}},
		},
	}

	var buf bytes.Buffer
	if err := pd.Serialize(&buf, cfg, true); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := Deserialize(&buf, cfg, true)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	if got.Messages[0].ID != 100 || got.Messages[1].ID != 101 {
		t.Fatalf("ids = %d, %d; want 100, 101", got.Messages[0].ID, got.Messages[1].ID)
	}
}

func TestPacketDataSerializeCheckMismatchDetected(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage

	pd := PacketData{
		ChannelIndex: 0,
		Messages:     []Entry{{Message: &testMessage{value: 7}}},
	}

	var buf bytes.Buffer
	if err := pd.Serialize(&buf, cfg, true); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	// Corrupt the trailing check value so the two sides disagree on framing.
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff

	if _, err := Deserialize(bytes.NewReader(raw), cfg, true); err == nil {
		t.Fatal("a corrupted check value should be detected, not silently accepted")
	}
}

func TestPacketDataExceedsMaxMessagesPerPacket(t *testing.T) {
	cfg := DefaultConfig(UnreliableUnordered)
	cfg.NewMessage = newTestMessage
	cfg.MaxMessagesPerPacket = 1

	pd := PacketData{
		ChannelIndex: 0,
		Messages: []Entry{
			{Message: &testMessage{value: 1}},
			{Message: &testMessage{value: 2}},
		},
	}

	var buf bytes.Buffer
	if err := pd.Serialize(&buf, cfg, false); err == nil {
		t.Fatal("serializing more messages than MaxMessagesPerPacket should error")
	}
}
