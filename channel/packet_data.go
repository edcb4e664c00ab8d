package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nodeforge/netchannel/message"
)

// SerializeCheckValue is written after each serialized section when a
// Connection is configured with SerializeCheck enabled. It has no meaning
// beyond letting Deserialize assert the two sides agree on framing; a
// mismatch means the encode and decode paths have desynced.
const SerializeCheckValue uint32 = 0x12345678

var errSerializeCheckMismatch = errors.New("channel: serialize check value mismatch, encode/decode desync")

// Entry pairs a message with the ID it was (or will be) sent under. For an
// unreliable channel ID is the packet sequence number it rode in on; for a
// reliable channel it is the channel-local message ID.
type Entry struct {
	ID      uint16
	Message message.Message
}

// PacketData is the portion of an outgoing (or incoming) packet belonging to
// one channel: the channel index, plus zero or more message entries.
type PacketData struct {
	ChannelIndex int
	Messages     []Entry
}

// Empty reports whether this PacketData carries no messages and is safe to
// drop rather than transmit.
func (p PacketData) Empty() bool {
	return len(p.Messages) == 0
}

// Serialize writes the wire form of p: a u16 channel index, a presence byte,
// and — only when present — a (message_count - 1) byte followed by the
// channel-type-specific message encoding. Reliable channels write the list
// of message IDs before the message bodies, matching yojimbo's layout, which
// leaves room for relative-ID compression without changing the rest of the
// format.
func (p PacketData) Serialize(w io.Writer, cfg Config, serializeCheck bool) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(p.ChannelIndex)); err != nil {
		return err
	}

	hasMessages := len(p.Messages) != 0
	if err := writeU8(w, boolByte(hasMessages)); err != nil {
		return err
	}
	if !hasMessages {
		return nil
	}

	if len(p.Messages) > cfg.MaxMessagesPerPacket {
		return fmt.Errorf("channel: %d messages exceeds MaxMessagesPerPacket %d", len(p.Messages), cfg.MaxMessagesPerPacket)
	}
	if err := writeU8(w, byte(len(p.Messages)-1)); err != nil {
		return err
	}

	switch cfg.Kind {
	case UnreliableUnordered:
		return p.serializeUnordered(w, serializeCheck)
	case ReliableOrdered:
		return p.serializeOrdered(w, serializeCheck)
	default:
		return fmt.Errorf("channel: unknown channel kind %v", cfg.Kind)
	}
}

func (p PacketData) serializeUnordered(w io.Writer, serializeCheck bool) error {
	for _, entry := range p.Messages {
		if err := entry.Message.Serialize(w); err != nil {
			return err
		}
		if err := writeSerializeCheck(w, serializeCheck); err != nil {
			return err
		}
	}
	return nil
}

func (p PacketData) serializeOrdered(w io.Writer, serializeCheck bool) error {
	for _, entry := range p.Messages {
		if err := binary.Write(w, binary.LittleEndian, entry.ID); err != nil {
			return err
		}
	}
	if err := writeSerializeCheck(w, serializeCheck); err != nil {
		return err
	}

	for _, entry := range p.Messages {
		if err := entry.Message.Serialize(w); err != nil {
			return err
		}
		if err := writeSerializeCheck(w, serializeCheck); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads a PacketData written by Serialize. The Config passed in
// must be the config for the channel index actually on the wire; callers
// read the channel index first and look up the matching Config before
// calling Deserialize.
//
// For an unreliable channel, every decoded entry's ID is left at 0 — the
// connection layer assigns the packet sequence number as the ID once it
// knows it, since unordered channels number messages by arrival packet, not
// by a per-channel counter.
func Deserialize(r io.Reader, cfg Config, serializeCheck bool) (PacketData, error) {
	var channelIndex uint16
	if err := binary.Read(r, binary.LittleEndian, &channelIndex); err != nil {
		return PacketData{}, err
	}

	hasMessages, err := readU8(r)
	if err != nil {
		return PacketData{}, err
	}
	if hasMessages == 0 {
		return PacketData{ChannelIndex: int(channelIndex)}, nil
	}

	countMinusOne, err := readU8(r)
	if err != nil {
		return PacketData{}, err
	}
	messageCount := int(countMinusOne) + 1
	if messageCount > cfg.MaxMessagesPerPacket {
		return PacketData{}, fmt.Errorf("channel: decoded message count %d exceeds MaxMessagesPerPacket %d", messageCount, cfg.MaxMessagesPerPacket)
	}

	var messages []Entry
	switch cfg.Kind {
	case UnreliableUnordered:
		messages, err = deserializeUnordered(r, cfg, messageCount, serializeCheck)
	case ReliableOrdered:
		messages, err = deserializeOrdered(r, cfg, messageCount, serializeCheck)
	default:
		return PacketData{}, fmt.Errorf("channel: unknown channel kind %v", cfg.Kind)
	}
	if err != nil {
		return PacketData{}, err
	}

	return PacketData{ChannelIndex: int(channelIndex), Messages: messages}, nil
}

func deserializeUnordered(r io.Reader, cfg Config, messageCount int, serializeCheck bool) ([]Entry, error) {
	messages := make([]Entry, 0, messageCount)
	for i := 0; i < messageCount; i++ {
		msg := cfg.NewMessage()
		if err := msg.Deserialize(r); err != nil {
			return nil, err
		}
		if err := readSerializeCheck(r, serializeCheck); err != nil {
			return nil, err
		}
		messages = append(messages, Entry{ID: 0, Message: msg})
	}
	return messages, nil
}

func deserializeOrdered(r io.Reader, cfg Config, messageCount int, serializeCheck bool) ([]Entry, error) {
	ids := make([]uint16, messageCount)
	for i := range ids {
		if err := binary.Read(r, binary.LittleEndian, &ids[i]); err != nil {
			return nil, err
		}
	}
	if err := readSerializeCheck(r, serializeCheck); err != nil {
		return nil, err
	}

	messages := make([]Entry, 0, messageCount)
	for _, id := range ids {
		msg := cfg.NewMessage()
		if err := msg.Deserialize(r); err != nil {
			return nil, err
		}
		if err := readSerializeCheck(r, serializeCheck); err != nil {
			return nil, err
		}
		messages = append(messages, Entry{ID: id, Message: msg})
	}
	return messages, nil
}

func writeSerializeCheck(w io.Writer, enabled bool) error {
	if !enabled {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, SerializeCheckValue)
}

func readSerializeCheck(r io.Reader, enabled bool) error {
	if !enabled {
		return nil
	}
	var got uint32
	if err := binary.Read(r, binary.LittleEndian, &got); err != nil {
		return err
	}
	if got != SerializeCheckValue {
		return errSerializeCheckMismatch
	}
	return nil
}

func writeU8(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readU8(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
