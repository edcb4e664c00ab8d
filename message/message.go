// Package message defines the two capabilities the channel layer requires of
// an application message type: serialize and deserialize, both fallible.
// Everything else about a message is opaque to the core.
package message

import "io"

// Message is the only contract the channel layer imposes on application
// payloads. Implementations are expected to be comparably cheap to
// serialize — the channel layer measures serialized size on every send
// attempt to respect the packet byte budget.
type Message interface {
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

// Cloner is required of messages carried on a reliable channel: a reliable
// channel retains a message until it is acked, and clones it onto the wire
// each time it is (re)transmitted.
type Cloner interface {
	Message
	Clone() Message
}

// MeasureSink is an io.Writer that only counts bytes written, used to
// measure a message's serialized bit length without allocating the actual
// encoded form.
type MeasureSink struct {
	N int
}

func (m *MeasureSink) Write(p []byte) (int, error) {
	m.N += len(p)
	return len(p), nil
}

// MeasureBits serializes msg into a MeasureSink and returns the bit length,
// per the channel layer's bit-budget accounting.
func MeasureBits(msg Message) (int, error) {
	var sink MeasureSink
	if err := msg.Serialize(&sink); err != nil {
		return 0, err
	}
	return sink.N * 8, nil
}
