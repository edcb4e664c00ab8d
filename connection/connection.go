// Package connection multiplexes a fixed set of channels onto one peer
// connection: it packs outgoing packets across channels under a shared byte
// budget, routes incoming packets' channel data back out to each channel,
// and fans acks out to every channel so reliable channels can release
// acked messages.
package connection

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nodeforge/netchannel/channel"
	"github.com/nodeforge/netchannel/message"
	"github.com/rs/zerolog"
)

// ErrorLevel summarizes why a Connection stopped functioning normally.
type ErrorLevel int

const (
	// ErrorNone is the normal operating state.
	ErrorNone ErrorLevel = iota
	// ErrorChannel means one of this connection's channels entered an
	// error state; ChannelErrors reports which one and why.
	ErrorChannel
	// ErrorReadPacketFailed means an incoming packet could not be decoded.
	ErrorReadPacketFailed
)

func (l ErrorLevel) String() string {
	switch l {
	case ErrorNone:
		return "none"
	case ErrorChannel:
		return "channel-error"
	case ErrorReadPacketFailed:
		return "read-packet-failed"
	default:
		return "unknown"
	}
}

// Config bundles the fixed set of channel configs a Connection multiplexes
// along with the cap on packet size it must pack within.
type Config struct {
	// MaxPacketSize bounds how many bytes GeneratePacket will write.
	MaxPacketSize int
	// Channels is indexed by channel index; every message send/receive
	// call into a Connection names one of these indices.
	Channels []channel.Config
	// SerializeCheck, when true, writes and verifies a known marker value
	// after each serialized section — a cheap way to catch an encode/decode
	// desync in development at the cost of 4 bytes per message and per
	// message-id list. Leave false in production.
	SerializeCheck bool
}

// Connection is a peer's set of channels, addressed by index.
type Connection struct {
	cfg        Config
	channels   []*channel.Channel
	errorLevel ErrorLevel
	log        zerolog.Logger
}

// New constructs a Connection with one channel.Channel per entry in
// cfg.Channels, in order. time seeds every channel's resend clock.
func New(cfg Config, time float64, log zerolog.Logger) *Connection {
	if len(cfg.Channels) == 0 {
		panic("connection: at least one channel is required")
	}
	channels := make([]*channel.Channel, len(cfg.Channels))
	for i, chCfg := range cfg.Channels {
		channels[i] = channel.New(chCfg, i, time, log)
	}
	return &Connection{cfg: cfg, channels: channels, log: log}
}

// ErrorLevel reports the connection's current error state.
func (c *Connection) ErrorLevel() ErrorLevel {
	return c.errorLevel
}

// ChannelErrors returns the error level of every channel, for diagnostics
// once ErrorLevel reports ErrorChannel.
func (c *Connection) ChannelErrors() []channel.ErrorLevel {
	levels := make([]channel.ErrorLevel, len(c.channels))
	for i, ch := range c.channels {
		levels[i] = ch.ErrorLevel()
	}
	return levels
}

// Reset clears every channel and returns the connection to ErrorNone.
func (c *Connection) Reset() {
	c.errorLevel = ErrorNone
	for _, ch := range c.channels {
		ch.Reset()
	}
}

// AdvanceTime ticks every channel's clock. If any channel is in error after
// advancing, the connection itself moves to ErrorChannel — matching the
// reference behavior of stopping at the first channel found in error rather
// than continuing to advance the rest.
func (c *Connection) AdvanceTime(time float64) {
	for _, ch := range c.channels {
		ch.AdvanceTime(time)
		if ch.ErrorLevel() != channel.ErrorNone {
			c.errorLevel = ErrorChannel
			return
		}
	}
}

// ProcessAcks notifies every channel that each of acks has been acked by the
// peer, so reliable channels can release the messages those packets carried.
func (c *Connection) ProcessAcks(acks []uint16) {
	for _, ack := range acks {
		for _, ch := range c.channels {
			ch.ProcessAck(ack)
		}
	}
}

// CanSendMessage reports whether channelIndex has room to queue another
// message.
func (c *Connection) CanSendMessage(channelIndex int) bool {
	return c.channels[channelIndex].CanSendMessage()
}

// HasMessagesToSend reports whether channelIndex has anything outstanding
// that a future GeneratePacket would include.
func (c *Connection) HasMessagesToSend(channelIndex int) bool {
	return c.channels[channelIndex].HasMessagesToSend()
}

// SendMessage queues msg for transmission on channelIndex.
func (c *Connection) SendMessage(channelIndex int, msg message.Message) {
	c.channels[channelIndex].SendMessage(msg)
}

// ReceiveMessage pops the next available message from channelIndex's
// receive queue.
func (c *Connection) ReceiveMessage(channelIndex int) (uint16, message.Message, bool) {
	return c.channels[channelIndex].ReceiveMessage()
}

// ChannelErrorLevel reports the error level of one channel directly.
func (c *Connection) ChannelErrorLevel(channelIndex int) channel.ErrorLevel {
	return c.channels[channelIndex].ErrorLevel()
}

// GeneratePacket packs every channel's pending data into dest under the
// shared packet_sequence and MaxPacketSize budget, and returns the number of
// bytes written. Returns 0 when no channel had anything to contribute.
//
// Every channel gets a chance to contribute regardless of order; each
// contributing channel costs CONSERVATIVE_CHANNEL_HEADER_BITS off the
// remaining budget in addition to its own packet data, the same
// conservative slack the reference implementation reserves so the later
// byte-accurate serialize pass can't overrun what generate_packet promised.
func (c *Connection) GeneratePacket(packetSequence uint16, dest []byte) (int, error) {
	if len(c.channels) == 0 {
		return 0, nil
	}
	if len(dest) == 0 {
		panic("connection: dest must be non-empty")
	}

	availableBits := len(dest)*8 - channel.ConservativePacketHeaderBits

	var channelData []channel.PacketData
	for _, ch := range c.channels {
		data, bits := ch.PacketData(packetSequence, availableBits)
		if bits > 0 {
			availableBits -= channel.ConservativeChannelHeaderBits
			availableBits -= bits
			channelData = append(channelData, data)
		}
	}

	if len(channelData) == 0 {
		return 0, nil
	}

	return c.serializePacket(channelData, dest)
}

func (c *Connection) serializePacket(channelData []channel.PacketData, dest []byte) (int, error) {
	if len(channelData) >= 1<<16 {
		return 0, fmt.Errorf("connection: %d channels with data exceeds u16 range", len(channelData))
	}

	buf := bytes.NewBuffer(dest[:0])
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(channelData))); err != nil {
		return 0, err
	}

	for _, data := range channelData {
		if err := data.Serialize(buf, c.cfg.Channels[data.ChannelIndex], c.cfg.SerializeCheck); err != nil {
			return 0, err
		}
	}

	return buf.Len(), nil
}

// ProcessPacket decodes an incoming packet and routes each channel's data to
// the matching channel.Channel. Returns false (without panicking) on a
// malformed packet or once any touched channel lands in an error state, so
// callers can decide how to react — typically treating the connection as
// desynced.
func (c *Connection) ProcessPacket(packetSequence uint16, data []byte) bool {
	if c.errorLevel != ErrorNone {
		c.log.Debug().Msg("dropping incoming packet, connection already in error state")
		return false
	}

	r := bytes.NewReader(data)
	var numChannels uint16
	if err := binary.Read(r, binary.LittleEndian, &numChannels); err != nil {
		c.errorLevel = ErrorReadPacketFailed
		return false
	}

	for i := 0; i < int(numChannels); i++ {
		// Channel index is the first field on the wire for each entry;
		// peek it to pick the right Config before fully decoding.
		channelIndex, err := peekChannelIndex(r)
		if err != nil {
			c.errorLevel = ErrorReadPacketFailed
			return false
		}
		// An out-of-range channel index here fails the whole packet rather
		// than dropping just that entry: the stream is already positioned
		// past the index field with no way to skip to the next entry
		// without knowing this one's length, which depends on a Config we
		// don't have. A whole-packet failure also sidesteps the reference
		// implementation's off-by-one bound check on this same path.
		if channelIndex < 0 || channelIndex >= len(c.channels) {
			c.log.Error().Int("channel", channelIndex).Msg("received packet data for unknown channel")
			c.errorLevel = ErrorReadPacketFailed
			return false
		}

		entry, err := channel.Deserialize(r, c.cfg.Channels[channelIndex], c.cfg.SerializeCheck)
		if err != nil {
			c.errorLevel = ErrorReadPacketFailed
			return false
		}

		ch := c.channels[channelIndex]
		ch.ProcessPacketData(entry, packetSequence)
		if ch.ErrorLevel() != channel.ErrorNone {
			c.log.Debug().Int("channel", channelIndex).Msg("dropping packet, channel entered error state")
			return false
		}
	}

	return true
}

// peekChannelIndex reads the u16 channel index without consuming it from r,
// since channel.Deserialize needs to read it again as part of its own
// framing.
func peekChannelIndex(r *bytes.Reader) (int, error) {
	var idx uint16
	if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
		return 0, err
	}
	if _, err := r.Seek(-2, io.SeekCurrent); err != nil {
		return 0, err
	}
	return int(idx), nil
}
