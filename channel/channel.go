package channel

import (
	"fmt"

	"github.com/nodeforge/netchannel/message"
	"github.com/rs/zerolog"
)

// processor is the behavior a Channel delegates to once it knows which kind
// it is. reliable satisfies it; unreliable's packetData also takes the
// channel Config as its first argument, so unreliable does not, and Channel
// calls both through their concrete types.
type processor interface {
	advanceTime(time float64)
	reset()
	canSendMessage() bool
	hasMessagesToSend() bool
	receiveMessage() (uint16, message.Message, bool)
	packetData(channelIndex int, packetSequence uint16, availableBits int) (PacketData, int)
	processAck(ack uint16)
}

// Channel multiplexes one reliability contract (reliable-ordered or
// unreliable-unordered) onto a single channel index of a Connection. All
// errors surface through ErrorLevel rather than a return value, mirroring
// how a Connection checks every channel's state once per update rather than
// threading an error through every call.
type Channel struct {
	cfg        Config
	index      int
	errorLevel ErrorLevel
	log        zerolog.Logger

	unreliable *unreliable
	reliable   *reliable
}

// New constructs a Channel for the given index. time is the connection's
// current simulation time, used to seed a reliable channel's resend clock.
func New(cfg Config, index int, time float64, log zerolog.Logger) *Channel {
	c := &Channel{
		cfg:   cfg,
		index: index,
		log:   log.With().Int("channel", index).Str("kind", cfg.Kind.String()).Logger(),
	}
	switch cfg.Kind {
	case ReliableOrdered:
		c.reliable = newReliable(cfg, time)
	case UnreliableUnordered:
		c.unreliable = newUnreliable(cfg)
	default:
		panic(fmt.Sprintf("channel: unknown channel kind %v", cfg.Kind))
	}
	return c
}

func (c *Channel) Index() int        { return c.index }
func (c *Channel) Config() Config    { return c.cfg }
func (c *Channel) ErrorLevel() ErrorLevel { return c.errorLevel }

func (c *Channel) setErrorLevel(level ErrorLevel) {
	if c.errorLevel != level && level != ErrorNone {
		c.log.Error().Stringer("level", level).Msg("channel entered error state")
	}
	c.errorLevel = level
}

// Reset clears all queued and in-flight state and returns the channel to
// ErrorNone.
func (c *Channel) Reset() {
	c.setErrorLevel(ErrorNone)
	if c.reliable != nil {
		c.reliable.reset()
	} else {
		c.unreliable.reset()
	}
}

// AdvanceTime is called once per Connection.AdvanceTime for every channel it
// owns.
func (c *Channel) AdvanceTime(time float64) {
	if c.reliable != nil {
		c.reliable.advanceTime(time)
	} else {
		c.unreliable.advanceTime(time)
	}
}

// CanSendMessage reports whether the send queue has room for another
// message without blocking or erroring.
func (c *Channel) CanSendMessage() bool {
	if c.reliable != nil {
		return c.reliable.canSendMessage()
	}
	return c.unreliable.canSendMessage()
}

// HasMessagesToSend reports whether this channel has anything queued (or,
// for a reliable channel, anything still unacked) that a future
// GeneratePacket call would include.
func (c *Channel) HasMessagesToSend() bool {
	if c.reliable != nil {
		return c.reliable.hasMessagesToSend()
	}
	return c.unreliable.hasMessagesToSend()
}

// SendMessage queues msg for transmission. On a reliable channel msg must
// also implement message.Cloner — SendMessage panics otherwise, since that
// is a static mismatch between a channel's configured Kind and the message
// types it's given, not a runtime condition a caller should need to check
// per call.
//
// If the error level is already non-None, or the send queue is full,
// SendMessage sets (or leaves) the error level and silently drops msg,
// matching how callers are expected to check ErrorLevel rather than a
// per-send return value.
func (c *Channel) SendMessage(msg message.Message) {
	if c.errorLevel != ErrorNone {
		return
	}
	if !c.CanSendMessage() {
		c.setErrorLevel(ErrorSendQueueFull)
		return
	}

	var err error
	if c.reliable != nil {
		cloner, ok := msg.(message.Cloner)
		if !ok {
			panic("channel: message sent on a reliable channel must implement message.Cloner")
		}
		err = c.reliable.sendMessage(cloner)
	} else {
		err = c.unreliable.sendMessage(msg)
	}
	if err != nil {
		c.log.Error().Err(err).Msg("message failed to serialize")
		c.setErrorLevel(ErrorFailedToSerialize)
	}
}

// ReceiveMessage pops the next message in delivery order, if any. The
// returned uint16 is the packet sequence it arrived in (unreliable) or its
// per-channel message ID (reliable).
func (c *Channel) ReceiveMessage() (uint16, message.Message, bool) {
	if c.errorLevel != ErrorNone {
		return 0, nil, false
	}
	if c.reliable != nil {
		return c.reliable.receiveMessage()
	}
	return c.unreliable.receiveMessage()
}

// PacketData builds this channel's contribution to an outgoing packet,
// bounded by availableBits. Returns the empty PacketData (Empty() == true)
// and 0 used bits when there's nothing to send or nothing fits.
func (c *Channel) PacketData(packetSequence uint16, availableBits int) (PacketData, int) {
	if c.reliable != nil {
		return c.reliable.packetData(c.index, packetSequence, availableBits)
	}
	return c.unreliable.packetData(c.cfg, c.index, packetSequence, availableBits)
}

// ProcessPacketData delivers a decoded PacketData for this channel, skipping
// the work entirely once the channel is already in error.
func (c *Channel) ProcessPacketData(data PacketData, packetSequence uint16) {
	if c.errorLevel != ErrorNone {
		return
	}
	if c.reliable != nil {
		c.reliable.processPacketData(data, func() {
			c.setErrorLevel(ErrorDesync)
		})
		return
	}
	c.unreliable.processPacketData(data, packetSequence)
}

// ProcessAck notifies this channel that packetSequence has been acked by the
// peer. A no-op on unreliable channels.
func (c *Channel) ProcessAck(packetSequence uint16) {
	if c.reliable != nil {
		c.reliable.processAck(packetSequence)
	}
}
