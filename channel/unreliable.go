package channel

import (
	"github.com/nodeforge/netchannel/message"
)

// unreliable is the processor behind an UnreliableUnordered channel: a plain
// FIFO send queue and receive queue, no acking, no resends. A message that
// doesn't fit in a packet, or whose packet is lost, is simply gone.
type unreliable struct {
	sendQueue    []unreliableSendEntry
	sendCap      int
	receiveQueue []packetEntry
	receiveCap   int
}

// unreliableSendEntry caches the measured bit length at enqueue time, same
// as a reliable channel's sendQueueEntry, so packing never re-measures (and
// never re-discovers a serialize failure) after a message has been accepted.
type unreliableSendEntry struct {
	message      message.Message
	measuredBits int
}

type packetEntry struct {
	sequence uint16
	message  message.Message
}

func newUnreliable(cfg Config) *unreliable {
	sendCap := cfg.MessageSendQueueSize
	if sendCap < 1 {
		sendCap = 1
	}
	receiveCap := cfg.MessageReceiveQueueSize
	if receiveCap < 1 {
		receiveCap = 1
	}
	return &unreliable{
		sendQueue:    make([]unreliableSendEntry, 0, sendCap),
		sendCap:      sendCap,
		receiveQueue: make([]packetEntry, 0, receiveCap),
		receiveCap:   receiveCap,
	}
}

func (u *unreliable) advanceTime(float64) {
	// unreliable channels carry no timing state
}

func (u *unreliable) reset() {
	u.sendQueue = u.sendQueue[:0]
	u.receiveQueue = u.receiveQueue[:0]
}

func (u *unreliable) canSendMessage() bool {
	return len(u.sendQueue) < u.sendCap
}

// hasMessagesToSend reports whether the send queue is non-empty. The
// reference implementation this was ported from inverted this check (it
// returned true only when the queue was empty); that reads as a copy-paste
// bug against the reliable channel's analogous check, so this port uses the
// sense the name and every caller actually expect.
func (u *unreliable) hasMessagesToSend() bool {
	return len(u.sendQueue) > 0
}

// sendMessage measures msg up front, same as a reliable channel's
// sendMessage, so a message whose Serialize is broken is rejected here
// rather than discovered (and silently dropped) later at packing time.
func (u *unreliable) sendMessage(msg message.Message) error {
	bits, err := message.MeasureBits(msg)
	if err != nil {
		return err
	}
	u.sendQueue = append(u.sendQueue, unreliableSendEntry{message: msg, measuredBits: bits})
	return nil
}

func (u *unreliable) receiveMessage() (uint16, message.Message, bool) {
	if len(u.receiveQueue) == 0 {
		return 0, nil, false
	}
	entry := u.receiveQueue[0]
	u.receiveQueue = u.receiveQueue[1:]
	return entry.sequence, entry.message, true
}

// packetData pulls as many queued messages as fit in availableBits, honoring
// cfg.PacketBudget and cfg.MaxMessagesPerPacket. It gives up packing further
// messages once fewer than giveUpBits remain, the same conservative slack
// the reliable channel uses to avoid measuring a message only to discover it
// can't fit.
func (u *unreliable) packetData(cfg Config, channelIndex int, packetSequence uint16, availableBits int) (PacketData, int) {
	if len(u.sendQueue) == 0 {
		return PacketData{}, 0
	}

	if cfg.PacketBudget > 0 {
		budgetBits := cfg.PacketBudget * 8
		if budgetBits < availableBits {
			availableBits = budgetBits
		}
	}

	const giveUpBits = 4 * 8
	usedBits := ConservativeMessageHeaderBits

	var entries []Entry
	for len(u.sendQueue) > 0 {
		if availableBits-usedBits < giveUpBits {
			break
		}
		if len(entries) == cfg.MaxMessagesPerPacket {
			break
		}

		head := u.sendQueue[0]
		if usedBits+head.measuredBits > availableBits {
			break
		}

		u.sendQueue = u.sendQueue[1:]
		usedBits += head.measuredBits
		entries = append(entries, Entry{ID: packetSequence, Message: head.message})
	}

	if len(entries) == 0 {
		return PacketData{}, 0
	}

	return PacketData{ChannelIndex: channelIndex, Messages: entries}, usedBits
}

// processPacketData delivers every message in data to the receive queue,
// tagged with the packet sequence it rode in on. Entries beyond receiveCap
// are dropped; an unreliable channel never signals loss back to the sender.
func (u *unreliable) processPacketData(data PacketData, packetSequence uint16) {
	for _, entry := range data.Messages {
		if len(u.receiveQueue) >= u.receiveCap {
			break
		}
		u.receiveQueue = append(u.receiveQueue, packetEntry{sequence: packetSequence, message: entry.Message})
	}
}

func (u *unreliable) processAck(uint16) {
	// unreliable channels don't retain anything that an ack could release
}
