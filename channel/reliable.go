package channel

import (
	"github.com/nodeforge/netchannel/message"
	"github.com/nodeforge/netchannel/seqbuf"
)

type sendQueueEntry struct {
	id           uint16
	message      message.Cloner
	measuredBits int
	timeLastSent float64
}

type receiveQueueEntry struct {
	id      uint16
	message message.Message
}

type sentPacketEntry struct {
	acked        bool
	timeSent     float64
	messageIDs   []uint16 // view into reliable.sentPacketMessageIDs
}

// reliable is the processor behind a ReliableOrdered channel. It buffers
// every unacked outbound message, resends anything that's waited longer than
// MessageResendTime, and walks packet-level acks back to the individual
// message IDs they cover so the send queue can release them.
type reliable struct {
	cfg  Config
	time float64

	sendMessageID         uint16
	receiveMessageID      uint16
	oldestUnackedMessageID uint16

	// sentPacketMessageIDs is a flat backing array for the message ID runs
	// referenced by sentPackets entries, avoiding a per-packet allocation.
	sentPacketMessageIDs []uint16

	sentPackets    *seqbuf.SequenceBuffer[sentPacketEntry]
	sendQueue      *seqbuf.SequenceBuffer[sendQueueEntry]
	receiveQueue   *seqbuf.SequenceBuffer[receiveQueueEntry]
}

func newReliable(cfg Config, time float64) *reliable {
	return &reliable{
		cfg:                  cfg,
		time:                 time,
		sentPacketMessageIDs: make([]uint16, cfg.MaxMessagesPerPacket*cfg.SentPacketBufferSize),
		sentPackets:          seqbuf.New[sentPacketEntry](cfg.SentPacketBufferSize),
		sendQueue:            seqbuf.New[sendQueueEntry](cfg.MessageSendQueueSize),
		receiveQueue:         seqbuf.New[receiveQueueEntry](cfg.MessageReceiveQueueSize),
	}
}

func (r *reliable) advanceTime(newTime float64) {
	r.time = newTime
}

func (r *reliable) reset() {
	r.sendMessageID = 0
	r.receiveMessageID = 0
	r.oldestUnackedMessageID = 0
	r.sentPackets.Reset()
	r.sendQueue.Reset()
	r.receiveQueue.Reset()
}

// hasMessagesToSend is true whenever the oldest unacked message id hasn't
// caught up to the next id we'll assign — i.e. there's something in flight
// or waiting to go out.
func (r *reliable) hasMessagesToSend() bool {
	return r.oldestUnackedMessageID != r.sendMessageID
}

func (r *reliable) canSendMessage() bool {
	return r.sendQueue.Available(r.sendMessageID)
}

// sendMessage measures msg up front and queues it for (re)transmission. A
// measure failure means Serialize itself is broken for this message type —
// the message is never queued and the error is returned so the caller can
// raise ErrorFailedToSerialize instead of silently wedging the channel with
// an unsendable entry.
func (r *reliable) sendMessage(msg message.Cloner) error {
	bits, err := message.MeasureBits(msg)
	if err != nil {
		return err
	}
	id := r.sendMessageID
	ok := r.sendQueue.InsertWith(id, func() sendQueueEntry {
		return sendQueueEntry{
			id:           id,
			message:      msg,
			measuredBits: bits,
			timeLastSent: -1,
		}
	})
	if !ok {
		// canSendMessage is expected to have been checked by the caller
		// (the Channel wrapper enforces this and raises SendQueueFull).
		return nil
	}
	r.sendMessageID++
	return nil
}

func (r *reliable) receiveMessage() (uint16, message.Message, bool) {
	entry, ok := r.receiveQueue.Take(r.receiveMessageID)
	if !ok {
		return 0, nil, false
	}
	id := r.receiveMessageID
	r.receiveMessageID++
	return id, entry.message, true
}

// getMessagesToSend selects which unacked messages to (re)transmit this
// packet: due for resend (MessageResendTime elapsed or never sent), fitting
// the bit budget, bounded by the smaller of the send/receive queue capacity
// and MaxMessagesPerPacket. giveUpCounter bounds how many candidates are
// skipped for not fitting before abandoning the scan, so one oversized
// message near the front can't make this an O(queue) walk every packet.
func (r *reliable) getMessagesToSend(availableBits int) ([]uint16, int) {
	if r.cfg.PacketBudget > 0 {
		budgetBits := r.cfg.PacketBudget * 8
		if budgetBits < availableBits {
			availableBits = budgetBits
		}
	}

	const giveUpBits = 4 * 8
	messageLimit := r.receiveQueue.Capacity()
	if r.sendQueue.Capacity() < messageLimit {
		messageLimit = r.sendQueue.Capacity()
	}

	usedBits := ConservativeMessageHeaderBits
	giveUpCounter := 0
	var ids []uint16

	for i := 0; i < messageLimit; i++ {
		if availableBits-usedBits < giveUpBits {
			break
		}
		if giveUpCounter > r.sendQueue.Capacity() {
			break
		}

		id := r.oldestUnackedMessageID + uint16(i)
		entry := r.sendQueue.Get(id)
		if entry == nil {
			continue
		}

		if entry.timeLastSent+r.cfg.MessageResendTime <= r.time && availableBits >= entry.measuredBits {
			messageBits := entry.measuredBits + 16 // u16 message id on the wire

			if usedBits+messageBits > availableBits {
				giveUpCounter++
				continue
			}

			usedBits += messageBits
			ids = append(ids, id)
			entry.timeLastSent = r.time
		}

		if len(ids) >= r.cfg.MaxMessagesPerPacket {
			break
		}
	}

	return ids, usedBits
}

func (r *reliable) getMessagePacketData(channelIndex int, ids []uint16) PacketData {
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry := r.sendQueue.Get(id)
		entries = append(entries, Entry{ID: id, Message: entry.message.Clone()})
	}
	return PacketData{ChannelIndex: channelIndex, Messages: entries}
}

func (r *reliable) addMessagePacketEntry(ids []uint16, packetSequence uint16) {
	start := (int(packetSequence) % r.cfg.SentPacketBufferSize) * r.cfg.MaxMessagesPerPacket
	copy(r.sentPacketMessageIDs[start:start+len(ids)], ids)

	view := r.sentPacketMessageIDs[start : start+len(ids) : start+len(ids)]
	r.sentPackets.InsertWith(packetSequence, func() sentPacketEntry {
		return sentPacketEntry{acked: false, timeSent: r.time, messageIDs: view}
	})
}

func (r *reliable) packetData(channelIndex int, packetSequence uint16, availableBits int) (PacketData, int) {
	if !r.hasMessagesToSend() {
		return PacketData{}, 0
	}

	ids, bits := r.getMessagesToSend(availableBits)
	if len(ids) == 0 {
		return PacketData{}, 0
	}

	data := r.getMessagePacketData(channelIndex, ids)
	r.addMessagePacketEntry(ids, packetSequence)
	return data, bits
}

// processPacketData delivers newly-arrived reliable messages into the
// receive queue, skipping anything already consumed or too far in the
// future to be buffered. Either of those extremes ordinarily only happens
// under a protocol desync — the caller surfaces it via ErrorDesync rather
// than the processor panicking.
func (r *reliable) processPacketData(data PacketData, onDesync func()) {
	minID := r.receiveMessageID
	maxID := r.receiveMessageID + uint16(r.receiveQueue.Capacity()-1)

	for _, entry := range data.Messages {
		id := entry.ID
		if seqbuf.SequenceLessThan(id, minID) {
			continue
		}
		if seqbuf.SequenceGreaterThan(id, maxID) {
			onDesync()
			return
		}

		msg := entry.Message
		ok := r.receiveQueue.InsertWith(id, func() receiveQueueEntry {
			return receiveQueueEntry{id: id, message: msg}
		})
		if !ok {
			onDesync()
			return
		}
	}
}

// processAck releases every message the newly-acked packet covers and
// advances oldestUnackedMessageID past anything that's now gone from the
// send queue.
func (r *reliable) processAck(ack uint16) {
	entry := r.sentPackets.Get(ack)
	if entry == nil {
		return
	}
	if entry.acked {
		return
	}
	entry.acked = true

	for _, id := range entry.messageIDs {
		if _, ok := r.sendQueue.Take(id); ok {
			r.oldestUnackedMessageID = r.advanceOldestUnacked(r.oldestUnackedMessageID)
		}
	}
}

func (r *reliable) advanceOldestUnacked(oldest uint16) uint16 {
	stop := r.sendQueue.Sequence()
	for oldest != stop && !r.sendQueue.Exists(oldest) {
		oldest++
	}
	return oldest
}
