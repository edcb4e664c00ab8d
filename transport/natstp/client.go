package natstp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nodeforge/netchannel/transport"
)

type inboundItem struct {
	seq    uint64
	packet []byte
}

// Client implements transport.ClientEndpoint over NATS.
type Client struct {
	opts Options
	log  zerolog.Logger

	conn *nats.Conn
	subs []*nats.Subscription

	slot int

	connected        atomic.Bool
	connectionFailed atomic.Bool
	nextSeq          uint64

	inboundMu sync.Mutex
	inbound   []inboundItem

	acksMu sync.Mutex
	acks   []uint16

	sent, received, ackedCount uint64
}

// NewClient constructs a Client bound to opts. Create must still be called
// to actually connect.
func NewClient(opts Options) *Client {
	return &Client{opts: opts, log: opts.Log}
}

// Create performs the NATS connection and the connect handshake.
func (c *Client) Create(ctx context.Context, _ transport.Config, _ float64) error {
	conn, err := nats.Connect(c.opts.URL, c.opts.natsOptions(c.log)...)
	if err != nil {
		c.connectionFailed.Store(true)
		return fmt.Errorf("natstp: client connect: %w", err)
	}
	c.conn = conn

	reqBody, err := json.Marshal(connectRequest{Token: c.opts.Token})
	if err != nil {
		c.connectionFailed.Store(true)
		return fmt.Errorf("natstp: marshal connect request: %w", err)
	}

	timeout := c.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	msg, err := conn.RequestWithContext(ctx, c.opts.ConnectSubject, reqBody)
	if err != nil {
		c.connectionFailed.Store(true)
		return fmt.Errorf("natstp: connect handshake: %w", err)
	}

	var reply connectReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		c.connectionFailed.Store(true)
		return fmt.Errorf("natstp: unmarshal connect reply: %w", err)
	}
	if !reply.Accepted {
		c.connectionFailed.Store(true)
		return fmt.Errorf("natstp: connect rejected: %s", reply.Reason)
	}
	c.slot = reply.Slot

	downSub, err := conn.Subscribe(slotDownSubject(c.opts.Subject, c.slot), c.handleDown)
	if err != nil {
		c.connectionFailed.Store(true)
		return fmt.Errorf("natstp: subscribe down: %w", err)
	}
	ackSub, err := conn.Subscribe(slotUpAckSubject(c.opts.Subject, c.slot), c.handleAck)
	if err != nil {
		c.connectionFailed.Store(true)
		return fmt.Errorf("natstp: subscribe ack: %w", err)
	}
	c.subs = []*nats.Subscription{downSub, ackSub}

	c.connected.Store(true)
	return nil
}

func (c *Client) handleDown(msg *nats.Msg) {
	seq, payload, err := decodeFrame(msg.Data)
	if err != nil {
		c.log.Warn().Err(err).Msg("natstp: client dropping malformed frame")
		return
	}
	atomic.AddUint64(&c.received, 1)

	cp := append([]byte(nil), payload...)
	c.inboundMu.Lock()
	c.inbound = append(c.inbound, inboundItem{seq: seq, packet: cp})
	c.inboundMu.Unlock()

	// echo the sequence back to the server on its down-ack subject,
	// completing the ack loop the reliable channel's oldest-unacked
	// bookkeeping depends on
	ackPayload, err := json.Marshal(seq)
	if err == nil {
		_ = c.conn.Publish(slotDownAckSubject(c.opts.Subject, c.slot), ackPayload)
	}
}

func (c *Client) handleAck(msg *nats.Msg) {
	var seq uint64
	if err := json.Unmarshal(msg.Data, &seq); err != nil {
		return
	}
	atomic.AddUint64(&c.ackedCount, 1)
	c.acksMu.Lock()
	c.acks = append(c.acks, uint16(seq))
	c.acksMu.Unlock()
}

func (c *Client) Destroy() error {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected.Store(false)
	return nil
}

func (c *Client) Reset() {
	c.inboundMu.Lock()
	c.inbound = nil
	c.inboundMu.Unlock()
	c.acksMu.Lock()
	c.acks = nil
	c.acksMu.Unlock()
}

func (c *Client) Update(float64) {}

func (c *Client) Connected() bool        { return c.connected.Load() }
func (c *Client) ConnectionFailed() bool { return c.connectionFailed.Load() }

func (c *Client) NextPacketSequence() uint64 {
	return atomic.AddUint64(&c.nextSeq, 1)
}

func (c *Client) SendPacket(packet []byte) error {
	if c.conn == nil {
		return fmt.Errorf("natstp: client not connected")
	}
	seq := atomic.LoadUint64(&c.nextSeq)
	atomic.AddUint64(&c.sent, 1)
	return c.conn.Publish(slotUpSubject(c.opts.Subject, c.slot), encodeFrame(seq, packet))
}

func (c *Client) ReceivePacket() (uint64, []byte, bool) {
	c.inboundMu.Lock()
	defer c.inboundMu.Unlock()
	if len(c.inbound) == 0 {
		return 0, nil, false
	}
	next := c.inbound[0]
	c.inbound = c.inbound[1:]
	return next.seq, next.packet, true
}

func (c *Client) Acks() []uint16 {
	c.acksMu.Lock()
	defer c.acksMu.Unlock()
	return append([]uint16(nil), c.acks...)
}

func (c *Client) ClearAcks() {
	c.acksMu.Lock()
	c.acks = nil
	c.acksMu.Unlock()
}

func (c *Client) Counters() transport.Counters {
	return transport.Counters{
		PacketsSent:     atomic.LoadUint64(&c.sent),
		PacketsReceived: atomic.LoadUint64(&c.received),
		PacketsAcked:    atomic.LoadUint64(&c.ackedCount),
	}
}

const defaultConnectTimeout = 5 * time.Second
