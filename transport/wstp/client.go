package wstp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/nodeforge/netchannel/transport"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
)

type inboundItem struct {
	seq    uint64
	packet []byte
}

// ClientOptions configures a Client.
type ClientOptions struct {
	URL   string // ws:// or wss:// address, e.g. "ws://localhost:8080/ws"
	Token string // sent as a query parameter during the upgrade request
	Log   zerolog.Logger
}

// Client implements transport.ClientEndpoint over one WebSocket connection.
type Client struct {
	opts ClientOptions
	log  zerolog.Logger

	conn      net.Conn
	writer    *bufio.Writer
	writeMu   sync.Mutex
	closeOnce sync.Once

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
// to actually dial.
func NewClient(opts ClientOptions) *Client {
	return &Client{opts: opts, log: opts.Log}
}

// Create dials the server and starts the read loop.
func (c *Client) Create(ctx context.Context, _ transport.Config, _ float64) error {
	dialURL := c.opts.URL
	if c.opts.Token != "" {
		u, err := url.Parse(c.opts.URL)
		if err != nil {
			c.connectionFailed.Store(true)
			return fmt.Errorf("wstp: parse url: %w", err)
		}
		q := u.Query()
		q.Set(connectQueryParam, c.opts.Token)
		u.RawQuery = q.Encode()
		dialURL = u.String()
	}

	conn, _, _, err := ws.Dial(ctx, dialURL)
	if err != nil {
		c.connectionFailed.Store(true)
		return fmt.Errorf("wstp: dial: %w", err)
	}
	c.conn = conn
	c.writer = bufio.NewWriter(conn)

	c.connected.Store(true)
	go c.readLoop()
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.connected.Store(false)
		c.closeOnce.Do(func() { _ = c.conn.Close() })
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
		if op != ws.OpBinary {
			continue
		}

		frameType, seq, payload, err := decodeFrame(msg)
		if err != nil {
			c.log.Warn().Err(err).Msg("wstp: client dropping malformed frame")
			continue
		}

		switch frameType {
		case frameTypeData:
			atomic.AddUint64(&c.received, 1)
			cp := append([]byte(nil), payload...)
			c.inboundMu.Lock()
			c.inbound = append(c.inbound, inboundItem{seq: seq, packet: cp})
			c.inboundMu.Unlock()
			c.writeFrame(encodeAckFrame(seq))
		case frameTypeAck:
			atomic.AddUint64(&c.ackedCount, 1)
			c.acksMu.Lock()
			c.acks = append(c.acks, uint16(seq))
			c.acksMu.Unlock()
		}
	}
}

func (c *Client) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteClientMessage(c.writer, ws.OpBinary, frame); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) Destroy() error {
	if c.conn != nil {
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, []byte{})
		c.closeOnce.Do(func() { _ = c.conn.Close() })
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
		return fmt.Errorf("wstp: client not connected")
	}
	seq := atomic.LoadUint64(&c.nextSeq)
	atomic.AddUint64(&c.sent, 1)
	return c.writeFrame(encodeDataFrame(seq, packet))
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
