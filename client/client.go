// Package client implements the single-peer orchestrator: it owns one
// Connection and one transport.ClientEndpoint, and drives them through the
// fixed per-tick contract send_packets -> receive_packets -> advance_time.
package client

import (
	"context"
	"fmt"

	"github.com/nodeforge/netchannel/connection"
	"github.com/nodeforge/netchannel/message"
	"github.com/nodeforge/netchannel/networkinfo"
	"github.com/nodeforge/netchannel/transport"
	"github.com/rs/zerolog"
)

// State is the client's coarse connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config bundles the connection configuration. The packet buffer Client
// reuses across GeneratePacket calls is sized to Connection.MaxPacketSize.
type Config struct {
	Connection connection.Config
}

// Client is a single-peer message-layer endpoint. It owns a Connection and
// drives a transport.ClientEndpoint; it has no internal goroutines and
// every exported method must be called from the same goroutine that drives
// SendPackets, ReceivePackets and AdvanceTime, matching the core's single-threaded, no-suspension-point contract.
type Client struct {
	cfg      Config
	endpoint transport.ClientEndpoint
	conn     *connection.Connection
	state    State
	time     float64
	log      zerolog.Logger

	packetBuf []byte
}

// New constructs a Client bound to endpoint. The Connection itself isn't
// created until Connect, mirroring the reference implementation's lazy
// runtime allocation (Server.start / Client has no connection until it
// actually attempts to connect).
func New(cfg Config, endpoint transport.ClientEndpoint, log zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		endpoint:  endpoint,
		state:     StateDisconnected,
		log:       log,
		packetBuf: make([]byte, cfg.Connection.MaxPacketSize),
	}
}

// State reports the client's current lifecycle state.
func (c *Client) State() State { return c.state }

// ConnectionFailed reports whether the client is in Error.
func (c *Client) ConnectionFailed() bool { return c.state == StateError }

// IsDisconnected reports whether the client is in Error or Disconnected —
// either way, there is no live connection to use.
func (c *Client) IsDisconnected() bool {
	return c.state == StateError || c.state == StateDisconnected
}

// Connect begins connecting to the transport and allocates a fresh
// Connection for this attempt.
func (c *Client) Connect(ctx context.Context, tcfg transport.Config) error {
	if err := c.endpoint.Create(ctx, tcfg, c.time); err != nil {
		c.state = StateError
		return fmt.Errorf("client: connect: %w", err)
	}
	c.conn = connection.New(c.cfg.Connection, c.time, c.log)
	c.state = StateConnecting
	return nil
}

// Disconnect tears the endpoint down and drops the Connection.
func (c *Client) Disconnect() {
	if c.endpoint != nil {
		if err := c.endpoint.Destroy(); err != nil {
			c.log.Warn().Err(err).Msg("client: error destroying transport endpoint on disconnect")
		}
	}
	c.conn = nil
	c.state = StateDisconnected
}

// CanSendMessage reports whether channelIndex has room for another queued
// message.
func (c *Client) CanSendMessage(channelIndex int) bool {
	if c.conn == nil {
		return false
	}
	return c.conn.CanSendMessage(channelIndex)
}

// HasMessagesToSend reports whether channelIndex has anything pending.
func (c *Client) HasMessagesToSend(channelIndex int) bool {
	if c.conn == nil {
		return false
	}
	return c.conn.HasMessagesToSend(channelIndex)
}

// SendMessage queues msg for transmission on channelIndex. A no-op if the
// client has no active Connection.
func (c *Client) SendMessage(channelIndex int, msg message.Message) {
	if c.conn == nil {
		return
	}
	c.conn.SendMessage(channelIndex, msg)
}

// ReceiveMessage pops the next available message on channelIndex.
func (c *Client) ReceiveMessage(channelIndex int) (uint16, message.Message, bool) {
	if c.conn == nil {
		return 0, nil, false
	}
	return c.conn.ReceiveMessage(channelIndex)
}

// SendPackets generates and transmits this tick's outbound packet, if the
// client is connected and the connection produced anything to send.
func (c *Client) SendPackets() {
	if c.state != StateConnected || c.conn == nil {
		return
	}

	seq := c.endpoint.NextPacketSequence()
	n, err := c.conn.GeneratePacket(uint16(seq), c.packetBuf)
	if err != nil {
		c.log.Error().Err(err).Msg("client: failed to generate outbound packet")
		return
	}
	if n == 0 {
		return
	}
	if err := c.endpoint.SendPacket(c.packetBuf[:n]); err != nil {
		c.log.Warn().Err(err).Msg("client: failed to send packet")
	}
}

// ReceivePackets drains every datagram the transport has buffered this tick
// and feeds each one through the Connection.
func (c *Client) ReceivePackets() {
	if c.conn == nil {
		return
	}
	for {
		seq, packet, ok := c.endpoint.ReceivePacket()
		if !ok {
			break
		}
		c.conn.ProcessPacket(uint16(seq), packet)
	}
}

// AdvanceTime is the third step of the per-tick contract: it moves the
// client's clock, advances the Connection and transport, forwards acks, and
// reacts to a Connection error by tearing the connection down the same way
// the server reacts to a per-client connection error — Disconnect drops the
// Connection and endpoint and the client moves to Disconnected, without the
// caller having to request it separately.
func (c *Client) AdvanceTime(newTime float64) {
	c.time = newTime
	if c.endpoint != nil {
		c.endpoint.Update(newTime)

		if c.state == StateConnecting || c.state == StateConnected {
			switch {
			case c.endpoint.ConnectionFailed():
				c.state = StateError
				return
			case c.endpoint.Connected():
				c.state = StateConnected
			case c.state == StateConnected:
				c.Disconnect()
				return
			}
		}
	}

	if c.conn == nil {
		return
	}

	c.conn.AdvanceTime(newTime)
	if c.conn.ErrorLevel() != connection.ErrorNone {
		c.log.Error().Stringer("error", c.conn.ErrorLevel()).Msg("client: connection entered error state, disconnecting")
		c.Disconnect()
		return
	}

	acks := c.endpoint.Acks()
	if len(acks) > 0 {
		c.conn.ProcessAcks(acks)
		c.endpoint.ClearAcks()
	}
}

// Snapshot returns the transport's current network statistics, or false if
// the client has no endpoint connected.
func (c *Client) Snapshot() (networkinfo.Info, bool) {
	if c.endpoint == nil || c.state != StateConnected {
		return networkinfo.Info{}, false
	}
	counters := c.endpoint.Counters()
	return networkinfo.Info{
		RTT:                   counters.RTT,
		PacketLoss:            counters.PacketLoss,
		SentBandwidthKbps:     counters.SentBandwidthKbps,
		ReceivedBandwidthKbps: counters.ReceivedBandwidthKbps,
		AckedBandwidthKbps:    counters.AckedBandwidthKbps,
		NumPacketsSent:        counters.PacketsSent,
		NumPacketsReceived:    counters.PacketsReceived,
		NumPacketsAcked:       counters.PacketsAcked,
	}, true
}
