// Package server implements the multi-peer orchestrator: it owns one
// Connection per slot plus one transport.ServerEndpoint, and drives them
// through the same per-tick contract the client uses (SendPackets ->
// ReceivePackets -> AdvanceTime), fanned out across every connected slot.
package server

import (
	"context"
	"fmt"

	"github.com/nodeforge/netchannel/connection"
	"github.com/nodeforge/netchannel/message"
	"github.com/nodeforge/netchannel/networkinfo"
	"github.com/nodeforge/netchannel/transport"
	"github.com/rs/zerolog"
)

// CapacityManager supplies a slot ceiling derived from CPU/memory headroom
// and a cgroup limit. Server reads AllowedSlots once, in Start, and gives
// the endpoint the smaller of it and MaxClients as its slot count; later
// changes to the ceiling do not affect a running server, and slots already
// connected are never touched. A nil CapacityManager means no ceiling
// beyond MaxClients.
type CapacityManager interface {
	AllowedSlots() int
}

// WorkerPool hands inbound packet processing off a bounded pool of workers
// so one expensive Connection.ProcessPacket call can't stall the drain loop
// for every other slot. Submit returns false if the task was dropped under
// saturation; Server logs the drop and does not retry it.
type WorkerPool interface {
	Submit(task func()) bool
}

// Config bundles the per-slot connection configuration with the maximum
// number of simultaneously connected clients.
type Config struct {
	Connection connection.Config
	MaxClients int
}

// Server is a multi-peer message-layer endpoint: one Connection per slot,
// driven by a shared transport.ServerEndpoint. Like Client it has no
// internal goroutines of its own — every exported method must be called
// from the tick-driving goroutine, except that a configured WorkerPool may
// process individual inbound packets on its own goroutines.
type Server struct {
	cfg      Config
	endpoint transport.ServerEndpoint
	log      zerolog.Logger

	capacity CapacityManager
	workers  WorkerPool

	conns     []*connection.Connection
	connected []bool
	time      float64

	packetBuf []byte

	running bool
}

// New constructs a Server with MaxClients slots. capacity and workers are
// both optional (nil disables the corresponding behavior).
func New(cfg Config, endpoint transport.ServerEndpoint, log zerolog.Logger, capacity CapacityManager, workers WorkerPool) *Server {
	if cfg.MaxClients <= 0 {
		panic("server: MaxClients must be positive")
	}
	return &Server{
		cfg:       cfg,
		endpoint:  endpoint,
		log:       log,
		capacity:  capacity,
		workers:   workers,
		conns:     make([]*connection.Connection, cfg.MaxClients),
		connected: make([]bool, cfg.MaxClients),
		packetBuf: make([]byte, cfg.Connection.MaxPacketSize),
	}
}

// Start allocates a fresh Connection for every slot and begins listening.
func (s *Server) Start(ctx context.Context, tcfg transport.Config, time float64) error {
	if s.running {
		s.Stop()
	}
	s.time = time
	for i := range s.conns {
		s.conns[i] = connection.New(s.cfg.Connection, time, s.log)
		s.connected[i] = false
	}
	s.endpoint.OnConnectDisconnect(s.handleConnectDisconnect)
	if err := s.endpoint.Create(ctx, tcfg, s.allowedSlots(), time); err != nil {
		return fmt.Errorf("server: start: %w", err)
	}
	s.running = true
	return nil
}

// Stop tears the endpoint down and releases every slot's Connection.
func (s *Server) Stop() {
	if !s.running {
		return
	}
	if err := s.endpoint.Destroy(); err != nil {
		s.log.Warn().Err(err).Msg("server: error destroying transport endpoint on stop")
	}
	for i := range s.conns {
		s.conns[i] = nil
		s.connected[i] = false
	}
	s.running = false
}

// Running reports whether Start has been called without a matching Stop.
func (s *Server) Running() bool { return s.running }

func (s *Server) allowedSlots() int {
	if s.capacity == nil {
		return s.cfg.MaxClients
	}
	if n := s.capacity.AllowedSlots(); n < s.cfg.MaxClients {
		if n < 0 {
			return 0
		}
		return n
	}
	return s.cfg.MaxClients
}

// handleConnectDisconnect is the transport's hook for slot connect state
// changes. On disconnect it resets the slot's Connection, matching the
// reference server's reliable_endpoint_reset + connection.reset pairing on
// handle_connect_disconnect.
func (s *Server) handleConnectDisconnect(slot int, connected bool) {
	if slot < 0 || slot >= len(s.conns) {
		return
	}
	if connected {
		s.connected[slot] = true
		s.log.Debug().Int("slot", slot).Msg("server: client connected")
		return
	}
	s.connected[slot] = false
	s.log.Debug().Int("slot", slot).Msg("server: client disconnected")
	if s.conns[slot] != nil {
		s.conns[slot].Reset()
	}
}

// IsClientConnected reports whether slot currently has a connected peer.
func (s *Server) IsClientConnected(slot int) bool {
	return s.validSlot(slot) && s.connected[slot] && s.endpoint.IsClientConnected(slot)
}

func (s *Server) validSlot(slot int) bool {
	return slot >= 0 && slot < len(s.conns)
}

// CanSendMessage reports whether slot's channelIndex has room to queue
// another message.
func (s *Server) CanSendMessage(slot, channelIndex int) bool {
	if !s.validSlot(slot) || s.conns[slot] == nil {
		return false
	}
	return s.conns[slot].CanSendMessage(channelIndex)
}

// HasMessagesToSend reports whether slot's channelIndex has anything
// pending.
func (s *Server) HasMessagesToSend(slot, channelIndex int) bool {
	if !s.validSlot(slot) || s.conns[slot] == nil {
		return false
	}
	return s.conns[slot].HasMessagesToSend(channelIndex)
}

// SendMessage queues msg for slot on channelIndex.
func (s *Server) SendMessage(slot, channelIndex int, msg message.Message) {
	if !s.validSlot(slot) || s.conns[slot] == nil {
		return
	}
	s.conns[slot].SendMessage(channelIndex, msg)
}

// ReceiveMessage pops the next available message for slot on channelIndex.
func (s *Server) ReceiveMessage(slot, channelIndex int) (uint16, message.Message, bool) {
	if !s.validSlot(slot) || s.conns[slot] == nil {
		return 0, nil, false
	}
	return s.conns[slot].ReceiveMessage(channelIndex)
}

// DisconnectClient asks slot's peer to disconnect, if connected, by sending
// it an empty packet, which the peer's Connection fails to decode. The slot
// is not dropped from the server side: the ServerEndpoint contract has no
// call for that, so the slot stays connected until the transport reports
// the disconnect through OnConnectDisconnect.
func (s *Server) DisconnectClient(slot int) {
	// TODO: clear the slot's send queue on disconnect (yojimbo issue 129
	// carries the same gap in the reference implementation).
	if !s.IsClientConnected(slot) {
		return
	}
	if err := s.endpoint.SendPacket(slot, nil); err != nil {
		s.log.Debug().Err(err).Int("slot", slot).Msg("server: disconnect send failed, ignoring")
	}
}

// SendPackets generates and transmits this tick's outbound packet for every
// connected slot.
func (s *Server) SendPackets() {
	if !s.running {
		return
	}
	for slot, conn := range s.conns {
		if conn == nil || !s.endpoint.IsClientConnected(slot) {
			continue
		}

		seq := s.endpoint.NextPacketSequence(slot)
		n, err := conn.GeneratePacket(uint16(seq), s.packetBuf)
		if err != nil {
			s.log.Error().Err(err).Int("slot", slot).Msg("server: failed to generate outbound packet")
			continue
		}
		if n == 0 {
			continue
		}
		if err := s.endpoint.SendPacket(slot, s.packetBuf[:n]); err != nil {
			s.log.Warn().Err(err).Int("slot", slot).Msg("server: failed to send packet")
		}
	}
}

// ReceivePackets drains every datagram the transport has buffered for any
// slot this tick. Each packet is processed inline unless a WorkerPool was
// configured, in which case it is submitted there instead — a slow decode
// on one slot then can't stall the drain loop for the rest.
func (s *Server) ReceivePackets() {
	if !s.running {
		return
	}
	for {
		slot, seq, packet, ok := s.endpoint.ReceivePacket()
		if !ok {
			break
		}
		if !s.validSlot(slot) || s.conns[slot] == nil {
			continue
		}
		conn := s.conns[slot]

		if s.workers == nil {
			conn.ProcessPacket(uint16(seq), packet)
			continue
		}
		if !s.workers.Submit(func() { conn.ProcessPacket(uint16(seq), packet) }) {
			s.log.Warn().Int("slot", slot).Msg("server: worker pool saturated, dropping inbound packet")
		}
	}
}

// AdvanceTime is the third step of the per-tick contract: it moves the
// server's clock, advances the transport and every slot's Connection, fans
// acks out per slot, and calls DisconnectClient for any slot whose
// Connection entered an error state — mirroring the reference advance_time's per-client error
// check before its ack/simulator bookkeeping.
func (s *Server) AdvanceTime(newTime float64) {
	s.time = newTime
	if !s.running {
		return
	}
	s.endpoint.Update(newTime)

	for slot, conn := range s.conns {
		if conn == nil {
			continue
		}
		conn.AdvanceTime(newTime)

		if conn.ErrorLevel() != connection.ErrorNone {
			s.log.Error().Int("slot", slot).Stringer("error", conn.ErrorLevel()).
				Msg("server: connection entered error state, disconnecting client")
			s.DisconnectClient(slot)
			continue
		}

		acks := s.endpoint.Acks(slot)
		if len(acks) > 0 {
			conn.ProcessAcks(acks)
			s.endpoint.ClearAcks(slot)
		}
	}
}

// Snapshot returns slot's transport statistics, or false if it has no
// connected peer.
func (s *Server) Snapshot(slot int) (networkinfo.Info, bool) {
	if !s.IsClientConnected(slot) {
		return networkinfo.Info{}, false
	}
	counters := s.endpoint.Counters(slot)
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

// ConnectedCount reports how many slots currently have a connected peer.
func (s *Server) ConnectedCount() int {
	n := 0
	for slot := range s.conns {
		if s.IsClientConnected(slot) {
			n++
		}
	}
	return n
}
