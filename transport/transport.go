// Package transport defines the contract a datagram transport must satisfy
// to carry netchannel packets. The core (client, server, connection) only
// ever depends on these interfaces — it never imports a concrete transport,
// so swapping NATS, raw UDP, or a WebSocket binding underneath it requires
// no change to the message layer.
//
// The reference source this core was ported from models the transport as a
// C library that calls back into the orchestrator (transmit_packet,
// process_packet) with an opaque context pointer. Go has no need for that
// inversion: ClientEndpoint and ServerEndpoint are pulled from by the
// orchestrator's own tick loop (ReceivePacket, Acks) instead of pushing into
// it, which is the idiomatic Go shape for the same single-threaded,
// no-callback contract the reference design note asks for.
package transport

import "context"

// Counters reports the transport-level statistics a Client or Server
// exposes alongside the message layer's own state: RTT, loss, and bandwidth
// are all things only the transport can measure, since only it knows which
// packets round-tripped.
type Counters struct {
	RTT                 float64
	PacketLoss          float64
	SentBandwidthKbps   float64
	ReceivedBandwidthKbps float64
	AckedBandwidthKbps  float64
	PacketsSent         uint64
	PacketsReceived     uint64
	PacketsAcked        uint64
}

// Config carries the fields the core sets on whatever transport it's given.
// A concrete binding is free to ignore fields it has no use for (e.g. a
// loopback NATS binding ignores fragmentation fields) but must accept the
// struct.
type Config struct {
	MaxPacketSize             int
	ProtocolID                uint64
	TimeoutSeconds            float64
	FragmentPacketsAbove      int
	PacketFragmentSize        int
	MaxPacketFragments        int
	PacketReassemblyBufferSize int
	AckedPacketsBufferSize    int
	ReceivedPacketsBufferSize int
	RTTSmoothingFactor        float64
}

// ClientEndpoint is the transport contract a Client drives. Implementations
// are not expected to be safe for concurrent use — the core calls every
// method from one goroutine per the single-threaded tick-loop contract.
type ClientEndpoint interface {
	// Create allocates whatever the transport needs (sockets, subjects,
	// subscriptions) and begins connecting.
	Create(ctx context.Context, cfg Config, now float64) error
	// Destroy tears the endpoint down. Safe to call once, after which the
	// endpoint must not be reused.
	Destroy() error
	// Reset returns the endpoint to its post-Create state without tearing
	// down the underlying transport resources (e.g. clears buffered acks
	// and pending datagrams, but keeps the socket open for a reconnect).
	Reset()
	// Update advances the endpoint's internal clock; some bindings use this
	// to drive connection-timeout detection.
	Update(now float64)

	// Connected reports whether the transport believes the client is
	// connected to a server. The core treats a transition to false as a
	// disconnect.
	Connected() bool
	// ConnectionFailed reports whether the most recent connection attempt
	// failed (bad token, protocol mismatch, timeout).
	ConnectionFailed() bool

	// NextPacketSequence returns the sequence the next SendPacket call will
	// be assigned. The core uses the low 16 bits for reliable bookkeeping.
	NextPacketSequence() uint64
	// SendPacket hands one fully-serialized connection payload to the
	// transport for delivery.
	SendPacket(packet []byte) error
	// ReceivePacket returns the next buffered inbound payload, if any. ok is
	// false once the transport has nothing more buffered this tick.
	ReceivePacket() (seq uint64, packet []byte, ok bool)

	// Acks returns the packet sequences the peer has acknowledged since the
	// last ClearAcks call.
	Acks() []uint16
	// ClearAcks discards the currently buffered ack list.
	ClearAcks()

	// Counters reports the transport's own bandwidth/RTT/loss statistics.
	Counters() Counters
}

// ServerEndpoint is the transport contract a Server drives, addressed by
// slot index (one slot per connected client).
type ServerEndpoint interface {
	// Create allocates server-side resources for up to maxClients
	// concurrent slots and starts listening.
	Create(ctx context.Context, cfg Config, maxClients int, now float64) error
	Destroy() error
	// Reset tears down every slot's connection state without destroying the
	// listener itself.
	Reset()
	Update(now float64)

	// IsClientConnected reports whether slot currently has a connected
	// peer.
	IsClientConnected(slot int) bool

	NextPacketSequence(slot int) uint64
	SendPacket(slot int, packet []byte) error
	// ReceivePacket returns the next buffered inbound payload for any slot.
	// ok is false once nothing more is buffered this tick.
	ReceivePacket() (slot int, seq uint64, packet []byte, ok bool)

	Acks(slot int) []uint16
	ClearAcks(slot int)

	Counters(slot int) Counters

	// OnConnectDisconnect registers the handler the server calls whenever a
	// slot's connected state changes. The core uses this to reset the
	// slot's Connection on disconnect; the server holds no network
	// simulator, so no pending simulator packets are discarded there. It is
	// not meant to be called from application code.
	OnConnectDisconnect(fn func(slot int, connected bool))
}
