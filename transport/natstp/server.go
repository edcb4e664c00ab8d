package natstp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nodeforge/netchannel/internal/authtoken"
	"github.com/nodeforge/netchannel/internal/ratelimit"
	"github.com/nodeforge/netchannel/transport"
)

type slotState struct {
	connected atomic.Bool
	nextSeq   uint64

	inboundMu sync.Mutex
	inbound   []inboundItem

	acksMu sync.Mutex
	acks   []uint16

	upSub, downAckSub *nats.Subscription

	sent, received, acked uint64
}

// Server implements transport.ServerEndpoint over core NATS pub/sub. It owns
// the connect-handshake subscriber (slot assignment, optional rate-limit and
// token checks) plus one pair of per-slot subscriptions for every connected
// client.
type Server struct {
	opts Options
	log  zerolog.Logger

	limiter *ratelimit.Limiter // optional; nil disables address rate limiting
	auth    *authtoken.Codec   // optional; nil disables connect-token checks

	conn       *nats.Conn
	connectSub *nats.Subscription

	mu         sync.Mutex
	slots      []*slotState
	maxClients int

	onChange func(slot int, connected bool)
}

// NewServer constructs a Server bound to opts. limiter and auth may both be
// nil to disable the corresponding admission check.
func NewServer(opts Options, limiter *ratelimit.Limiter, auth *authtoken.Codec) *Server {
	return &Server{opts: opts, log: opts.Log, limiter: limiter, auth: auth}
}

// Create connects to NATS, allocates maxClients slots, and starts the
// connect-handshake subscriber.
func (s *Server) Create(ctx context.Context, _ transport.Config, maxClients int, _ float64) error {
	conn, err := nats.Connect(s.opts.URL, s.opts.natsOptions(s.log)...)
	if err != nil {
		return fmt.Errorf("natstp: server connect: %w", err)
	}
	s.conn = conn
	s.maxClients = maxClients

	s.mu.Lock()
	s.slots = make([]*slotState, maxClients)
	s.mu.Unlock()

	sub, err := conn.Subscribe(s.opts.ConnectSubject, s.handleConnect)
	if err != nil {
		conn.Close()
		return fmt.Errorf("natstp: subscribe connect: %w", err)
	}
	s.connectSub = sub
	return nil
}

func (s *Server) handleConnect(msg *nats.Msg) {
	var req connectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, connectReply{Accepted: false, Reason: "malformed request"})
		return
	}

	// NATS gives us no remote IP the way a raw socket transport would, so
	// the per-address bucket keys on the connect token (or a shared bucket
	// for anonymous requests, which the global limiter still bounds).
	if s.limiter != nil {
		addrKey := req.Token
		if addrKey == "" {
			addrKey = "anonymous"
		}
		if !s.limiter.Allow(addrKey) {
			s.reply(msg, connectReply{Accepted: false, Reason: "rate limited"})
			return
		}
	}
	if s.auth != nil {
		if _, err := s.auth.Verify(req.Token); err != nil {
			s.reply(msg, connectReply{Accepted: false, Reason: "invalid token"})
			return
		}
	}

	slot := s.acquireSlot()
	if slot < 0 {
		s.reply(msg, connectReply{Accepted: false, Reason: "server full"})
		return
	}

	if err := s.subscribeSlot(slot); err != nil {
		s.releaseSlot(slot)
		s.reply(msg, connectReply{Accepted: false, Reason: "internal error"})
		return
	}

	s.setConnected(slot, true)
	s.reply(msg, connectReply{Accepted: true, Slot: slot})
}

func (s *Server) reply(msg *nats.Msg, reply connectReply) {
	body, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = msg.Respond(body)
}

// acquireSlot claims the first free slot, returning -1 if none are free.
func (s *Server) acquireSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.slots {
		if st == nil {
			s.slots[i] = &slotState{}
			return i
		}
	}
	return -1
}

func (s *Server) releaseSlot(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot >= 0 && slot < len(s.slots) {
		s.slots[slot] = nil
	}
}

func (s *Server) subscribeSlot(slot int) error {
	st := s.slotAt(slot)
	if st == nil {
		return fmt.Errorf("natstp: unknown slot %d", slot)
	}

	upSub, err := s.conn.Subscribe(slotUpSubject(s.opts.Subject, slot), func(msg *nats.Msg) {
		s.handleUp(slot, msg)
	})
	if err != nil {
		return err
	}
	downAckSub, err := s.conn.Subscribe(slotDownAckSubject(s.opts.Subject, slot), func(msg *nats.Msg) {
		s.handleDownAck(slot, msg)
	})
	if err != nil {
		_ = upSub.Unsubscribe()
		return err
	}

	st.upSub, st.downAckSub = upSub, downAckSub
	return nil
}

func (s *Server) handleUp(slot int, msg *nats.Msg) {
	st := s.slotAt(slot)
	if st == nil || !st.connected.Load() {
		return
	}
	seq, payload, err := decodeFrame(msg.Data)
	if err != nil {
		s.log.Warn().Err(err).Int("slot", slot).Msg("natstp: server dropping malformed frame")
		return
	}
	atomic.AddUint64(&st.received, 1)

	cp := append([]byte(nil), payload...)
	st.inboundMu.Lock()
	st.inbound = append(st.inbound, inboundItem{seq: seq, packet: cp})
	st.inboundMu.Unlock()

	ackPayload, err := json.Marshal(seq)
	if err == nil {
		_ = s.conn.Publish(slotUpAckSubject(s.opts.Subject, slot), ackPayload)
	}
}

func (s *Server) handleDownAck(slot int, msg *nats.Msg) {
	st := s.slotAt(slot)
	if st == nil {
		return
	}
	var seq uint64
	if err := json.Unmarshal(msg.Data, &seq); err != nil {
		return
	}
	atomic.AddUint64(&st.acked, 1)
	st.acksMu.Lock()
	st.acks = append(st.acks, uint16(seq))
	st.acksMu.Unlock()
}

func (s *Server) slotAt(slot int) *slotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.slots) {
		return nil
	}
	return s.slots[slot]
}

func (s *Server) setConnected(slot int, connected bool) {
	st := s.slotAt(slot)
	if st == nil {
		return
	}
	st.connected.Store(connected)
	if s.onChange != nil {
		s.onChange(slot, connected)
	}
}

// DisconnectSlot tears down a slot's subscriptions and frees it for reuse,
// mirroring the reference server's disconnect_client path.
func (s *Server) DisconnectSlot(slot int) {
	st := s.slotAt(slot)
	if st == nil {
		return
	}
	if st.upSub != nil {
		_ = st.upSub.Unsubscribe()
	}
	if st.downAckSub != nil {
		_ = st.downAckSub.Unsubscribe()
	}
	s.setConnected(slot, false)
	s.releaseSlot(slot)
}

func (s *Server) Destroy() error {
	if s.connectSub != nil {
		_ = s.connectSub.Unsubscribe()
	}
	s.mu.Lock()
	slots := s.slots
	s.mu.Unlock()
	for i := range slots {
		s.DisconnectSlot(i)
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.slots {
		if st == nil {
			continue
		}
		st.inboundMu.Lock()
		st.inbound = nil
		st.inboundMu.Unlock()
		st.acksMu.Lock()
		st.acks = nil
		st.acksMu.Unlock()
	}
}

func (s *Server) Update(float64) {}

func (s *Server) IsClientConnected(slot int) bool {
	st := s.slotAt(slot)
	return st != nil && st.connected.Load()
}

func (s *Server) NextPacketSequence(slot int) uint64 {
	st := s.slotAt(slot)
	if st == nil {
		return 0
	}
	return atomic.AddUint64(&st.nextSeq, 1)
}

func (s *Server) SendPacket(slot int, packet []byte) error {
	st := s.slotAt(slot)
	if st == nil || !st.connected.Load() {
		return fmt.Errorf("natstp: slot %d not connected", slot)
	}
	seq := atomic.LoadUint64(&st.nextSeq)
	atomic.AddUint64(&st.sent, 1)
	return s.conn.Publish(slotDownSubject(s.opts.Subject, slot), encodeFrame(seq, packet))
}

// ReceivePacket drains the first slot with a buffered inbound payload. This
// linear scan is fine at the slot counts this binding targets; a busier
// deployment could keep a ready-queue instead.
func (s *Server) ReceivePacket() (int, uint64, []byte, bool) {
	s.mu.Lock()
	slots := s.slots
	s.mu.Unlock()

	for slot, st := range slots {
		if st == nil {
			continue
		}
		st.inboundMu.Lock()
		if len(st.inbound) == 0 {
			st.inboundMu.Unlock()
			continue
		}
		next := st.inbound[0]
		st.inbound = st.inbound[1:]
		st.inboundMu.Unlock()
		return slot, next.seq, next.packet, true
	}
	return 0, 0, nil, false
}

func (s *Server) Acks(slot int) []uint16 {
	st := s.slotAt(slot)
	if st == nil {
		return nil
	}
	st.acksMu.Lock()
	defer st.acksMu.Unlock()
	return append([]uint16(nil), st.acks...)
}

func (s *Server) ClearAcks(slot int) {
	st := s.slotAt(slot)
	if st == nil {
		return
	}
	st.acksMu.Lock()
	st.acks = nil
	st.acksMu.Unlock()
}

func (s *Server) Counters(slot int) transport.Counters {
	st := s.slotAt(slot)
	if st == nil {
		return transport.Counters{}
	}
	return transport.Counters{
		PacketsSent:     atomic.LoadUint64(&st.sent),
		PacketsReceived: atomic.LoadUint64(&st.received),
		PacketsAcked:    atomic.LoadUint64(&st.acked),
	}
}

func (s *Server) OnConnectDisconnect(fn func(slot int, connected bool)) {
	s.onChange = fn
}
