package wstp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/nodeforge/netchannel/internal/authtoken"
	"github.com/nodeforge/netchannel/internal/ratelimit"
	"github.com/nodeforge/netchannel/transport"
)

type serverSlot struct {
	conn      net.Conn
	writer    *bufio.Writer
	writeMu   sync.Mutex
	closeOnce sync.Once

	connected atomic.Bool
	nextSeq   uint64

	inboundMu sync.Mutex
	inbound   []inboundItem

	acksMu sync.Mutex
	acks   []uint16

	sent, received, acked uint64
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr         string // HTTP listen address, e.g. ":8080"
	Path         string // upgrade endpoint, e.g. "/ws"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Log          zerolog.Logger
}

// Server implements transport.ServerEndpoint by accepting one WebSocket
// connection per slot over a plain net/http server, the same accept-loop
// shape as the reference's Server.Start (net.Listen, http.Server.Serve,
// ws.UpgradeHTTP per request).
type Server struct {
	opts ServerOptions
	log  zerolog.Logger

	limiter *ratelimit.Limiter
	auth    *authtoken.Codec

	httpServer *http.Server
	listener   net.Listener

	mu         sync.Mutex
	slots      []*serverSlot
	maxClients int

	onChange func(slot int, connected bool)
}

// NewServer constructs a Server bound to opts. limiter and auth may both be
// nil to disable the corresponding admission check.
func NewServer(opts ServerOptions, limiter *ratelimit.Limiter, auth *authtoken.Codec) *Server {
	return &Server{opts: opts, log: opts.Log, limiter: limiter, auth: auth}
}

func (s *Server) Create(ctx context.Context, _ transport.Config, maxClients int, _ float64) error {
	s.maxClients = maxClients
	s.mu.Lock()
	s.slots = make([]*serverSlot, maxClients)
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("wstp: listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	path := s.opts.Path
	if path == "" {
		path = "/ws"
	}
	mux.HandleFunc(path, s.handleUpgrade)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("wstp: accept loop stopped")
		}
	}()
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	addr := clientIP(r)

	if s.limiter != nil && !s.limiter.Allow(addr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if s.auth != nil {
		token := r.URL.Query().Get(connectQueryParam)
		if _, err := s.auth.Verify(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	slot := s.acquireSlot()
	if slot < 0 {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.releaseSlot(slot)
		s.log.Warn().Err(err).Str("addr", addr).Msg("wstp: upgrade failed")
		return
	}

	st := s.slotAt(slot)
	st.conn = conn
	st.writer = bufio.NewWriter(conn)
	st.connected.Store(true)
	s.notify(slot, true)

	go s.readLoop(slot, st)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readLoop(slot int, st *serverSlot) {
	defer s.DisconnectSlot(slot)

	for {
		if s.opts.ReadTimeout > 0 {
			_ = st.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		msg, op, err := wsutil.ReadClientData(st.conn)
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
			s.log.Warn().Err(err).Int("slot", slot).Msg("wstp: server dropping malformed frame")
			continue
		}

		switch frameType {
		case frameTypeData:
			atomic.AddUint64(&st.received, 1)
			cp := append([]byte(nil), payload...)
			st.inboundMu.Lock()
			st.inbound = append(st.inbound, inboundItem{seq: seq, packet: cp})
			st.inboundMu.Unlock()
			_ = s.writeFrame(st, encodeAckFrame(seq))
		case frameTypeAck:
			atomic.AddUint64(&st.acked, 1)
			st.acksMu.Lock()
			st.acks = append(st.acks, uint16(seq))
			st.acksMu.Unlock()
		}
	}
}

func (s *Server) writeFrame(st *serverSlot, frame []byte) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if s.opts.WriteTimeout > 0 {
		_ = st.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := wsutil.WriteServerMessage(st.writer, ws.OpBinary, frame); err != nil {
		return err
	}
	return st.writer.Flush()
}

func (s *Server) acquireSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.slots {
		if st == nil {
			s.slots[i] = &serverSlot{}
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

func (s *Server) slotAt(slot int) *serverSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.slots) {
		return nil
	}
	return s.slots[slot]
}

func (s *Server) notify(slot int, connected bool) {
	if s.onChange != nil {
		s.onChange(slot, connected)
	}
}

// DisconnectSlot closes a slot's connection and frees it for reuse,
// mirroring the reference's disconnect_client path.
func (s *Server) DisconnectSlot(slot int) {
	st := s.slotAt(slot)
	if st == nil {
		return
	}
	wasConnected := st.connected.Swap(false)
	if st.conn != nil {
		st.closeOnce.Do(func() { _ = st.conn.Close() })
	}
	if wasConnected {
		s.notify(slot, false)
	}
	s.releaseSlot(slot)
}

func (s *Server) Destroy() error {
	s.mu.Lock()
	slots := s.slots
	s.mu.Unlock()
	for i := range slots {
		s.DisconnectSlot(i)
	}
	if s.httpServer != nil {
		return s.httpServer.Close()
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
		return fmt.Errorf("wstp: slot %d not connected", slot)
	}
	seq := atomic.LoadUint64(&st.nextSeq)
	atomic.AddUint64(&st.sent, 1)
	return s.writeFrame(st, encodeDataFrame(seq, packet))
}

// ReceivePacket drains the first slot with a buffered inbound payload.
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
