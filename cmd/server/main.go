// Command netchannel-server runs a demo multiplayer message-layer server:
// one reliable-ordered and one unreliable-unordered channel, admission
// control via internal/capacity and internal/ratelimit, and a pluggable
// wire transport (NATS core pub/sub by default, or a WebSocket binding).
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/nodeforge/netchannel/channel"
	"github.com/nodeforge/netchannel/connection"
	"github.com/nodeforge/netchannel/internal/authtoken"
	"github.com/nodeforge/netchannel/internal/capacity"
	"github.com/nodeforge/netchannel/internal/config"
	"github.com/nodeforge/netchannel/internal/logging"
	"github.com/nodeforge/netchannel/internal/metrics"
	"github.com/nodeforge/netchannel/internal/ratelimit"
	"github.com/nodeforge/netchannel/internal/workerpool"
	"github.com/nodeforge/netchannel/message"
	"github.com/nodeforge/netchannel/server"
	"github.com/nodeforge/netchannel/transport"
	"github.com/nodeforge/netchannel/transport/natstp"
	"github.com/nodeforge/netchannel/transport/wstp"
)

// snapshotMessage is the demo payload for the unreliable channel: a single
// tick counter, standing in for whatever per-frame world state a real game
// would pack here.
type snapshotMessage struct{ tick uint32 }

func (m *snapshotMessage) Serialize(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, m.tick)
}
func (m *snapshotMessage) Deserialize(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, &m.tick)
}
func newSnapshotMessage() message.Message { return &snapshotMessage{} }

// eventMessage is the demo payload for the reliable channel: a one-byte
// event code, standing in for chat, score, or connect/disconnect events.
type eventMessage struct{ code byte }

func (m *eventMessage) Serialize(w io.Writer) error {
	_, err := w.Write([]byte{m.code})
	return err
}
func (m *eventMessage) Deserialize(r io.Reader) error {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	m.code = buf[0]
	return nil
}
func (m *eventMessage) Clone() message.Message { return &eventMessage{code: m.code} }
func newEventMessage() message.Message         { return &eventMessage{} }

func main() {
	natsURL := flag.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL (ignored with -transport=ws)")
	transportKind := flag.String("transport", "nats", "wire transport: nats or ws")
	wsAddr := flag.String("ws-addr", ":8080", "WebSocket listen address (ignored with -transport=nats)")
	flag.Parse()

	log := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON, Service: "netchannel-server"})

	cfg, err := config.Load(&log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.LogConfig(log)

	capMgr := capacity.New(capacity.DefaultConfig())
	limiter := ratelimit.New(ratelimit.Config{
		PerAddressBurst: cfg.RateLimitPerAddressBurst,
		PerAddressRate:  cfg.RateLimitPerAddressRate,
		PerAddressTTL:   5 * time.Minute,
		GlobalBurst:     cfg.RateLimitGlobalBurst,
		GlobalRate:      cfg.RateLimitGlobalRate,
	}, log)
	stopCleanup := make(chan struct{})
	limiter.StartCleanup(time.Minute, stopCleanup)
	defer close(stopCleanup)

	var auth *authtoken.Codec
	if cfg.AuthSecret != "" {
		auth = authtoken.New(cfg.AuthSecret, cfg.AuthTTL, "netchannel-server")
	}

	pool := workerpool.New(cfg.WorkerCount, cfg.WorkerQueueScale)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	connCfg := connection.Config{
		MaxPacketSize: cfg.MaxPacketSize,
		Channels: []channel.Config{
			reliableChannelConfig(),
			unreliableChannelConfig(),
		},
	}

	var endpoint transport.ServerEndpoint
	switch *transportKind {
	case "ws":
		endpoint = wstp.NewServer(wstp.ServerOptions{
			Addr: *wsAddr,
			Path: "/ws",
			Log:  log,
		}, limiter, auth)
	default:
		endpoint = natstp.NewServer(natstp.Options{
			URL:            *natsURL,
			Subject:        "netchannel.slot",
			ConnectSubject: "netchannel.connect",
			ConnectTimeout: 5 * time.Second,
			Log:            log,
		}, limiter, auth)
	}

	srv := server.New(server.Config{Connection: connCfg, MaxClients: cfg.MaxClients}, endpoint, log, capMgr, pool)

	if err := srv.Start(ctx, transport.Config{
		MaxPacketSize:  cfg.MaxPacketSize,
		TimeoutSeconds: cfg.TimeoutSeconds,
	}, 0); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
	defer srv.Stop()

	go serveMetrics(cfg.MetricsAddr, log)
	go recalculateCapacityLoop(ctx, capMgr, cfg.CapacityInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	runTickLoop(ctx, srv, sigCh, log)
}

func reliableChannelConfig() channel.Config {
	cfg := channel.DefaultConfig(channel.ReliableOrdered)
	cfg.NewMessage = newEventMessage
	return cfg
}

func unreliableChannelConfig() channel.Config {
	cfg := channel.DefaultConfig(channel.UnreliableUnordered)
	cfg.NewMessage = newSnapshotMessage
	return cfg
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

func recalculateCapacityLoop(ctx context.Context, mgr *capacity.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Recalculate()
			metrics.SlotsAllowed.Set(float64(mgr.AllowedSlots()))
		}
	}
}

const tickRate = 60.0

// runTickLoop drives the fixed send -> receive -> advance contract every
// tick until ctx is cancelled or a shutdown signal arrives.
func runTickLoop(ctx context.Context, srv *server.Server, sigCh <-chan os.Signal, log zerolog.Logger) {
	tickInterval := time.Duration(float64(time.Second) / tickRate)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			log.Info().Msg("shutdown signal received")
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start).Seconds()
			srv.SendPackets()
			srv.ReceivePackets()
			srv.AdvanceTime(elapsed)
			metrics.SlotsConnected.Set(float64(srv.ConnectedCount()))
		}
	}
}
