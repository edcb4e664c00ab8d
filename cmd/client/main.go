// Command netchannel-client is a demo peer for netchannel-server: it
// connects over the chosen transport, sends a snapshot tick on the
// unreliable channel every frame, and logs whatever it receives back.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/nodeforge/netchannel/channel"
	"github.com/nodeforge/netchannel/client"
	"github.com/nodeforge/netchannel/connection"
	"github.com/nodeforge/netchannel/internal/logging"
	"github.com/nodeforge/netchannel/message"
	"github.com/nodeforge/netchannel/transport"
	"github.com/nodeforge/netchannel/transport/natstp"
	"github.com/nodeforge/netchannel/transport/wstp"
)

type snapshotMessage struct{ tick uint32 }

func (m *snapshotMessage) Serialize(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, m.tick)
}
func (m *snapshotMessage) Deserialize(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, &m.tick)
}
func newSnapshotMessage() message.Message { return &snapshotMessage{} }

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

const (
	channelReliable   = 0
	channelUnreliable = 1
	tickRate          = 60.0
)

func main() {
	natsURL := flag.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL (ignored with -transport=ws)")
	transportKind := flag.String("transport", "nats", "wire transport: nats or ws")
	wsURL := flag.String("ws-url", "ws://127.0.0.1:8080/ws", "WebSocket server URL (ignored with -transport=nats)")
	token := flag.String("token", "", "connect token")
	flag.Parse()

	log := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatPretty, Service: "netchannel-client"})

	connCfg := connection.Config{
		MaxPacketSize: 1200,
		Channels: []channel.Config{
			reliableChannelConfig(),
			unreliableChannelConfig(),
		},
	}

	var endpoint transport.ClientEndpoint
	switch *transportKind {
	case "ws":
		endpoint = wstp.NewClient(wstp.ClientOptions{URL: *wsURL, Token: *token, Log: log})
	default:
		endpoint = natstp.NewClient(natstp.Options{
			URL:            *natsURL,
			Subject:        "netchannel.slot",
			ConnectSubject: "netchannel.connect",
			ConnectTimeout: 5 * time.Second,
			Token:          *token,
			Log:            log,
		})
	}

	c := client.New(client.Config{Connection: connCfg}, endpoint, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx, transport.Config{MaxPacketSize: 1200, TimeoutSeconds: 5.0}); err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer c.Disconnect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	runTickLoop(ctx, c, sigCh, log)
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

func runTickLoop(ctx context.Context, c *client.Client, sigCh <-chan os.Signal, log zerolog.Logger) {
	tickInterval := time.Duration(float64(time.Second) / tickRate)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	start := time.Now()
	var tick uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			log.Info().Msg("shutdown signal received")
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start).Seconds()

			if c.State() == client.StateConnected && c.CanSendMessage(channelUnreliable) {
				tick++
				c.SendMessage(channelUnreliable, &snapshotMessage{tick: tick})
			}

			c.SendPackets()
			c.ReceivePackets()
			c.AdvanceTime(elapsed)

			if c.ConnectionFailed() {
				log.Error().Msg("connection failed, exiting")
				return
			}

			for {
				_, msg, ok := c.ReceiveMessage(channelReliable)
				if !ok {
					break
				}
				log.Debug().Uint8("code", msg.(*eventMessage).code).Msg("received event")
			}
		}
	}
}
