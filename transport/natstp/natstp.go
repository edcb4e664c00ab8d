// Package natstp implements transport.ClientEndpoint and
// transport.ServerEndpoint over core NATS publish/subscribe, grounded on
// the reference server's *nats.Conn wiring (connect/disconnect/reconnect
// handlers, Subscribe/Publish). It deliberately uses core pub/sub rather
// than JetStream: JetStream's durable, at-least-once redelivery is the
// wrong shape for a transport carrying unreliable, ephemeral datagrams
// that the connection/channel layer above already re-delivers its own way
// when it needs to.
//
// Connection setup is a lightweight request/reply handshake: a client
// publishes a Request to a well-known connect subject carrying an optional
// connect token (see internal/authtoken); the server replies with an
// assigned slot number (or a rejection reason) and from then on client and
// server exchange packets on two subjects derived from that slot.
//
// There is no native packet-ack concept in NATS pub/sub the way a UDP
// transport has reliable.io piggyback packet headers, so this binding adds
// one: every payload is framed with an 8-byte sequence number, and the
// receiving side publishes that sequence back on a dedicated ack subject
// as soon as it's received. Acks() drains whatever has arrived on that
// subject since the last ClearAcks call.
package natstp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const frameHeaderBytes = 8

func encodeFrame(seq uint64, payload []byte) []byte {
	buf := make([]byte, frameHeaderBytes+len(payload))
	binary.BigEndian.PutUint64(buf, seq)
	copy(buf[frameHeaderBytes:], payload)
	return buf
}

func decodeFrame(data []byte) (uint64, []byte, error) {
	if len(data) < frameHeaderBytes {
		return 0, nil, fmt.Errorf("natstp: frame too short (%d bytes)", len(data))
	}
	seq := binary.BigEndian.Uint64(data[:frameHeaderBytes])
	return seq, data[frameHeaderBytes:], nil
}

// connectRequest is the handshake payload a client sends on ConnectSubject.
type connectRequest struct {
	Token string `json:"token,omitempty"`
}

// connectReply is the handshake response the server sends back.
type connectReply struct {
	Accepted bool   `json:"accepted"`
	Slot     int    `json:"slot,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// slotUpSubject carries client -> server payloads; slotDownSubject carries
// server -> client payloads. Each direction has its own ack subject, carrying
// the sequence number the *receiving* side echoes back to the sender once a
// frame arrives — slotUpAckSubject is where the client listens for acks of
// packets it sent, slotDownAckSubject is where the server listens for acks
// of packets it sent.
func slotUpSubject(base string, slot int) string      { return fmt.Sprintf("%s.up.%d", base, slot) }
func slotDownSubject(base string, slot int) string    { return fmt.Sprintf("%s.down.%d", base, slot) }
func slotUpAckSubject(base string, slot int) string   { return fmt.Sprintf("%s.up.%d.ack", base, slot) }
func slotDownAckSubject(base string, slot int) string { return fmt.Sprintf("%s.down.%d.ack", base, slot) }

// Options configures a Client or Server binding.
type Options struct {
	URL            string
	Subject        string // subject prefix; per-slot subjects are derived from it
	ConnectSubject string // handshake request/reply subject
	ConnectTimeout time.Duration
	Token          string // sent by a Client during the connect handshake
	Log            zerolog.Logger
}

func (o Options) natsOptions(log zerolog.Logger) []nats.Option {
	return []nats.Option{
		nats.MaxReconnects(5),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("natstp: disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("natstp: reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("natstp: connection error")
		}),
	}
}
