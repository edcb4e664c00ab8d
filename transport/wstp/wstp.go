// Package wstp implements transport.ClientEndpoint and transport.ServerEndpoint
// over a single gobwas/ws WebSocket connection per client, grounded on the
// reference server's readPump/writePump pair (ws/internal/shared/pump_read.go,
// pump_write.go): a dedicated read goroutine draining wsutil.ReadClientData /
// wsutil.ReadServerData into a buffered inbound queue, and writes going out
// through a bufio.Writer under the teacher's own write-then-flush batching
// shape.
//
// Unlike transport/natstp, a WebSocket connection is already a private,
// ordered byte stream between exactly one client and one server slot, so
// there's no connect-handshake subject or per-slot subject scheme to build —
// the TCP accept (server) or Dial (client) call itself is the handshake,
// with the connect token carried as a query parameter. What WebSocket still
// doesn't give us is the connection layer's notion of a packet-level ack:
// every outgoing message is framed with a 1-byte type tag (data or ack) plus
// an 8-byte sequence number, and the receiving side echoes an ack frame back
// for every data frame it reads off the wire.
package wstp

import (
	"encoding/binary"
	"fmt"
)

const (
	frameTypeData byte = 0
	frameTypeAck  byte = 1

	frameHeaderBytes = 1 + 8 // type byte + big-endian uint64 sequence
)

func encodeDataFrame(seq uint64, payload []byte) []byte {
	buf := make([]byte, frameHeaderBytes+len(payload))
	buf[0] = frameTypeData
	binary.BigEndian.PutUint64(buf[1:], seq)
	copy(buf[frameHeaderBytes:], payload)
	return buf
}

func encodeAckFrame(seq uint64) []byte {
	buf := make([]byte, frameHeaderBytes)
	buf[0] = frameTypeAck
	binary.BigEndian.PutUint64(buf[1:], seq)
	return buf
}

// decodeFrame splits data into its type tag, sequence number, and payload
// (empty for an ack frame).
func decodeFrame(data []byte) (frameType byte, seq uint64, payload []byte, err error) {
	if len(data) < frameHeaderBytes {
		return 0, 0, nil, fmt.Errorf("wstp: frame too short (%d bytes)", len(data))
	}
	frameType = data[0]
	seq = binary.BigEndian.Uint64(data[1:frameHeaderBytes])
	return frameType, seq, data[frameHeaderBytes:], nil
}

// connectQueryParam is the URL query key a client's connect token travels in
// during the WebSocket upgrade request.
const connectQueryParam = "token"
