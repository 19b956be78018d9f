package chunkstream

import "time"

// Timing constants fixed by the protocol. They govern loss detection,
// retransmission cadence, and the frame-drop deadline.
const (
	// InitChunkTimeout is how long a ReceivingFrame waits after the most
	// recent INIT chunk before assuming loss and starting to NAK.
	InitChunkTimeout = 20 * time.Millisecond
	// ResendTimeout is the period of the NAK re-emission loop.
	ResendTimeout = 20 * time.Millisecond
	// FrameDropTimeout is how long a frame may spend in resend-mode
	// before it is declared DROPPED.
	FrameDropTimeout = 100 * time.Millisecond
)

// DefaultMTU is the maximum transmission unit assumed when a caller does
// not override it via WithMTU.
const DefaultMTU = 1500

// DefaultBufferSize is the default number of in-flight frames a Sender's
// retransmit store, or a Receiver's assembling queue, can hold.
const DefaultBufferSize = 10

// DefaultMaxDataSize is the frame-size ceiling assumed when a caller
// does not override it via WithMaxDataSize. It bounds how large the
// Receiver's fixed-size data-pool blocks are, since a memory pool's
// block size cannot grow once allocated.
const DefaultMaxDataSize = 1 << 20

// ipUDPOverhead is the byte overhead of an IPv4 header plus a UDP header,
// subtracted from MTU to get the datagram payload budget.
const ipUDPOverhead = 20 + 8

// payloadFor returns PAYLOAD = MTU - 20 - 8 - ChunkHeaderSize, the maximum
// application bytes carried in one chunk.
func payloadFor(mtu int) int {
	return mtu - ipUDPOverhead - ChunkHeaderSize
}
