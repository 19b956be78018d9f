package chunkstream

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// TransmissionType distinguishes a sender-initiated chunk from a
// retransmission the sender issued in response to a NAK.
type TransmissionType uint16

const (
	// Init marks a chunk sent as part of the frame's first transmission pass.
	Init TransmissionType = 0
	// Resend marks a chunk the sender re-sent because the receiver NAKed it.
	Resend TransmissionType = 1
)

// ChunkHeaderSize is the fixed on-wire size of a ChunkHeader, in bytes.
// The six logical fields only account for 18 of these; the trailing 2
// are reserved padding, matching sizeof(ChunkHeader) in the original C++
// struct (naturally 4-byte aligned, so the compiler pads it to 20 even
// though nothing after transmission_type is meaningful). We reserve them
// explicitly, field-by-field, rather than relying on struct layout.
const ChunkHeaderSize = 4 + 4 + 2 + 2 + 4 + 2 + 2

// ChunkHeader is the fixed 20-byte header carried at the front of every
// datagram, sender-to-receiver and receiver-to-sender alike. All
// multi-byte fields are big-endian on the wire.
type ChunkHeader struct {
	ID               uint32
	TotalSize        uint32
	TotalChunks      uint16
	ChunkIndex       uint16
	ChunkSize        uint32
	TransmissionType TransmissionType
}

// Encode serializes h into its 20-byte network-order wire representation.
// Fields are written one at a time rather than through an unsafe struct
// cast so that Go's struct layout/padding never leaks onto the wire.
func (h ChunkHeader) Encode() [ChunkHeaderSize]byte {
	var buf [ChunkHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.ID)
	binary.BigEndian.PutUint32(buf[4:8], h.TotalSize)
	binary.BigEndian.PutUint16(buf[8:10], h.TotalChunks)
	binary.BigEndian.PutUint16(buf[10:12], h.ChunkIndex)
	binary.BigEndian.PutUint32(buf[12:16], h.ChunkSize)
	binary.BigEndian.PutUint16(buf[16:18], uint16(h.TransmissionType))
	// buf[18:20] left zero: reserved.
	return buf
}

// DecodeChunkHeader parses the leading ChunkHeaderSize bytes of b. It
// returns an error if b is shorter than a header — callers on both sides
// silently discard such datagrams per the malformed-header policy.
func DecodeChunkHeader(b []byte) (ChunkHeader, error) {
	if len(b) < ChunkHeaderSize {
		return ChunkHeader{}, errors.Errorf("chunkstream: header too short: %d bytes", len(b))
	}
	return ChunkHeader{
		ID:               binary.BigEndian.Uint32(b[0:4]),
		TotalSize:        binary.BigEndian.Uint32(b[4:8]),
		TotalChunks:      binary.BigEndian.Uint16(b[8:10]),
		ChunkIndex:       binary.BigEndian.Uint16(b[10:12]),
		ChunkSize:        binary.BigEndian.Uint32(b[12:16]),
		TransmissionType: TransmissionType(binary.BigEndian.Uint16(b[16:18])),
	}, nil
}

// nakHeader builds the header-only datagram content a receiver sends to
// request retransmission of one chunk. total_size, chunk_size and
// transmission_type carry no information for a NAK: they are left zero.
func nakHeader(id uint32, chunkIndex, totalChunks uint16) ChunkHeader {
	return ChunkHeader{
		ID:          id,
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
	}
}
