package chunkstream

import "sync/atomic"

// sendingFrameSentinel marks a retransmit-store slot that has never held a
// frame. IDs are assigned by a monotonically increasing counter that starts
// at 0, so 0 cannot double as "empty" — the sentinel is the maximum uint32
// instead, which the counter only reaches after 2^32-1 frames, just before
// it wraps.
const sendingFrameSentinel uint32 = 1<<32 - 1

// sendingFrame is one slot of the sender's circular retransmit buffer.
// Each slot pre-allocates one full wire datagram buffer per chunk
// (header + payload) so a NAK can be answered by rewriting the header in
// place and resending, without re-fragmenting or touching the original
// caller's byte slice. refCount tracks outstanding async INIT sends plus
// any RESEND currently in flight; a slot may not be reused for a
// different frame while refCount is nonzero.
type sendingFrame struct {
	id        uint32
	datagrams [][]byte
	headers   []ChunkHeader
	refCount  int32 // atomic
}

// newSendingFrame allocates a slot with capacity for maxChunks chunks,
// each buffer sized to hold a full datagram of headerSize+payloadSize
// bytes.
func newSendingFrame(maxChunks, headerSize, payloadSize int) *sendingFrame {
	f := &sendingFrame{id: sendingFrameSentinel}
	f.ensureCapacity(maxChunks, headerSize, payloadSize)
	return f
}

// ensureCapacity grows the slot's chunk buffers to hold at least n
// chunks. Existing buffers are left untouched.
func (s *sendingFrame) ensureCapacity(n, headerSize, payloadSize int) {
	for len(s.datagrams) < n {
		s.datagrams = append(s.datagrams, make([]byte, headerSize+payloadSize))
		s.headers = append(s.headers, ChunkHeader{})
	}
}

// reset reinitializes the slot for a new frame id with totalChunks
// outstanding sends. Callers must have already confirmed inUse() is
// false — reset does not itself synchronize against concurrent access.
func (s *sendingFrame) reset(id uint32, totalChunks int) {
	s.id = id
	atomic.StoreInt32(&s.refCount, int32(totalChunks))
}

// inUse reports whether the slot still has outstanding sends and so
// cannot be claimed for a different frame yet.
func (s *sendingFrame) inUse() bool {
	return atomic.LoadInt32(&s.refCount) != 0
}

// release decrements the slot's outstanding-send count by one and
// returns the new value, called once per completed INIT or RESEND send.
func (s *sendingFrame) release() int32 {
	return atomic.AddInt32(&s.refCount, -1)
}

// writeChunk serializes header into the front of chunk chunkIndex's
// buffer, copies payload after it, records the header for later NAK
// lookup, and returns the resulting wire datagram.
func (s *sendingFrame) writeChunk(chunkIndex uint16, header ChunkHeader, payload []byte) []byte {
	buf := s.datagrams[chunkIndex]
	hb := header.Encode()
	copy(buf[:len(hb)], hb[:])
	n := copy(buf[len(hb):], payload)
	s.headers[chunkIndex] = header
	return buf[:len(hb)+n]
}

// resendDatagram rewrites chunkIndex's stored header in place with
// transmission_type=RESEND and returns the full datagram to retransmit.
// The payload bytes already sitting in the buffer from the original
// writeChunk call are reused untouched.
func (s *sendingFrame) resendDatagram(chunkIndex uint16) []byte {
	h := s.headers[chunkIndex]
	h.TransmissionType = Resend
	hb := h.Encode()
	buf := s.datagrams[chunkIndex]
	copy(buf[:len(hb)], hb[:])
	s.headers[chunkIndex] = h
	return buf[:len(hb)+int(h.ChunkSize)]
}
