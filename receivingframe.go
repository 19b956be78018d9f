package chunkstream

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
)

// Frame reassembly status. Transitions are monotone: Assembling is the
// only starting state, and neither Ready nor Dropped ever reverts.
const (
	frameAssembling int32 = iota
	frameReady
	frameDropped
)

// receivingFrame is the per-frame reassembly state machine: a chunk
// bitmap, three independent timers, and a NAK loop that runs as long as
// request_resend stays set.
type receivingFrame struct {
	id             uint32
	senderEndpoint *net.UDPAddr
	totalChunks    uint16
	blockSize      int // PAYLOAD; every non-final chunk occupies exactly this stride
	data           []byte

	bitmapMu     sync.Mutex
	bitmap       *bitset.BitSet
	headers      []ChunkHeader
	totalSize    uint32
	totalSizeSet bool

	status         int32 // atomic: frameAssembling/frameReady/frameDropped
	requestResend  int32 // atomic bool
	requestTimeout int32 // atomic bool

	timerMu        sync.Mutex
	initChunkTimer *time.Timer
	frameDropTimer *time.Timer
	resendTimer    *time.Timer

	requestResendFunc func(header ChunkHeader, endpoint *net.UDPAddr)
	sendAssembledFunc func(id uint32, data []byte, totalSize uint32)
	droppedFunc       func(id uint32, data []byte)

	log *logrus.Entry
}

func newReceivingFrame(
	id uint32,
	senderEndpoint *net.UDPAddr,
	totalChunks uint16,
	data []byte,
	blockSize int,
	requestResendFunc func(header ChunkHeader, endpoint *net.UDPAddr),
	sendAssembledFunc func(id uint32, data []byte, totalSize uint32),
	droppedFunc func(id uint32, data []byte),
	log *logrus.Entry,
) *receivingFrame {
	return &receivingFrame{
		id:                id,
		senderEndpoint:    senderEndpoint,
		totalChunks:       totalChunks,
		blockSize:         blockSize,
		data:              data,
		bitmap:            bitset.New(uint(totalChunks)),
		headers:           make([]ChunkHeader, totalChunks),
		status:            frameAssembling,
		requestResendFunc: requestResendFunc,
		sendAssembledFunc: sendAssembledFunc,
		droppedFunc:       droppedFunc,
		log:               log.WithField("component", "frame").WithField("id", id),
	}
}

// IsChunkAdded reports whether chunkIndex has already been recorded. The
// receiver's ingress path uses this to filter duplicates before ever
// calling AddChunk.
func (f *receivingFrame) IsChunkAdded(chunkIndex uint16) bool {
	f.bitmapMu.Lock()
	defer f.bitmapMu.Unlock()
	return f.bitmap.Test(uint(chunkIndex))
}

// IsTimeout reports whether this frame has been declared DROPPED.
func (f *receivingFrame) IsTimeout() bool {
	return atomic.LoadInt32(&f.requestTimeout) != 0
}

// Status returns the current FSM state.
func (f *receivingFrame) Status() int32 {
	return atomic.LoadInt32(&f.status)
}

// AddChunk records one chunk's arrival, copies its payload into the
// frame's data block, and drives the timer/NAK state machine. header.
// TotalSize divergence from the value recorded by the first chunk is
// treated as malformed per DESIGN.md's Open Question resolution: logged
// and the chunk is dropped without touching the bitmap.
func (f *receivingFrame) AddChunk(header ChunkHeader, payload []byte) {
	if header.ChunkIndex >= f.totalChunks {
		f.log.WithField("chunk", header.ChunkIndex).Warn("chunk index out of range, discarding")
		return
	}

	var allAdded bool
	f.bitmapMu.Lock()
	if f.totalSizeSet && header.TotalSize != f.totalSize {
		f.bitmapMu.Unlock()
		f.log.WithField("chunk", header.ChunkIndex).Warn("total_size mismatch across chunks, discarding")
		return
	}
	if !f.totalSizeSet {
		f.totalSize = header.TotalSize
		f.totalSizeSet = true
	}
	f.bitmap.Set(uint(header.ChunkIndex))
	f.headers[header.ChunkIndex] = header
	allAdded = f.scanCompleteLocked()
	f.bitmapMu.Unlock()

	start := int(header.ChunkIndex) * f.blockSize
	copy(f.data[start:start+int(header.ChunkSize)], payload[:header.ChunkSize])

	if allAdded {
		f.transitionReady(header.TotalSize)
		return
	}
	if header.TransmissionType == Init && atomic.LoadInt32(&f.requestResend) == 0 {
		f.rearmInitTimer(header.ID)
	}
	// RESEND arrivals that do not complete the frame require no timer
	// action (see DESIGN.md): the quiet timer is never re-armed on RESEND.
}

// scanCompleteLocked scans the bitmap from the last chunk backwards — the
// tail chunks are the ones most likely still missing, so this ordering
// finds a hole fastest in the common case. Caller must hold bitmapMu.
func (f *receivingFrame) scanCompleteLocked() bool {
	for i := int(f.totalChunks) - 1; i >= 0; i-- {
		if !f.bitmap.Test(uint(i)) {
			return false
		}
	}
	return true
}

// transitionReady gates the ASSEMBLING->READY move with a CAS so a
// frame-drop timer that has already won the race to frameDropped on
// another goroutine can never be overwritten back to READY.
func (f *receivingFrame) transitionReady(totalSize uint32) {
	if !atomic.CompareAndSwapInt32(&f.status, frameAssembling, frameReady) {
		return
	}
	f.stopTimers()
	atomic.StoreInt32(&f.requestResend, 0)
	f.sendAssembledFunc(f.id, f.data, totalSize)
}

// rearmInitTimer cancels and restarts the quiet-period timer: it measures
// "time since the last fresh chunk from the sender." If it fires without
// being cancelled by another fresh INIT chunk, loss is assumed.
func (f *receivingFrame) rearmInitTimer(id uint32) {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if f.initChunkTimer != nil {
		f.initChunkTimer.Stop()
	}
	f.initChunkTimer = time.AfterFunc(InitChunkTimeout, func() {
		if atomic.CompareAndSwapInt32(&f.requestResend, 0, 1) {
			f.log.Debug("quiet timer fired, entering resend mode")
			f.armFrameDropTimer()
			f.periodicResend(id)
		}
	})
}

// armFrameDropTimer starts the once-only frame-drop deadline. If it fires
// before the frame reaches Ready, the frame is declared DROPPED.
func (f *receivingFrame) armFrameDropTimer() {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	f.frameDropTimer = time.AfterFunc(FrameDropTimeout, func() {
		if atomic.CompareAndSwapInt32(&f.status, frameAssembling, frameDropped) {
			atomic.StoreInt32(&f.requestResend, 0)
			atomic.StoreInt32(&f.requestTimeout, 1)
			f.stopTimers()
			f.log.Debug("frame drop deadline reached")
			f.droppedFunc(f.id, f.data)
		}
	})
}

// periodicResend emits one NAK for every missing chunk and reschedules
// itself for RESEND_TIMEOUT, until request_resend is cleared by
// completion or the frame is declared dropped.
func (f *receivingFrame) periodicResend(id uint32) {
	if atomic.LoadInt32(&f.requestResend) == 0 {
		return
	}

	f.bitmapMu.Lock()
	missing := make([]uint16, 0, f.totalChunks)
	for i := uint16(0); i < f.totalChunks; i++ {
		if !f.bitmap.Test(uint(i)) {
			missing = append(missing, i)
		}
	}
	f.bitmapMu.Unlock()

	for _, idx := range missing {
		f.requestResendFunc(nakHeader(id, idx, f.totalChunks), f.senderEndpoint)
	}

	f.timerMu.Lock()
	f.resendTimer = time.AfterFunc(ResendTimeout, func() { f.periodicResend(id) })
	f.timerMu.Unlock()
}

func (f *receivingFrame) stopTimers() {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if f.initChunkTimer != nil {
		f.initChunkTimer.Stop()
	}
	if f.frameDropTimer != nil {
		f.frameDropTimer.Stop()
	}
	if f.resendTimer != nil {
		f.resendTimer.Stop()
	}
}
