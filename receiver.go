package chunkstream

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tjohn327/chunkstream/container"
	"github.com/tjohn327/chunkstream/pool"
)

// poolExhaustionBackoff is a small pragmatic sleep before retrying the
// receive loop after finding the raw pool empty. The source's
// single-threaded reactor simply re-arms the next receive; nothing in
// Go's UDPConn.ReadFromUDP can be paused and resumed, so idling briefly
// avoids a hot spin until some in-flight buffer is released.
const poolExhaustionBackoff = time.Millisecond

// Receiver reassembles chunks arriving on one UDP socket into complete
// application frames, using a bounded assembling queue and three pools
// (raw receive buffers, frame data blocks, NAK send buffers) so its
// memory footprint never grows unbounded regardless of how the sender
// behaves.
type Receiver struct {
	conn    *net.UDPConn
	payload int

	rawPool    *pool.Pool
	dataPool   *pool.Pool
	resendPool *pool.Pool
	maxChunks  int

	assembling *container.OrderedHashMap[uint32, *receivingFrame]
	dropped    *container.OrderedHashMap[uint32, []byte]

	callback func(data []byte, release func())

	frameCount uint64 // atomic
	dropCount  uint64 // atomic
	running    int32  // atomic bool

	metrics *metricsSet
	log     *logrus.Entry
}

func newReceiver(port int, callback func(data []byte, release func()), s settings) (*Receiver, error) {
	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "chunkstream: resolve receiver local address")
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, errors.Wrap(err, "chunkstream: bind receiver socket")
	}

	payload := payloadFor(s.mtu)
	rawBlockSize := s.mtu - 28

	maxDataSize := s.maxDataSize
	if maxDataSize <= 0 {
		maxDataSize = DefaultMaxDataSize
	}
	maxChunks := (maxDataSize + payload - 1) / payload
	dataBlockSize := maxChunks * payload

	receiver := &Receiver{
		conn:       conn,
		payload:    payload,
		rawPool:    pool.New(rawBlockSize, s.bufferSize),
		dataPool:   pool.New(dataBlockSize, s.bufferSize),
		resendPool: pool.New(ChunkHeaderSize, s.bufferSize),
		maxChunks:  maxChunks,
		assembling: container.New[uint32, *receivingFrame](),
		dropped:    container.New[uint32, []byte](),
		callback:   callback,
		log:        s.logger.WithField("component", "receiver"),
	}
	if s.metricsEnabled {
		receiver.metrics = newMetricsSet()
	}
	return receiver, nil
}

// Start runs the blocking ingress loop until Stop is called.
func (r *Receiver) Start() error {
	atomic.StoreInt32(&r.running, 1)
	for atomic.LoadInt32(&r.running) == 1 {
		raw, ok := r.rawPool.Acquire()
		if !ok {
			if r.metrics != nil {
				r.metrics.poolExhausted.WithLabelValues("raw").Inc()
			}
			r.log.Warn("raw pool exhausted, dropping this receive")
			time.Sleep(poolExhaustionBackoff)
			continue
		}

		n, addr, err := r.conn.ReadFromUDP(raw)
		if err != nil {
			r.rawPool.Release(raw)
			if atomic.LoadInt32(&r.running) == 0 {
				return nil
			}
			r.log.WithError(err).Warn("receive error")
			continue
		}

		r.handlePacket(raw[:n], addr)
		r.rawPool.Release(raw)
	}
	return nil
}

// handlePacket dispatches one datagram. INIT packets for an untracked
// id always create a new frame (subject to pool availability, and unless
// total_chunks is 0 or exceeds what max_data_size allows); RESEND
// packets for an untracked id are always dropped. This is what stops a
// retransmission of an already-delivered frame from resurrecting it.
func (r *Receiver) handlePacket(data []byte, addr *net.UDPAddr) {
	if len(data) < ChunkHeaderSize {
		return
	}
	header, err := DecodeChunkHeader(data)
	if err != nil {
		r.log.WithError(err).Debug("malformed header discarded")
		return
	}
	payload := data[ChunkHeaderSize:]

	frame, tracked := r.assembling.Find(header.ID)
	if !tracked {
		if header.TransmissionType != Init {
			return
		}
		if int(header.TotalChunks) > r.maxChunks || header.TotalChunks == 0 {
			if r.metrics != nil {
				r.metrics.framesOversize.Inc()
			}
			r.log.WithFields(logrus.Fields{"id": header.ID, "total_chunks": header.TotalChunks, "max_chunks": r.maxChunks}).
				Warn("frame exceeds configured max_data_size, discarding")
			return
		}
		r.gcDroppedQueue()

		block, ok := r.dataPool.Acquire()
		if !ok {
			if r.metrics != nil {
				r.metrics.poolExhausted.WithLabelValues("data").Inc()
			}
			r.log.Warn("data pool exhausted, dropping frame init")
			return
		}
		frame = newReceivingFrame(header.ID, addr, header.TotalChunks, block, r.payload,
			r.requestResend, r.frameReady, r.frameDropped, r.log)
		// Push before AddChunk: AddChunk may synchronously complete the
		// frame and erase its id, which requires the id already present.
		r.assembling.PushBack(header.ID, frame)
		if r.metrics != nil {
			r.metrics.inflightFrames.Set(float64(r.assembling.Len()))
		}
		frame.AddChunk(header, payload)
		return
	}

	if frame.Status() != frameAssembling || frame.IsChunkAdded(header.ChunkIndex) {
		return
	}
	frame.AddChunk(header, payload)
}

// gcDroppedQueue lazily drains dropped_queue, erasing each dropped
// frame's id from assembling_queue and reclaiming its data block. It
// only runs when a fresh INIT packet for an unknown id starts this
// dispatch — never from a timer.
func (r *Receiver) gcDroppedQueue() {
	for {
		id, block, ok := r.dropped.PopFront()
		if !ok {
			return
		}
		r.assembling.Erase(id)
		r.dataPool.Release(block)
	}
}

// requestResend is the receiving frame's NAK callback: encode a
// header-only datagram and send it back to the frame's sender endpoint.
func (r *Receiver) requestResend(header ChunkHeader, endpoint *net.UDPAddr) {
	block, ok := r.resendPool.Acquire()
	if !ok {
		if r.metrics != nil {
			r.metrics.poolExhausted.WithLabelValues("resend").Inc()
		}
		r.log.Warn("resend pool exhausted, skipping this nak")
		return
	}
	hb := header.Encode()
	copy(block, hb[:])
	if _, err := r.conn.WriteToUDP(block[:len(hb)], endpoint); err != nil {
		r.log.WithError(err).Warn("nak send failed")
	}
	r.resendPool.Release(block)
	if r.metrics != nil {
		r.metrics.nakEmitted.Inc()
	}
}

// frameReady is the receiving frame's completion callback
// (__FrameGrabbed). The data block is copied out to an owned buffer
// before the user callback runs, decoupling user lifetime from pool
// lifetime.
func (r *Receiver) frameReady(id uint32, data []byte, totalSize uint32) {
	atomic.AddUint64(&r.frameCount, 1)
	if r.metrics != nil {
		r.metrics.framesAssembled.Inc()
		r.metrics.inflightFrames.Set(float64(r.assembling.Len()))
	}

	if r.callback == nil {
		r.assembling.Erase(id)
		r.dataPool.Release(data)
		return
	}

	owned := make([]byte, totalSize)
	copy(owned, data[:totalSize])

	var released int32
	release := func() {
		if !atomic.CompareAndSwapInt32(&released, 0, 1) {
			return
		}
		r.assembling.Erase(id)
		r.dataPool.Release(data)
	}
	r.callback(owned, release)
}

// frameDropped is the receiving frame's timeout callback. The id stays
// in assembling_queue; the timer path never removes it (gcDroppedQueue,
// or an operator Flush, does), so that cleanup never races the ingress
// path from a timer goroutine.
func (r *Receiver) frameDropped(id uint32, data []byte) {
	atomic.AddUint64(&r.dropCount, 1)
	if r.metrics != nil {
		r.metrics.framesDropped.Inc()
	}
	r.dropped.PushBack(id, data)
}

// Flush pops every frame from the assembling queue and reclaims its
// data-pool block, without invoking the drop callback or affecting
// GetDropCount. It is an operator-initiated reset, not a timeout.
func (r *Receiver) Flush() {
	for {
		_, frame, ok := r.assembling.PopFront()
		if !ok {
			break
		}
		frame.stopTimers()
		r.dataPool.Release(frame.data)
	}
	if r.metrics != nil {
		r.metrics.inflightFrames.Set(0)
	}
}

// GetFrameCount returns the number of frames successfully delivered.
func (r *Receiver) GetFrameCount() uint64 {
	return atomic.LoadUint64(&r.frameCount)
}

// GetDropCount returns the number of frames declared dropped.
func (r *Receiver) GetDropCount() uint64 {
	return atomic.LoadUint64(&r.dropCount)
}

// Stop halts the ingress loop, cancels every in-flight frame's timers so
// none of them fire after Stop returns, and zeros the frame/drop
// counters. Bitmaps and pool blocks are left exactly as they are —
// unlike Flush, Stop does not erase assembling frames or reclaim their
// data blocks.
func (r *Receiver) Stop() {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return
	}
	r.conn.SetReadDeadline(time.Now())
	r.assembling.ForEach(func(_ uint32, frame *receivingFrame) {
		frame.stopTimers()
	})
	atomic.StoreUint64(&r.frameCount, 0)
	atomic.StoreUint64(&r.dropCount, 0)
}

// Close stops the ingress loop and releases the underlying socket,
// aggregating any errors encountered.
func (r *Receiver) Close() error {
	r.Stop()
	var result *multierror.Error
	if err := r.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
