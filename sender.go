package chunkstream

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// spinInterval is the back-off between rounds of the bounded spin Send
// performs while every retransmit slot is still awaiting completion.
const spinInterval = 200 * time.Microsecond

// Sender fragments application frames into chunks, transmits them over a
// UDP socket bound to one remote endpoint, and answers NAKs by resending
// individual chunks out of a fixed-size circular retransmit store.
type Sender struct {
	conn    *net.UDPConn
	payload int

	nextID uint32 // atomic

	mu       sync.Mutex // guards slots + nextSlot; NAK lookup requires the slot array quiescent
	slots    []*sendingFrame
	nextSlot int

	maxDataSize int
	running     int32 // atomic bool

	sends errgroup.Group // supervises in-flight async chunk sends, so Close can wait for them

	metrics *metricsSet
	log     *logrus.Entry
}

func newSender(ip string, port int, s settings) (*Sender, error) {
	remoteAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "chunkstream: resolve sender remote address")
	}
	conn, err := net.DialUDP("udp", nil, remoteAddr)
	if err != nil {
		return nil, errors.Wrap(err, "chunkstream: bind sender socket")
	}

	payload := payloadFor(s.mtu)
	maxDataSize := s.maxDataSize
	if maxDataSize <= 0 {
		maxDataSize = DefaultMaxDataSize
	}
	maxChunks := (maxDataSize + payload - 1) / payload

	slots := make([]*sendingFrame, s.bufferSize)
	for i := range slots {
		slots[i] = newSendingFrame(maxChunks, ChunkHeaderSize, payload)
	}

	sender := &Sender{
		conn:        conn,
		payload:     payload,
		slots:       slots,
		maxDataSize: maxDataSize,
		log:         s.logger.WithField("component", "sender"),
	}
	if s.metricsEnabled {
		sender.metrics = newMetricsSet()
	}
	return sender, nil
}

// Send fragments data into chunks and dispatches each as an asynchronous
// INIT send. It blocks only long enough to reserve a free retransmit
// slot (a bounded spin) and to hand every chunk to the socket layer — it
// does not wait for the sends to complete.
func (s *Sender) Send(data []byte) error {
	size := len(data)
	if size > s.maxDataSize {
		return errors.Errorf("chunkstream: frame of %d bytes exceeds max_data_size %d", size, s.maxDataSize)
	}

	totalChunks := (size + s.payload - 1) / s.payload
	if totalChunks == 0 {
		totalChunks = 1
	}

	id := atomic.AddUint32(&s.nextID, 1) - 1
	slot := s.reserveSlot(id, totalChunks)
	slot.ensureCapacity(totalChunks, ChunkHeaderSize, s.payload)

	for i := 0; i < totalChunks; i++ {
		chunkSize := s.payload
		if i == totalChunks-1 {
			chunkSize = size - i*s.payload
		}
		header := ChunkHeader{
			ID:               id,
			TotalSize:        uint32(size),
			TotalChunks:      uint16(totalChunks),
			ChunkIndex:       uint16(i),
			ChunkSize:        uint32(chunkSize),
			TransmissionType: Init,
		}
		start := i * s.payload
		datagram := slot.writeChunk(uint16(i), header, data[start:start+chunkSize])

		idx := i
		dg := datagram
		s.sends.Go(func() error {
			if _, err := s.conn.Write(dg); err != nil {
				s.log.WithError(err).WithField("chunk", idx).Warn("init chunk send failed")
			}
			slot.release()
			return nil
		})
	}

	if s.metrics != nil {
		s.metrics.framesSent.Inc()
	}
	return nil
}

// reserveSlot performs a round-robin scan for a free slot, spinning with
// a short sleep between full passes when every slot is still in flight.
// This is the mechanism that turns a saturated retransmit store into
// caller back-pressure.
func (s *Sender) reserveSlot(id uint32, totalChunks int) *sendingFrame {
	for {
		s.mu.Lock()
		n := len(s.slots)
		for i := 0; i < n; i++ {
			idx := s.nextSlot
			s.nextSlot = (s.nextSlot + 1) % n
			slot := s.slots[idx]
			if !slot.inUse() {
				slot.reset(id, totalChunks)
				s.mu.Unlock()
				return slot
			}
		}
		s.mu.Unlock()
		time.Sleep(spinInterval)
	}
}

// Start runs the blocking NAK-ingress loop: every datagram received on
// the sender's socket is a header-only retransmit request.
func (s *Sender) Start() error {
	atomic.StoreInt32(&s.running, 1)
	buf := make([]byte, ChunkHeaderSize)
	for atomic.LoadInt32(&s.running) == 1 {
		n, err := s.conn.Read(buf)
		if err != nil {
			if atomic.LoadInt32(&s.running) == 0 {
				return nil
			}
			s.log.WithError(err).Warn("nak receive error")
			continue
		}
		header, err := DecodeChunkHeader(buf[:n])
		if err != nil {
			s.log.WithError(err).Debug("malformed nak datagram discarded")
			continue
		}
		s.handleNak(header)
	}
	return nil
}

// handleNak looks up the retransmit slot carrying header.ID by
// rotated-sorted binary search (falling back to a linear scan while any
// slot remains unwritten and still carries the sentinel id, or when the
// binary search misses), then synchronously resends the requested chunk.
func (s *Sender) handleNak(header ChunkHeader) {
	s.mu.Lock()
	slot := s.findSlotLocked(header.ID)
	if slot == nil {
		s.mu.Unlock()
		s.log.WithField("id", header.ID).Debug("nak for unknown id discarded")
		return
	}
	atomic.AddInt32(&slot.refCount, 1)
	s.mu.Unlock()

	if int(header.ChunkIndex) >= len(slot.headers) || slot.id != header.ID {
		slot.release()
		return
	}

	datagram := slot.resendDatagram(header.ChunkIndex)
	if _, err := s.conn.Write(datagram); err != nil {
		s.log.WithError(err).WithField("chunk", header.ChunkIndex).Warn("resend send failed")
	}
	if s.metrics != nil {
		s.metrics.resendsSent.Inc()
	}
	slot.release()
}

// findSlotLocked implements the rotated-sorted binary search over the
// circular slot array. Caller must hold s.mu. Returns nil if no slot
// currently carries id.
func (s *Sender) findSlotLocked(id uint32) *sendingFrame {
	n := len(s.slots)
	for _, slot := range s.slots {
		if slot.id == sendingFrameSentinel {
			// Not every slot has been written yet: the rotated-sorted
			// invariant does not hold. Fall back to a linear scan.
			for _, slot := range s.slots {
				if slot.id == id {
					return slot
				}
			}
			return nil
		}
	}

	lo, hi := 0, n-1
	for lo <= hi {
		mid := (lo + hi) / 2
		v := s.slots[mid].id
		if v == id {
			return s.slots[mid]
		}
		if s.slots[lo].id <= v {
			if s.slots[lo].id <= id && id < v {
				hi = mid - 1
			} else {
				lo = mid + 1
			}
		} else {
			if v < id && id <= s.slots[hi].id {
				lo = mid + 1
			} else {
				hi = mid - 1
			}
		}
	}
	// reserveSlot skips slots that are still in use, so the ids are not
	// always in rotated-sorted order; a miss is confirmed by a linear scan.
	for _, slot := range s.slots {
		if slot.id == id {
			return slot
		}
	}
	return nil
}

// Stop halts the NAK-ingress loop. Sends already in flight are not
// cancelled; their goroutines run to completion and release their slots
// normally.
func (s *Sender) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	s.conn.SetReadDeadline(time.Now())
}

// Close stops the ingress loop and releases the underlying socket,
// aggregating any errors encountered.
func (s *Sender) Close() error {
	s.Stop()
	var result *multierror.Error
	if err := s.sends.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
