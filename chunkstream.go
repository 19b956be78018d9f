// Package chunkstream turns an unreliable UDP datagram channel into a
// reliable, bounded-latency stream of arbitrarily large application
// frames. A Sender fragments each frame into fixed-size chunks and
// answers retransmission requests out of a bounded circular store; a
// Receiver reassembles chunks into frames inside a bounded pool of
// buffers, NAKing gaps until either the frame completes or a
// frame-drop deadline is reached.
//
// The protocol is intentionally narrow: no congestion control, no
// encryption or authentication, no cross-frame ordering guarantee, no
// NAT traversal, and one sender per receiver instance.
package chunkstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// settings collects the constructor options shared by NewSender and
// NewReceiver.
type settings struct {
	mtu            int
	bufferSize     int
	maxDataSize    int
	logger         *logrus.Entry
	metricsEnabled bool
	registerer     prometheus.Registerer
}

func defaultSettings() settings {
	base := logrus.New()
	return settings{
		mtu:        DefaultMTU,
		bufferSize: DefaultBufferSize,
		logger:     logrus.NewEntry(base),
		registerer: prometheus.DefaultRegisterer,
	}
}

// Option configures a Sender or Receiver at construction time.
type Option func(*settings)

// WithMTU overrides the assumed path MTU, which determines the
// per-chunk payload size (mtu - 28 - ChunkHeaderSize).
func WithMTU(mtu int) Option {
	return func(s *settings) { s.mtu = mtu }
}

// WithBufferSize overrides the number of in-flight frames a Sender's
// retransmit store, or a Receiver's assembling queue, can hold.
func WithBufferSize(n int) Option {
	return func(s *settings) { s.bufferSize = n }
}

// WithMaxDataSize bounds the size of any single frame. A Sender rejects
// any frame larger than this. A Receiver sizes its data-pool blocks to
// ceil(n/PAYLOAD) chunks and discards any frame whose total_chunks
// exceeds that count (or is 0), since the data pool is a fixed-block
// allocator whose block size is set once at construction and can never
// grow afterwards; a frame only a few bytes over n that still fits in
// that many chunks is accepted. A value of 0
// (the default) is resolved to DefaultMaxDataSize on both sides, so a
// Sender/Receiver pair left at their zero-config defaults agree on the
// same ceiling without either end needing to guess the other's setting.
// A Receiver that discards an oversized frame logs at Warn and, with
// WithMetrics enabled, increments chunkstream_frames_oversize_total;
// GetDropCount does not count it, since the frame was never tracked.
func WithMaxDataSize(n int) Option {
	return func(s *settings) { s.maxDataSize = n }
}

// WithLogger overrides the logger used for the taxonomy of logged
// conditions in the error handling design (pool exhaustion, malformed
// headers, socket errors).
func WithLogger(log *logrus.Entry) Option {
	return func(s *settings) { s.logger = log }
}

// WithMetrics enables Prometheus instrumentation. Instruments are
// registered against registerer, or the default global registry if none
// is supplied.
func WithMetrics(enabled bool, registerer ...prometheus.Registerer) Option {
	return func(s *settings) {
		s.metricsEnabled = enabled
		if len(registerer) > 0 {
			s.registerer = registerer[0]
		}
	}
}

// NewSender constructs a Sender bound to a local, OS-chosen UDP port and
// connected to remote endpoint ip:port.
func NewSender(ip string, port int, opts ...Option) (*Sender, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	sender, err := newSender(ip, port, s)
	if err != nil {
		return nil, err
	}
	if sender.metrics != nil {
		sender.metrics.register(s.registerer)
	}
	return sender, nil
}

// NewReceiver constructs a Receiver listening on the given local UDP
// port. callback is invoked once per fully reassembled frame; the caller
// must invoke the supplied release function exactly once to return the
// underlying pool block.
func NewReceiver(port int, callback func(data []byte, release func()), opts ...Option) (*Receiver, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	receiver, err := newReceiver(port, callback, s)
	if err != nil {
		return nil, err
	}
	if receiver.metrics != nil {
		receiver.metrics.register(s.registerer)
	}
	return receiver, nil
}
