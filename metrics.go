package chunkstream

import "github.com/prometheus/client_golang/prometheus"

// metricsSet is the optional Prometheus instrumentation registered when a
// Sender or Receiver is constructed with WithMetrics(true). It mirrors
// the plain GetFrameCount/GetDropCount counters without replacing them.
type metricsSet struct {
	framesSent      prometheus.Counter
	framesAssembled prometheus.Counter
	framesDropped   prometheus.Counter
	inflightFrames  prometheus.Gauge
	nakEmitted      prometheus.Counter
	resendsSent     prometheus.Counter
	poolExhausted   *prometheus.CounterVec
	framesOversize  prometheus.Counter
}

func newMetricsSet() *metricsSet {
	m := &metricsSet{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkstream_frames_sent_total",
			Help: "Frames handed to Send.",
		}),
		framesAssembled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkstream_frames_assembled_total",
			Help: "Frames fully reassembled and delivered to the receive callback.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkstream_frames_dropped_total",
			Help: "Frames that hit the frame-drop deadline before completing.",
		}),
		inflightFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chunkstream_inflight_frames",
			Help: "Frames currently in the assembling queue.",
		}),
		nakEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkstream_nak_emitted_total",
			Help: "NAK datagrams emitted by receiving frames.",
		}),
		resendsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkstream_resends_sent_total",
			Help: "RESEND datagrams sent in response to a NAK.",
		}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkstream_pool_exhausted_total",
			Help: "Acquire calls that found the pool empty, by pool name.",
		}, []string{"pool"}),
		framesOversize: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkstream_frames_oversize_total",
			Help: "INIT packets discarded because their claimed total_chunks exceeds the receiver's configured max_data_size.",
		}),
	}
	return m
}

// register adds every instrument in m to registerer. Construction never
// fails the caller: a duplicate-registration error is swallowed, since a
// metrics setup failure must never prevent a Sender or Receiver from
// working.
func (m *metricsSet) register(registerer prometheus.Registerer) {
	collectors := []prometheus.Collector{
		m.framesSent, m.framesAssembled, m.framesDropped,
		m.inflightFrames, m.nakEmitted, m.resendsSent, m.poolExhausted,
		m.framesOversize,
	}
	for _, c := range collectors {
		_ = registerer.Register(c)
	}
}
