package rdgram

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdgram",
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport, retransmissions excluded.",
		},
		[]string{"kind"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdgram",
			Name:      "frames_received_total",
			Help:      "Well-formed frames received.",
		},
		[]string{"kind"},
	)
	retransmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rdgram",
		Name:      "retransmissions_total",
		Help:      "Frames resent on acknowledgment.",
	})
	duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rdgram",
		Name:      "duplicates_total",
		Help:      "Inbound frames discarded as already received.",
	})
	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdgram",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped before buffering.",
		},
		[]string{"reason"},
	)
	mtuShrinks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rdgram",
		Name:      "mtu_shrinks_total",
		Help:      "Times a channel halved its MTU.",
	})
	messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rdgram",
		Name:      "messages_delivered_total",
		Help:      "Reassembled messages handed to the dispatcher.",
	})
	malformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rdgram",
		Name:      "malformed_total",
		Help:      "Malformed frames or streams detected.",
	})
	stalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rdgram",
		Name:      "stalls_total",
		Help:      "Timer runs that found a channel's delivery stalled.",
	})
	channels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rdgram",
		Name:      "channels",
		Help:      "Open channels.",
	})
	ackDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rdgram",
		Name:      "ack_delay_seconds",
		Help:      "Time from first transmission to acknowledgment of frames that were never resent.",
		Buckets:   prometheus.DefBuckets,
	})
)

// RegisterMetrics registers the package collectors with the default
// Prometheus registry. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesSent, framesReceived, retransmissions, duplicates, droppedFrames,
			mtuShrinks, messagesDelivered, malformed, stalls, channels, ackDelay)
	})
}

func recordFrameSent(kind frameKind) {
	framesSent.WithLabelValues(kind.String()).Inc()
}

func recordFrameReceived(kind frameKind) {
	framesReceived.WithLabelValues(kind.String()).Inc()
}

func recordDropped(reason string) {
	droppedFrames.WithLabelValues(reason).Inc()
}

func recordAckDelay(d time.Duration) {
	ackDelay.Observe(d.Seconds())
}
