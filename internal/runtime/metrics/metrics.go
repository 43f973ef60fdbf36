// Package metrics provides Prometheus instrumentation for the in-process
// broker and the event bus dead letter queue.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wirebus",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wirebus",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wirebus",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// BrokerMetrics tracks in-process broker activity.
type BrokerMetrics struct {
	publishedTotal *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec

	registerer prometheus.Registerer
	mu         sync.Mutex
	registered bool
}

// NewBrokerMetrics creates broker collectors bound to registerer
// (DefaultRegisterer when nil).
func NewBrokerMetrics(registerer prometheus.Registerer) *BrokerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &BrokerMetrics{
		registerer:     registerer,
		publishedTotal: newCounterVec("broker", "published_total", "Messages published per topic", []string{"topic"}),
		deliveredTotal: newCounterVec("broker", "delivered_total", "Messages delivered to subscribers per topic", []string{"topic"}),
		retriesTotal:   newCounterVec("broker", "retries_total", "Handler retry attempts per topic", []string{"topic"}),
		droppedTotal:   newCounterVec("broker", "dropped_total", "Messages dropped after retry exhaustion or expiry per topic", []string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *BrokerMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.deliveredTotal,
		m.retriesTotal,
		m.droppedTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RecordPublished increments the publish counter for a topic.
func (m *BrokerMetrics) RecordPublished(topic string) {
	m.publishedTotal.WithLabelValues(topic).Inc()
}

// RecordDelivered increments the delivery counter for a topic.
func (m *BrokerMetrics) RecordDelivered(topic string) {
	m.deliveredTotal.WithLabelValues(topic).Inc()
}

// RecordRetry increments the retry counter for a topic.
func (m *BrokerMetrics) RecordRetry(topic string) {
	m.retriesTotal.WithLabelValues(topic).Inc()
}

// RecordDropped increments the dropped counter for a topic.
func (m *BrokerMetrics) RecordDropped(topic string) {
	m.droppedTotal.WithLabelValues(topic).Inc()
}

// DLQMetrics tracks dead letter queue statistics for the event bus.
type DLQMetrics struct {
	mu sync.RWMutex

	topicCounts map[string]*DLQTopicMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	retryCountHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQTopicMetrics holds counts for one topic's dead letter queue.
type DLQTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQSnapshot is a point-in-time view across topics.
type DLQSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	TopicMetrics  map[string]*DLQTopicMetrics `json:"topic_metrics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

// NewDLQMetrics creates DLQ collectors bound to registerer
// (DefaultRegisterer when nil).
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DLQMetrics{
		topicCounts:     make(map[string]*DLQTopicMetrics),
		registerer:      registerer,
		messagesTotal:   newCounterVec("dlq", "messages_total", "Messages routed to the dead letter queue", []string{"topic"}),
		messagesCurrent: newGaugeVec("dlq", "messages_current", "Messages currently in the dead letter queue", []string{"topic"}),
		retryCountHist:  newHistogramVec("dlq", "retry_count", "Retries before the message was dead lettered", []float64{1, 2, 3, 5, 10, 20}, []string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.messagesCurrent,
		m.retryCountHist,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RecordDeadLetter records a message landing in the DLQ after retryCount
// failed attempts.
func (m *DLQMetrics) RecordDeadLetter(topic string, retryCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreate(topic)
	tm.MessagesReceived++
	tm.MessagesCurrent++
	tm.LastUpdatedAt = time.Now()

	total := tm.MessagesReceived
	tm.AvgRetryCount = ((tm.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	m.messagesTotal.WithLabelValues(topic).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(tm.MessagesCurrent))
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

// RecordPurged records count messages removed from a topic's DLQ.
func (m *DLQMetrics) RecordPurged(topic string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreate(topic)
	if tm.MessagesCurrent >= count {
		tm.MessagesCurrent -= count
	} else {
		tm.MessagesCurrent = 0
	}
	tm.LastUpdatedAt = time.Now()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(tm.MessagesCurrent))
}

// Snapshot returns a copy of the per-topic counts.
func (m *DLQMetrics) Snapshot() DLQSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DLQSnapshot{
		TopicMetrics: make(map[string]*DLQTopicMetrics, len(m.topicCounts)),
		CollectedAt:  time.Now(),
	}
	for topic, tm := range m.topicCounts {
		cp := *tm
		snap.TopicMetrics[topic] = &cp
		snap.TotalMessages += tm.MessagesCurrent
	}
	return snap
}

func (m *DLQMetrics) getOrCreate(topic string) *DLQTopicMetrics {
	if tm, ok := m.topicCounts[topic]; ok {
		return tm
	}
	tm := &DLQTopicMetrics{}
	m.topicCounts[topic] = tm
	return tm
}
