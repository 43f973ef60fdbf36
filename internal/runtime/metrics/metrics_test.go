package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerMetricsRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBrokerMetrics(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestBrokerMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBrokerMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordPublished("orders")
	m.RecordPublished("orders")
	m.RecordDelivered("orders")
	m.RecordRetry("orders")
	m.RecordDropped("orders")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishedTotal.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveredTotal.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retriesTotal.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedTotal.WithLabelValues("orders")))
}

func TestDLQMetricsSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDLQMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordDeadLetter("payments", 3)
	m.RecordDeadLetter("payments", 5)
	m.RecordDeadLetter("orders", 1)

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalMessages)
	require.Contains(t, snap.TopicMetrics, "payments")
	assert.Equal(t, uint64(2), snap.TopicMetrics["payments"].MessagesReceived)
	assert.Equal(t, 4.0, snap.TopicMetrics["payments"].AvgRetryCount)
	assert.Equal(t, uint64(1), snap.TopicMetrics["orders"].MessagesCurrent)
}

func TestDLQMetricsPurge(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())

	m.RecordDeadLetter("payments", 1)
	m.RecordDeadLetter("payments", 1)
	m.RecordPurged("payments", 5)

	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.TopicMetrics["payments"].MessagesCurrent)
	assert.Equal(t, uint64(2), snap.TopicMetrics["payments"].MessagesReceived)
}

func TestDLQMetricsSnapshotIsACopy(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())
	m.RecordDeadLetter("a", 1)

	snap := m.Snapshot()
	snap.TopicMetrics["a"].MessagesCurrent = 99

	assert.Equal(t, uint64(1), m.Snapshot().TopicMetrics["a"].MessagesCurrent)
}
