package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(3, 1, 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(QueueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueDepth.WithLabelValues("in_flight")))
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueDepth.WithLabelValues("failed")))
}

func TestSetOnline(t *testing.T) {
	SetOnline(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(Online))
	SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(Online))
}

func TestSyncItemsCounter(t *testing.T) {
	c := SyncItemsTotal.WithLabelValues("task", "create", OutcomeDone)
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}
