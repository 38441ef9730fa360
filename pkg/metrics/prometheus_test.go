package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"mergebot/pkg/train"
)

var _ train.MetricsRecorder = (*PrometheusRecorder)(nil)

func TestPrometheusRecorder(t *testing.T) {
	// promauto registers with the default registry, so one recorder per
	// test binary.
	rec := NewPrometheusRecorder()

	rec.CarCreated("default")
	rec.CarCreated("default")
	rec.CarDiscarded("default")
	rec.RefreshObserved("main", 150*time.Millisecond, 3)
	rec.EventObserved("pull_request", "handled")

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.carsCreated.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.carsDiscarded.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.refreshesTotal.WithLabelValues("main")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.trainLength.WithLabelValues("main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.eventsTotal.WithLabelValues("pull_request", "handled")))
}
