package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheus_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.Hit()
	p.Hit()
	p.Miss()
	p.Eviction()
	p.Expire()
	p.Populate()
	p.Shared()
	p.Timeout()
	p.Reject()
	p.Reject()

	assert.Equal(t, 2.0, testutil.ToFloat64(p.lookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.lookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.expiries))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.populates))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.shared))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.timeouts))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.rejects))
}

func TestNoop_SatisfiesRecorder(t *testing.T) {
	var r Recorder = Noop{}
	assert.NotPanics(t, func() {
		r.Hit()
		r.Miss()
		r.Eviction()
		r.Expire()
		r.Populate()
		r.Shared()
		r.Timeout()
		r.Reject()
	})
}
