// Package metrics reports what the cache, coordinator and limiter are doing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives one call per cache, coordinator or limiter event.
// Implementations must be safe for concurrent use and must not block.
type Recorder interface {
	// Hit is called when a lookup is served from the cache.
	Hit()
	// Miss is called when a lookup has to populate the key.
	Miss()
	// Eviction is called when an entry is dropped to respect capacity.
	Eviction()
	// Expire is called when an entry is dropped because its TTL elapsed.
	Expire()
	// Populate is called once per populate function invocation.
	Populate()
	// Shared is called when a populate result was delivered to more than one caller.
	Shared()
	// Timeout is called when a populate exceeded its bound.
	Timeout()
	// Reject is called when the rate limiter rejects a request.
	Reject()
}

// Noop ignores every event.
type Noop struct{}

func (Noop) Hit()      {}
func (Noop) Miss()     {}
func (Noop) Eviction() {}
func (Noop) Expire()   {}
func (Noop) Populate() {}
func (Noop) Shared()   {}
func (Noop) Timeout()  {}
func (Noop) Reject()   {}

// Prometheus records events as counters under the image_proxy namespace.
type Prometheus struct {
	lookups   *prometheus.CounterVec
	evictions prometheus.Counter
	expiries  prometheus.Counter
	populates prometheus.Counter
	shared    prometheus.Counter
	timeouts  prometheus.Counter
	rejects   prometheus.Counter
}

// NewPrometheus creates the counters and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "image_proxy",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "image_proxy",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted to respect the capacity bound.",
		}),
		expiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "image_proxy",
			Subsystem: "cache",
			Name:      "expirations_total",
			Help:      "Entries removed after their TTL elapsed.",
		}),
		populates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "image_proxy",
			Subsystem: "coordinator",
			Name:      "populates_total",
			Help:      "Populate function invocations.",
		}),
		shared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "image_proxy",
			Subsystem: "coordinator",
			Name:      "shared_results_total",
			Help:      "Lookups whose populate result was shared between concurrent callers.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "image_proxy",
			Subsystem: "coordinator",
			Name:      "timeouts_total",
			Help:      "Populate attempts that exceeded the timeout bound.",
		}),
		rejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "image_proxy",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the sliding-window limiter.",
		}),
	}
	reg.MustRegister(p.lookups, p.evictions, p.expiries, p.populates, p.shared, p.timeouts, p.rejects)
	return p
}

func (p *Prometheus) Hit()      { p.lookups.WithLabelValues("hit").Inc() }
func (p *Prometheus) Miss()     { p.lookups.WithLabelValues("miss").Inc() }
func (p *Prometheus) Eviction() { p.evictions.Inc() }
func (p *Prometheus) Expire()   { p.expiries.Inc() }
func (p *Prometheus) Populate() { p.populates.Inc() }
func (p *Prometheus) Shared()   { p.shared.Inc() }
func (p *Prometheus) Timeout()  { p.timeouts.Inc() }
func (p *Prometheus) Reject()   { p.rejects.Inc() }
