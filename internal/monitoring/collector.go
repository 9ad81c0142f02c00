package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes the runtime's activity counters. All methods are safe on
// a nil receiver so components can run without metrics wired in.
type Collector struct {
	eventsLogged      prometheus.Counter
	segmentsRotated   prometheus.Counter
	segmentsSubmitted prometheus.Counter
	segmentsDiscarded prometheus.Counter
	submitFailures    prometheus.Counter
	playerReconnects  prometheus.Counter
	datagramsSent     prometheus.Counter
	rpcCalls          prometheus.Counter
	rpcDispatches     prometheus.Counter
	queueDepth        prometheus.Gauge
}

// NewCollector registers the runtime metrics with reg. A nil registerer
// uses the default prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		eventsLogged: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_pop_events_logged_total",
			Help: "Proof-of-play events accepted into the log queue",
		}),
		segmentsRotated: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_pop_segments_rotated_total",
			Help: "Log segments closed and made ready for submission",
		}),
		segmentsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_pop_segments_submitted_total",
			Help: "Log segments uploaded to the collector",
		}),
		segmentsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_pop_segments_discarded_total",
			Help: "Log segments deleted without a successful upload (empty or feature disabled)",
		}),
		submitFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_pop_submit_failures_total",
			Help: "Failed segment upload attempts",
		}),
		playerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_player_reconnects_total",
			Help: "Connections (re)established to the local player",
		}),
		datagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_player_datagrams_sent_total",
			Help: "Control datagrams sent to the local player",
		}),
		rpcCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_rpc_calls_total",
			Help: "Outbound RPC calls written to the channel",
		}),
		rpcDispatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_rpc_dispatches_total",
			Help: "Inbound RPC messages dispatched to handlers",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_pop_queue_depth",
			Help: "Entries waiting for the log writer",
		}),
	}
}

func (c *Collector) EventLogged() {
	if c != nil {
		c.eventsLogged.Inc()
	}
}

func (c *Collector) SegmentRotated() {
	if c != nil {
		c.segmentsRotated.Inc()
	}
}

func (c *Collector) SegmentSubmitted() {
	if c != nil {
		c.segmentsSubmitted.Inc()
	}
}

func (c *Collector) SegmentDiscarded() {
	if c != nil {
		c.segmentsDiscarded.Inc()
	}
}

func (c *Collector) SubmitFailed() {
	if c != nil {
		c.submitFailures.Inc()
	}
}

func (c *Collector) PlayerReconnected() {
	if c != nil {
		c.playerReconnects.Inc()
	}
}

func (c *Collector) DatagramSent() {
	if c != nil {
		c.datagramsSent.Inc()
	}
}

func (c *Collector) RPCCalled() {
	if c != nil {
		c.rpcCalls.Inc()
	}
}

func (c *Collector) RPCDispatched() {
	if c != nil {
		c.rpcDispatches.Inc()
	}
}

func (c *Collector) SetQueueDepth(depth int) {
	if c != nil {
		c.queueDepth.Set(float64(depth))
	}
}
