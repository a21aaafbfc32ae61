package swcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome describes where the response to an intercepted request came from
type Outcome string

const (
	OutcomeBypass   Outcome = "bypass"   //not intercepted
	OutcomeHit      Outcome = "hit"      //served from the bucket
	OutcomeNetwork  Outcome = "network"  //served from the network
	OutcomeStale    Outcome = "stale"    //served from the bucket after the network failed
	OutcomeOffline  Outcome = "offline"  //served the offline document
	OutcomeFallback Outcome = "fallback" //served a synthesized error response
)

// Metrics records what the cache router does. A nil *Metrics records nothing
type Metrics struct {
	requests          *prometheus.CounterVec
	backgroundRefresh *prometheus.CounterVec
	bucketPurges      prometheus.Counter
	storageErrors     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with the registerer
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "requests_total",
			Help:      "Intercepted requests by strategy class and outcome.",
		}, []string{"class", "outcome"}),
		backgroundRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "background_refresh_total",
			Help:      "Detached background refreshes by result.",
		}, []string{"result"}),
		bucketPurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "bucket_purges_total",
			Help:      "Buckets deleted on activation or by a clear command.",
		}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "storage_errors_total",
			Help:      "Failed bucket operations by operation.",
		}, []string{"operation"}),
	}

	for _, collector := range []prometheus.Collector{
		metrics.requests,
		metrics.backgroundRefresh,
		metrics.bucketPurges,
		metrics.storageErrors,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return metrics, nil
}

func (metrics *Metrics) observeRequest(class Classification, outcome Outcome) {
	if metrics == nil {
		return
	}
	metrics.requests.WithLabelValues(class.String(), string(outcome)).Inc()
}

func (metrics *Metrics) observeRefresh(result string) {
	if metrics == nil {
		return
	}
	metrics.backgroundRefresh.WithLabelValues(result).Inc()
}

func (metrics *Metrics) observePurge() {
	if metrics == nil {
		return
	}
	metrics.bucketPurges.Inc()
}

func (metrics *Metrics) observeStorageError(operation string) {
	if metrics == nil {
		return
	}
	metrics.storageErrors.WithLabelValues(operation).Inc()
}
