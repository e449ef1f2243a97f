package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

var (
	pollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wattsync_poll_cycles_total",
		Help: "Number of completed poll cycles by outcome.",
	}, []string{"outcome"})

	logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wattsync_logins_total",
		Help: "Number of provider login attempts by outcome.",
	}, []string{"outcome"})

	usageRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wattsync_usage_records_fetched",
		Help: "Number of usage records returned by the most recent fetch.",
	})

	pointsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wattsync_points_appended_total",
		Help: "Number of statistics points appended by series.",
	}, []string{"series"})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wattsync_last_success_timestamp_seconds",
		Help: "Unix time of the last successful poll cycle.",
	})
)

func PollCycle(outcome Outcome) {
	pollCycles.WithLabelValues(string(outcome)).Inc()
}

func Login(outcome Outcome) {
	logins.WithLabelValues(string(outcome)).Inc()
}

func UsageRecords(count int) {
	usageRecords.Set(float64(count))
}

func PointsAppended(seriesID string, count int) {
	pointsAppended.WithLabelValues(seriesID).Add(float64(count))
}

func LastSuccess(t time.Time) {
	lastSuccess.Set(float64(t.Unix()))
}
