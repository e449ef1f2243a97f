package types

import "time"

const (
	// StatisticSource scopes series identifiers to this integration.
	StatisticSource = "wattsync"

	SeriesConsumptionDaily = "energy_consumption_daily"
	SeriesCostDaily        = "energy_cost_daily"
)

// SeriesID returns the stable store identifier for a series type.
func SeriesID(seriesType string) string {
	return StatisticSource + ":" + seriesType
}

// Credentials holds the email/password used to log into the provider portal.
// They are immutable for the lifetime of the session that owns them.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"-"`
}

// UsageRecord is one hourly usage bucket as returned by the provider.
// Cost may be negative when the provider issues a credit.
type UsageRecord struct {
	TSStart   time.Time `json:"tsStart"`
	EnergyKWH float64   `json:"energyKWH"`
	CostNZD   float64   `json:"costNZD"`
}

// StatisticPoint is the unit persisted to the statistics store: the
// instantaneous value for the hour plus the running sum of the series.
// Sum is nil when the store has no recorded sum for the point.
type StatisticPoint struct {
	TSStart time.Time `json:"tsStart"`
	Value   float64   `json:"value"`
	Sum     *float64  `json:"sum,omitempty"`
}

// SeriesMetadata describes a statistics series to the store.
type SeriesMetadata struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Unit    string `json:"unit"`
	HasSum  bool   `json:"hasSum"`
	HasMean bool   `json:"hasMean"`
}
