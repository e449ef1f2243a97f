package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/levenlabs/go-lflag"
	"github.com/wattsync/wattsync/pkg/types"
)

const influxMeasurement = "energy_statistics"

// InfluxProvider implements the Database interface using InfluxDB v2. Points
// are written with the series id as a tag; Influx overwrites points sharing
// a measurement, tag set and timestamp, which gives timestamp idempotence
// for free.
type InfluxProvider struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI

	url    string
	token  string
	org    string
	bucket string
}

// configuredInflux sets up the InfluxDB provider.
// It registers flags for configuration.
func configuredInflux() *InfluxProvider {
	url := lflag.String("influx-url", "", "URL of the InfluxDB v2 server")
	token := lflag.String("influx-token", "", "API token for InfluxDB")
	org := lflag.String("influx-org", "", "InfluxDB organization")
	bucket := lflag.String("influx-bucket", "wattsync", "InfluxDB bucket for statistics")

	i := &InfluxProvider{}

	lflag.Do(func() {
		i.url = *url
		i.token = *token
		i.org = *org
		i.bucket = *bucket
	})

	return i
}

// Validate checks if the provider is properly configured.
func (i *InfluxProvider) Validate() error {
	if i.url == "" {
		return fmt.Errorf("influx-url is required")
	}
	if i.org == "" {
		return fmt.Errorf("influx-org is required")
	}
	if i.bucket == "" {
		return fmt.Errorf("influx-bucket is required")
	}
	return nil
}

// Init creates the client and verifies connectivity.
func (i *InfluxProvider) Init(ctx context.Context) error {
	client := influxdb2.NewClient(i.url, i.token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to influxdb: %w", err)
	}
	i.client = client
	i.writeAPI = client.WriteAPIBlocking(i.org, i.bucket)
	i.queryAPI = client.QueryAPI(i.org)
	return nil
}

// Close closes the InfluxDB client.
func (i *InfluxProvider) Close() error {
	if i.client != nil {
		i.client.Close()
	}
	return nil
}

// GetLastPoints returns up to maxCount of the newest points for the series,
// newest first.
func (i *InfluxProvider) GetLastPoints(ctx context.Context, seriesID string, maxCount int) ([]types.StatisticPoint, error) {
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %q and r.series == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`,
		i.bucket, influxMeasurement, seriesID, maxCount)

	result, err := i.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer result.Close()

	var points []types.StatisticPoint
	for result.Next() {
		rec := result.Record()
		p := types.StatisticPoint{
			TSStart: rec.Time().UTC(),
		}
		if v, ok := rec.ValueByKey("value").(float64); ok {
			p.Value = v
		}
		if s, ok := rec.ValueByKey("sum").(float64); ok {
			sum := s
			p.Sum = &sum
		}
		points = append(points, p)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate points: %w", err)
	}
	return points, nil
}

// AppendPoints writes one point per statistic with value and sum fields.
func (i *InfluxProvider) AppendPoints(ctx context.Context, meta types.SeriesMetadata, points []types.StatisticPoint) error {
	pts := make([]*write.Point, 0, len(points))
	for _, p := range points {
		fields := map[string]interface{}{
			"value": p.Value,
		}
		if p.Sum != nil {
			fields["sum"] = *p.Sum
		}
		pts = append(pts, write.NewPoint(
			influxMeasurement,
			map[string]string{
				"series": meta.ID,
				"name":   meta.Name,
				"unit":   meta.Unit,
			},
			fields,
			p.TSStart.UTC().Truncate(time.Second),
		))
	}
	if err := i.writeAPI.WritePoint(ctx, pts...); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	return nil
}
