// Package stats reconciles hourly usage records into cumulative statistics
// series. Each series carries a monotone running sum that continues from
// whatever was last persisted, so repeated polls over overlapping windows
// never double-count an hour.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/wattsync/wattsync/pkg/log"
	"github.com/wattsync/wattsync/pkg/metrics"
	"github.com/wattsync/wattsync/pkg/storage"
	"github.com/wattsync/wattsync/pkg/types"
)

// baselineScanLimit bounds how far back we look for the last persisted sum.
// 200 hourly points is over 8 days, comfortably past the fetch window.
const baselineScanLimit = 200

// ConsumptionMeta describes the cumulative energy consumption series.
var ConsumptionMeta = types.SeriesMetadata{
	ID:     types.SeriesID(types.SeriesConsumptionDaily),
	Name:   "wattsync energy consumption",
	Unit:   "kWh",
	HasSum: true,
}

// CostMeta describes the cumulative energy cost series.
var CostMeta = types.SeriesMetadata{
	ID:     types.SeriesID(types.SeriesCostDaily),
	Name:   "wattsync energy cost",
	Unit:   "NZD",
	HasSum: true,
}

// Reconciler turns raw usage records into statistics points and persists
// them.
type Reconciler struct {
	db storage.Database
}

// New returns a Reconciler backed by the given store.
func New(db storage.Database) *Reconciler {
	return &Reconciler{db: db}
}

// Process reconciles a batch of usage records into both statistics series.
// Records may arrive in any order and may overlap previously processed
// windows; overlapping hours are rewritten with recomputed sums.
func (r *Reconciler) Process(ctx context.Context, records []types.UsageRecord) error {
	if len(records) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no usage records to reconcile")
		return nil
	}

	sorted := make([]types.UsageRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TSStart.Before(sorted[j].TSStart)
	})
	firstStart := sorted[0].TSStart.UTC()

	if err := r.processSeries(ctx, ConsumptionMeta, sorted, firstStart, func(rec types.UsageRecord) float64 {
		return rec.EnergyKWH
	}); err != nil {
		return err
	}
	if err := r.processSeries(ctx, CostMeta, sorted, firstStart, func(rec types.UsageRecord) float64 {
		return rec.CostNZD
	}); err != nil {
		return err
	}
	return nil
}

// processSeries computes the continuing running sum for one series and
// persists the resulting points.
func (r *Reconciler) processSeries(
	ctx context.Context,
	meta types.SeriesMetadata,
	sorted []types.UsageRecord,
	firstStart time.Time,
	value func(types.UsageRecord) float64,
) error {
	base, err := r.baseline(ctx, meta.ID, firstStart)
	if err != nil {
		return fmt.Errorf("failed to load baseline for %s: %w", meta.ID, err)
	}

	points := make([]types.StatisticPoint, 0, len(sorted))
	// the running sum stays unrounded so rounding error never compounds
	// across polls; only the emitted sum is rounded
	running := base
	for _, rec := range sorted {
		v := value(rec)
		running += v
		rounded := math.Round(running*100) / 100
		points = append(points, types.StatisticPoint{
			TSStart: rec.TSStart.UTC(),
			Value:   v,
			Sum:     &rounded,
		})
	}

	if len(points) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no statistics points produced",
			slog.String("series", meta.ID))
		return nil
	}

	if err := r.db.AppendPoints(ctx, meta, points); err != nil {
		return fmt.Errorf("failed to append points for %s: %w", meta.ID, err)
	}
	metrics.PointsAppended(meta.ID, len(points))
	log.Ctx(ctx).DebugContext(ctx, "appended statistics points",
		slog.String("series", meta.ID),
		slog.Int("count", len(points)),
		slog.Float64("baseline", base),
	)
	return nil
}

// baseline returns the running sum to continue from: the sum of the newest
// persisted point strictly earlier than before, or 0 when no such point
// exists. Points without a recorded sum are skipped.
func (r *Reconciler) baseline(ctx context.Context, seriesID string, before time.Time) (float64, error) {
	points, err := r.db.GetLastPoints(ctx, seriesID, baselineScanLimit)
	if err != nil {
		return 0, err
	}
	var (
		best    float64
		bestTS  time.Time
		haveOne bool
	)
	for _, p := range points {
		if p.Sum == nil {
			continue
		}
		ts := p.TSStart.UTC()
		if !ts.Before(before) {
			continue
		}
		if !haveOne || ts.After(bestTS) {
			best = *p.Sum
			bestTS = ts
			haveOne = true
		}
	}
	if !haveOne {
		return 0, nil
	}
	return best, nil
}
