// Package poller drives the periodic fetch-and-reconcile cycle.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattsync/wattsync/pkg/log"
	"github.com/wattsync/wattsync/pkg/metrics"
	"github.com/wattsync/wattsync/pkg/stats"
	"github.com/wattsync/wattsync/pkg/types"
)

// UsageSource fetches a batch of hourly usage records.
type UsageSource interface {
	GetUsage(ctx context.Context) ([]types.UsageRecord, error)
}

// Poller periodically fetches usage from the provider and hands it to the
// reconciler.
type Poller struct {
	client UsageSource
	recon  *stats.Reconciler

	interval     time.Duration
	cycleTimeout time.Duration

	// serializes cycles so a slow cycle is never overlapped by the next tick
	mu sync.Mutex
}

// Configured sets up the Poller.
// It registers flags for configuration.
func Configured(client UsageSource, recon *stats.Reconciler) *Poller {
	interval := lflag.Duration("poll-interval", time.Hour, "How often to fetch usage from the provider")
	cycleTimeout := lflag.Duration("poll-timeout", 5*time.Minute, "Timeout for a single fetch-and-reconcile cycle")

	p := &Poller{
		client: client,
		recon:  recon,
	}

	lflag.Do(func() {
		p.interval = *interval
		p.cycleTimeout = *cycleTimeout
	})

	return p
}

// Run executes cycles until ctx is cancelled. The first cycle runs
// immediately. Cycle errors are logged and do not stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.RunOnce(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "poll cycle failed",
			slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "poll cycle failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce executes a single fetch-and-reconcile cycle.
func (p *Poller) RunOnce(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cycleTimeout)
	defer cancel()

	records, err := p.client.GetUsage(ctx)
	if err != nil {
		metrics.PollCycle(metrics.OutcomeError)
		return err
	}
	metrics.UsageRecords(len(records))

	if err := p.recon.Process(ctx, records); err != nil {
		metrics.PollCycle(metrics.OutcomeError)
		return err
	}

	metrics.PollCycle(metrics.OutcomeSuccess)
	metrics.LastSuccess(time.Now())
	log.Ctx(ctx).DebugContext(ctx, "poll cycle complete",
		slog.Int("records", len(records)))
	return nil
}
