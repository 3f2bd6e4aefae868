package exporter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsmill/infrahub-exporter/config"
	"github.com/opsmill/infrahub-exporter/errors"
	"github.com/opsmill/infrahub-exporter/infrahub"
	"github.com/opsmill/infrahub-exporter/metric"
)

// Poller owns the store and refreshes it on a fixed-delay schedule: one
// concurrent fetch-transform-store pass per configured kind, join, then
// sleep for the interval. The effective period is processing time plus
// interval, not a fixed rate.
type Poller struct {
	client   infrahub.Client
	store    *Store
	kinds    []config.MetricsKind
	branch   string
	interval time.Duration
	metrics  *metric.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller for the configured kinds.
func NewPoller(
	client infrahub.Client,
	store *Store,
	kinds []config.MetricsKind,
	branch string,
	interval time.Duration,
	metrics *metric.Metrics,
) *Poller {
	return &Poller{
		client:   client,
		store:    store,
		kinds:    kinds,
		branch:   branch,
		interval: interval,
		metrics:  metrics,
	}
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Poller", "Start", "poller already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(runCtx)
	slog.Info("Started background polling for metrics",
		"kinds", len(p.kinds), "interval", p.interval)
	return nil
}

// Stop cancels the loop and waits for it to exit. In-flight fetches are
// abandoned, not drained; the store may hold a stale mix afterwards, which
// is acceptable because the process is terminating.
func (p *Poller) Stop(timeout time.Duration) error {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		slog.Info("Stopped background polling for metrics")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			context.DeadlineExceeded, "Poller", "Stop", "wait for polling loop")
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	for {
		start := time.Now()
		p.pollOnce(ctx)
		if p.metrics != nil {
			p.metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// pollOnce runs one concurrent fetch-transform-store pass over all kinds
// and waits for every kind to finish. There is no per-kind timeout beyond
// the client's own request timeout.
func (p *Poller) pollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.kinds {
		wg.Add(1)
		go func(mk *config.MetricsKind) {
			defer wg.Done()
			p.fetchAndStore(ctx, mk)
		}(&p.kinds[i])
	}
	wg.Wait()
}

// fetchAndStore refreshes one kind. Any fetch or schema failure leaves the
// store's prior snapshot for the kind untouched.
func (p *Poller) fetchAndStore(ctx context.Context, mk *config.MetricsKind) {
	slog.Debug("Fetching items for kind", "kind", mk.Kind)

	var nodes []*infrahub.Node
	var err error
	if filters := mk.MergedFilters(); len(filters) > 0 {
		nodes, err = p.client.Filters(ctx, mk.Kind, mk.Include, p.branch, filters)
	} else {
		nodes, err = p.client.All(ctx, mk.Kind, mk.Include, p.branch)
	}
	if err != nil {
		reason := "transport"
		if errors.IsInvalid(err) {
			reason = "schema"
			slog.Error("Schema not found for kind", "kind", mk.Kind)
		} else {
			slog.Error("Error fetching items for kind", "kind", mk.Kind, "error", err)
		}
		if p.metrics != nil {
			p.metrics.PollFetchErrors.WithLabelValues(mk.Kind, reason).Inc()
		}
		return
	}
	slog.Debug("Fetched items for kind", "kind", mk.Kind, "count", len(nodes))

	entries := make([]Entry, 0, len(nodes))
	for _, node := range nodes {
		entries = append(entries, ResolveEntry(ctx, p.client.Store(), node, mk.Include))
	}

	p.store.Replace(mk.Kind, entries)
	if p.metrics != nil {
		p.metrics.KindEntries.WithLabelValues(mk.Kind).Set(float64(len(entries)))
	}
}
