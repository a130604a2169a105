// Package receipt confirms delivery of ticket-based sends. Tickets are handed
// over through a non-blocking queue and resolved by a periodic sweep.
package receipt

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

const (
	DefaultSweepInterval = 45 * time.Second
	DefaultRetention     = 24 * time.Hour
	DefaultQueueSize     = 1024
)

// TokenDeactivator is the slice of the token registry the tracker needs.
type TokenDeactivator interface {
	DeactivateByToken(ctx context.Context, provider dispatch.Provider, token string) ([]string, error)
}

type Config struct {
	SweepInterval time.Duration
	Retention     time.Duration
	QueueSize     int
}

// Stats is a point-in-time view of the tracker.
type Stats struct {
	Pending     int   `json:"pending"`
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
	Expired     int64 `json:"expired"`
	Deactivated int64 `json:"deactivated"`
	Dropped     int64 `json:"dropped"`
	Sweeps      int64 `json:"sweeps"`
}

// Tracker holds tickets in PENDING until a sweep resolves or expires them.
type Tracker struct {
	cfg         Config
	resolvers   map[dispatch.Provider]dispatch.ReceiptResolver
	deactivator TokenDeactivator
	logger      *slog.Logger
	nowFn       func() time.Time

	queue chan []dispatch.ReceiptCheck

	mu      sync.Mutex
	pending map[string]dispatch.ReceiptCheck

	sweeping    atomic.Bool
	sweeps      atomic.Int64
	delivered   atomic.Int64
	failed      atomic.Int64
	expired     atomic.Int64
	deactivated atomic.Int64
	dropped     atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(cfg Config, resolvers []dispatch.ReceiptResolver, deactivator TokenDeactivator, logger *slog.Logger) *Tracker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	byProvider := make(map[dispatch.Provider]dispatch.ReceiptResolver, len(resolvers))
	for _, r := range resolvers {
		byProvider[r.Provider()] = r
	}

	return &Tracker{
		cfg:         cfg,
		resolvers:   byProvider,
		deactivator: deactivator,
		logger:      logger.With("component", "ReceiptTracker"),
		nowFn:       time.Now,
		queue:       make(chan []dispatch.ReceiptCheck, cfg.QueueSize),
		pending:     make(map[string]dispatch.ReceiptCheck),
	}
}

// Enqueue hands a batch of tickets to the tracker. It never blocks: when the
// queue is full the batch is dropped and counted.
func (t *Tracker) Enqueue(checks []dispatch.ReceiptCheck) {
	if len(checks) == 0 {
		return
	}
	batch := make([]dispatch.ReceiptCheck, len(checks))
	copy(batch, checks)

	select {
	case t.queue <- batch:
	default:
		t.dropped.Add(int64(len(batch)))
		metrics.AddReceiptsDropped(len(batch))
		t.logger.Warn("Receipt queue full, dropping tickets", "count", len(batch))
	}
}

// Start runs the queue drain and the sweep ticker until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case batch := <-t.queue:
				t.add(batch)
			}
		}
	}()
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep(ctx)
			case <-ctx.Done():
				t.logger.Debug("Receipt sweeper stopped")
				return
			}
		}
	}()

	t.logger.Info("Receipt tracker started", "interval", t.cfg.SweepInterval, "retention", t.cfg.Retention)
}

// Stop cancels background work and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) add(batch []dispatch.ReceiptCheck) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range batch {
		if c.TicketID == "" {
			continue
		}
		if _, ok := t.resolvers[c.Provider]; !ok {
			t.logger.Debug("No receipt resolver for provider, ignoring ticket", "provider", c.Provider)
			continue
		}
		if _, exists := t.pending[c.TicketID]; exists {
			continue
		}
		if c.IssuedAt.IsZero() {
			c.IssuedAt = t.nowFn()
		}
		t.pending[c.TicketID] = c
	}
	metrics.SetReceiptsPending(len(t.pending))
}

// drainQueue moves whatever is queued into the pending set without blocking.
func (t *Tracker) drainQueue() {
	for {
		select {
		case batch := <-t.queue:
			t.add(batch)
		default:
			return
		}
	}
}

// Sweep runs one resolution pass. It returns false without doing anything
// when another sweep is already in progress.
func (t *Tracker) Sweep(ctx context.Context) bool {
	if !t.sweeping.CompareAndSwap(false, true) {
		t.logger.Debug("Sweep already in progress, skipping tick")
		return false
	}
	defer t.sweeping.Store(false)

	t.sweeps.Add(1)
	t.drainQueue()
	now := t.nowFn()

	byProvider := make(map[dispatch.Provider][]dispatch.ReceiptCheck)
	t.mu.Lock()
	for id, c := range t.pending {
		if now.Sub(c.IssuedAt) >= t.cfg.Retention {
			// No answer in time is not evidence the token is bad.
			delete(t.pending, id)
			t.expired.Add(1)
			metrics.IncReceiptExpired()
			continue
		}
		byProvider[c.Provider] = append(byProvider[c.Provider], c)
	}
	t.mu.Unlock()

	for provider, checks := range byProvider {
		resolver := t.resolvers[provider]
		limit := resolver.ReceiptBatchLimit()
		if limit <= 0 {
			limit = len(checks)
		}
		for start := 0; start < len(checks); start += limit {
			if ctx.Err() != nil {
				return true
			}
			t.resolveChunk(ctx, resolver, checks[start:min(start+limit, len(checks))])
		}
	}

	t.mu.Lock()
	pending := len(t.pending)
	t.mu.Unlock()
	metrics.SetReceiptsPending(pending)
	return true
}

func (t *Tracker) resolveChunk(ctx context.Context, resolver dispatch.ReceiptResolver, chunk []dispatch.ReceiptCheck) {
	ids := make([]string, len(chunk))
	for i, c := range chunk {
		ids[i] = c.TicketID
	}

	receipts, err := resolver.Receipts(ctx, ids)
	if err != nil {
		t.logger.Warn("Receipt poll failed, tickets stay pending", "provider", resolver.Provider(), "tickets", len(ids), "err", err)
		return
	}

	for _, c := range chunk {
		r, ok := receipts[c.TicketID]
		if !ok {
			continue
		}
		if t.apply(ctx, c, r) {
			t.mu.Lock()
			delete(t.pending, c.TicketID)
			t.mu.Unlock()
		}
	}
}

// apply acts on a resolved receipt and reports whether the ticket is done.
func (t *Tracker) apply(ctx context.Context, c dispatch.ReceiptCheck, r dispatch.Receipt) bool {
	if r.Status == dispatch.ReceiptDelivered {
		t.delivered.Add(1)
		metrics.IncReceiptDelivered()
		return true
	}

	if r.TokenInvalid && c.Token != "" {
		owners, err := t.deactivator.DeactivateByToken(ctx, c.Provider, c.Token)
		if err != nil {
			t.logger.Error("Failed to deactivate token from receipt, will retry", "provider", c.Provider, "token", dispatch.Redact(c.Token), "err", err)
			return false
		}
		t.deactivated.Add(int64(len(owners)))
		metrics.AddTokensDeactivated("receipt", len(owners))
		t.logger.Info("Deactivated token after failed receipt", "provider", c.Provider, "token", dispatch.Redact(c.Token), "owners", len(owners))
	} else {
		t.logger.Debug("Receipt failed without invalidity signal", "ticket_id", c.TicketID, "reason", r.Reason)
	}

	t.failed.Add(1)
	metrics.IncReceiptFailed()
	return true
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	pending := len(t.pending)
	t.mu.Unlock()

	return Stats{
		Pending:     pending,
		Delivered:   t.delivered.Load(),
		Failed:      t.failed.Load(),
		Expired:     t.expired.Load(),
		Deactivated: t.deactivated.Load(),
		Dropped:     t.dropped.Load(),
		Sweeps:      t.sweeps.Load(),
	}
}
