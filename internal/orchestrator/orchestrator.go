// Package orchestrator turns a dispatch request into provider sends: it
// filters the audience, resolves tokens, fans chunks out to provider clients,
// prunes invalid tokens and hands tickets to the receipt tracker.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultChunkTimeout   = 10 * time.Second
	DefaultMaxConcurrency = 8
	DefaultHistorySize    = 50
)

// AudienceFilter drops users who must not be notified for a category at a time.
type AudienceFilter interface {
	FilterAudience(ctx context.Context, userIDs []string, category dispatch.Category, at time.Time) []string
}

type Config struct {
	ChunkTimeout   time.Duration
	MaxConcurrency int
	HistorySize    int
}

type Orchestrator struct {
	cfg        Config
	clients    []dispatch.ProviderClient
	byProvider map[dispatch.Provider]dispatch.ProviderClient
	registry   dispatch.TokenRegistry
	filter     AudienceFilter
	receipts   dispatch.ReceiptQueue
	history    *History
	sem        *semaphore.Weighted
	logger     *slog.Logger
	nowFn      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New wires an orchestrator. receipts may be nil when no configured provider issues tickets.
func New(
	cfg Config,
	clients []dispatch.ProviderClient,
	registry dispatch.TokenRegistry,
	filter AudienceFilter,
	receipts dispatch.ReceiptQueue,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	byProvider := make(map[dispatch.Provider]dispatch.ProviderClient, len(clients))
	for _, c := range clients {
		byProvider[c.Provider()] = c
	}

	return &Orchestrator{
		cfg:        cfg,
		clients:    clients,
		byProvider: byProvider,
		registry:   registry,
		filter:     filter,
		receipts:   receipts,
		history:    NewHistory(cfg.HistorySize),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:     logger.With("component", "Orchestrator"),
		nowFn:      time.Now,
		timers:     make(map[string]*time.Timer),
	}
}

// Providers lists the configured providers in registration order.
func (o *Orchestrator) Providers() []dispatch.Provider {
	out := make([]dispatch.Provider, 0, len(o.clients))
	for _, c := range o.clients {
		out = append(out, c.Provider())
	}
	return out
}

func (o *Orchestrator) History() *History { return o.history }

// Dispatch validates req and delivers it. Provider failures never surface as
// an error; they are folded into the summary. A request scheduled in the
// future returns immediately with Scheduled set.
func (o *Orchestrator) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Summary, error) {
	if err := req.Validate(); err != nil {
		return dispatch.Summary{}, err
	}

	id := uuid.NewString()
	now := o.nowFn()
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		if err := o.schedule(id, req, *req.ScheduledAt); err != nil {
			return dispatch.Summary{}, err
		}
		return dispatch.Summary{
			DispatchID: id,
			Category:   req.Category,
			Requested:  len(dedupe(req.Audience)),
			Counts:     newCounts(),
			Scheduled:  true,
			StartedAt:  now,
		}, nil
	}

	return o.run(ctx, id, req), nil
}

type invalidToken struct {
	provider dispatch.Provider
	token    string
}

type chunkJob struct {
	client dispatch.ProviderClient
	tokens []string
}

func (o *Orchestrator) run(ctx context.Context, id string, req dispatch.Request) dispatch.Summary {
	start := o.nowFn()
	audience := dedupe(req.Audience)
	summary := dispatch.Summary{
		DispatchID:  id,
		Category:    req.Category,
		Requested:   len(audience),
		Counts:      newCounts(),
		PerProvider: make(map[dispatch.Provider]dispatch.ProviderSummary),
		StartedAt:   start,
	}
	log := o.logger.With("dispatch_id", id, "category", req.Category)

	allowed := o.filter.FilterAudience(ctx, audience, req.Category, start)
	summary.Recipients = len(allowed)
	summary.Suppressed = len(audience) - len(allowed)
	if len(allowed) == 0 {
		log.Debug("No recipients after preference filtering", "requested", len(audience))
		return o.finish(summary, start)
	}

	// Resolve tokens per provider and split them into chunks.
	var jobs []chunkJob
	for _, client := range o.clients {
		provider := client.Provider()
		rows, err := o.registry.ActiveTokens(ctx, allowed, provider)
		if err != nil {
			log.Error("Token lookup failed, skipping provider", "provider", provider, "err", err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: token lookup failed: %v", provider, err))
			continue
		}
		tokens := uniqueTokens(rows)
		if len(tokens) == 0 {
			continue
		}

		summary.Tokens += len(tokens)
		summary.PerProvider[provider] = dispatch.ProviderSummary{Tokens: len(tokens), Counts: newCounts()}

		limit := client.BatchLimit()
		if limit <= 0 {
			limit = len(tokens)
		}
		for s := 0; s < len(tokens); s += limit {
			jobs = append(jobs, chunkJob{client: client, tokens: tokens[s:min(s+limit, len(tokens))]})
		}
	}

	msg := req.Message()
	results := make([][]dispatch.DeliveryResult, len(jobs))
	errs := make([]error, len(jobs))

	var wg sync.WaitGroup
	for i, job := range jobs {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			errs[i] = fmt.Errorf("%w: %v", dispatch.ErrProviderCall, err)
			results[i] = transientResults(job.client.Provider(), job.tokens, err.Error())
			continue
		}
		wg.Add(1)
		go func(i int, job chunkJob) {
			defer wg.Done()
			defer o.sem.Release(1)
			results[i], errs[i] = o.sendChunk(ctx, job.client, job.tokens, msg)
		}(i, job)
	}
	wg.Wait()

	var invalid []invalidToken
	var checks []dispatch.ReceiptCheck
	issuedAt := o.nowFn()
	for i, job := range jobs {
		provider := job.client.Provider()
		ps := summary.PerProvider[provider]
		ps.Calls++

		if errs[i] != nil {
			log.Warn("Provider call failed", "provider", provider, "tokens", len(job.tokens), "err", errs[i])
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", provider, errs[i]))
			metrics.IncProviderFailure(string(provider))
		}

		for _, r := range results[i] {
			summary.Counts[r.Outcome]++
			ps.Counts[r.Outcome]++
			switch r.Outcome {
			case dispatch.OutcomeInvalidToken:
				invalid = append(invalid, invalidToken{provider: provider, token: r.Token})
				summary.InvalidTokens = append(summary.InvalidTokens, r.Token)
			case dispatch.OutcomeAccepted, dispatch.OutcomePendingReceipt:
				if r.TicketID != "" {
					checks = append(checks, dispatch.ReceiptCheck{
						TicketID: r.TicketID,
						Provider: provider,
						Token:    r.Token,
						IssuedAt: issuedAt,
					})
				}
			}
		}
		summary.PerProvider[provider] = ps
	}

	for provider, ps := range summary.PerProvider {
		for outcome, n := range ps.Counts {
			metrics.AddDeliveryResults(string(provider), string(outcome), n)
		}
	}

	// Send-time invalid results are the synchronous pruning path.
	for _, it := range invalid {
		owners, err := o.registry.DeactivateByToken(ctx, it.provider, it.token)
		if err != nil {
			log.Error("Failed to deactivate invalid token", "provider", it.provider, "token", dispatch.Redact(it.token), "err", err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: deactivate failed: %v", it.provider, err))
			continue
		}
		summary.Deactivated += len(owners)
	}
	metrics.AddTokensDeactivated("send", summary.Deactivated)

	if len(checks) > 0 && o.receipts != nil {
		o.receipts.Enqueue(checks)
		summary.TicketsQueued = len(checks)
	}

	return o.finish(summary, start)
}

func (o *Orchestrator) finish(summary dispatch.Summary, start time.Time) dispatch.Summary {
	end := o.nowFn()
	summary.Duration = end.Sub(start)

	metrics.IncDispatch(summary.Recipients, summary.Suppressed)
	metrics.ObserveDispatchDuration(summary.Duration, end)
	o.history.Add(summary)

	o.logger.Info("Dispatch complete",
		"dispatch_id", summary.DispatchID,
		"category", summary.Category,
		"recipients", summary.Recipients,
		"suppressed", summary.Suppressed,
		"tokens", summary.Tokens,
		"accepted", summary.Counts[dispatch.OutcomeAccepted],
		"pending_receipt", summary.Counts[dispatch.OutcomePendingReceipt],
		"invalid", summary.Counts[dispatch.OutcomeInvalidToken],
		"transient", summary.Counts[dispatch.OutcomeTransient],
		"deactivated", summary.Deactivated,
		"duration", summary.Duration,
	)
	return summary
}

type sendOutcome struct {
	results []dispatch.DeliveryResult
	err     error
}

// sendChunk runs one provider call under the chunk timeout. Whatever goes
// wrong (error, timeout, panic, misaligned results) the chunk still yields one
// result per token.
func (o *Orchestrator) sendChunk(ctx context.Context, client dispatch.ProviderClient, tokens []string, msg dispatch.Message) ([]dispatch.DeliveryResult, error) {
	provider := client.Provider()
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ChunkTimeout)
	defer cancel()

	done := make(chan sendOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sendOutcome{err: fmt.Errorf("%w: %s panicked: %v", dispatch.ErrProviderCall, provider, r)}
			}
		}()
		res, err := client.Send(callCtx, tokens, msg)
		done <- sendOutcome{results: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			err := fmt.Errorf("%w: %w", dispatch.ErrProviderCall, out.err)
			return transientResults(provider, tokens, out.err.Error()), err
		}
		if len(out.results) != len(tokens) {
			err := fmt.Errorf("%w: %s returned %d results for %d tokens", dispatch.ErrProviderCall, provider, len(out.results), len(tokens))
			return transientResults(provider, tokens, err.Error()), err
		}
		for i := range out.results {
			out.results[i].Token = tokens[i]
			out.results[i].Provider = provider
			if out.results[i].Outcome == "" {
				out.results[i].Outcome = dispatch.OutcomeTransient
			}
		}
		return out.results, nil
	case <-callCtx.Done():
		err := fmt.Errorf("%w: %s call did not finish: %v", dispatch.ErrProviderCall, provider, callCtx.Err())
		return transientResults(provider, tokens, "timeout"), err
	}
}

// TestSend delivers a message to one raw token, bypassing the registry and
// preferences. Tickets are still handed to the receipt tracker.
func (o *Orchestrator) TestSend(ctx context.Context, provider dispatch.Provider, token, title, body string) (dispatch.DeliveryResult, error) {
	req := dispatch.Request{Category: dispatch.CategorySystem, Title: title, Body: body}
	if err := req.Validate(); err != nil {
		return dispatch.DeliveryResult{}, err
	}
	client, ok := o.byProvider[provider]
	if !ok {
		return dispatch.DeliveryResult{}, fmt.Errorf("%w: %s", dispatch.ErrProviderUnavailable, provider)
	}

	results, err := o.sendChunk(ctx, client, []string{token}, req.Message())
	if err != nil {
		o.logger.Warn("Test send failed", "provider", provider, "err", err)
	}
	result := results[0]
	ticketed := result.Outcome == dispatch.OutcomeAccepted || result.Outcome == dispatch.OutcomePendingReceipt
	if ticketed && result.TicketID != "" && o.receipts != nil {
		o.receipts.Enqueue([]dispatch.ReceiptCheck{{
			TicketID: result.TicketID,
			Provider: provider,
			Token:    token,
			IssuedAt: o.nowFn(),
		}})
	}
	return result, nil
}

func (o *Orchestrator) schedule(id string, req dispatch.Request, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("orchestrator is shutting down")
	}

	req.ScheduledAt = nil
	o.timers[id] = time.AfterFunc(at.Sub(o.nowFn()), func() {
		o.mu.Lock()
		delete(o.timers, id)
		o.mu.Unlock()
		o.run(context.Background(), id, req)
	})
	o.logger.Info("Dispatch scheduled", "dispatch_id", id, "at", at)
	return nil
}

// PendingScheduled reports how many scheduled dispatches have not fired yet.
func (o *Orchestrator) PendingScheduled() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

// Close cancels scheduled dispatches that have not fired.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, t := range o.timers {
		if t.Stop() {
			o.logger.Warn("Cancelled scheduled dispatch on shutdown", "dispatch_id", id)
		}
		delete(o.timers, id)
	}
}

func newCounts() map[dispatch.Outcome]int {
	counts := make(map[dispatch.Outcome]int, len(dispatch.Outcomes))
	for _, o := range dispatch.Outcomes {
		counts[o] = 0
	}
	return counts
}

func transientResults(provider dispatch.Provider, tokens []string, reason string) []dispatch.DeliveryResult {
	out := make([]dispatch.DeliveryResult, len(tokens))
	for i, t := range tokens {
		out[i] = dispatch.DeliveryResult{Token: t, Provider: provider, Outcome: dispatch.OutcomeTransient, Reason: reason}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func uniqueTokens(rows []dispatch.DeviceToken) []string {
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.Token]; ok {
			continue
		}
		seen[r.Token] = struct{}{}
		out = append(out, r.Token)
	}
	return out
}
