package receipt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-service/internal/storage/memory"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

type mockResolver struct {
	mock.Mock
	limit int
}

func (m *mockResolver) Provider() dispatch.Provider { return dispatch.ProviderExpo }

func (m *mockResolver) ReceiptBatchLimit() int { return m.limit }

func (m *mockResolver) Receipts(ctx context.Context, ticketIDs []string) (map[string]dispatch.Receipt, error) {
	args := m.Called(ctx, ticketIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]dispatch.Receipt), args.Error(1)
}

type mockDeactivator struct {
	mock.Mock
}

func (m *mockDeactivator) DeactivateByToken(ctx context.Context, provider dispatch.Provider, token string) ([]string, error) {
	args := m.Called(ctx, provider, token)
	owners, _ := args.Get(0).([]string)
	return owners, args.Error(1)
}

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestTracker(resolver dispatch.ReceiptResolver, deactivator TokenDeactivator, cfg Config) *Tracker {
	tr := NewTracker(cfg, []dispatch.ReceiptResolver{resolver}, deactivator, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr.nowFn = func() time.Time { return t0 }
	return tr
}

func check(id, token string) dispatch.ReceiptCheck {
	return dispatch.ReceiptCheck{TicketID: id, Provider: dispatch.ProviderExpo, Token: token, IssuedAt: t0}
}

func TestTracker_Expiry(t *testing.T) {
	resolver := &mockResolver{limit: 1000}
	deactivator := new(mockDeactivator)
	tr := newTestTracker(resolver, deactivator, Config{Retention: 24 * time.Hour})

	tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "ExponentPushToken[a]")})
	tr.nowFn = func() time.Time { return t0.Add(25 * time.Hour) }

	require.True(t, tr.Sweep(context.Background()))

	stats := tr.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, int64(1), stats.Expired)
	resolver.AssertNotCalled(t, "Receipts", mock.Anything, mock.Anything)
	deactivator.AssertNotCalled(t, "DeactivateByToken", mock.Anything, mock.Anything, mock.Anything)
}

func TestTracker_Resolution(t *testing.T) {
	ctx := context.Background()

	t.Run("Permanent failure deactivates the source token", func(t *testing.T) {
		registry := memory.NewTokenStore()
		require.NoError(t, registry.Register(ctx, "user-1", "device-a", dispatch.ProviderExpo, "ExponentPushToken[dead]"))

		resolver := &mockResolver{limit: 1000}
		resolver.On("Receipts", mock.Anything, []string{"ticket-1"}).Return(map[string]dispatch.Receipt{
			"ticket-1": {Status: dispatch.ReceiptFailed, TokenInvalid: true, Reason: "DeviceNotRegistered"},
		}, nil)
		tr := newTestTracker(resolver, registry, Config{})

		tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "ExponentPushToken[dead]")})
		require.True(t, tr.Sweep(ctx))

		tokens, err := registry.ActiveTokens(ctx, []string{"user-1"}, dispatch.ProviderExpo)
		require.NoError(t, err)
		assert.Empty(t, tokens)

		stats := tr.Stats()
		assert.Equal(t, 0, stats.Pending)
		assert.Equal(t, int64(1), stats.Failed)
		assert.Equal(t, int64(1), stats.Deactivated)
	})

	t.Run("Transient failure and delivery drop the ticket without deactivation", func(t *testing.T) {
		resolver := &mockResolver{limit: 1000}
		resolver.On("Receipts", mock.Anything, mock.Anything).Return(map[string]dispatch.Receipt{
			"ticket-1": {Status: dispatch.ReceiptFailed, Reason: "MessageRateExceeded"},
			"ticket-2": {Status: dispatch.ReceiptDelivered},
		}, nil)
		deactivator := new(mockDeactivator)
		tr := newTestTracker(resolver, deactivator, Config{})

		tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "tok-1"), check("ticket-2", "tok-2")})
		require.True(t, tr.Sweep(ctx))

		stats := tr.Stats()
		assert.Equal(t, 0, stats.Pending)
		assert.Equal(t, int64(1), stats.Delivered)
		assert.Equal(t, int64(1), stats.Failed)
		deactivator.AssertNotCalled(t, "DeactivateByToken", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Poll error keeps tickets pending for the next sweep", func(t *testing.T) {
		resolver := &mockResolver{limit: 1000}
		resolver.On("Receipts", mock.Anything, mock.Anything).Return(nil, errors.New("network down")).Once()
		resolver.On("Receipts", mock.Anything, mock.Anything).Return(map[string]dispatch.Receipt{
			"ticket-1": {Status: dispatch.ReceiptDelivered},
		}, nil).Once()
		tr := newTestTracker(resolver, new(mockDeactivator), Config{})

		tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "tok-1")})
		require.True(t, tr.Sweep(ctx))
		assert.Equal(t, 1, tr.Stats().Pending)

		require.True(t, tr.Sweep(ctx))
		assert.Equal(t, 0, tr.Stats().Pending)
		assert.Equal(t, int64(1), tr.Stats().Delivered)
	})

	t.Run("Unresolved tickets stay pending", func(t *testing.T) {
		resolver := &mockResolver{limit: 1000}
		resolver.On("Receipts", mock.Anything, mock.Anything).Return(map[string]dispatch.Receipt{}, nil)
		tr := newTestTracker(resolver, new(mockDeactivator), Config{})

		tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "tok-1")})
		require.True(t, tr.Sweep(ctx))
		assert.Equal(t, 1, tr.Stats().Pending)
	})

	t.Run("Deactivation error keeps the ticket for retry", func(t *testing.T) {
		resolver := &mockResolver{limit: 1000}
		resolver.On("Receipts", mock.Anything, mock.Anything).Return(map[string]dispatch.Receipt{
			"ticket-1": {Status: dispatch.ReceiptFailed, TokenInvalid: true},
		}, nil)
		deactivator := new(mockDeactivator)
		deactivator.On("DeactivateByToken", mock.Anything, dispatch.ProviderExpo, "tok-1").Return(nil, errors.New("db down"))
		tr := newTestTracker(resolver, deactivator, Config{})

		tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "tok-1")})
		require.True(t, tr.Sweep(ctx))
		assert.Equal(t, 1, tr.Stats().Pending)
	})
}

func TestTracker_Enqueue(t *testing.T) {
	t.Run("Duplicate ticket IDs are tracked once", func(t *testing.T) {
		resolver := &mockResolver{limit: 1000}
		resolver.On("Receipts", mock.Anything, []string{"ticket-1"}).Return(map[string]dispatch.Receipt{}, nil).Once()
		tr := newTestTracker(resolver, new(mockDeactivator), Config{})

		tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "tok-1"), check("ticket-1", "tok-1")})
		tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "tok-1")})
		require.True(t, tr.Sweep(context.Background()))

		assert.Equal(t, 1, tr.Stats().Pending)
		resolver.AssertExpectations(t)
	})

	t.Run("Full queue drops the batch without blocking", func(t *testing.T) {
		tr := newTestTracker(&mockResolver{limit: 1000}, new(mockDeactivator), Config{QueueSize: 1})

		tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "tok-1")})
		tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-2", "tok-2"), check("ticket-3", "tok-3")})

		assert.Equal(t, int64(2), tr.Stats().Dropped)
	})

	t.Run("Polls respect the resolver batch limit", func(t *testing.T) {
		resolver := &mockResolver{limit: 2}
		resolver.On("Receipts", mock.Anything, mock.MatchedBy(func(ids []string) bool {
			return len(ids) <= 2
		})).Return(map[string]dispatch.Receipt{}, nil).Times(3)
		tr := newTestTracker(resolver, new(mockDeactivator), Config{})

		tr.Enqueue([]dispatch.ReceiptCheck{
			check("t1", "a"), check("t2", "b"), check("t3", "c"), check("t4", "d"), check("t5", "e"),
		})
		require.True(t, tr.Sweep(context.Background()))
		resolver.AssertExpectations(t)
	})
}

type blockingResolver struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingResolver) Provider() dispatch.Provider { return dispatch.ProviderExpo }

func (b *blockingResolver) ReceiptBatchLimit() int { return 1000 }

func (b *blockingResolver) Receipts(ctx context.Context, ticketIDs []string) (map[string]dispatch.Receipt, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return map[string]dispatch.Receipt{}, nil
}

func TestTracker_SweepIsSingleFlight(t *testing.T) {
	resolver := &blockingResolver{entered: make(chan struct{}), release: make(chan struct{})}
	tr := newTestTracker(resolver, new(mockDeactivator), Config{})
	tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "tok-1")})

	done := make(chan bool)
	go func() { done <- tr.Sweep(context.Background()) }()

	select {
	case <-resolver.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first sweep never reached the resolver")
	}

	assert.False(t, tr.Sweep(context.Background()), "overlapping sweep must be skipped")

	close(resolver.release)
	assert.True(t, <-done)
}

func TestTracker_StartStop(t *testing.T) {
	resolver := &mockResolver{limit: 1000}
	resolver.On("Receipts", mock.Anything, mock.Anything).Return(map[string]dispatch.Receipt{
		"ticket-1": {Status: dispatch.ReceiptDelivered},
	}, nil)
	tr := newTestTracker(resolver, new(mockDeactivator), Config{SweepInterval: 10 * time.Millisecond})

	tr.Start(context.Background())
	tr.Enqueue([]dispatch.ReceiptCheck{check("ticket-1", "tok-1")})

	require.Eventually(t, func() bool {
		return tr.Stats().Delivered == 1
	}, 2*time.Second, 10*time.Millisecond)

	tr.Stop()
}
