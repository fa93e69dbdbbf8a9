package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moexbot/internal/core"
	"moexbot/internal/logging"
	"moexbot/internal/mock"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestSubmitSkipsNonPositiveLots(t *testing.T) {
	t.Parallel()
	b := mock.NewScriptedBroker()
	g := New(logging.Nop(), b)

	for _, lots := range []int{0, -5} {
		outcome, err := g.Submit(context.Background(), core.SideBuy, "SBER", lots, d(100))
		require.NoError(t, err)
		assert.Equal(t, core.StatusSkipped, outcome.Status)
	}
	assert.Empty(t, b.Calls(), "skipped submissions never reach the broker")
}

func TestSubmitAppliesSlippage(t *testing.T) {
	t.Parallel()
	b := mock.NewScriptedBroker()
	g := New(logging.Nop(), b, WithSlippageBps(d(10)))

	_, err := g.Submit(context.Background(), core.SideBuy, "SBER", 5, d(100))
	require.NoError(t, err)
	_, err = g.Submit(context.Background(), core.SideSell, "SBER", 5, d(100))
	require.NoError(t, err)

	calls := b.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Price.Equal(d(100.1)), "buy pushed up, got %s", calls[0].Price)
	assert.True(t, calls[1].Price.Equal(d(99.9)), "sell pushed down, got %s", calls[1].Price)
}

func TestSubmitRetriesTransportFailure(t *testing.T) {
	t.Parallel()
	b := mock.NewScriptedBroker(
		mock.ScriptedResult{Err: errors.New("connection reset")},
		mock.ScriptedResult{Outcome: core.OrderOutcome{Status: core.StatusAccepted, LotsExecuted: 5}},
	)
	jrnl := &mock.MemoryJournal{}
	g := New(logging.Nop(), b, WithJournal(jrnl), WithMaxRetries(3))

	outcome, err := g.Submit(context.Background(), core.SideBuy, "SBER", 5, d(100))
	require.NoError(t, err)
	assert.Equal(t, core.StatusAccepted, outcome.Status)
	assert.Equal(t, 5, outcome.LotsExecuted)
	assert.Len(t, b.Calls(), 2)
	assert.Len(t, jrnl.Entries(), 2, "every attempt gets a journal record")
}

func TestSubmitRetriesBusinessRejectionBounded(t *testing.T) {
	t.Parallel()
	b := mock.NewScriptedBroker(
		mock.ScriptedResult{Outcome: core.OrderOutcome{Status: core.StatusRejected, Message: "not enough margin"}},
	)
	g := New(logging.Nop(), b, WithMaxRetries(2))

	outcome, err := g.Submit(context.Background(), core.SideBuy, "SBER", 5, d(100))
	require.NoError(t, err, "a rejection is a failed outcome, not a transport error")
	assert.Equal(t, core.StatusRejected, outcome.Status)
	assert.Equal(t, 0, outcome.LotsExecuted)
	assert.Len(t, b.Calls(), 3, "initial attempt plus two retries")
}

func TestSubmitReturnsErrorWhenTransportExhausts(t *testing.T) {
	t.Parallel()
	b := mock.NewScriptedBroker(mock.ScriptedResult{Err: errors.New("timeout")})
	g := New(logging.Nop(), b, WithMaxRetries(1))

	_, err := g.Submit(context.Background(), core.SideBuy, "SBER", 5, d(100))
	require.Error(t, err)
	assert.Len(t, b.Calls(), 2)
}

func TestOrderIDsAreUnique(t *testing.T) {
	t.Parallel()
	b := mock.NewScriptedBroker()
	jrnl := &mock.MemoryJournal{}
	g := New(logging.Nop(), b, WithJournal(jrnl), WithRateLimit(10_000, 100))

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		outcome, err := g.Submit(context.Background(), core.SideBuy, "SBER", 5, d(100))
		require.NoError(t, err)
		require.NotEmpty(t, outcome.OrderID)
		assert.False(t, seen[outcome.OrderID], "duplicate order id %s", outcome.OrderID)
		seen[outcome.OrderID] = true
	}
}

func TestOrderIDShape(t *testing.T) {
	t.Parallel()
	b := mock.NewScriptedBroker()
	g := New(logging.Nop(), b)

	outcome, err := g.Submit(context.Background(), core.SideSell, "sber", 7, d(100))
	require.NoError(t, err)
	assert.Regexp(t, `^sell-sber-7-[0-9a-f]{8}$`, outcome.OrderID)
}

func TestCancelAllSwallowsBrokerErrors(t *testing.T) {
	t.Parallel()
	b := mock.NewScriptedBroker()
	g := New(logging.Nop(), b)

	require.NoError(t, g.CancelAll(context.Background()))
	assert.Equal(t, 1, b.CancelCalls())
}

func TestIsRejection(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRejection("rejected"))
	assert.True(t, IsRejection("ORDER_CANCELLED"))
	assert.True(t, IsRejection("internal error"))
	assert.False(t, IsRejection("accepted"))
	assert.False(t, IsRejection("simulated"))
	assert.False(t, IsRejection(""))
}

func TestBackoffIsCappedLinear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// attempts 1..3 map to 0.5s, 1.0s, capped at 2.0s for attempt 5
	assert.NoError(t, sleepBackoff(ctx, 1))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, sleepBackoff(cancelled, 10))
}
