package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moexbot/internal/core"
	"moexbot/internal/logging"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testLimits() Limits {
	l := DefaultLimits()
	l.MaxDailyLossPct = d(0.1)
	l.StopLossPct = d(0.05)
	l.TakeProfitPct = d(0.02)
	return l
}

func newTestController(t *testing.T, limits Limits, equity float64, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(logging.Nop(), limits, d(equity), opts...)
	require.NoError(t, err)
	return c
}

func TestNewControllerRejectsInvalidLimits(t *testing.T) {
	t.Parallel()
	limits := DefaultLimits()
	limits.StopLossPct = decimal.Zero

	_, err := NewController(logging.Nop(), limits, d(100_000))
	require.Error(t, err)
}

func TestAllowedSizeBasicFormula(t *testing.T) {
	t.Parallel()
	limits := DefaultLimits()
	limits.PerTradeRiskPct = d(0.01)
	limits.StopLossPct = d(0.05)
	limits.MaxPositionPct = d(1.0)
	limits.MaxPortfolioExposurePct = d(1.0)
	c := newTestController(t, limits, 100_000)

	// base = (100000 * 0.01) / (100 * 0.05) = 200 lots
	assert.Equal(t, 200, c.AllowedSize("SBER", d(100)))
}

func TestAllowedSizeRespectsExposureCap(t *testing.T) {
	t.Parallel()
	limits := DefaultLimits()
	limits.PerTradeRiskPct = d(0.5)
	limits.StopLossPct = d(0.05)
	limits.MaxPositionPct = d(1.0)
	limits.MaxPortfolioExposurePct = d(0.2)
	limits.MaxLeverage = d(1.0)
	c := newTestController(t, limits, 10_000)

	lots := c.AllowedSize("SBER", d(100))
	require.Equal(t, 20, lots, "cap is 20%% of equity = 2000 = 20 lots at 100")

	require.True(t, c.RegisterEntry("SBER", d(100), lots, "test"))
	assert.Equal(t, 0, c.AllowedSize("GAZP", d(100)),
		"exposure budget exhausted, second entry must size to zero")
}

func TestExposureCapOfOneIsARealCap(t *testing.T) {
	t.Parallel()
	limits := DefaultLimits()
	limits.PerTradeRiskPct = d(1.0)
	limits.StopLossPct = d(0.05)
	limits.MaxPositionPct = d(1.0)
	limits.MaxPortfolioExposurePct = d(1.0)
	limits.MaxLeverage = d(2.0)
	c := newTestController(t, limits, 10_000)

	lots := c.AllowedSize("SBER", d(100))
	require.Equal(t, 100, lots)
	require.True(t, c.RegisterEntry("SBER", d(100), lots, "test"))

	assert.Equal(t, 0, c.AllowedSize("GAZP", d(100)),
		"a 100%% cap must block further growth once reached")
}

func TestAllowedSizeInstrumentOverrides(t *testing.T) {
	t.Parallel()
	limits := DefaultLimits()
	limits.PerTradeRiskPct = d(0.5)
	limits.StopLossPct = d(0.05)
	limits.MaxPositionPct = d(1.0)
	limits.MaxPortfolioExposurePct = d(1.0)
	limits.Instruments = map[string]InstrumentLimit{
		"SBER": {MaxLots: 7},
		"GAZP": {MaxPositionPct: d(0.01)},
	}
	c := newTestController(t, limits, 100_000)

	assert.Equal(t, 7, c.AllowedSize("SBER", d(100)))
	assert.Equal(t, 10, c.AllowedSize("GAZP", d(100)), "1%% of 100000 at 100 = 10 lots")
}

func TestDailyLossHaltClearsBookAndBlocksEntries(t *testing.T) {
	t.Parallel()
	c := newTestController(t, testLimits(), 1_000_000)
	require.True(t, c.RegisterEntry("SBER", d(250), 100, "test"))

	c.UpdateEquity(d(1_000_000))
	require.False(t, c.Halted())

	c.UpdateEquity(d(850_000))
	assert.True(t, c.Halted())
	assert.Equal(t, 0, c.Ledger().Len(), "halt clears every position")

	// halt idempotence: sizing stays zero regardless of price
	for _, price := range []float64{1, 100, 10_000} {
		assert.Equal(t, 0, c.AllowedSize("SBER", d(price)))
	}
	assert.False(t, c.RegisterEntry("SBER", d(250), 10, "test"))
}

func TestHaltClearsOnNewCalendarDay(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 11, 3, 18, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := newTestController(t, testLimits(), 1_000_000, WithClock(clock))

	c.UpdateEquity(d(850_000))
	require.True(t, c.Halted())

	// still the same day: updates do not clear the halt
	c.UpdateEquity(d(900_000))
	require.True(t, c.Halted())

	mu.Lock()
	now = now.Add(24 * time.Hour)
	mu.Unlock()
	c.UpdateEquity(d(900_000))
	assert.False(t, c.Halted())
	assert.True(t, c.AllowedSize("SBER", d(100)) > 0)
}

func TestRegisterEntryRejections(t *testing.T) {
	t.Parallel()
	limits := testLimits()
	limits.MaxPositions = 1
	limits.AllowShort = false
	c := newTestController(t, limits, 1_000_000)

	assert.False(t, c.RegisterEntry("SBER", d(100), 0, "test"), "zero quantity")
	assert.False(t, c.RegisterEntry("SBER", d(100), -10, "test"), "shorting disabled")

	require.True(t, c.RegisterEntry("SBER", d(100), 10, "test"))
	assert.False(t, c.RegisterEntry("GAZP", d(100), 10, "test"), "max positions reached")
}

func TestRegisterEntryLevelsForShort(t *testing.T) {
	t.Parallel()
	limits := testLimits()
	limits.AllowShort = true
	c := newTestController(t, limits, 1_000_000)

	require.True(t, c.RegisterEntry("SBER", d(100), -10, "test"))
	pos, ok := c.Ledger().Get("SBER")
	require.True(t, ok)
	assert.True(t, pos.StopPrice.Equal(d(105)), "short stop sits above entry")
	assert.True(t, pos.TakeProfit.Equal(d(98)))
	assert.True(t, pos.TrailingStop.Equal(d(105)))
}

func TestCheckExitStopLoss(t *testing.T) {
	t.Parallel()
	c := newTestController(t, testLimits(), 1_000_000)
	require.True(t, c.RegisterEntry("SBER", d(100), 10, "test"))

	assert.True(t, c.CheckExit("SBER", d(94)), "price below 95 stop must exit")
	_, ok := c.Ledger().Get("SBER")
	assert.False(t, ok)
}

func TestCheckExitTakeProfit(t *testing.T) {
	t.Parallel()
	c := newTestController(t, testLimits(), 1_000_000)
	require.True(t, c.RegisterEntry("SBER", d(100), 10, "test"))

	assert.True(t, c.CheckExit("SBER", d(103)), "price above 102 take-profit must exit")
}

func TestTrailingStopMonotonicity(t *testing.T) {
	t.Parallel()
	limits := testLimits()
	limits.TakeProfitPct = d(0.5)
	c := newTestController(t, limits, 1_000_000)
	require.True(t, c.RegisterEntry("SBER", d(100), 10, "test"))

	prev := decimal.Zero
	for _, price := range []float64{100, 101, 101, 103, 110, 120} {
		require.False(t, c.CheckExit("SBER", d(price)))
		pos, ok := c.Ledger().Get("SBER")
		require.True(t, ok)
		assert.True(t, pos.TrailingStop.GreaterThanOrEqual(prev),
			"trailing stop regressed at price %v", price)
		prev = pos.TrailingStop
	}

	// a ratcheted stop locks in gains: falling back to entry now exits
	assert.True(t, c.CheckExit("SBER", d(100)))
}

func TestCheckExitShortRatchetsDown(t *testing.T) {
	t.Parallel()
	limits := testLimits()
	limits.AllowShort = true
	limits.TakeProfitPct = d(0.5)
	c := newTestController(t, limits, 1_000_000)
	require.True(t, c.RegisterEntry("SBER", d(100), -10, "test"))

	require.False(t, c.CheckExit("SBER", d(90)))
	pos, _ := c.Ledger().Get("SBER")
	assert.True(t, pos.TrailingStop.Equal(d(94.5)), "trailing=%s", pos.TrailingStop)

	require.False(t, c.CheckExit("SBER", d(92)))
	pos, _ = c.Ledger().Get("SBER")
	assert.True(t, pos.TrailingStop.Equal(d(94.5)), "short trailing must not move up")

	assert.True(t, c.CheckExit("SBER", d(95)), "price through the stop exits the short")
}

func TestSizeAndRegisterClosesCheckThenActRace(t *testing.T) {
	t.Parallel()
	limits := DefaultLimits()
	limits.PerTradeRiskPct = d(1.0)
	limits.StopLossPct = d(0.05)
	limits.MaxPositionPct = d(1.0)
	limits.MaxPortfolioExposurePct = d(0.5)
	limits.MaxLeverage = d(1.0)
	limits.MaxPositions = 100
	c := newTestController(t, limits, 100_000)

	symbols := []string{"SBER", "GAZP", "LKOH", "ROSN", "VTBR", "NVTK", "TATN", "MGNT"}
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			c.SizeAndRegister(symbol, d(100), core.SideBuy, "race")
		}(symbol)
	}
	wg.Wait()

	limit := d(100_000).Mul(d(0.5))
	assert.True(t, c.Ledger().GrossExposure().LessThanOrEqual(limit),
		"gross %s exceeds cap %s", c.Ledger().GrossExposure(), limit)
}

func TestReconcileFill(t *testing.T) {
	t.Parallel()
	c := newTestController(t, testLimits(), 1_000_000)
	require.True(t, c.RegisterEntry("SBER", d(100), 10, "test"))

	c.ReconcileFill("SBER", 4)
	pos, ok := c.Ledger().Get("SBER")
	require.True(t, ok)
	assert.Equal(t, 4, pos.Quantity)

	c.ReconcileFill("SBER", 0)
	_, ok = c.Ledger().Get("SBER")
	assert.False(t, ok, "zero fill releases the reservation")
}

func TestDrawdownAlertDoesNotClosePositions(t *testing.T) {
	t.Parallel()
	limits := testLimits()
	limits.MaxDrawdownPct = d(0.2)
	limits.MaxDailyLossPct = d(0.9)
	c := newTestController(t, limits, 1_000_000)
	require.True(t, c.RegisterEntry("SBER", d(100), 10, "test"))

	c.UpdateEquity(d(1_000_000))
	c.UpdateEquity(d(700_000))

	assert.False(t, c.Halted(), "drawdown alone never halts")
	assert.Equal(t, 1, c.Ledger().Len(), "drawdown alone never closes positions")
}

func TestSessionSummary(t *testing.T) {
	t.Parallel()
	c := newTestController(t, testLimits(), 1_000_000)
	require.True(t, c.RegisterEntry("SBER", d(100), 10, "test"))
	c.UpdateEquity(d(1_050_000))

	s := c.SessionSummary()
	assert.True(t, s.Equity.Equal(d(1_050_000)))
	assert.True(t, s.DailyPnL.Equal(d(50_000)))
	assert.Equal(t, 1, s.OpenPositions)
	assert.False(t, s.Halted)
}
