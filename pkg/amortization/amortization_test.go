package amortization

import (
	"testing"
	"time"

	"github.com/mcclellann/creditline/pkg/money"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sumEntries(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

func TestComputeSchedule_ZeroRate(t *testing.T) {
	schedule, err := ComputeSchedule(dec("1200.00"), decimal.Zero, 12, start)
	require.NoError(t, err)

	assert.True(t, schedule.MonthlyInstallment.Equal(dec("100.00")), "monthly %s", schedule.MonthlyInstallment)
	require.Len(t, schedule.Entries, 12)
	for i, e := range schedule.Entries {
		assert.Equal(t, i+1, e.SequenceNumber)
		assert.True(t, e.Amount.Equal(dec("100.00")), "installment %d amount %s", e.SequenceNumber, e.Amount)
		assert.Equal(t, start.AddDate(0, 0, 30*(i+1)), e.DueDate)
	}
	assert.Equal(t, start.AddDate(0, 0, 360), schedule.Entries[11].DueDate)
	assert.True(t, sumEntries(schedule.Entries).Equal(dec("1200.00")))
}

func TestComputeSchedule_ZeroRateUneven(t *testing.T) {
	schedule, err := ComputeSchedule(dec("100.00"), decimal.Zero, 3, start)
	require.NoError(t, err)

	assert.True(t, schedule.MonthlyInstallment.Equal(dec("33.33")))
	assert.True(t, schedule.Entries[0].Amount.Equal(dec("33.33")))
	assert.True(t, schedule.Entries[1].Amount.Equal(dec("33.33")))
	assert.True(t, schedule.Entries[2].Amount.Equal(dec("33.34")))
	assert.True(t, sumEntries(schedule.Entries).Equal(dec("100.00")))
}

func TestComputeSchedule_TwelvePercent(t *testing.T) {
	schedule, err := ComputeSchedule(dec("1000.00"), dec("12"), 12, start)
	require.NoError(t, err)

	assert.True(t, schedule.MonthlyInstallment.Equal(dec("88.85")), "monthly %s", schedule.MonthlyInstallment)
	assert.True(t, schedule.Total.Equal(dec("1066.19")), "total %s", schedule.Total)
	for _, e := range schedule.Entries[:11] {
		assert.True(t, e.Amount.Equal(dec("88.85")))
	}
	assert.True(t, schedule.Entries[11].Amount.Equal(dec("88.84")), "last %s", schedule.Entries[11].Amount)

	sum := sumEntries(schedule.Entries)
	assert.True(t, sum.Equal(schedule.Total))
	diff := sum.Sub(schedule.MonthlyInstallment.Mul(decimal.NewFromInt(12))).Abs()
	assert.True(t, diff.LessThanOrEqual(money.Cent), "sum %s drifts from monthly x term", sum)
}

func TestComputeSchedule_SumMatchesExactTotal(t *testing.T) {
	cases := []struct {
		principal string
		rate      string
		term      int
	}{
		{"999.99", "10", 12},
		{"250.00", "18.50", 6},
		{"5000.00", "7.25", 36},
		{"73.10", "0", 7},
		{"12345.67", "24", 24},
		{"800.00", "10", 1},
	}

	for _, c := range cases {
		schedule, err := ComputeSchedule(dec(c.principal), dec(c.rate), c.term, start)
		require.NoError(t, err)
		require.Len(t, schedule.Entries, c.term)

		n := decimal.NewFromInt(int64(c.term))
		exact, err := MonthlyInstallment(dec(c.principal), dec(c.rate), c.term)
		require.NoError(t, err)

		sum := sumEntries(schedule.Entries)
		assert.True(t, sum.Equal(money.Round(exact.Mul(n))), "%s@%s%%/%d: sum %s", c.principal, c.rate, c.term, sum)

		// each rounded instalment is off by at most half a cent
		drift := sum.Sub(schedule.MonthlyInstallment.Mul(n)).Abs()
		assert.True(t, drift.LessThanOrEqual(money.Cent.Mul(n).Div(decimal.NewFromInt(2)).Add(money.Cent)), "%s@%s%%/%d: drift %s", c.principal, c.rate, c.term, drift)
	}
}

func TestComputeSchedule_SumDriftsFromMonthlyTimesTerm(t *testing.T) {
	schedule, err := ComputeSchedule(dec("1000.00"), decimal.Zero, 7, start)
	require.NoError(t, err)
	require.Len(t, schedule.Entries, 7)

	assert.True(t, schedule.MonthlyInstallment.Equal(dec("142.86")), "monthly %s", schedule.MonthlyInstallment)
	for _, e := range schedule.Entries[:6] {
		assert.True(t, e.Amount.Equal(dec("142.86")), "installment %d amount %s", e.SequenceNumber, e.Amount)
	}
	assert.True(t, schedule.Entries[6].Amount.Equal(dec("142.84")), "last %s", schedule.Entries[6].Amount)

	sum := sumEntries(schedule.Entries)
	assert.True(t, sum.Equal(dec("1000.00")), "sum %s", sum)
	drift := schedule.MonthlyInstallment.Mul(decimal.NewFromInt(7)).Sub(sum)
	assert.True(t, drift.Equal(dec("0.02")), "drift %s", drift)
}

func TestComputeSchedule_SingleMonth(t *testing.T) {
	schedule, err := ComputeSchedule(dec("800.00"), dec("12"), 1, start)
	require.NoError(t, err)
	require.Len(t, schedule.Entries, 1)
	assert.True(t, schedule.Entries[0].Amount.Equal(dec("808.00")), "amount %s", schedule.Entries[0].Amount)
}

func TestComputeSchedule_InvalidInput(t *testing.T) {
	_, err := ComputeSchedule(dec("100"), dec("10"), 0, start)
	assert.ErrorIs(t, err, ErrInvalidTerm)

	_, err = ComputeSchedule(dec("100"), dec("-1"), 12, start)
	assert.ErrorIs(t, err, money.ErrInvalidRate)

	_, err = ComputeSchedule(decimal.Zero, dec("10"), 12, start)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	_, err = ComputeSchedule(dec("0.10"), decimal.Zero, 12, start)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
}

func TestMonthlyRate(t *testing.T) {
	assert.True(t, MonthlyRate(dec("12")).Equal(dec("0.01")))
	assert.True(t, MonthlyRate(decimal.Zero).IsZero())
}
