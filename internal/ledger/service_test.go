package ledger

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-bonus-bot/internal/database"
)

func lot(id int64, amount string, expiresInDays int) database.Bonus {
	var exp *time.Time
	if expiresInDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, expiresInDays)
		exp = &t
	}
	return database.Bonus{
		ID:        id,
		UserID:    1,
		Amount:    decimal.RequireFromString(amount),
		Type:      database.BonusTypePurchase,
		ExpiresAt: exp,
	}
}

func TestPlanConsumptionSingleLot(t *testing.T) {
	lots := []database.Bonus{lot(1, "100.00", 10)}

	plan, err := PlanConsumption(lots, decimal.RequireFromString("40.00"))
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, int64(1), plan[0].BonusID)
	assert.True(t, plan[0].Take.Equal(decimal.RequireFromString("40.00")))
	assert.False(t, plan[0].FullyUsed)
}

func TestPlanConsumptionSpansLots(t *testing.T) {
	// лоты уже в FIFO-порядке: раньше сгорает — раньше тратится
	lots := []database.Bonus{
		lot(1, "30.00", 5),
		lot(2, "50.00", 10),
		lot(3, "100.00", 0),
	}

	plan, err := PlanConsumption(lots, decimal.RequireFromString("90.00"))
	require.NoError(t, err)
	require.Len(t, plan, 3)

	assert.Equal(t, int64(1), plan[0].BonusID)
	assert.True(t, plan[0].Take.Equal(decimal.RequireFromString("30.00")))
	assert.True(t, plan[0].FullyUsed)

	assert.Equal(t, int64(2), plan[1].BonusID)
	assert.True(t, plan[1].Take.Equal(decimal.RequireFromString("50.00")))
	assert.True(t, plan[1].FullyUsed)

	assert.Equal(t, int64(3), plan[2].BonusID)
	assert.True(t, plan[2].Take.Equal(decimal.RequireFromString("10.00")))
	assert.False(t, plan[2].FullyUsed)
}

func TestPlanConsumptionExactDrain(t *testing.T) {
	lots := []database.Bonus{lot(1, "25.50", 5), lot(2, "74.50", 10)}

	plan, err := PlanConsumption(lots, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.True(t, plan[0].FullyUsed)
	assert.True(t, plan[1].FullyUsed)
}

func TestPlanConsumptionInsufficient(t *testing.T) {
	lots := []database.Bonus{lot(1, "10.00", 5)}

	_, err := PlanConsumption(lots, decimal.RequireFromString("10.01"))
	assert.ErrorIs(t, err, ErrInsufficientBonuses)

	_, err = PlanConsumption(nil, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInsufficientBonuses)
}

func TestPlanConsumptionConserves(t *testing.T) {
	f := func(a, b, c uint16, spend uint16) bool {
		lots := []database.Bonus{
			{ID: 1, Amount: decimal.New(int64(a), -2)},
			{ID: 2, Amount: decimal.New(int64(b), -2)},
			{ID: 3, Amount: decimal.New(int64(c), -2)},
		}
		amount := decimal.New(int64(spend), -2)

		plan, err := PlanConsumption(lots, amount)
		total := decimal.New(int64(a)+int64(b)+int64(c), -2)
		if total.LessThan(amount) {
			return err == ErrInsufficientBonuses
		}
		if err != nil {
			return false
		}

		taken := decimal.Zero
		for _, step := range plan {
			if step.Take.IsNegative() {
				return false
			}
			taken = taken.Add(step.Take)
		}
		return taken.Equal(amount)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPlanPurchaseAppliesLevelPercent(t *testing.T) {
	lvl := &database.BonusLevel{Name: "Серебро", BonusPercent: money("7")}

	plan := PlanPurchase(false, money("1000.00"), money("200.00"), money("5"), lvl)
	require.NotNil(t, plan)
	assert.True(t, plan.NewTotal.Equal(money("1200.00")))
	assert.True(t, plan.Percent.Equal(money("7")))
	require.NotNil(t, plan.LevelName)
	assert.Equal(t, "Серебро", *plan.LevelName)
	assert.True(t, plan.BonusAmount.Equal(money("14.00")))
}

func TestPlanPurchaseDefaultPercentWithoutLevel(t *testing.T) {
	plan := PlanPurchase(false, decimal.Zero, money("99.99"), money("5"), nil)
	require.NotNil(t, plan)
	assert.Nil(t, plan.LevelName)
	assert.True(t, plan.Percent.Equal(money("5")))
	// 4.9995 округляется от нуля
	assert.True(t, plan.BonusAmount.Equal(money("5.00")))
}

func TestPlanPurchaseReplayedOrder(t *testing.T) {
	// уже учтённый заказ: ни начисления, ни роста оборота
	plan := PlanPurchase(true, money("1000.00"), money("200.00"), money("5"), nil)
	assert.Nil(t, plan)
}

func TestPlanPurchaseZeroBonusStillGrowsTotals(t *testing.T) {
	// 0.09 под 5% округляется в ноль, но оборот по заказу растёт
	plan := PlanPurchase(false, decimal.Zero, money("0.09"), money("5"), nil)
	require.NotNil(t, plan)
	assert.True(t, plan.BonusAmount.IsZero())
	assert.True(t, plan.NewTotal.Equal(money("0.09")))

	// нулевой процент проекта без уровней
	plan = PlanPurchase(false, money("10.00"), money("50.00"), decimal.Zero, nil)
	require.NotNil(t, plan)
	assert.True(t, plan.BonusAmount.IsZero())
	assert.True(t, plan.NewTotal.Equal(money("60.00")))
}

func TestPlanPurchaseRoundsHalfAway(t *testing.T) {
	// 10.10 * 5% = 0.505 → 0.51
	plan := PlanPurchase(false, decimal.Zero, money("10.10"), money("5"), nil)
	require.NotNil(t, plan)
	assert.True(t, plan.BonusAmount.Equal(money("0.51")))
}

func TestRound2HalfAway(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10.004", "10"},
		{"10.005", "10.01"},
		{"10.015", "10.02"},
		{"-10.005", "-10.01"},
		{"0.004999", "0"},
		{"99.999", "100"},
	}
	for _, c := range cases {
		got := round2HalfAway(decimal.RequireFromString(c.in))
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("round2HalfAway(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}
