package level

import (
	"testing"
	"testing/quick"

	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/internal/database"
)

func makeLevels() []database.BonusLevel {
	bronzeMax := decimal.RequireFromString("9999.99")
	silverMax := decimal.RequireFromString("49999.99")
	return []database.BonusLevel{
		{Name: "Бронзовый", MinAmount: decimal.Zero, MaxAmount: &bronzeMax, BonusPercent: decimal.NewFromInt(5), OrderNum: 1, IsActive: true},
		{Name: "Серебряный", MinAmount: decimal.NewFromInt(10000), MaxAmount: &silverMax, BonusPercent: decimal.NewFromInt(7), OrderNum: 2, IsActive: true},
		{Name: "Золотой", MinAmount: decimal.NewFromInt(50000), BonusPercent: decimal.NewFromInt(10), OrderNum: 3, IsActive: true},
	}
}

func TestPickLevel(t *testing.T) {
	levels := makeLevels()

	cases := []struct {
		total string
		want  string
	}{
		{"0", "Бронзовый"},
		{"9999.99", "Бронзовый"},
		{"10000", "Серебряный"},
		{"49999.99", "Серебряный"},
		{"50000", "Золотой"},
		{"1000000", "Золотой"},
	}
	for _, c := range cases {
		got := PickLevel(levels, decimal.RequireFromString(c.total))
		if got == nil {
			t.Fatalf("PickLevel(%s) = nil, want %s", c.total, c.want)
		}
		if got.Name != c.want {
			t.Errorf("PickLevel(%s) = %s, want %s", c.total, got.Name, c.want)
		}
	}
}

func TestPickLevelNoMatch(t *testing.T) {
	min := decimal.NewFromInt(100)
	levels := []database.BonusLevel{
		{Name: "Только с сотни", MinAmount: min, OrderNum: 1, IsActive: true},
	}
	if got := PickLevel(levels, decimal.NewFromInt(50)); got != nil {
		t.Errorf("expected nil level for total below all ranges, got %s", got.Name)
	}
}

func TestPickLevelAlwaysContains(t *testing.T) {
	levels := makeLevels()
	f := func(kopecks uint32) bool {
		total := decimal.New(int64(kopecks), -2)
		lvl := PickLevel(levels, total)
		if lvl == nil {
			return false
		}
		if total.LessThan(lvl.MinAmount) {
			return false
		}
		if lvl.MaxAmount != nil && total.GreaterThan(*lvl.MaxAmount) {
			return false
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestRangesOverlap(t *testing.T) {
	max500 := decimal.NewFromInt(500)
	max1000 := decimal.NewFromInt(1000)

	a := &database.BonusLevel{MinAmount: decimal.Zero, MaxAmount: &max500}
	b := &database.BonusLevel{MinAmount: decimal.NewFromInt(501), MaxAmount: &max1000}
	if rangesOverlap(a, b) {
		t.Error("disjoint ranges reported as overlapping")
	}

	c := &database.BonusLevel{MinAmount: decimal.NewFromInt(400), MaxAmount: &max1000}
	if !rangesOverlap(a, c) {
		t.Error("intersecting ranges not detected")
	}

	open := &database.BonusLevel{MinAmount: decimal.NewFromInt(300)}
	if !rangesOverlap(a, open) {
		t.Error("open-ended range starting inside [0,500] must overlap")
	}
	if rangesOverlap(b, &database.BonusLevel{MinAmount: decimal.NewFromInt(2000)}) {
		t.Error("open-ended range above closed range must not overlap")
	}
}

func TestClampPercent(t *testing.T) {
	if !clampPercent(decimal.NewFromInt(-5)).IsZero() {
		t.Error("negative percent must clamp to 0")
	}
	if !clampPercent(decimal.NewFromInt(150)).Equal(decimal.NewFromInt(100)) {
		t.Error("percent above 100 must clamp to 100")
	}
	if !clampPercent(decimal.NewFromInt(42)).Equal(decimal.NewFromInt(42)) {
		t.Error("in-range percent must pass through")
	}
}
