package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestIsTradingDay(t *testing.T) {
	tests := []struct {
		name  string
		t     time.Time
		class AssetClass
		want  bool
	}{
		{"crypto_saturday", date(2025, time.January, 4), Crypto, true},
		{"crypto_christmas", date(2025, time.December, 25), Crypto, true},
		{"stock_weekday", date(2025, time.January, 6), Stock, true},
		{"stock_saturday", date(2025, time.January, 4), Stock, false},
		{"stock_sunday", date(2025, time.January, 5), Stock, false},
		{"stock_new_years", date(2025, time.January, 1), Stock, false},
		{"stock_thanksgiving", date(2025, time.November, 27), Stock, false},
		{"etf_good_friday", date(2025, time.April, 18), ETF, false},
		{"etf_regular_friday", date(2025, time.April, 11), ETF, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTradingDay(tt.t, tt.class))
		})
	}
}

func TestExpectedDates_EquityWeek(t *testing.T) {
	// 2025-01-02 (Thu) through 2025-01-10 (Fri): the weekend 01-04/01-05
	// drops out, leaving seven trading days.
	dates := ExpectedDates(date(2025, time.January, 2), date(2025, time.January, 10), Stock)
	require.Len(t, dates, 7)
	assert.Equal(t, date(2025, time.January, 2), dates[0])
	assert.Equal(t, date(2025, time.January, 3), dates[1])
	assert.Equal(t, date(2025, time.January, 6), dates[2]) // Monday, weekend skipped
	assert.Equal(t, date(2025, time.January, 10), dates[6])
}

func TestExpectedDates_CryptoIncludesEveryDate(t *testing.T) {
	dates := ExpectedDates(date(2025, time.January, 2), date(2025, time.January, 10), Crypto)
	assert.Len(t, dates, 9)
}

func TestNextTradingDay_SkipsWeekendAndHoliday(t *testing.T) {
	// Friday 2025-04-17 precedes Good Friday; next equity session is Monday.
	next := NextTradingDay(date(2025, time.April, 17), Stock)
	assert.Equal(t, date(2025, time.April, 21), next)

	// Crypto never skips.
	assert.Equal(t, date(2025, time.April, 18), NextTradingDay(date(2025, time.April, 17), Crypto))
}

func TestIsMondayOpen(t *testing.T) {
	friday := date(2025, time.January, 3)
	monday := date(2025, time.January, 6)
	tuesday := date(2025, time.January, 7)

	assert.True(t, IsMondayOpen(monday, friday, Stock))
	assert.False(t, IsMondayOpen(tuesday, monday, Stock))
	assert.False(t, IsMondayOpen(monday, friday, Crypto))
}

func TestValidAssetClass(t *testing.T) {
	assert.True(t, ValidAssetClass("stock"))
	assert.True(t, ValidAssetClass("crypto"))
	assert.True(t, ValidAssetClass("etf"))
	assert.False(t, ValidAssetClass("bond"))
	assert.False(t, ValidAssetClass(""))
}
