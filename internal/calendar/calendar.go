// Package calendar answers one question for the gap detector: which
// dates inside a range should carry candles for a given asset class.
// Crypto trades around the clock; equities and ETFs follow the US
// exchange calendar (weekdays minus market holidays).
package calendar

import "time"

// AssetClass mirrors the registry's asset_class column.
type AssetClass string

const (
	Stock  AssetClass = "stock"
	Crypto AssetClass = "crypto"
	ETF    AssetClass = "etf"
)

// ValidAssetClass reports whether s is a recognized asset class.
func ValidAssetClass(s string) bool {
	switch AssetClass(s) {
	case Stock, Crypto, ETF:
		return true
	}
	return false
}

// IsTradingDay reports whether candles are expected on the given date.
// The time-of-day component of t is ignored; dates are evaluated in UTC.
func IsTradingDay(t time.Time, class AssetClass) bool {
	if class == Crypto {
		return true
	}
	d := t.UTC()
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !isMarketHoliday(d)
}

// ExpectedDates returns every date in [start, end] (inclusive, truncated
// to midnight UTC) on which the asset class trades.
func ExpectedDates(start, end time.Time, class AssetClass) []time.Time {
	var out []time.Time
	for d := midnight(start); !d.After(midnight(end)); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d, class) {
			out = append(out, d)
		}
	}
	return out
}

// NextTradingDay returns the first trading day strictly after t.
func NextTradingDay(t time.Time, class AssetClass) time.Time {
	d := midnight(t).AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // longest US closure run is far shorter
		if IsTradingDay(d, class) {
			return d
		}
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// IsMondayOpen reports whether t falls on the first trading day after a
// market closure of at least two calendar days (the usual Monday, or the
// Tuesday after a long weekend). The validator tolerates larger opening
// gaps on such days.
func IsMondayOpen(t time.Time, prev time.Time, class AssetClass) bool {
	if class == Crypto {
		return false
	}
	return midnight(t).Sub(midnight(prev)) >= 48*time.Hour
}

func midnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
