package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// USD is a fixed-point dollar amount in units of 1/10000 dollar, matching
// the NUMERIC(10,4) columns it is stored in.
type USD int64

const usdScale = 10000

const (
	MaxUSD USD = math.MaxInt64
	MinUSD USD = math.MinInt64
)

// USDFromFloat rounds f to the nearest 1/10000 dollar. Amounts outside the
// int64 range saturate at MaxUSD or MinUSD; NaN maps to zero.
func USDFromFloat(f float64) USD {
	v := math.Round(f * usdScale)
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return MaxUSD
	case v <= math.MinInt64:
		return MinUSD
	}
	return USD(v)
}

func (u USD) Float64() float64 {
	return float64(u) / usdScale
}

// String renders the amount with exactly four decimals ("0.0023").
func (u USD) String() string {
	sign := ""
	v := uint64(u)
	if u < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%04d", sign, v/usdScale, v%usdScale)
}

func (u USD) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(u.Float64(), 'f', -1, 64)), nil
}

func (u *USD) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("usd amount: %w", err)
	}
	*u = USDFromFloat(f)
	return nil
}

// Value stores the amount as its exact decimal text.
func (u USD) Value() (driver.Value, error) {
	return u.String(), nil
}

func (u *USD) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*u = 0
	case int64:
		*u = USD(v * usdScale)
	case float64:
		*u = USDFromFloat(v)
	case []byte:
		return u.Scan(string(v))
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("usd amount %q: %w", v, err)
		}
		*u = USDFromFloat(f)
	default:
		return fmt.Errorf("usd amount: unsupported type %T", src)
	}
	return nil
}
