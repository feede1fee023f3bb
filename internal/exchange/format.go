package exchange

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// FormatQuantity truncates toward zero so an order never exceeds the held amount
func FormatQuantity(q float64, scale int) string {
	d := decimal.NewFromFloat(q)
	if scale >= 0 {
		d = d.Truncate(int32(scale))
	}
	return d.String()
}

// FormatPrice rounds half away from zero to the symbol price scale
func FormatPrice(p float64, scale int) string {
	d := decimal.NewFromFloat(p)
	if scale >= 0 {
		d = d.Round(int32(scale))
	}
	return d.String()
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
