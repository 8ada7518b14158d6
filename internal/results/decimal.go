package results

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

var decimalContext = apd.BaseContext.WithPrecision(34)

// Decimal is an exact base-10 amount used for money ratios.
type Decimal struct {
	value apd.Decimal
}

func NewDecimalFromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{value: d}
}

// Div returns d/other with trailing zeros removed. Division by zero yields 0.
func (d Decimal) Div(other Decimal) Decimal {
	if other.value.IsZero() {
		return Decimal{}
	}
	var result apd.Decimal
	decimalContext.Quo(&result, &d.value, &other.value)
	result.Reduce(&result)
	return Decimal{value: result}
}

func (d Decimal) String() string {
	return d.value.Text('f')
}

func (d Decimal) Float64() float64 {
	f, err := d.value.Float64()
	if err != nil {
		return 0
	}
	return f
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", d.String())), nil
}

// ARPU is revenue per impression in minor currency units, 0 without
// impressions.
func ARPU(revenueCents, impressions int64) Decimal {
	if impressions <= 0 || revenueCents == 0 {
		return Decimal{}
	}
	return NewDecimalFromInt64(revenueCents).Div(NewDecimalFromInt64(impressions))
}
