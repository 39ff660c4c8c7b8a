package normalize

import (
	"strings"

	extErrors "github.com/pkg/errors"
	"golang.org/x/text/currency"
)

// Providers report prices at a fixed precision regardless of currency
const (
	scaleMicros = 6 // Google Play priceAmountMicros
	scaleMillis = 3 // App Store price in milliunits
)

// toMinorUnits converts amount, expressed with fromScale decimals, into the minor unit of code.
// It returns the lower-cased currency code alongside.
func toMinorUnits(amount int64, fromScale int, code string) (int64, string, error) {
	if len(code) == 0 {
		return 0, "", nil
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, "", extErrors.Wrapf(err, "Unknown currency %s", code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	lower := strings.ToLower(unit.String())

	diff := fromScale - scale
	if diff <= 0 {
		for ; diff < 0; diff++ {
			amount *= 10
		}
		return amount, lower, nil
	}
	div := int64(1)
	for ; diff > 0; diff-- {
		div *= 10
	}
	// round half away from zero
	q, r := amount/div, amount%div
	if r*2 >= div {
		q++
	} else if r*2 <= -div {
		q--
	}
	return q, lower, nil
}
