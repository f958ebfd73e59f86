// Package conversion maps a deposited token amount on one network to the payout amount on another.
//
// Rates are exact rationals and results are rounded down to whole token units, so the
// bridge never pays out more than the exact converted value.
package conversion

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrNoRoute        = errors.New("no conversion route")
	ErrAmbiguousRoute = errors.New("network appears in more than one route")
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrInvalidRate    = errors.New("rate must be a positive decimal")
)

// Route pays deposits on From out on To at Rate, and deposits on To out on From at 1/Rate.
type Route struct {
	From string
	To   string
	Rate *big.Rat
}

// Rule is immutable after construction and safe for concurrent use.
type Rule struct {
	ratios   map[pair]*big.Rat
	dest     map[string]string
	decimals map[string]uint8
}

type pair struct{ src, dst string }

// ParseRate reads a decimal string such as "1.085" into an exact rational.
func ParseRate(s string) (*big.Rat, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}
	return d.Rat(), nil
}

// NewRule builds the rule. decimals maps network name to token decimals; networks missing
// from it are treated as having equal decimals on both sides.
func NewRule(routes []Route, decimals map[string]uint8) (*Rule, error) {
	r := &Rule{
		ratios:   make(map[pair]*big.Rat, 2*len(routes)),
		dest:     make(map[string]string, 2*len(routes)),
		decimals: make(map[string]uint8, len(decimals)),
	}
	for k, v := range decimals {
		r.decimals[k] = v
	}
	for _, route := range routes {
		if route.From == "" || route.To == "" || route.From == route.To {
			return nil, fmt.Errorf("invalid route %q -> %q", route.From, route.To)
		}
		if route.Rate == nil || route.Rate.Sign() <= 0 {
			return nil, fmt.Errorf("route %s -> %s: %w", route.From, route.To, ErrInvalidRate)
		}
		for _, n := range []string{route.From, route.To} {
			if _, dup := r.dest[n]; dup {
				return nil, fmt.Errorf("%w: %s", ErrAmbiguousRoute, n)
			}
		}
		r.dest[route.From] = route.To
		r.dest[route.To] = route.From

		forward := new(big.Rat).Set(route.Rate)
		r.ratios[pair{route.From, route.To}] = r.scale(forward, route.From, route.To)
		inverse := new(big.Rat).Inv(route.Rate)
		r.ratios[pair{route.To, route.From}] = r.scale(inverse, route.To, route.From)
	}
	return r, nil
}

// Destination returns the payout network for deposits made on source.
func (r *Rule) Destination(source string) (string, bool) {
	d, ok := r.dest[source]
	return d, ok
}

// Ratio is the exact payout units per deposited unit, decimals included.
func (r *Rule) Ratio(source, destination string) (*big.Rat, error) {
	ratio, ok := r.ratios[pair{source, destination}]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoRoute, source, destination)
	}
	return new(big.Rat).Set(ratio), nil
}

// Convert returns floor(amount * ratio).
func (r *Rule) Convert(source, destination string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	ratio, ok := r.ratios[pair{source, destination}]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoRoute, source, destination)
	}
	num := new(big.Int).Mul(amount, ratio.Num())
	return num.Quo(num, ratio.Denom()), nil
}

func (r *Rule) scale(ratio *big.Rat, src, dst string) *big.Rat {
	srcDec, okSrc := r.decimals[src]
	dstDec, okDst := r.decimals[dst]
	if !okSrc || !okDst || srcDec == dstDec {
		return ratio
	}
	diff := int64(dstDec) - int64(srcDec)
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(abs(diff)), nil)
	if diff > 0 {
		return ratio.Mul(ratio, new(big.Rat).SetInt(factor))
	}
	return ratio.Quo(ratio, new(big.Rat).SetInt(factor))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
