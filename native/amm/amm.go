package amm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Decimals is the fixed-point precision shared by both pool tokens.
const Decimals = 18

var (
	// ErrInvalidQuoteInput is returned for non-positive amounts, empty reserves or
	// requests that would drain the opposing reserve.
	ErrInvalidQuoteInput = errors.New("amm: invalid quote input")
	// ErrOverflow indicates an intermediate product exceeded 256 bits.
	ErrOverflow = errors.New("amm: arithmetic overflow")
)

var unit = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))

// AmountOut returns the amount of the output token released by the pool when
// amountIn of the input token is supplied, holding reserveIn*reserveOut
// constant. The result is rounded down so the pool never releases more than
// the curve allows.
func AmountOut(reserveIn, reserveOut, amountIn *big.Int) (*big.Int, error) {
	rin, rout, x, err := operands(reserveIn, reserveOut, amountIn)
	if err != nil {
		return nil, err
	}
	// reserveOut - k/(reserveIn+x) == reserveOut*x/(reserveIn+x)
	denom, overflow := new(uint256.Int).AddOverflow(rin, x)
	if overflow {
		return nil, ErrOverflow
	}
	out, overflow := new(uint256.Int).MulDivOverflow(rout, x, denom)
	if overflow {
		return nil, ErrOverflow
	}
	if out.Cmp(rout) >= 0 {
		return nil, fmt.Errorf("%w: output exhausts reserve", ErrInvalidQuoteInput)
	}
	return out.ToBig(), nil
}

// AmountIn returns the amount of the input token a trader must supply to
// receive exactly amountOut of the output token. The result is rounded up so
// the pool invariant never decreases.
func AmountIn(reserveIn, reserveOut, amountOut *big.Int) (*big.Int, error) {
	rin, rout, y, err := operands(reserveIn, reserveOut, amountOut)
	if err != nil {
		return nil, err
	}
	if y.Cmp(rout) >= 0 {
		return nil, fmt.Errorf("%w: output %s meets or exceeds reserve %s", ErrInvalidQuoteInput, y.Dec(), rout.Dec())
	}
	// k/(reserveOut-y) - reserveIn == reserveIn*y/(reserveOut-y)
	remaining := new(uint256.Int).Sub(rout, y)
	num, overflow := new(uint256.Int).MulOverflow(rin, y)
	if overflow {
		return nil, ErrOverflow
	}
	quo, rem := new(uint256.Int).DivMod(num, remaining, new(uint256.Int))
	if !rem.IsZero() {
		quo.AddUint64(quo, 1)
	}
	return quo.ToBig(), nil
}

// SpotPrice returns the marginal price of the base token in quote units, scaled
// by 10^18.
func SpotPrice(reserveBase, reserveQuote *big.Int) (*big.Int, error) {
	base, quote, err := reserves(reserveBase, reserveQuote)
	if err != nil {
		return nil, err
	}
	price, overflow := new(uint256.Int).MulDivOverflow(quote, unit, base)
	if overflow {
		return nil, ErrOverflow
	}
	return price.ToBig(), nil
}

func operands(reserveIn, reserveOut, amount *big.Int) (*uint256.Int, *uint256.Int, *uint256.Int, error) {
	rin, rout, err := reserves(reserveIn, reserveOut)
	if err != nil {
		return nil, nil, nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidQuoteInput)
	}
	x, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, nil, nil, ErrOverflow
	}
	return rin, rout, x, nil
}

func reserves(a, b *big.Int) (*uint256.Int, *uint256.Int, error) {
	if a == nil || b == nil || a.Sign() <= 0 || b.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: reserves must be positive", ErrInvalidQuoteInput)
	}
	ua, overflow := uint256.FromBig(a)
	if overflow {
		return nil, nil, ErrOverflow
	}
	ub, overflow := uint256.FromBig(b)
	if overflow {
		return nil, nil, ErrOverflow
	}
	return ua, ub, nil
}
