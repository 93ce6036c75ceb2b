package fees

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"castswap/internal/order"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	maxUint256       = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// ParseUnits converts a human decimal string ("1.5") into base units without floating point.
// More fractional digits than decimals is an error rather than a silent truncation.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	s := strings.ReplaceAll(strings.TrimSpace(amount), "_", "")
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && frac == "" && whole == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}
	if whole == "" {
		whole = "0"
	}

	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %q exceeds uint256", ErrInvalidAmount, amount)
	}
	return v, nil
}

// FormatUnits renders base units exactly, trimming trailing fractional zeros.
func FormatUnits(v *big.Int, decimals uint8) string {
	v = order.Int(v)
	if decimals == 0 {
		return v.String()
	}
	q, r := new(big.Int).QuoRem(v, pow10(decimals), new(big.Int))
	if r.Sign() == 0 {
		return q.String()
	}
	frac := r.String()
	frac = strings.Repeat("0", int(decimals)-len(frac)) + frac
	return q.String() + "." + strings.TrimRight(frac, "0")
}

// FormatAmount is display only: at most four fractional digits, K/M/B suffixes above a thousand.
// It is lossy and must never feed back into amount arithmetic.
func FormatAmount(v *big.Int, decimals uint8) string {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(order.Int(v)), new(big.Float).SetInt(pow10(decimals))).Float64()
	switch {
	case f >= 1e9:
		return trimZeros(fmt.Sprintf("%.2f", f/1e9)) + "B"
	case f >= 1e6:
		return trimZeros(fmt.Sprintf("%.2f", f/1e6)) + "M"
	case f >= 1e3:
		return trimZeros(fmt.Sprintf("%.2f", f/1e3)) + "K"
	case f > 0 && f < 0.0001:
		return "<0.0001"
	default:
		return trimZeros(fmt.Sprintf("%.4f", f))
	}
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	return strings.TrimRight(strings.TrimRight(s, "0"), ".")
}

// Describe renders a leg per its kind: "1.5 WETH", "PUNK #42", "3 x ITEM #7".
func Describe(p order.Party, symbol string, decimals uint8) string {
	if symbol == "" {
		symbol = p.Token.Hex()
	}
	switch p.Kind {
	case order.KindERC721:
		return fmt.Sprintf("%s #%s", symbol, order.Int(p.ID).String())
	case order.KindERC1155:
		return fmt.Sprintf("%s x %s #%s", order.Int(p.Amount).String(), symbol, order.Int(p.ID).String())
	default:
		return FormatUnits(p.Amount, decimals) + " " + symbol
	}
}
