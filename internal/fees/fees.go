// Package fees holds the order arithmetic shared by every driver: protocol fee totals,
// per-kind amount semantics, and human-readable amount conversion.
package fees

import (
	"math/big"

	"castswap/internal/order"
)

// BasisPoints is the fee denominator used by the settlement contract.
const BasisPoints = 10_000

var basisPoints = big.NewInt(BasisPoints)

// ProtocolFeeAmount is floor(amount * feeBps / 10000), the surcharge the settlement contract collects.
func ProtocolFeeAmount(amount *big.Int, feeBps uint64) *big.Int {
	fee := new(big.Int).Mul(order.Int(amount), new(big.Int).SetUint64(feeBps))
	return fee.Quo(fee, basisPoints)
}

// RequiredTotal is what the sender must hold and approve: amount plus the protocol fee.
func RequiredTotal(senderAmount *big.Int, feeBps uint64) *big.Int {
	total := order.Int(senderAmount)
	return total.Add(total, ProtocolFeeAmount(senderAmount, feeBps))
}

// SenderRequirement is RequiredTotal for fungible legs. NFT legs move exactly their
// quantity; the fee is not charged on the NFT itself.
func SenderRequirement(p order.Party, feeBps uint64) *big.Int {
	if p.Kind.IsNFT() {
		return Quantity(p)
	}
	return RequiredTotal(p.Amount, feeBps)
}

// Quantity is the number of units a leg transfers: one for ERC721, amount otherwise.
func Quantity(p order.Party) *big.Int {
	if p.Kind == order.KindERC721 {
		return big.NewInt(1)
	}
	return order.Int(p.Amount)
}

// USDValue prices a fungible leg at unitPrice per whole token. NFT kinds are not priceable
// and report ok=false.
func USDValue(p order.Party, decimals uint8, unitPrice float64) (value float64, ok bool) {
	if p.Kind.IsNFT() || unitPrice <= 0 {
		return 0, false
	}
	whole := new(big.Float).Quo(new(big.Float).SetInt(order.Int(p.Amount)), new(big.Float).SetInt(pow10(decimals)))
	v, _ := new(big.Float).Mul(whole, big.NewFloat(unitPrice)).Float64()
	return v, true
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
