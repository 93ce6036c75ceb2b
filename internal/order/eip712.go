package order

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP-712 domain of the settlement contract
const (
	DomainName    = "SWAP"
	DomainVersion = "4.3"
)

var typedDataTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "nonce", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
		{Name: "protocolFee", Type: "uint256"},
		{Name: "signer", Type: "Party"},
		{Name: "sender", Type: "Party"},
		{Name: "affiliateWallet", Type: "address"},
		{Name: "affiliateAmount", Type: "uint256"},
	},
	"Party": {
		{Name: "wallet", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "kind", Type: "bytes4"},
		{Name: "id", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
	},
}

// HashSigner signs a 32-byte digest and returns a 65-byte r||s||v signature.
// v may be 0/1 or 27/28.
type HashSigner interface {
	SignHash(hash []byte) ([]byte, error)
}

// TypedData builds the EIP-712 payload for o, bound to its chain id and settlement contract.
func TypedData(o *Order) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       typedDataTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(o.ChainID)),
			VerifyingContract: o.Settlement.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"nonce":           Int(o.Nonce).String(),
			"expiry":          fmt.Sprintf("%d", o.Expiry),
			"protocolFee":     fmt.Sprintf("%d", o.ProtocolFee),
			"signer":          partyMessage(o.Signer),
			"sender":          partyMessage(o.Sender),
			"affiliateWallet": o.AffiliateWallet.Hex(),
			"affiliateAmount": Int(o.AffiliateAmount).String(),
		},
	}
}

func partyMessage(p Party) map[string]interface{} {
	return map[string]interface{}{
		"wallet": p.Wallet.Hex(),
		"token":  p.Token.Hex(),
		"kind":   p.Kind.Hex(),
		"id":     Int(p.ID).String(),
		"amount": Int(p.Amount).String(),
	}
}

// Hash returns the EIP-712 digest the signer wallet signs.
func Hash(o *Order) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(TypedData(o))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// Sign fills v, r and s on o using signer.
func Sign(o *Order, signer HashSigner) error {
	digest, err := Hash(o)
	if err != nil {
		return err
	}
	sig, err := signer.SignHash(digest.Bytes())
	if err != nil {
		return fmt.Errorf("failed to sign order: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("failed to sign order: signature length %d", len(sig))
	}
	v := sig[crypto.RecoveryIDOffset]
	if v < 27 {
		v += 27
	}
	o.R = common.BytesToHash(sig[:32])
	o.S = common.BytesToHash(sig[32:64])
	o.V = v
	return nil
}

// Recover returns the address that produced o's signature.
func Recover(o *Order) (common.Address, error) {
	if !o.IsSigned() || o.V < 27 {
		return common.Address{}, ErrSignatureInvalid
	}
	digest, err := Hash(o)
	if err != nil {
		return common.Address{}, err
	}
	sig := o.Signature()
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that o is signed by its signer wallet for its chain id and settlement contract.
func Verify(o *Order) error {
	addr, err := Recover(o)
	if err != nil {
		return err
	}
	if addr != o.Signer.Wallet {
		return fmt.Errorf("%w: recovered %s, signer wallet %s", ErrSignatureInvalid, addr.Hex(), o.Signer.Wallet.Hex())
	}
	return nil
}
