package agent

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"castswap/internal/chain"
	"castswap/internal/config"
	"castswap/internal/fees"
	"castswap/internal/order"
	"castswap/internal/swap"
)

// Nonce policies.
const (
	NonceTime   = "time"
	NonceRandom = "random"
)

const defaultExpiry = time.Hour

var (
	ErrWrongChain        = errors.New("order is for a different chain")
	ErrUnknownSettlement = errors.New("order names a settlement contract not configured for this network")
)

// TokenMeta reads token metadata for tokens missing from the network catalog.
type TokenMeta interface {
	ReadToken(ctx context.Context, token, owner, spender common.Address) (*chain.TokenRead, error)
}

// Token is a resolved token reference.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// ResolveToken accepts a catalog symbol or an address. Unknown addresses are read on chain.
func ResolveToken(ctx context.Context, network *config.NetworkConfig, meta TokenMeta, ref string) (Token, error) {
	ref = strings.TrimSpace(ref)
	if t, ok := network.Token(ref); ok && common.IsHexAddress(t.Address) {
		return Token{Address: common.HexToAddress(t.Address), Symbol: t.Symbol, Decimals: t.Decimals}, nil
	}
	if !common.IsHexAddress(ref) {
		return Token{}, fmt.Errorf("unknown token %q on %s", ref, network.Name)
	}
	addr := common.HexToAddress(ref)
	if meta == nil {
		return Token{Address: addr, Symbol: addr.Hex(), Decimals: 18}, nil
	}
	read, err := meta.ReadToken(ctx, addr, common.Address{}, common.Address{})
	if err != nil {
		return Token{}, fmt.Errorf("failed to read token %s: %w", addr.Hex(), err)
	}
	return Token{Address: addr, Symbol: read.Symbol, Decimals: read.Decimals}, nil
}

// NewNonce draws a nonce: unix milliseconds for "time", 64 random bits for "random".
func NewNonce(policy string, now time.Time) (*big.Int, error) {
	switch strings.ToLower(policy) {
	case "", NonceTime:
		return big.NewInt(now.UnixMilli()), nil
	case NonceRandom:
		n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			return nil, fmt.Errorf("failed to draw nonce: %w", err)
		}
		return n, nil
	}
	return nil, fmt.Errorf("unknown nonce policy %q (want %s or %s)", policy, NonceTime, NonceRandom)
}

// ResolveSettlement returns override when set, otherwise the network's contract for the
// signer leg's kind.
func ResolveSettlement(network *config.NetworkConfig, override string, signerKind order.Kind) (common.Address, error) {
	if override != "" {
		if !common.IsHexAddress(override) {
			return common.Address{}, fmt.Errorf("settlement override %q is not an address", override)
		}
		return common.HexToAddress(override), nil
	}
	addr, err := network.SettlementFor(signerKind.String())
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(addr), nil
}

// Bind refuses orders that do not belong to network: the chain must match and the settlement
// contract must be one the network configures.
func Bind(network *config.NetworkConfig, o *order.Order) error {
	if o.ChainID != network.ChainID {
		return fmt.Errorf("%w: order chain %d, network %s is chain %d", ErrWrongChain, o.ChainID, network.Name, network.ChainID)
	}
	for _, s := range []string{network.Settlement.ERC20, network.Settlement.ERC721, network.Settlement.ERC1155} {
		if common.IsHexAddress(s) && common.HexToAddress(s) == o.Settlement {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownSettlement, o.Settlement.Hex())
}

// MakerRequest is the maker's intent in human units.
type MakerRequest struct {
	SignerToken  string
	SignerAmount string
	SignerKind   string
	SignerID     string
	SenderToken  string
	SenderAmount string
	SenderKind   string
	SenderID     string
	// SenderWallet restricts the order to one taker; empty makes it open.
	SenderWallet    string
	Expiry          time.Duration
	NoncePolicy     string
	Settlement      string
	AffiliateWallet string
	AffiliateAmount string
}

// Params resolves the request against network into flow parameters.
func (r MakerRequest) Params(ctx context.Context, network *config.NetworkConfig, meta TokenMeta, now time.Time) (swap.MakerParams, []Token, error) {
	signer, signerToken, err := party(ctx, network, meta, "signer", r.SignerToken, r.SignerKind, r.SignerID, r.SignerAmount)
	if err != nil {
		return swap.MakerParams{}, nil, err
	}
	sender, senderToken, err := party(ctx, network, meta, "sender", r.SenderToken, r.SenderKind, r.SenderID, r.SenderAmount)
	if err != nil {
		return swap.MakerParams{}, nil, err
	}
	if r.SenderWallet != "" {
		if !common.IsHexAddress(r.SenderWallet) {
			return swap.MakerParams{}, nil, fmt.Errorf("sender wallet %q is not an address", r.SenderWallet)
		}
		sender.Wallet = common.HexToAddress(r.SenderWallet)
	}

	settlement, err := ResolveSettlement(network, r.Settlement, signer.Kind)
	if err != nil {
		return swap.MakerParams{}, nil, err
	}
	nonce, err := NewNonce(r.NoncePolicy, now)
	if err != nil {
		return swap.MakerParams{}, nil, err
	}
	expiry := r.Expiry
	if expiry <= 0 {
		expiry = defaultExpiry
	}

	params := swap.MakerParams{
		ChainID:         network.ChainID,
		Settlement:      settlement,
		Signer:          signer,
		Sender:          sender,
		Nonce:           nonce,
		Expiry:          now.Add(expiry),
		AffiliateAmount: new(big.Int),
	}
	if r.AffiliateWallet != "" {
		if !common.IsHexAddress(r.AffiliateWallet) {
			return swap.MakerParams{}, nil, fmt.Errorf("affiliate wallet %q is not an address", r.AffiliateWallet)
		}
		params.AffiliateWallet = common.HexToAddress(r.AffiliateWallet)
		if params.AffiliateAmount, err = fees.ParseUnits(r.AffiliateAmount, senderToken.Decimals); err != nil {
			return swap.MakerParams{}, nil, fmt.Errorf("affiliate amount: %w", err)
		}
	}
	return params, []Token{signerToken, senderToken}, nil
}

func party(ctx context.Context, network *config.NetworkConfig, meta TokenMeta, side, tokenRef, kindRef, idRef, amountRef string) (order.Party, Token, error) {
	kind, err := order.ParseKind(kindRef)
	if err != nil {
		return order.Party{}, Token{}, fmt.Errorf("%s kind: %w", side, err)
	}
	var tok Token
	if kind.IsNFT() {
		if !common.IsHexAddress(tokenRef) {
			if t, ok := network.Token(tokenRef); ok {
				tokenRef = t.Address
			}
		}
		if !common.IsHexAddress(tokenRef) {
			return order.Party{}, Token{}, fmt.Errorf("%s token %q is not an address", side, tokenRef)
		}
		tok = Token{Address: common.HexToAddress(tokenRef), Symbol: kind.String()}
	} else if tok, err = ResolveToken(ctx, network, meta, tokenRef); err != nil {
		return order.Party{}, Token{}, fmt.Errorf("%s token: %w", side, err)
	}

	p := order.Party{Token: tok.Address, Kind: kind, ID: new(big.Int), Amount: new(big.Int)}
	if kind.IsNFT() {
		id, ok := new(big.Int).SetString(strings.TrimSpace(idRef), 10)
		if !ok || id.Sign() < 0 {
			return order.Party{}, Token{}, fmt.Errorf("%s id %q is not a token id", side, idRef)
		}
		p.ID = id
	}
	switch kind {
	case order.KindERC721:
		// the amount of an ERC721 leg is ignored by settlement
	case order.KindERC1155:
		if p.Amount, err = fees.ParseUnits(amountRef, 0); err != nil {
			return order.Party{}, Token{}, fmt.Errorf("%s amount: %w", side, err)
		}
	default:
		if p.Amount, err = fees.ParseUnits(amountRef, tok.Decimals); err != nil {
			return order.Party{}, Token{}, fmt.Errorf("%s amount: %w", side, err)
		}
	}
	if kind != order.KindERC721 && p.Amount.Sign() <= 0 {
		return order.Party{}, Token{}, fmt.Errorf("%s amount must be positive", side)
	}
	return p, tok, nil
}
