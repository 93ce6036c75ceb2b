package order

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind is the ERC-165 interface id identifying the asset class of a leg.
type Kind [4]byte

var (
	KindERC20   = Kind{0x36, 0x37, 0x2b, 0x07}
	KindERC721  = Kind{0x80, 0xac, 0x58, 0xcd}
	KindERC1155 = Kind{0xd9, 0xb6, 0x7a, 0x26}
)

// ParseKind accepts a name ("ERC20", "erc721") or a 4-byte hex selector.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERC20", "":
		return KindERC20, nil
	case "ERC721":
		return KindERC721, nil
	case "ERC1155":
		return KindERC1155, nil
	}
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != 4 {
		return Kind{}, fmt.Errorf("invalid asset kind %q", s)
	}
	var k Kind
	copy(k[:], raw)
	if !k.Known() {
		return Kind{}, fmt.Errorf("unknown asset kind %s", k.Hex())
	}
	return k, nil
}

func (k Kind) Known() bool {
	return k == KindERC20 || k == KindERC721 || k == KindERC1155
}

// IsNFT reports whether amounts of this kind are identified by token id.
func (k Kind) IsNFT() bool {
	return k == KindERC721 || k == KindERC1155
}

func (k Kind) Hex() string {
	return "0x" + hex.EncodeToString(k[:])
}

func (k Kind) String() string {
	switch k {
	case KindERC20:
		return "ERC20"
	case KindERC721:
		return "ERC721"
	case KindERC1155:
		return "ERC1155"
	}
	return k.Hex()
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.Hex()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Party is one leg of an order.
type Party struct {
	Wallet common.Address `json:"wallet"`
	Token  common.Address `json:"token"`
	Kind   Kind           `json:"kind"`
	ID     *big.Int       `json:"id"`
	Amount *big.Int       `json:"amount"`
}

// Order is a signed single-intent instruction exchanging the signer leg for the sender leg.
// ChainID and Settlement bind the order to exactly one settlement deployment.
type Order struct {
	ChainID         uint64         `json:"chainId"`
	Settlement      common.Address `json:"settlement"`
	Nonce           *big.Int       `json:"nonce"`
	Expiry          uint64         `json:"expiry"`
	ProtocolFee     uint64         `json:"protocolFee"`
	Signer          Party          `json:"signer"`
	Sender          Party          `json:"sender"`
	AffiliateWallet common.Address `json:"affiliateWallet"`
	AffiliateAmount *big.Int       `json:"affiliateAmount"`
	V               uint8          `json:"v"`
	R               common.Hash    `json:"r"`
	S               common.Hash    `json:"s"`
}

// IsOpen reports whether any wallet may act as sender.
func (o *Order) IsOpen() bool {
	return o.Sender.Wallet == (common.Address{})
}

// IsSigned reports whether signature components are present.
func (o *Order) IsSigned() bool {
	return o.V != 0 && o.R != (common.Hash{}) && o.S != (common.Hash{})
}

// Signature returns the 65-byte r||s||v signature.
func (o *Order) Signature() []byte {
	sig := make([]byte, 0, 65)
	sig = append(sig, o.R.Bytes()...)
	sig = append(sig, o.S.Bytes()...)
	return append(sig, o.V)
}

// Equal compares orders field by field, treating nil integers as zero.
func (o *Order) Equal(other *Order) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.ChainID == other.ChainID &&
		o.Settlement == other.Settlement &&
		cmpInt(o.Nonce, other.Nonce) &&
		o.Expiry == other.Expiry &&
		o.ProtocolFee == other.ProtocolFee &&
		o.Signer.Equal(other.Signer) &&
		o.Sender.Equal(other.Sender) &&
		o.AffiliateWallet == other.AffiliateWallet &&
		cmpInt(o.AffiliateAmount, other.AffiliateAmount) &&
		o.V == other.V &&
		bytes.Equal(o.R[:], other.R[:]) &&
		bytes.Equal(o.S[:], other.S[:])
}

func (p Party) Equal(other Party) bool {
	return p.Wallet == other.Wallet &&
		p.Token == other.Token &&
		p.Kind == other.Kind &&
		cmpInt(p.ID, other.ID) &&
		cmpInt(p.Amount, other.Amount)
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.Nonce = Int(o.Nonce)
	c.AffiliateAmount = Int(o.AffiliateAmount)
	c.Signer = o.Signer.clone()
	c.Sender = o.Sender.clone()
	return &c
}

func (p Party) clone() Party {
	p.ID = Int(p.ID)
	p.Amount = Int(p.Amount)
	return p
}

// Int returns a copy of v, or zero when v is nil.
func Int(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func cmpInt(a, b *big.Int) bool {
	return Int(a).Cmp(Int(b)) == 0
}
