package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"castswap/internal/order"
)

const partyComponents = `[
	{"name":"wallet","type":"address"},
	{"name":"token","type":"address"},
	{"name":"kind","type":"bytes4"},
	{"name":"id","type":"uint256"},
	{"name":"amount","type":"uint256"}
]`

const orderTuple = `{"name":"order","type":"tuple","components":[
	{"name":"nonce","type":"uint256"},
	{"name":"expiry","type":"uint256"},
	{"name":"signer","type":"tuple","components":` + partyComponents + `},
	{"name":"sender","type":"tuple","components":` + partyComponents + `},
	{"name":"affiliateWallet","type":"address"},
	{"name":"affiliateAmount","type":"uint256"},
	{"name":"v","type":"uint8"},
	{"name":"r","type":"bytes32"},
	{"name":"s","type":"bytes32"}
]}`

const swapABIJSON = `[
	{"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[
		{"name":"recipient","type":"address"},
		{"name":"maxRoyalty","type":"uint256"},
		` + orderTuple + `
	],"outputs":[]},
	{"type":"function","name":"check","stateMutability":"view","inputs":[
		{"name":"senderWallet","type":"address"},
		` + orderTuple + `
	],"outputs":[{"name":"","type":"bytes32[]"},{"name":"","type":"uint256"}]},
	{"type":"function","name":"nonceUsed","stateMutability":"view","inputs":[
		{"name":"signer","type":"address"},{"name":"nonce","type":"uint256"}
	],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"protocolFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"error","name":"NonceAlreadyUsed","inputs":[{"name":"nonce","type":"uint256"}]},
	{"type":"error","name":"OrderExpired","inputs":[]},
	{"type":"error","name":"SignatureInvalid","inputs":[]},
	{"type":"error","name":"SignatoryInvalid","inputs":[]},
	{"type":"error","name":"Unauthorized","inputs":[]},
	{"type":"error","name":"SenderInvalid","inputs":[]},
	{"type":"error","name":"AmountOrIDInvalid","inputs":[{"name":"kind","type":"string"}]},
	{"type":"error","name":"TokenKindUnknown","inputs":[]},
	{"type":"error","name":"FeeInvalid","inputs":[]},
	{"type":"error","name":"AffiliateAmountInvalid","inputs":[]},
	{"type":"error","name":"RoyaltyExceedsMax","inputs":[{"name":"royalty","type":"uint256"}]},
	{"type":"error","name":"TransferFailed","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]}
]`

const erc721ABIJSON = `[
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"getApproved","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"setApprovalForAll","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]}
]`

const erc1155ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"setApprovalForAll","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]}
]`

var (
	SwapABI    = mustParseABI("swap", swapABIJSON)
	ERC20ABI   = mustParseABI("erc20", erc20ABIJSON)
	ERC721ABI  = mustParseABI("erc721", erc721ABIJSON)
	ERC1155ABI = mustParseABI("erc1155", erc1155ABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid %s abi: %v", name, err))
	}
	return parsed
}

// abiParty and abiOrder mirror the settlement contract's Order tuple.
type abiParty struct {
	Wallet common.Address
	Token  common.Address
	Kind   [4]byte
	ID     *big.Int `abi:"id"`
	Amount *big.Int
}

type abiOrder struct {
	Nonce           *big.Int
	Expiry          *big.Int
	Signer          abiParty
	Sender          abiParty
	AffiliateWallet common.Address
	AffiliateAmount *big.Int
	V               uint8
	R               [32]byte
	S               [32]byte
}

func toABIParty(p order.Party) abiParty {
	return abiParty{
		Wallet: p.Wallet,
		Token:  p.Token,
		Kind:   p.Kind,
		ID:     order.Int(p.ID),
		Amount: order.Int(p.Amount),
	}
}

func toABIOrder(o *order.Order) abiOrder {
	return abiOrder{
		Nonce:           order.Int(o.Nonce),
		Expiry:          new(big.Int).SetUint64(o.Expiry),
		Signer:          toABIParty(o.Signer),
		Sender:          toABIParty(o.Sender),
		AffiliateWallet: o.AffiliateWallet,
		AffiliateAmount: order.Int(o.AffiliateAmount),
		V:               o.V,
		R:               o.R,
		S:               o.S,
	}
}

// PackSwap encodes swap(recipient, maxRoyalty, order).
func PackSwap(recipient common.Address, maxRoyalty *big.Int, o *order.Order) ([]byte, error) {
	data, err := SwapABI.Pack("swap", recipient, order.Int(maxRoyalty), toABIOrder(o))
	if err != nil {
		return nil, fmt.Errorf("failed to pack swap: %w", err)
	}
	return data, nil
}

// PackCheck encodes check(senderWallet, order).
func PackCheck(senderWallet common.Address, o *order.Order) ([]byte, error) {
	data, err := SwapABI.Pack("check", senderWallet, toABIOrder(o))
	if err != nil {
		return nil, fmt.Errorf("failed to pack check: %w", err)
	}
	return data, nil
}

// UnpackCheck returns the first count error codes, decoded from left-aligned ASCII bytes32.
func UnpackCheck(data []byte) ([]string, error) {
	out, err := SwapABI.Unpack("check", data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack check: %w", err)
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("failed to unpack check: %d outputs", len(out))
	}
	raw, ok := out[0].([][32]byte)
	if !ok {
		return nil, fmt.Errorf("failed to unpack check: unexpected errors type %T", out[0])
	}
	count, ok := out[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to unpack check: unexpected count type %T", out[1])
	}

	n := len(raw)
	if count.IsUint64() && count.Uint64() < uint64(n) {
		n = int(count.Uint64())
	}
	codes := make([]string, 0, n)
	for _, code := range raw[:n] {
		codes = append(codes, DecodeBytes32(code))
	}
	return codes, nil
}

// DecodeBytes32 reads a left-aligned, zero-padded ASCII identifier. Non-printable content is
// rendered as hex.
func DecodeBytes32(b [32]byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	for _, c := range b[:end] {
		if c < 0x20 || c > 0x7e {
			return common.Hash(b).Hex()
		}
	}
	return string(b[:end])
}

// EncodeBytes32 is the inverse of DecodeBytes32 for identifiers up to 32 bytes.
func EncodeBytes32(s string) [32]byte {
	var b [32]byte
	copy(b[:], s)
	return b
}
