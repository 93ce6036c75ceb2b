package chaintest

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"castswap/internal/fees"
	"castswap/internal/order"
	"castswap/internal/wallet"
)

// Well-known development keys; never hold value.
const (
	MakerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	TakerKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	OtherKey = "0x5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
)

const (
	ChainID = 8453
	FeeBps  = 50
)

var (
	Settlement = common.HexToAddress("0x0000000000000000000000000000000000005a11")
	TokenA     = common.HexToAddress("0x000000000000000000000000000000000000a0a0")
	TokenB     = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	WETH       = common.HexToAddress("0x0000000000000000000000000000000000000e7e")
	Punks      = common.HexToAddress("0x000000000000000000000000000000000000c0c0")
	Items      = common.HexToAddress("0x000000000000000000000000000000000000d0d0")
)

// Fixture is a funded ledger with a maker and a taker.
type Fixture struct {
	Ledger *Ledger
	Maker  *wallet.KeySigner
	Taker  *wallet.KeySigner
	Other  *wallet.KeySigner
	Now    time.Time
}

// NewFixture funds the maker with 10 TKA and the taker with 1000 TKB and 1 ETH. No approvals
// are in place.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	f := &Fixture{
		Maker: mustKey(t, MakerKey),
		Taker: mustKey(t, TakerKey),
		Other: mustKey(t, OtherKey),
		Now:   time.Unix(1_718_000_000, 0),
	}
	l := New(ChainID, Settlement, FeeBps)
	l.Wrapped = WETH
	l.Now = func() time.Time { return f.Now }
	l.AddERC20(TokenA, "TKA", 18)
	l.AddERC20(TokenB, "TKB", 18)
	l.AddERC20(WETH, "WETH", 18)
	l.AddERC721(Punks, "PUNK")
	l.AddERC1155(Items, "ITEM")
	l.Mint(TokenA, f.Maker.Address(), Units(t, "10"))
	l.Mint(TokenB, f.Taker.Address(), Units(t, "1000"))
	l.SetNative(f.Taker.Address(), Units(t, "1"))
	f.Ledger = l
	return f
}

func mustKey(t testing.TB, hexKey string) *wallet.KeySigner {
	t.Helper()
	k, err := wallet.ParseKey(hexKey)
	require.NoError(t, err)
	return k
}

// Units parses an 18-decimal amount.
func Units(t testing.TB, amount string) *big.Int {
	t.Helper()
	v, err := fees.ParseUnits(amount, 18)
	require.NoError(t, err)
	return v
}

// Unsigned is an open order from the maker: 1.5 TKA for 300 TKB at the fixture fee,
// expiring an hour after the fixture clock.
func (f *Fixture) Unsigned(t testing.TB) *order.Order {
	t.Helper()
	return &order.Order{
		ChainID:     ChainID,
		Settlement:  Settlement,
		Nonce:       big.NewInt(f.Now.UnixMilli()),
		Expiry:      uint64(f.Now.Add(time.Hour).Unix()),
		ProtocolFee: FeeBps,
		Signer: order.Party{
			Wallet: f.Maker.Address(),
			Token:  TokenA,
			Kind:   order.KindERC20,
			ID:     new(big.Int),
			Amount: Units(t, "1.5"),
		},
		Sender: order.Party{
			Token:  TokenB,
			Kind:   order.KindERC20,
			ID:     new(big.Int),
			Amount: Units(t, "300"),
		},
		AffiliateAmount: new(big.Int),
	}
}

// Order returns the default order after applying edits, signed by the maker.
func (f *Fixture) Order(t testing.TB, edits ...func(*order.Order)) *order.Order {
	t.Helper()
	o := f.Unsigned(t)
	for _, edit := range edits {
		edit(o)
	}
	require.NoError(t, order.Sign(o, f.Maker))
	return o
}
