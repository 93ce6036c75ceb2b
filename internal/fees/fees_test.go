package fees

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"castswap/internal/order"
)

func TestRequiredTotal(t *testing.T) {
	amount := new(big.Int).Mul(big.NewInt(300), big.NewInt(1e18))
	assert.Equal(t, "301500000000000000000", RequiredTotal(amount, 50).String())
	assert.Equal(t, "1500000000000000000", ProtocolFeeAmount(amount, 50).String())

	// floor division
	assert.Equal(t, "199", RequiredTotal(big.NewInt(199), 50).String())
	assert.Equal(t, "201", RequiredTotal(big.NewInt(200), 50).String())
	assert.Equal(t, "0", RequiredTotal(nil, 50).String())
}

func TestRequiredTotalDoesNotMutateInput(t *testing.T) {
	amount := big.NewInt(1000)
	_ = RequiredTotal(amount, 30)
	assert.Equal(t, int64(1000), amount.Int64())
}

func drawAmount(t *rapid.T, label string) *big.Int {
	return new(big.Int).SetBytes(rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, label))
}

func TestRequiredTotalProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := drawAmount(t, "a")
		b := new(big.Int).Add(a, drawAmount(t, "delta"))
		fee := rapid.Uint64Range(0, BasisPoints).Draw(t, "fee")
		higherFee := fee + rapid.Uint64Range(0, BasisPoints).Draw(t, "fee delta")

		if RequiredTotal(a, 0).Cmp(a) != 0 {
			t.Fatalf("zero fee must be identity for %s", a)
		}
		if RequiredTotal(a, fee).Cmp(RequiredTotal(b, fee)) > 0 {
			t.Fatalf("not monotonic in amount: %s > %s at %d bps", a, b, fee)
		}
		if RequiredTotal(a, fee).Cmp(RequiredTotal(a, higherFee)) > 0 {
			t.Fatalf("not monotonic in fee: %d vs %d bps for %s", fee, higherFee, a)
		}
	})
}

func TestSenderRequirementPerKind(t *testing.T) {
	erc20 := order.Party{Kind: order.KindERC20, Amount: big.NewInt(10_000)}
	assert.Equal(t, "10050", SenderRequirement(erc20, 50).String())

	nft := order.Party{Kind: order.KindERC721, ID: big.NewInt(42), Amount: big.NewInt(0)}
	assert.Equal(t, "1", SenderRequirement(nft, 50).String())

	semi := order.Party{Kind: order.KindERC1155, ID: big.NewInt(7), Amount: big.NewInt(3)}
	assert.Equal(t, "3", SenderRequirement(semi, 50).String())
}

func TestUSDValue(t *testing.T) {
	usdc := order.Party{Kind: order.KindERC20, Amount: big.NewInt(2_500_000)}
	v, ok := USDValue(usdc, 6, 1)
	require.True(t, ok)
	assert.InDelta(t, 2.5, v, 1e-9)

	_, ok = USDValue(order.Party{Kind: order.KindERC721, ID: big.NewInt(1), Amount: big.NewInt(1)}, 0, 1000)
	assert.False(t, ok, "NFTs are never priced")

	_, ok = USDValue(usdc, 6, 0)
	assert.False(t, ok)
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals uint8
		want     string
	}{
		{"1.5", 18, "1500000000000000000"},
		{"300", 18, "300000000000000000000"},
		{"0.000001", 6, "1"},
		{".5", 1, "5"},
		{"1.", 2, "100"},
		{"1_000", 0, "1000"},
		{"42", 0, "42"},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.in, tc.decimals)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got.String(), tc.in)
	}

	for _, bad := range []string{"", "-1", "+1", "abc", "1.2.3", "1e18", ".", "0.0000001"} {
		_, err := ParseUnits(bad, 6)
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}

func TestFormatUnitsInvertsParseUnits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		decimals := uint8(rapid.IntRange(0, 24).Draw(t, "decimals"))
		v := drawAmount(t, "v")
		back, err := ParseUnits(FormatUnits(v, decimals), decimals)
		if err != nil {
			t.Fatalf("parse %q: %v", FormatUnits(v, decimals), err)
		}
		if back.Cmp(v) != 0 {
			t.Fatalf("got %s want %s", back, v)
		}
	})
}

func TestFormatAmount(t *testing.T) {
	e18 := func(s string) *big.Int {
		v, err := ParseUnits(s, 18)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, "1.5", FormatAmount(e18("1.5"), 18))
	assert.Equal(t, "1.2346", FormatAmount(e18("1.23456"), 18))
	assert.Equal(t, "12.5K", FormatAmount(e18("12500"), 18))
	assert.Equal(t, "3M", FormatAmount(e18("3000000"), 18))
	assert.Equal(t, "<0.0001", FormatAmount(big.NewInt(1), 18))
	assert.Equal(t, "0", FormatAmount(nil, 18))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "1.5 TKA", Describe(order.Party{Kind: order.KindERC20, Amount: big.NewInt(15)}, "TKA", 1))
	assert.Equal(t, "PUNK #42", Describe(order.Party{Kind: order.KindERC721, ID: big.NewInt(42), Amount: big.NewInt(1)}, "PUNK", 0))
	assert.Equal(t, "3 x ITEM #7", Describe(order.Party{Kind: order.KindERC1155, ID: big.NewInt(7), Amount: big.NewInt(3)}, "ITEM", 0))
}
