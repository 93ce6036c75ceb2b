package order

import (
	"bytes"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sampleOrder() *Order {
	return &Order{
		ChainID:     8453,
		Settlement:  common.HexToAddress("0x00000000000000000000000000000000000005aa"),
		Nonce:       big.NewInt(1718000000123),
		Expiry:      1718003600,
		ProtocolFee: 50,
		Signer: Party{
			Wallet: common.HexToAddress("0x00000000000000000000000000000000000000a1"),
			Token:  common.HexToAddress("0x00000000000000000000000000000000000000c1"),
			Kind:   KindERC20,
			ID:     new(big.Int),
			Amount: new(big.Int).Mul(big.NewInt(15), big.NewInt(1e17)),
		},
		Sender: Party{
			Token:  common.HexToAddress("0x00000000000000000000000000000000000000b2"),
			Kind:   KindERC20,
			ID:     new(big.Int),
			Amount: new(big.Int).Mul(big.NewInt(300), big.NewInt(1e18)),
		},
		AffiliateAmount: new(big.Int),
		V:               28,
		R:               common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"),
		S:               common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222"),
	}
}

func compressRaw(t *testing.T, plain string) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(plain))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return base64.RawURLEncoding.EncodeToString(buf.Bytes())
}

func drawAddress(t *rapid.T, label string) common.Address {
	return common.BytesToAddress(rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(t, label))
}

func drawUint256(t *rapid.T, label string) *big.Int {
	return new(big.Int).SetBytes(rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, label))
}

func drawParty(t *rapid.T, label string) Party {
	return Party{
		Wallet: drawAddress(t, label+" wallet"),
		Token:  drawAddress(t, label+" token"),
		Kind:   rapid.SampledFrom([]Kind{KindERC20, KindERC20, KindERC721, KindERC1155}).Draw(t, label+" kind"),
		ID:     drawUint256(t, label+" id"),
		Amount: drawUint256(t, label+" amount"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		o := &Order{
			ChainID:         rapid.Uint64().Draw(t, "chain"),
			Settlement:      drawAddress(t, "settlement"),
			Nonce:           drawUint256(t, "nonce"),
			Expiry:          rapid.Uint64().Draw(t, "expiry"),
			ProtocolFee:     rapid.Uint64Range(0, 10_000).Draw(t, "fee"),
			Signer:          drawParty(t, "signer"),
			Sender:          drawParty(t, "sender"),
			AffiliateAmount: new(big.Int),
			V:               rapid.Uint8().Draw(t, "v"),
			R:               common.BytesToHash(rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "r")),
			S:               common.BytesToHash(rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "s")),
		}
		if rapid.Bool().Draw(t, "affiliate") {
			o.AffiliateWallet = drawAddress(t, "affiliate wallet")
			o.AffiliateAmount = drawUint256(t, "affiliate amount")
		}

		encoded, err := Encode(o)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !decoded.Equal(o) {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, o)
		}
	})
}

func TestEncodeUsesCanonicalLayoutForFungiblePairs(t *testing.T) {
	o := sampleOrder()
	encoded, err := Encode(o)
	require.NoError(t, err)
	assert.NotContains(t, encoded, "=", "padding-free base64url")
	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "/")

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	require.NoError(t, err)
	plain := new(bytes.Buffer)
	_, err = plain.ReadFrom(flate.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)

	fields := strings.Split(plain.String(), ",")
	require.Len(t, fields, 14)
	assert.Equal(t, "8453", fields[0])
	assert.Equal(t, "1718000000123", fields[2])
	assert.Equal(t, "50", fields[7])
	assert.Equal(t, "0x0000000000000000000000000000000000000000", fields[8])
	assert.Equal(t, "28", fields[11])
}

func TestEncodeUsesExtendedLayoutForNFTs(t *testing.T) {
	o := sampleOrder()
	o.Signer.Kind = KindERC721
	o.Signer.ID = big.NewInt(4242)
	o.Signer.Amount = big.NewInt(1)

	encoded, err := Encode(o)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindERC721, decoded.Signer.Kind)
	assert.Equal(t, "4242", decoded.Signer.ID.String())
	assert.True(t, decoded.Equal(o))
}

func TestDecodeMalformed(t *testing.T) {
	valid := strings.Repeat("1,", 13) + "1"
	cases := map[string]string{
		"not base64":       "!!not*base64!!",
		"not deflate":      base64.RawURLEncoding.EncodeToString([]byte("plain text, not compressed")),
		"too few fields":   compressRaw(t, "1,2,3"),
		"too many fields":  compressRaw(t, valid+",extra"),
		"bad version":      compressRaw(t, "v3,"+strings.Repeat("1,", 19)+"1"),
		"bad address":      compressRaw(t, "1,0xnothex,1,1,0x00000000000000000000000000000000000000a1,0x00000000000000000000000000000000000000a1,1,0,0x00000000000000000000000000000000000000a1,0x00000000000000000000000000000000000000a1,1,27,0x11,0x22"),
		"negative amount":  compressRaw(t, "1,0x00000000000000000000000000000000000000a1,1,1,0x00000000000000000000000000000000000000a1,0x00000000000000000000000000000000000000a1,-5,0,0x00000000000000000000000000000000000000a1,0x00000000000000000000000000000000000000a1,1,27,0x1111111111111111111111111111111111111111111111111111111111111111,0x2222222222222222222222222222222222222222222222222222222222222222"),
		"empty input":      "",
		"v out of range":   compressRaw(t, "1,0x00000000000000000000000000000000000000a1,1,1,0x00000000000000000000000000000000000000a1,0x00000000000000000000000000000000000000a1,1,0,0x00000000000000000000000000000000000000a1,0x00000000000000000000000000000000000000a1,1,300,0x1111111111111111111111111111111111111111111111111111111111111111,0x2222222222222222222222222222222222222222222222222222222222222222"),
		"short signature r": compressRaw(t, "1,0x00000000000000000000000000000000000000a1,1,1,0x00000000000000000000000000000000000000a1,0x00000000000000000000000000000000000000a1,1,0,0x00000000000000000000000000000000000000a1,0x00000000000000000000000000000000000000a1,1,27,0x11,0x2222222222222222222222222222222222222222222222222222222222222222"),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(input)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestExtract(t *testing.T) {
	o := sampleOrder()
	token, err := Encode(o)
	require.NoError(t, err)

	post := "gm, swapping 1.5 TKA for 300 TKB\n\n  " + PayloadLine(token) + "  \nreply to take it"
	got, err := Extract(post)
	require.NoError(t, err)
	assert.Equal(t, token, got)

	decoded, err := DecodeText(post)
	require.NoError(t, err)
	assert.True(t, decoded.Equal(o))

	decoded, err = DecodeText(token)
	require.NoError(t, err, "bare tokens decode directly")
	assert.True(t, decoded.Equal(o))
}

func TestExtractRequiresStrictLine(t *testing.T) {
	for _, text := range []string{
		"no marker here",
		"see SWAP:abc for details",
		"SWAP: abc",
		"swap:abc",
		"SWAP:abc def",
		"SWAP:",
	} {
		_, err := Extract(text)
		assert.ErrorIs(t, err, ErrNoPayloadLine, text)
	}
}
