package order

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keySigner struct {
	t   *testing.T
	key []byte
}

func (k keySigner) SignHash(hash []byte) ([]byte, error) {
	key, err := crypto.ToECDSA(k.key)
	require.NoError(k.t, err)
	return crypto.Sign(hash, key)
}

func testSigner(t *testing.T) (keySigner, common.Address) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return keySigner{t: t, key: crypto.FromECDSA(key)}, crypto.PubkeyToAddress(key.PublicKey)
}

func mustType(t *testing.T, name string) abi.Type {
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}

// manualDigest hashes the order with plain abi packing as an independent reference.
func manualDigest(t *testing.T, o *Order) common.Hash {
	bytes32 := mustType(t, "bytes32")
	bytes4 := mustType(t, "bytes4")
	uint256 := mustType(t, "uint256")
	address := mustType(t, "address")

	partyType := "Party(address wallet,address token,bytes4 kind,uint256 id,uint256 amount)"
	orderType := "Order(uint256 nonce,uint256 expiry,uint256 protocolFee,Party signer,Party sender,address affiliateWallet,uint256 affiliateAmount)" + partyType
	domainType := "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"

	partyHash := func(p Party) common.Hash {
		encoded, err := abi.Arguments{{Type: bytes32}, {Type: address}, {Type: address}, {Type: bytes4}, {Type: uint256}, {Type: uint256}}.
			Pack(crypto.Keccak256Hash([]byte(partyType)), p.Wallet, p.Token, [4]byte(p.Kind), Int(p.ID), Int(p.Amount))
		require.NoError(t, err)
		return crypto.Keccak256Hash(encoded)
	}

	structEncoded, err := abi.Arguments{
		{Type: bytes32}, {Type: uint256}, {Type: uint256}, {Type: uint256},
		{Type: bytes32}, {Type: bytes32}, {Type: address}, {Type: uint256},
	}.Pack(
		crypto.Keccak256Hash([]byte(orderType)),
		Int(o.Nonce),
		new(big.Int).SetUint64(o.Expiry),
		new(big.Int).SetUint64(o.ProtocolFee),
		partyHash(o.Signer),
		partyHash(o.Sender),
		o.AffiliateWallet,
		Int(o.AffiliateAmount),
	)
	require.NoError(t, err)

	domainEncoded, err := abi.Arguments{{Type: bytes32}, {Type: bytes32}, {Type: bytes32}, {Type: uint256}, {Type: address}}.Pack(
		crypto.Keccak256Hash([]byte(domainType)),
		crypto.Keccak256Hash([]byte("SWAP")),
		crypto.Keccak256Hash([]byte("4.3")),
		new(big.Int).SetUint64(o.ChainID),
		o.Settlement,
	)
	require.NoError(t, err)

	domainSeparator := crypto.Keccak256Hash(domainEncoded)
	structHash := crypto.Keccak256Hash(structEncoded)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

func TestHashMatchesManualEncoding(t *testing.T) {
	o := sampleOrder()
	o.Sender.Kind = KindERC1155
	o.Sender.ID = big.NewInt(7)
	o.AffiliateWallet = common.HexToAddress("0x00000000000000000000000000000000000000af")
	o.AffiliateAmount = big.NewInt(12)

	got, err := Hash(o)
	require.NoError(t, err)
	assert.Equal(t, manualDigest(t, o), got)
}

func TestSignVerify(t *testing.T) {
	signer, addr := testSigner(t)
	o := sampleOrder()
	o.Signer.Wallet = addr

	require.NoError(t, Sign(o, signer))
	assert.True(t, o.IsSigned())
	assert.Contains(t, []uint8{27, 28}, o.V)
	require.NoError(t, Verify(o))

	recovered, err := Recover(o)
	require.NoError(t, err)
	assert.Equal(t, addr, recovered)

	// survives the wire
	encoded, err := Encode(o)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.NoError(t, Verify(decoded))
}

func TestVerifyRejectsTamperingAndReplay(t *testing.T) {
	signer, addr := testSigner(t)
	o := sampleOrder()
	o.Signer.Wallet = addr
	require.NoError(t, Sign(o, signer))

	tampered := o.Clone()
	tampered.Sender.Amount = big.NewInt(1)
	assert.ErrorIs(t, Verify(tampered), ErrSignatureInvalid)

	otherDeployment := o.Clone()
	otherDeployment.Settlement = common.HexToAddress("0x00000000000000000000000000000000000005bb")
	assert.ErrorIs(t, Verify(otherDeployment), ErrSignatureInvalid, "signature is bound to one settlement contract")

	otherChain := o.Clone()
	otherChain.ChainID = 1
	assert.ErrorIs(t, Verify(otherChain), ErrSignatureInvalid)

	unsigned := o.Clone()
	unsigned.V, unsigned.R, unsigned.S = 0, common.Hash{}, common.Hash{}
	assert.ErrorIs(t, Verify(unsigned), ErrSignatureInvalid)
}
