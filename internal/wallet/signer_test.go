package wallet

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well-known hardhat account #0
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestParseKey(t *testing.T) {
	s, err := ParseKey(testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	_, err = ParseKey("")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = ParseKey("0xzz")
	assert.Error(t, err)
}

func TestFromEnvPrefersFirstName(t *testing.T) {
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("MAKER_PRIVATE_KEY", "")
	t.Setenv("PRIVATE_KEY", testKey)

	s, err := FromEnv("MAKER_PRIVATE_KEY", "PRIVATE_KEY")
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	t.Setenv("MAKER_PRIVATE_KEY", common.Bytes2Hex(crypto.FromECDSA(other)))
	s, err = FromEnv("MAKER_PRIVATE_KEY", "PRIVATE_KEY")
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(other.PublicKey), s.Address())

	_, err = FromEnv("UNSET_KEY_FOR_TEST")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestSignHashAndTx(t *testing.T) {
	s, err := ParseKey(testKey)
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("castswap"))
	sig, err := s.SignHash(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Value: big.NewInt(0), Gas: 21000, GasPrice: big.NewInt(1)})
	chainID := big.NewInt(31337)
	signed, err := s.SignTx(tx, chainID)
	require.NoError(t, err)
	from, err := types.Sender(types.NewEIP155Signer(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}
