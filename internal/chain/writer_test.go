package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castswap/internal/config"
	"castswap/internal/metrics"
	"castswap/internal/order"
	"castswap/internal/wallet"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testGas = config.GasConfig{Multiplier: 1.2, MaxGasLimit: 1_500_000, FallbackGasLimit: 600_000, CeilingGwei: 500, FallbackGwei: 5}

func newTestWriter(t *testing.T, node *fakeNode) *Writer {
	t.Helper()
	signer, err := wallet.ParseKey(testKey)
	require.NoError(t, err)
	w := NewWriter(newTestPool(t, serveNode(t, node)), signer, node.chainID, testGas, quietLogger())
	w.SetPollInterval(10 * time.Millisecond)
	return w
}

func swapOrder() *order.Order {
	return &order.Order{
		ChainID:    31337,
		Settlement: settlementAddr,
		Nonce:      big.NewInt(1),
		Expiry:     uint64(time.Now().Add(time.Hour).Unix()),
		Signer:     order.Party{Wallet: ownerAddr, Token: tokenAddr, Kind: order.KindERC20, Amount: big.NewInt(1)},
		Sender:     order.Party{Token: tokenAddr, Kind: order.KindERC20, Amount: big.NewInt(2)},
		V:          27,
		R:          common.HexToHash("0x01"),
		S:          common.HexToHash("0x02"),
	}
}

func TestApproveSendsSignedLegacyTransaction(t *testing.T) {
	node := newFakeNode(31337)
	w := newTestWriter(t, node)

	leg := order.Party{Token: tokenAddr, Kind: order.KindERC20}
	hash, err := w.Approve(context.Background(), leg, settlementAddr, big.NewInt(1000))
	require.NoError(t, err)

	tx := node.lastTx()
	require.NotNil(t, tx)
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, tokenAddr, *tx.To())
	assert.Equal(t, uint64(120_000), tx.Gas(), "estimate times multiplier")
	assert.Equal(t, "12000000000", tx.GasPrice().String(), "suggestion times multiplier")

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), from)

	method, err := ERC20ABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "approve", method.Name)

	receipt, err := w.WaitConfirmed(context.Background(), hash, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestApproveNFTUsesOperatorApproval(t *testing.T) {
	node := newFakeNode(31337)
	w := newTestWriter(t, node)

	_, err := w.Approve(context.Background(), order.Party{Token: nftAddr, Kind: order.KindERC721, ID: big.NewInt(1)}, settlementAddr, nil)
	require.NoError(t, err)
	method, err := ERC721ABI.MethodById(node.lastTx().Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "setApprovalForAll", method.Name)
}

func TestWrapSendsValue(t *testing.T) {
	node := newFakeNode(31337)
	w := newTestWriter(t, node)

	_, err := w.Wrap(context.Background(), tokenAddr, big.NewInt(777))
	require.NoError(t, err)
	assert.Equal(t, "777", node.lastTx().Value().String())
}

func TestGasEstimationFailures(t *testing.T) {
	node := newFakeNode(31337)
	node.estimateErr = &nodeError{code: -32005, msg: "request limit exceeded"}
	w := newTestWriter(t, node)

	_, err := w.Swap(context.Background(), settlementAddr, swapOrder(), ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(600_000), node.lastTx().Gas(), "infrastructure failure uses the fallback limit")

	senderInvalid := SwapABI.Errors["SenderInvalid"].ID
	node.estimateErr = revertWith(senderInvalid[:4])
	_, err = w.Swap(context.Background(), settlementAddr, swapOrder(), ownerAddr)
	var revert *RevertError
	require.True(t, errors.As(err, &revert))
	assert.Equal(t, "SenderInvalid", revert.Name)

	sent := node.sentCount()
	node.estimateErr = &nodeError{code: -32000, msg: "insufficient funds for gas * price + value"}
	_, err = w.Swap(context.Background(), settlementAddr, swapOrder(), ownerAddr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.False(t, errors.As(err, &revert), "a node refusal is not a contract rejection")
	assert.Equal(t, sent, node.sentCount(), "nothing is sent with a guessed gas limit")
}

func TestSendCountsEachTransactionOnce(t *testing.T) {
	node := newFakeNode(31337)
	w := newTestWriter(t, node)
	before := sentTotal(t, "wrap")

	_, err := w.Wrap(context.Background(), tokenAddr, big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, before+1, sentTotal(t, "wrap"))
}

func TestSwapCarriesMaxRoyalty(t *testing.T) {
	node := newFakeNode(31337)
	w := newTestWriter(t, node)
	w.SetMaxRoyalty(big.NewInt(25_000))

	_, err := w.Swap(context.Background(), settlementAddr, swapOrder(), ownerAddr)
	require.NoError(t, err)
	data := node.lastTx().Data()
	require.Greater(t, len(data), 4)
	args, err := SwapABI.Methods["swap"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, args[0])
	assert.Equal(t, "25000", args[1].(*big.Int).String())
}

func TestSimulateClassifiesOutcomes(t *testing.T) {
	node := newFakeNode(31337)
	var answer error
	node.contracts[settlementAddr] = func(from common.Address, data []byte) ([]byte, error) {
		return nil, answer
	}
	w := newTestWriter(t, node)
	ctx := context.Background()

	answer = nil
	assert.NoError(t, w.Simulate(ctx, settlementAddr, swapOrder(), ownerAddr))

	nonceErr := SwapABI.Errors["NonceAlreadyUsed"]
	packed, err := nonceErr.Inputs.Pack(big.NewInt(5))
	require.NoError(t, err)
	answer = revertWith(append(append([]byte{}, nonceErr.ID[:4]...), packed...))
	err = w.Simulate(ctx, settlementAddr, swapOrder(), ownerAddr)
	assert.ErrorIs(t, err, ErrSimulationRejected)
	var revert *RevertError
	require.True(t, errors.As(err, &revert))
	assert.Equal(t, "NonceAlreadyUsed", revert.Name)
	assert.Equal(t, "NonceAlreadyUsed(5)", revert.Reason)

	answer = &nodeError{code: -32000, msg: "execution aborted (timeout = 5s)"}
	err = w.Simulate(ctx, settlementAddr, swapOrder(), ownerAddr)
	assert.ErrorIs(t, err, ErrSimulationInconclusive)
	assert.NotErrorIs(t, err, ErrSimulationRejected)

	answer = &nodeError{code: -32000, msg: "insufficient funds for gas * price + value"}
	err = w.Simulate(ctx, settlementAddr, swapOrder(), ownerAddr)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSimulationRejected)
	assert.NotErrorIs(t, err, ErrSimulationInconclusive)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestSimulateCancelledIsNotRejection(t *testing.T) {
	node := newFakeNode(31337)
	w := newTestWriter(t, node)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Simulate(ctx, settlementAddr, swapOrder(), ownerAddr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrSimulationRejected)
	assert.NotErrorIs(t, err, ErrSimulationInconclusive)
	var revert *RevertError
	assert.False(t, errors.As(err, &revert))
}

func TestWaitConfirmedTimesOut(t *testing.T) {
	node := newFakeNode(31337)
	node.holdReceipt = true
	w := newTestWriter(t, node)

	_, err := w.WaitConfirmed(context.Background(), common.HexToHash("0xabc"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
}

func TestGasPolicies(t *testing.T) {
	assert.Equal(t, uint64(120_000), GasLimitPolicy(100_000, testGas))
	assert.Equal(t, uint64(1_500_000), GasLimitPolicy(2_000_000, testGas), "clamped")

	assert.Equal(t, "5000000000", GasPricePolicy(nil, testGas).String())
	assert.Equal(t, "12000000000", GasPricePolicy(big.NewInt(10_000_000_000), testGas).String())
	assert.Equal(t, "500000000000", GasPricePolicy(big.NewInt(900_000_000_000), testGas).String(), "clamped to ceiling")
}

func TestDecodeRevert(t *testing.T) {
	std := append([]byte{0x08, 0xc3, 0x79, 0xa0}, mustPackString(t, "ERC20: insufficient allowance")...)
	r := DecodeRevert(std)
	assert.Equal(t, "Error", r.Name)
	assert.Equal(t, "ERC20: insufficient allowance", r.Reason)

	expired := SwapABI.Errors["OrderExpired"].ID
	r = DecodeRevert(expired[:4])
	assert.Equal(t, "OrderExpired", r.Name)

	r = DecodeRevert([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.Equal(t, "", r.Name)
	assert.Contains(t, r.Reason, "0xdeadbeef")

	assert.Equal(t, "execution reverted", DecodeRevert(nil).Reason)
}

func mustPackString(t *testing.T, s string) []byte {
	t.Helper()
	args := SwapABI.Errors["AmountOrIDInvalid"].Inputs
	packed, err := args.Pack(s)
	require.NoError(t, err)
	return packed
}

func sentTotal(t *testing.T, action string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.TransactionsSent.WithLabelValues(action).Write(&m))
	return m.GetCounter().GetValue()
}
