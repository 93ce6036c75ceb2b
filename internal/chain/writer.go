package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"castswap/internal/config"
	"castswap/internal/metrics"
	"castswap/internal/order"
	"castswap/internal/rpc"
	"castswap/internal/wallet"
)

const defaultPollInterval = 2 * time.Second

var gwei = big.NewInt(1_000_000_000)

// Writer submits transactions for one wallet through the endpoint pool.
type Writer struct {
	pool         *rpc.Pool
	signer       wallet.Signer
	chainID      *big.Int
	gas          config.GasConfig
	log          *logrus.Entry
	pollInterval time.Duration
	maxRoyalty   *big.Int
}

func NewWriter(pool *rpc.Pool, signer wallet.Signer, chainID uint64, gas config.GasConfig, logger *logrus.Logger) *Writer {
	return &Writer{
		pool:         pool,
		signer:       signer,
		chainID:      new(big.Int).SetUint64(chainID),
		gas:          gas,
		log:          logger.WithFields(logrus.Fields{"component": "chain", "wallet": signer.Address().Hex()}),
		pollInterval: defaultPollInterval,
	}
}

// SetMaxRoyalty caps the ERC-2981 royalty the sender agrees to pay on an NFT signer leg, in
// base units of the sender token. The default of zero makes royalty-bearing tokens revert.
func (w *Writer) SetMaxRoyalty(v *big.Int) {
	w.maxRoyalty = order.Int(v)
}

// SetPollInterval changes the receipt polling period.
func (w *Writer) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

func (w *Writer) Address() common.Address {
	return w.signer.Address()
}

// Approve lets spender move the leg's asset: approve(amount) for ERC20,
// setApprovalForAll for NFT collections.
func (w *Writer) Approve(ctx context.Context, p order.Party, spender common.Address, amount *big.Int) (common.Hash, error) {
	if p.Kind.IsNFT() {
		data, err := ERC721ABI.Pack("setApprovalForAll", spender, true)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to pack setApprovalForAll: %w", err)
		}
		return w.send(ctx, "approve", p.Token, nil, data)
	}
	data, err := ERC20ABI.Pack("approve", spender, order.Int(amount))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack approve: %w", err)
	}
	return w.send(ctx, "approve", p.Token, nil, data)
}

// Wrap deposits amount of native currency into the wrapped-native token.
func (w *Writer) Wrap(ctx context.Context, wrapped common.Address, amount *big.Int) (common.Hash, error) {
	data, err := ERC20ABI.Pack("deposit")
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack deposit: %w", err)
	}
	return w.send(ctx, "wrap", wrapped, order.Int(amount), data)
}

// Simulate dry-runs swap from this wallet. It returns nil, a *RevertError (blocks submission)
// or an *InconclusiveError (node could not evaluate; submission may proceed).
func (w *Writer) Simulate(ctx context.Context, settlement common.Address, o *order.Order, recipient common.Address) error {
	data, err := PackSwap(recipient, w.maxRoyalty, o)
	if err != nil {
		return err
	}
	var out hexutil.Bytes
	_, err = w.pool.Call(ctx, &out, "eth_call", callArg(w.Address(), settlement, data), "latest")
	return classifyCallError(err)
}

// Swap submits the settlement call.
func (w *Writer) Swap(ctx context.Context, settlement common.Address, o *order.Order, recipient common.Address) (common.Hash, error) {
	data, err := PackSwap(recipient, w.maxRoyalty, o)
	if err != nil {
		return common.Hash{}, err
	}
	return w.send(ctx, "swap", settlement, nil, data)
}

func (w *Writer) send(ctx context.Context, action string, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	from := w.Address()
	if value == nil {
		value = new(big.Int)
	}

	var nonce uint64
	if _, err := w.pool.Do(ctx, "eth_getTransactionCount", func(ctx context.Context, ep *rpc.Endpoint) error {
		n, err := ep.Eth().PendingNonceAt(ctx, from)
		nonce = n
		return err
	}); err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice := w.gasPrice(ctx)
	gasLimit, err := w.gasLimit(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data, GasPrice: gasPrice})
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := w.signer.SignTx(tx, w.chainID)
	if err != nil {
		return common.Hash{}, err
	}

	if _, err := w.pool.Do(ctx, "eth_sendRawTransaction", func(ctx context.Context, ep *rpc.Endpoint) error {
		err := ep.Eth().SendTransaction(ctx, signed)
		if err != nil && isAlreadyKnown(err) {
			return nil
		}
		return err
	}); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send %s transaction: %w", action, err)
	}

	metrics.TransactionsSent.WithLabelValues(action).Inc()
	w.log.WithFields(logrus.Fields{
		"action":   action,
		"tx":       signed.Hash().Hex(),
		"to":       to.Hex(),
		"nonce":    nonce,
		"gas":      gasLimit,
		"gasPrice": gasPrice.String(),
	}).Info("📤 transaction sent")
	return signed.Hash(), nil
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// gasPrice is the suggestion scaled by the multiplier and clamped to the ceiling, or the fixed
// fallback when no endpoint can suggest one.
func (w *Writer) gasPrice(ctx context.Context) *big.Int {
	var suggested *big.Int
	if _, err := w.pool.Do(ctx, "eth_gasPrice", func(ctx context.Context, ep *rpc.Endpoint) error {
		p, err := ep.Eth().SuggestGasPrice(ctx)
		suggested = p
		return err
	}); err != nil {
		w.log.WithError(err).Warn("⚠️ gas price suggestion failed, using fallback")
		suggested = nil
	}
	return GasPricePolicy(suggested, w.gas)
}

// gasLimit estimates and applies the policy. An infrastructure failure substitutes the
// fallback limit; any other estimation error, reverts included, is returned.
func (w *Writer) gasLimit(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var estimate uint64
	_, err := w.pool.Do(ctx, "eth_estimateGas", func(ctx context.Context, ep *rpc.Endpoint) error {
		g, err := ep.Eth().EstimateGas(ctx, msg)
		estimate = g
		return err
	})
	if err != nil {
		classified := classifyCallError(err)
		if !errors.Is(classified, ErrSimulationInconclusive) {
			return 0, classified
		}
		w.log.WithError(err).WithField("fallbackGasLimit", w.gas.FallbackGasLimit).Warn("⚠️ gas estimation inconclusive, using fallback limit")
		return w.gas.FallbackGasLimit, nil
	}
	return GasLimitPolicy(estimate, w.gas), nil
}

// GasLimitPolicy scales an estimate by the multiplier and clamps it to MaxGasLimit.
func GasLimitPolicy(estimate uint64, gas config.GasConfig) uint64 {
	multiplier := gas.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	scaled := float64(estimate) * multiplier
	limit := uint64(math.Ceil(scaled))
	if scaled >= math.MaxUint64 {
		limit = math.MaxUint64
	}
	if gas.MaxGasLimit > 0 && limit > gas.MaxGasLimit {
		limit = gas.MaxGasLimit
	}
	return limit
}

// GasPricePolicy scales a suggested price by the multiplier and clamps it to CeilingGwei.
// A nil suggestion yields FallbackGwei.
func GasPricePolicy(suggested *big.Int, gas config.GasConfig) *big.Int {
	if suggested == nil {
		return gweiToWei(gas.FallbackGwei)
	}
	multiplier := gas.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	// percent precision is enough for a safety margin
	price := new(big.Int).Mul(suggested, big.NewInt(int64(math.Round(multiplier*100))))
	price.Quo(price, big.NewInt(100))
	if gas.CeilingGwei > 0 {
		if ceiling := gweiToWei(gas.CeilingGwei); price.Cmp(ceiling) > 0 {
			price = ceiling
		}
	}
	return price
}

func gweiToWei(g float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(g), new(big.Float).SetInt(gwei)).Int(nil)
	return wei
}

// WaitConfirmed polls for the receipt until timeout. A timeout returns ErrConfirmationTimeout and
// leaves the transaction to be re-checked later; a failed receipt returns ErrTransactionFailed.
func (w *Writer) WaitConfirmed(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := w.log.WithField("tx", hash.Hex())
	log.WithField("timeout", timeout).Info("⏳ waiting for confirmation")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		var receipt *types.Receipt
		_, err := w.pool.Do(ctx, "eth_getTransactionReceipt", func(ctx context.Context, ep *rpc.Endpoint) error {
			r, err := ep.Eth().TransactionReceipt(ctx, hash)
			receipt = r
			return err
		})
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				log.WithField("block", receipt.BlockNumber).Error("❌ transaction failed")
				return receipt, fmt.Errorf("%w: %s", ErrTransactionFailed, hash.Hex())
			}
			log.WithFields(logrus.Fields{"block": receipt.BlockNumber, "gasUsed": receipt.GasUsed}).Info("✅ transaction confirmed")
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		case err != nil && ctx.Err() == nil:
			log.WithError(err).Warn("⚠️ receipt query failed, will retry")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Warn("⚠️ confirmation timed out, transaction may still be pending")
				return nil, fmt.Errorf("%w after %v: %s", ErrConfirmationTimeout, timeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
