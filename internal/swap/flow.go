package swap

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"castswap/internal/chain"
	"castswap/internal/check"
	"castswap/internal/order"
)

const defaultConfirmTimeout = 3 * time.Minute

// Checker is the preflight side. *check.Engine satisfies it.
type Checker interface {
	Check(ctx context.Context, o *order.Order, viewer common.Address) (*check.Result, error)
	Leg(ctx context.Context, p order.Party, owner, spender common.Address, required *big.Int) (*check.LegStatus, error)
	LiveFee(ctx context.Context, settlement common.Address) (uint64, error)
	NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error)
	WrappedNative() common.Address
}

// ChainWriter submits transactions for one wallet. *chain.Writer satisfies it.
type ChainWriter interface {
	Address() common.Address
	Approve(ctx context.Context, p order.Party, spender common.Address, amount *big.Int) (common.Hash, error)
	Wrap(ctx context.Context, wrapped common.Address, amount *big.Int) (common.Hash, error)
	Simulate(ctx context.Context, settlement common.Address, o *order.Order, recipient common.Address) error
	Swap(ctx context.Context, settlement common.Address, o *order.Order, recipient common.Address) (common.Hash, error)
	WaitConfirmed(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// Step describes a pending mutating transition, for confirmation prompts.
type Step struct {
	From   State    `json:"from"`
	To     State    `json:"to"`
	Action string   `json:"action"`
	Amount *big.Int `json:"amount,omitempty"`
	Detail string   `json:"detail"`
}

// ConfirmFunc approves a step before anything is submitted. Returning false abandons the flow
// with ErrAbandoned and no side effects.
type ConfirmFunc func(ctx context.Context, step Step) bool

// TxRecord is a confirmed transaction of the flow.
type TxRecord struct {
	Action string      `json:"action"`
	Hash   common.Hash `json:"hash"`
	Block  uint64      `json:"block"`
}

type Options struct {
	ConfirmTimeout time.Duration
	// Confirm is asked before every state-changing step; nil approves everything.
	Confirm ConfirmFunc
	Logger  *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = defaultConfirmTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

type pendingTx struct {
	action string
	hash   common.Hash
}

// runner is the transaction plumbing shared by the maker and taker flows.
type runner struct {
	machine *Machine
	writer  ChainWriter
	opts    Options
	log     *logrus.Entry

	pending *pendingTx
	txs     []TxRecord
}

func newRunner(initial State, writer ChainWriter, opts Options, role string) runner {
	opts = opts.withDefaults()
	return runner{
		machine: NewMachine(initial, opts.Logger),
		writer:  writer,
		opts:    opts,
		log:     opts.Logger.WithFields(logrus.Fields{"component": "swap", "role": role, "wallet": writer.Address().Hex()}),
	}
}

func (r *runner) confirm(ctx context.Context, step Step) error {
	if r.opts.Confirm == nil {
		return nil
	}
	if !r.opts.Confirm(ctx, step) {
		r.log.WithField("step", step.Action).Info("flow abandoned before submission")
		return ErrAbandoned
	}
	return nil
}

// submit runs a transaction step: confirm, transition, send, wait.
func (r *runner) submit(ctx context.Context, step Step, send func(ctx context.Context) (common.Hash, error)) error {
	if err := r.confirm(ctx, step); err != nil {
		return err
	}
	if err := r.machine.Transition(step.To); err != nil {
		return err
	}
	hash, err := send(ctx)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"action": step.Action, "tx": hash.Hex()}).Info("📤 transaction submitted")
	return r.wait(ctx, &pendingTx{action: step.Action, hash: hash})
}

// wait blocks on confirmation. On timeout the transaction stays pending and the next run waits
// for it again instead of resubmitting.
func (r *runner) wait(ctx context.Context, tx *pendingTx) error {
	r.pending = tx
	receipt, err := r.writer.WaitConfirmed(ctx, tx.hash, r.opts.ConfirmTimeout)
	if err != nil {
		if errors.Is(err, chain.ErrTransactionFailed) {
			r.pending = nil
		}
		return err
	}
	r.pending = nil
	var block uint64
	if receipt != nil && receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	r.txs = append(r.txs, TxRecord{Action: tx.action, Hash: tx.hash, Block: block})
	return nil
}

// resume waits for a transaction left pending by an earlier timeout. It reports which action
// was confirmed, empty when nothing was pending.
func (r *runner) resume(ctx context.Context) (string, error) {
	if r.pending == nil {
		return "", nil
	}
	tx := r.pending
	r.log.WithFields(logrus.Fields{"action": tx.action, "tx": tx.hash.Hex()}).Info("⏳ resuming pending transaction")
	if err := r.wait(ctx, tx); err != nil {
		if errors.Is(err, chain.ErrTransactionFailed) {
			r.log.WithError(err).Warn("⚠️ pending transaction failed, state will be re-checked")
			return "", nil
		}
		return "", err
	}
	return tx.action, nil
}

// Transactions returns the confirmed transactions so far.
func (r *runner) Transactions() []TxRecord {
	return append([]TxRecord(nil), r.txs...)
}

// Machine exposes the state for observers.
func (r *runner) Machine() *Machine {
	return r.machine
}
