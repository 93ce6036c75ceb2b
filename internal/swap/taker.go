package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"castswap/internal/chain"
	"castswap/internal/check"
	"castswap/internal/order"
)

// every round either submits a transaction or ends the run; approve, wrap and settle need three
const maxRounds = 4

// Taker settles a published order as its sender.
type Taker struct {
	runner
	checker   Checker
	order     *order.Order
	recipient common.Address
	last      *check.Result
}

// NewTaker starts in Published. recipient receives the signer leg; zero means the taker wallet.
func NewTaker(o *order.Order, checker Checker, writer ChainWriter, recipient common.Address, opts Options) *Taker {
	if recipient == (common.Address{}) {
		recipient = writer.Address()
	}
	return &Taker{
		runner:    newRunner(StatePublished, writer, opts, "taker"),
		checker:   checker,
		order:     o,
		recipient: recipient,
	}
}

// LastCheck is the most recent preflight result, nil before the first run.
func (t *Taker) LastCheck() *check.Result {
	return t.last
}

// Run advances the order as far as it can: re-check, approve, wrap, simulate, settle.
// Recoverable errors leave the state in place so Run can be called again.
func (t *Taker) Run(ctx context.Context) error {
	release, err := t.machine.begin()
	if err != nil {
		return err
	}
	defer release()

	switch t.machine.State() {
	case StateSettled:
		return nil
	case StateFailed:
		return t.machine.Reason()
	}

	action, err := t.resume(ctx)
	if err != nil {
		return err
	}
	if action == "swap" {
		return t.machine.Transition(StateSettled)
	}
	if t.machine.State() == StateSettling {
		// no settlement is in flight; start over from a fresh check
		if err := t.machine.Transition(StatePublished); err != nil {
			return err
		}
	}

	for round := 0; round < maxRounds; round++ {
		res, err := t.checker.Check(ctx, t.order, t.writer.Address())
		if err != nil {
			if check.IsTerminal(err) {
				return t.machine.Fail(err)
			}
			return err
		}
		t.last = res

		next, err := t.plan(res)
		if err != nil {
			return err
		}
		switch next {
		case StateApproving:
			if t.machine.State() == StateApproving && t.confirmedApproval() {
				return fmt.Errorf("%w: approved %s but allowance reads %s", ErrInsufficientAllowance, res.RequiredSenderTotal, res.Sender.Allowance)
			}
			err = t.approve(ctx, res)
		case StateWrapping:
			err = t.wrap(ctx, res)
		case StateSettling:
			return t.settle(ctx)
		}
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("order did not become ready after %d rounds", maxRounds)
}

func (t *Taker) confirmedApproval() bool {
	return len(t.txs) > 0 && t.txs[len(t.txs)-1].Action == "approve"
}

// plan picks the next state from a check result.
func (t *Taker) plan(res *check.Result) (State, error) {
	switch {
	case !res.ViewerIsSender:
		return "", t.machine.Fail(fmt.Errorf("%w: %s", ErrNotSender, t.order.Sender.Wallet.Hex()))
	case res.Signer.Degraded || res.Sender.Degraded:
		return "", ErrIncompleteRead
	case res.ContractCheckDegraded:
		return "", fmt.Errorf("%w: settlement contract check unavailable", ErrIncompleteRead)
	case !res.Signer.BalanceOK || !res.Signer.ApprovalOK:
		return "", fmt.Errorf("%w: balance ok %t, approval ok %t", ErrCounterpartyNotReady, res.Signer.BalanceOK, res.Signer.ApprovalOK)
	case !res.Sender.BalanceOK && !res.WrapEligible:
		return "", fmt.Errorf("%w: need %s, hold %s", ErrInsufficientFunds, res.RequiredSenderTotal, res.Sender.Balance)
	case !res.Sender.ApprovalOK:
		return StateApproving, nil
	case !res.Sender.BalanceOK:
		return StateWrapping, nil
	case len(res.ContractErrors) > 0:
		return "", t.machine.Fail(fmt.Errorf("%w: %s", ErrContractRejected, strings.Join(res.ContractErrors, ", ")))
	}
	return StateSettling, nil
}

func (t *Taker) approve(ctx context.Context, res *check.Result) error {
	amount := res.RequiredSenderTotal
	step := Step{
		From:   t.machine.State(),
		To:     StateApproving,
		Action: "approve",
		Amount: amount,
		Detail: fmt.Sprintf("approve %s of %s for settlement %s", amount, t.order.Sender.Token.Hex(), t.order.Settlement.Hex()),
	}
	return t.submit(ctx, step, func(ctx context.Context) (common.Hash, error) {
		return t.writer.Approve(ctx, t.order.Sender, t.order.Settlement, amount)
	})
}

func (t *Taker) wrap(ctx context.Context, res *check.Result) error {
	shortfall := res.WrapShortfall
	step := Step{
		From:   t.machine.State(),
		To:     StateWrapping,
		Action: "wrap",
		Amount: shortfall,
		Detail: fmt.Sprintf("wrap %s native into %s", shortfall, t.order.Sender.Token.Hex()),
	}
	return t.submit(ctx, step, func(ctx context.Context) (common.Hash, error) {
		return t.writer.Wrap(ctx, t.order.Sender.Token, shortfall)
	})
}

// settle simulates, submits and confirms the swap. A decoded rejection fails the flow; a
// simulation the node could not evaluate is logged and submission proceeds.
func (t *Taker) settle(ctx context.Context) error {
	step := Step{
		From:   t.machine.State(),
		To:     StateSettling,
		Action: "swap",
		Detail: fmt.Sprintf("settle nonce %s of %s, recipient %s", order.Int(t.order.Nonce), t.order.Signer.Wallet.Hex(), t.recipient.Hex()),
	}
	if err := t.confirm(ctx, step); err != nil {
		return err
	}
	if err := t.machine.Transition(StateSettling); err != nil {
		return err
	}

	err := t.writer.Simulate(ctx, t.order.Settlement, t.order, t.recipient)
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrSimulationRejected):
		return t.machine.Fail(err)
	case errors.Is(err, chain.ErrSimulationInconclusive):
		reason := ""
		var inconclusive *chain.InconclusiveError
		if errors.As(err, &inconclusive) {
			reason = inconclusive.Reason
		}
		t.log.WithError(err).WithField("reason", reason).Warn("⚠️ simulation inconclusive, submitting anyway")
	default:
		return t.reopen(err)
	}

	hash, err := t.writer.Swap(ctx, t.order.Settlement, t.order, t.recipient)
	if err != nil {
		var revert *chain.RevertError
		if errors.As(err, &revert) {
			return t.machine.Fail(err)
		}
		return t.reopen(err)
	}
	t.log.WithField("tx", hash.Hex()).Info("📤 settlement submitted")
	if err := t.wait(ctx, &pendingTx{action: "swap", hash: hash}); err != nil {
		return err
	}
	return t.machine.Transition(StateSettled)
}

// reopen returns to Published after a settlement attempt that never reached the chain, so the
// next run may approve or wrap again.
func (t *Taker) reopen(err error) error {
	if terr := t.machine.Transition(StatePublished); terr != nil {
		t.log.WithError(terr).Warn("⚠️ could not leave settling")
	}
	return err
}
