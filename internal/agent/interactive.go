package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"castswap/internal/check"
	"castswap/internal/config"
	"castswap/internal/fees"
	"castswap/internal/order"
	"castswap/internal/swap"
)

// Interactive drives the taker flow from a terminal. The viewer sees the check result and
// confirms every mutating step; declining at any prompt submits nothing.
type Interactive struct {
	In        io.Reader
	Out       io.Writer
	Network   *config.NetworkConfig
	Checker   swap.Checker
	Writer    swap.ChainWriter
	Recipient common.Address
	Options   swap.Options

	in *bufio.Reader
}

func (d *Interactive) Run(ctx context.Context, o *order.Order) error {
	if err := Bind(d.Network, o); err != nil {
		return err
	}
	d.in = bufio.NewReader(d.In)

	res, err := d.Checker.Check(ctx, o, d.Writer.Address())
	if err != nil {
		fmt.Fprintf(d.Out, "✖ %s: %v\n", check.Outcome(res, err), err)
		return err
	}
	d.PrintCheck(o, res)
	if !d.ask("Take this order?") {
		fmt.Fprintln(d.Out, "Abandoned; nothing was submitted.")
		return swap.ErrAbandoned
	}

	opts := d.Options
	opts.Confirm = d.confirm
	taker := swap.NewTaker(o, d.Checker, d.Writer, d.Recipient, opts)
	for {
		err = taker.Run(ctx)
		switch {
		case err == nil:
			fmt.Fprintln(d.Out, "✔ Settled.")
			for _, tx := range links(d.Network, taker.Transactions()) {
				fmt.Fprintf(d.Out, "  %-8s %s %s\n", tx.Action, tx.Hash.Hex(), tx.URL)
			}
			return nil
		case errors.Is(err, swap.ErrAbandoned):
			fmt.Fprintf(d.Out, "Abandoned in state %s; nothing further was submitted.\n", taker.Machine().State())
			return err
		case retryable(err):
			fmt.Fprintf(d.Out, "⚠ %v\n", err)
			if last := taker.LastCheck(); last != nil {
				d.PrintCheck(o, last)
			}
			if !d.ask("Re-check and retry?") {
				return err
			}
		default:
			fmt.Fprintf(d.Out, "✖ %v\n", err)
			return err
		}
	}
}

// retryable errors end a run without ending the flow.
func retryable(err error) bool {
	return recoverable(err) ||
		errors.Is(err, swap.ErrInsufficientFunds) ||
		errors.Is(err, swap.ErrInsufficientAllowance) ||
		errors.Is(err, swap.ErrCounterpartyNotReady)
}

func (d *Interactive) confirm(_ context.Context, step swap.Step) bool {
	return d.ask(fmt.Sprintf("%s → %s: %s.", step.From, step.To, step.Detail))
}

func (d *Interactive) ask(prompt string) bool {
	fmt.Fprintf(d.Out, "%s [y/N] ", prompt)
	line, err := d.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(d.Out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// PrintCheck renders a check result for a terminal.
func (d *Interactive) PrintCheck(o *order.Order, res *check.Result) {
	w := d.Out
	signer := fees.Describe(o.Signer, res.Signer.Symbol, res.Signer.Decimals)
	sender := fees.Describe(o.Sender, res.Sender.Symbol, res.Sender.Decimals)
	fmt.Fprintf(w, "Order    %s for %s\n", signer, sender)
	fmt.Fprintf(w, "Signer   %s\n", o.Signer.Wallet.Hex())
	if o.IsOpen() {
		fmt.Fprintln(w, "Sender   open to any wallet")
	} else {
		fmt.Fprintf(w, "Sender   %s\n", o.Sender.Wallet.Hex())
	}
	if !o.Sender.Kind.IsNFT() {
		fmt.Fprintf(w, "You pay  %s %s (fee %d bps)\n", fees.FormatUnits(res.RequiredSenderTotal, res.Sender.Decimals), res.Sender.Symbol, res.LiveFee)
	}
	fmt.Fprintf(w, "Signer   balance %s  approval %s\n", mark(res.Signer.BalanceOK), mark(res.Signer.ApprovalOK))
	fmt.Fprintf(w, "You      balance %s  approval %s\n", mark(res.Sender.BalanceOK), mark(res.Sender.ApprovalOK))
	if res.WrapEligible && res.WrapShortfall != nil && res.WrapShortfall.Sign() > 0 {
		fmt.Fprintf(w, "Wrap     %s native to cover the shortfall\n", fees.FormatUnits(res.WrapShortfall, 18))
	}
	for _, code := range res.ContractErrors {
		fmt.Fprintf(w, "Contract %s\n", code)
	}
	if res.ContractCheckDegraded {
		fmt.Fprintln(w, "Contract check unavailable, re-check before settling")
	}
	fmt.Fprintf(w, "Status   %s\n", check.Outcome(res, nil))
}

func mark(ok bool) string {
	if ok {
		return "ok"
	}
	return "missing"
}
