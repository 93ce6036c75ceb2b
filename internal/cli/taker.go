package cli

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"castswap/internal/agent"
	"castswap/internal/config"
	"castswap/internal/publish"
	"castswap/internal/store"
	"castswap/internal/swap"
	"castswap/internal/wallet"
)

type takerOptions struct {
	order      string
	file       string
	watch      bool
	recipient  string
	attempts   int
	retryDelay time.Duration
	maxRoyalty string
}

// NewTakerCommand creates the taker command.
func NewTakerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &takerOptions{}

	cmd := &cobra.Command{
		Use:   "taker",
		Short: "Verify and settle an order",
		Long: `Check an order against live chain state, approve and wrap as needed, simulate
and settle it. With --watch, subscribe to order announcements on NATS and
attempt every order this wallet may take.

The signing key is read from TAKER_PRIVATE_KEY, falling back to PRIVATE_KEY.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaker(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.order, "order", "", "compressed order, text with a payload line, or - for stdin")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "maker payload file")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "settle orders announced on NATS until interrupted")
	cmd.Flags().StringVar(&opts.recipient, "recipient", "", "receive the signer leg here (default: the taker wallet)")
	cmd.Flags().IntVar(&opts.attempts, "attempts", 3, "runs per order when a run ends on a recoverable error")
	cmd.Flags().DurationVar(&opts.retryDelay, "retry-delay", 5*time.Second, "pause between runs")
	cmd.Flags().StringVar(&opts.maxRoyalty, "max-royalty", "0", "largest NFT royalty to pay, in base units of the sender token")

	return cmd
}

func runTaker(rootOpts *RootOptions, opts *takerOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

	if opts.watch && (opts.order != "" || opts.file != "") {
		return NewExitError(ExitCommandError, "--watch cannot be combined with --order or --file")
	}
	recipient, err := parseAddress("recipient", opts.recipient)
	if err != nil {
		return err
	}
	maxRoyalty, err := parseBaseUnits("max-royalty", opts.maxRoyalty)
	if err != nil {
		return err
	}
	signer, err := wallet.FromEnv("TAKER_PRIVATE_KEY", "PRIVATE_KEY")
	if err != nil {
		return WrapExitError(ExitCommandError, "no signing key", err)
	}
	if opts.watch {
		return runWatch(rootOpts, opts, signer, recipient, maxRoyalty, cmd)
	}

	o, _, err := readOrder(opts.order, opts.file, cmd.InOrStdin())
	if err != nil {
		return err
	}
	cfg, logger, err := environment(rootOpts, cmd)
	if err != nil {
		return err
	}
	rt, err := dialFor(cfg, rootOpts.Network, o.ChainID, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	repo, closeRepo, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	writer := rt.Writer(signer)
	writer.SetMaxRoyalty(maxRoyalty)
	taker := &agent.TakerAgent{
		Network:    rt.Network,
		Checker:    rt.Engine,
		Writer:     writer,
		Repo:       repo,
		Report:     reporter(rootOpts, cmd),
		Options:    swap.Options{ConfirmTimeout: cfg.ConfirmWait(), Logger: logger},
		Recipient:  recipient,
		Attempts:   opts.attempts,
		RetryDelay: opts.retryDelay,
	}
	report, err := taker.Take(commandContext(cmd), o)
	if err != nil {
		_ = formatter.Failure(report, err)
		return WrapExitError(ExitFailure, "order was not settled", err)
	}
	return formatter.Result(report, func(w io.Writer) {
		fmt.Fprintf(w, "✔ settled nonce %s of %s\n", report.Nonce, report.Signer)
		for _, tx := range report.Transactions {
			fmt.Fprintf(w, "  %-8s %s %s\n", tx.Action, tx.Hash.Hex(), tx.URL)
		}
		for _, b := range report.Balances {
			fmt.Fprintf(w, "  balance  %s %s (%s)\n", b.Amount, b.Symbol, b.Wallet.Hex())
		}
	})
}

func runWatch(rootOpts *RootOptions, opts *takerOptions, signer *wallet.KeySigner, recipient common.Address, maxRoyalty *big.Int, cmd *cobra.Command) error {
	cfg, logger, err := environment(rootOpts, cmd)
	if err != nil {
		return err
	}
	if cfg.NATS.URL == "" {
		return NewExitError(ExitCommandError, "--watch needs nats.url or NATS_URL")
	}
	rt, err := agent.Dial(cfg, rootOpts.Network, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare network", err)
	}
	defer rt.Close()

	client, err := publish.ConnectNATS(cfg.NATS, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
	}
	defer client.Close()

	repo, closeRepo, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	ctx, stop := withSignals(commandContext(cmd))
	defer stop()

	received := make(chan *publish.Received, 64)
	sub, err := client.Subscribe(rt.Network.ChainID, func(r *publish.Received) {
		select {
		case received <- r:
		default:
			logger.WithField("component", "taker").Warn("⚠️ order queue full, dropping announcement")
		}
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	writer := rt.Writer(signer)
	writer.SetMaxRoyalty(maxRoyalty)
	taker := &agent.TakerAgent{
		Network:    rt.Network,
		Checker:    rt.Engine,
		Writer:     writer,
		Repo:       repo,
		Report:     reporter(rootOpts, cmd),
		Options:    swap.Options{ConfirmTimeout: cfg.ConfirmWait(), Logger: logger},
		Recipient:  recipient,
		Attempts:   opts.attempts,
		RetryDelay: opts.retryDelay,
	}
	return taker.Watch(ctx, received)
}

// openLedger opens the order ledger when a DSN is configured; the repository is nil otherwise.
func openLedger(cfg *config.Config, logger *logrus.Logger) (store.Repository, func(), error) {
	if cfg.Database.DSN == "" {
		return nil, func() {}, nil
	}
	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open order ledger", err)
	}
	closeDB := func() {}
	if sqlDB, err := db.DB(); err == nil {
		closeDB = func() { _ = sqlDB.Close() }
	}
	return store.NewRepository(db), closeDB, nil
}

func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
