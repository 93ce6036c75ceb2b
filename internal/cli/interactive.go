package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"castswap/internal/agent"
	"castswap/internal/swap"
	"castswap/internal/wallet"
)

type interactiveOptions struct {
	file       string
	recipient  string
	maxRoyalty string
}

// NewInteractiveCommand creates the interactive command.
func NewInteractiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &interactiveOptions{}

	cmd := &cobra.Command{
		Use:   "interactive [token|text]",
		Short: "Review and settle an order step by step",
		Long: `Show the preflight check for an order and settle it, asking before every
transaction. Declining at any prompt stops the flow; nothing is submitted
after a declined prompt.

The signing key is read from TAKER_PRIVATE_KEY, falling back to PRIVATE_KEY.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			return runInteractive(rootOpts, opts, arg, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "maker payload file")
	cmd.Flags().StringVar(&opts.recipient, "recipient", "", "receive the signer leg here (default: your wallet)")
	cmd.Flags().StringVar(&opts.maxRoyalty, "max-royalty", "0", "largest NFT royalty to pay, in base units of the sender token")

	return cmd
}

func runInteractive(rootOpts *RootOptions, opts *interactiveOptions, arg string, cmd *cobra.Command) error {
	if arg == "-" {
		return NewExitError(ExitCommandError, "interactive reads confirmations from stdin; pass the order as an argument or --file")
	}
	recipient, err := parseAddress("recipient", opts.recipient)
	if err != nil {
		return err
	}
	maxRoyalty, err := parseBaseUnits("max-royalty", opts.maxRoyalty)
	if err != nil {
		return err
	}
	o, _, err := readOrder(arg, opts.file, cmd.InOrStdin())
	if err != nil {
		return err
	}
	signer, err := wallet.FromEnv("TAKER_PRIVATE_KEY", "PRIVATE_KEY")
	if err != nil {
		return WrapExitError(ExitCommandError, "no signing key", err)
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

	writer := rt.Writer(signer)
	writer.SetMaxRoyalty(maxRoyalty)
	driver := &agent.Interactive{
		In:        cmd.InOrStdin(),
		Out:       cmd.OutOrStdout(),
		Network:   rt.Network,
		Checker:   rt.Engine,
		Writer:    writer,
		Recipient: recipient,
		Options:   swap.Options{ConfirmTimeout: cfg.ConfirmWait(), Logger: logger},
	}
	ctx, stop := withSignals(commandContext(cmd))
	defer stop()
	if err := driver.Run(ctx, o); err != nil {
		if errors.Is(err, swap.ErrAbandoned) {
			return nil
		}
		return WrapExitError(ExitFailure, "order was not settled", err)
	}
	return nil
}
