package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"castswap/internal/agent"
	"castswap/internal/check"
)

// CheckReport is a preflight outcome for one viewer.
type CheckReport struct {
	Status string        `json:"status"`
	Ready  bool          `json:"ready"`
	Error  string        `json:"error,omitempty"`
	Result *check.Result `json:"result,omitempty"`
}

type checkOptions struct {
	file   string
	viewer string
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &checkOptions{}

	cmd := &cobra.Command{
		Use:   "check [token|text|-] --viewer <address>",
		Short: "Run the preflight check for an order against live chain state",
		Long: `Recompute an order's validity for one viewing wallet: expiry, nonce, protocol
fee, signature, both legs' balances and approvals, and the settlement
contract's own check. Exits 1 when the order is expired, taken, carries a
stale fee or an invalid signature.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			return runCheck(rootOpts, opts, arg, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "maker payload file")
	cmd.Flags().StringVar(&opts.viewer, "viewer", "", "wallet the check is run for")

	return cmd
}

func runCheck(rootOpts *RootOptions, opts *checkOptions, arg string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

	if opts.viewer == "" {
		return NewExitError(ExitCommandError, "--viewer is required")
	}
	viewer, err := parseAddress("viewer", opts.viewer)
	if err != nil {
		return err
	}
	o, _, err := readOrder(arg, opts.file, cmd.InOrStdin())
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
	if err := agent.Bind(rt.Network, o); err != nil {
		return WrapExitError(ExitCommandError, "order does not belong to this network", err)
	}

	res, err := rt.Engine.Check(commandContext(cmd), o, viewer)
	report := &CheckReport{Status: check.Outcome(res, err)}
	switch {
	case err == nil:
		report.Ready = res.Ready()
		report.Result = res
	case check.IsTerminal(err):
		report.Error = err.Error()
	default:
		return WrapExitError(ExitFailure, "check failed", err)
	}

	printer := &agent.Interactive{Out: cmd.OutOrStdout()}
	if outErr := formatter.Result(report, func(w io.Writer) {
		if report.Result != nil {
			printer.PrintCheck(o, report.Result)
			return
		}
		fmt.Fprintf(w, "Status   %s: %s\n", report.Status, report.Error)
	}); outErr != nil {
		return outErr
	}
	if report.Error != "" {
		return WrapExitError(ExitFailure, "order is not usable", err)
	}
	return nil
}
