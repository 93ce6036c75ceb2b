package cli

import (
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/spf13/cobra"

	"castswap/internal/config"
	"castswap/internal/fees"
	"castswap/internal/order"
)

// DecodeResult is what decode reports about an order. Nothing here touches the chain.
type DecodeResult struct {
	Compressed          string       `json:"compressed"`
	Line                string       `json:"line"`
	Order               *order.Order `json:"order"`
	Network             string       `json:"network,omitempty"`
	SignatureValid      bool         `json:"signatureValid"`
	SignatureError      string       `json:"signatureError,omitempty"`
	Open                bool         `json:"open"`
	Expired             bool         `json:"expired"`
	ExpiresAt           time.Time    `json:"expiresAt"`
	Signer              string       `json:"signer"`
	Sender              string       `json:"sender"`
	RequiredSenderTotal *big.Int     `json:"requiredSenderTotal"`
}

type decodeOptions struct {
	file string
	now  func() time.Time
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &decodeOptions{now: time.Now}

	cmd := &cobra.Command{
		Use:   "decode [token|text|-]",
		Short: "Decode a compressed order without touching the chain",
		Long: `Decode a compressed order, verify its signature and describe both legs.

The argument may be the bare token, text containing a SWAP: payload line,
or "-" to read stdin. --file reads a maker payload file instead.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			return runDecode(rootOpts, opts, arg, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "maker payload file")

	return cmd
}

func runDecode(rootOpts *RootOptions, opts *decodeOptions, arg string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

	o, compressed, err := readOrder(arg, opts.file, cmd.InOrStdin())
	if err != nil {
		return err
	}
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	network, _ := cfg.NetworkByChainID(o.ChainID)

	res := describeOrder(o, compressed, network, opts.now())
	return formatter.Result(res, func(w io.Writer) { printDecode(w, res) })
}

func describeOrder(o *order.Order, compressed string, network *config.NetworkConfig, now time.Time) *DecodeResult {
	res := &DecodeResult{
		Compressed:          compressed,
		Line:                order.PayloadLine(compressed),
		Order:               o,
		Open:                o.IsOpen(),
		ExpiresAt:           time.Unix(int64(o.Expiry), 0).UTC(),
		Expired:             uint64(now.Unix()) >= o.Expiry,
		Signer:              describeLeg(network, o.Signer),
		Sender:              describeLeg(network, o.Sender),
		RequiredSenderTotal: fees.SenderRequirement(o.Sender, o.ProtocolFee),
	}
	if network != nil {
		res.Network = network.Name
	}
	if err := order.Verify(o); err != nil {
		res.SignatureError = err.Error()
	} else {
		res.SignatureValid = true
	}
	return res
}

func describeLeg(network *config.NetworkConfig, p order.Party) string {
	symbol, decimals := "", uint8(18)
	if network != nil {
		if t, ok := network.Token(p.Token.Hex()); ok {
			symbol, decimals = t.Symbol, t.Decimals
		}
	}
	return fees.Describe(p, symbol, decimals)
}

func printDecode(w io.Writer, res *DecodeResult) {
	o := res.Order
	network := res.Network
	if network == "" {
		network = "unconfigured"
	}
	fmt.Fprintf(w, "Chain       %d (%s)\n", o.ChainID, network)
	fmt.Fprintf(w, "Settlement  %s\n", o.Settlement.Hex())
	fmt.Fprintf(w, "Nonce       %s\n", order.Int(o.Nonce))
	fmt.Fprintf(w, "Signer      %s gives %s\n", o.Signer.Wallet.Hex(), res.Signer)
	if res.Open {
		fmt.Fprintf(w, "Sender      anyone gives %s\n", res.Sender)
	} else {
		fmt.Fprintf(w, "Sender      %s gives %s\n", o.Sender.Wallet.Hex(), res.Sender)
	}
	fmt.Fprintf(w, "Fee         %d bps\n", o.ProtocolFee)
	state := "valid"
	if res.Expired {
		state = "expired"
	}
	fmt.Fprintf(w, "Expires     %s (%s)\n", res.ExpiresAt.Format(time.RFC3339), state)
	if res.SignatureValid {
		fmt.Fprintln(w, "Signature   valid")
	} else {
		fmt.Fprintf(w, "Signature   invalid: %s\n", res.SignatureError)
	}
}
