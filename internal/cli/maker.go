package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"castswap/internal/agent"
	"castswap/internal/config"
	"castswap/internal/fees"
	"castswap/internal/order"
	"castswap/internal/publish"
	"castswap/internal/store"
	"castswap/internal/swap"
	"castswap/internal/wallet"
)

type makerOptions struct {
	request agent.MakerRequest
	out     string
	publish []string
}

// NewMakerCommand creates the maker command.
func NewMakerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &makerOptions{}

	cmd := &cobra.Command{
		Use:   "maker",
		Short: "Approve, sign and publish an order",
		Long: `Build an order from human-readable amounts, approve the signer leg for the
settlement contract, sign it and publish the compressed form.

The signing key is read from MAKER_PRIVATE_KEY, falling back to PRIVATE_KEY.
Every confirmed transaction and the published order are reported as JSON
lines.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaker(rootOpts, opts, cmd)
		},
	}

	r := &opts.request
	cmd.Flags().StringVar(&r.SignerToken, "signer-token", "", "token the maker gives (symbol or address)")
	cmd.Flags().StringVar(&r.SignerAmount, "signer-amount", "", "amount the maker gives, in token units")
	cmd.Flags().StringVar(&r.SignerKind, "signer-kind", "ERC20", "signer leg kind (ERC20|ERC721|ERC1155)")
	cmd.Flags().StringVar(&r.SignerID, "signer-id", "", "token id for NFT signer legs")
	cmd.Flags().StringVar(&r.SenderToken, "sender-token", "", "token the maker wants (symbol or address)")
	cmd.Flags().StringVar(&r.SenderAmount, "sender-amount", "", "amount the maker wants, in token units")
	cmd.Flags().StringVar(&r.SenderKind, "sender-kind", "ERC20", "sender leg kind (ERC20|ERC721|ERC1155)")
	cmd.Flags().StringVar(&r.SenderID, "sender-id", "", "token id for NFT sender legs")
	cmd.Flags().StringVar(&r.SenderWallet, "sender-wallet", "", "restrict the order to one taker (default: open)")
	cmd.Flags().DurationVar(&r.Expiry, "expiry", time.Hour, "time until the order expires")
	cmd.Flags().StringVar(&r.NoncePolicy, "nonce-policy", agent.NonceTime, "nonce policy (time|random)")
	cmd.Flags().StringVar(&r.Settlement, "settlement", "", "settlement contract override")
	cmd.Flags().StringVar(&r.AffiliateWallet, "affiliate-wallet", "", "affiliate paid from the sender leg")
	cmd.Flags().StringVar(&r.AffiliateAmount, "affiliate-amount", "0", "affiliate amount, in sender token units")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write the payload file here")
	cmd.Flags().StringSliceVar(&opts.publish, "publish", []string{publish.ChannelStdout}, "channels to publish to (stdout|file|nats)")

	_ = cmd.MarkFlagRequired("signer-token")
	_ = cmd.MarkFlagRequired("sender-token")

	return cmd
}

func runMaker(rootOpts *RootOptions, opts *makerOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	for _, ch := range opts.publish {
		switch ch {
		case publish.ChannelStdout, publish.ChannelNATS:
		case publish.ChannelFile:
			if opts.out == "" {
				return NewExitError(ExitCommandError, "--publish file needs --out")
			}
		default:
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown publish channel %q", ch))
		}
	}

	signer, err := wallet.FromEnv("MAKER_PRIVATE_KEY", "PRIVATE_KEY")
	if err != nil {
		return WrapExitError(ExitCommandError, "no signing key", err)
	}
	cfg, logger, err := environment(rootOpts, cmd)
	if err != nil {
		return err
	}
	rt, err := agent.Dial(cfg, rootOpts.Network, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare network", err)
	}
	defer rt.Close()

	ctx := commandContext(cmd)
	now := time.Now()
	params, tokens, err := opts.request.Params(ctx, rt.Network, rt.Reader, now)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid order", err)
	}

	publisher, closeAll, err := makerPublishers(cfg, rt.Network, opts, tokens, now, logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeAll()

	maker := &agent.MakerAgent{
		Network:   rt.Network,
		Checker:   rt.Engine,
		Writer:    rt.Writer(signer),
		Signer:    signer,
		Publisher: publisher,
		Report:    reporter(rootOpts, cmd),
		Options:   swap.Options{ConfirmTimeout: cfg.ConfirmWait(), Logger: logger},
	}
	report, err := maker.Make(ctx, params)
	if err != nil {
		_ = formatter.Failure(report, err)
		return WrapExitError(ExitFailure, "order was not published", err)
	}
	return formatter.Result(report, func(w io.Writer) {
		fmt.Fprintf(w, "✔ order published (nonce %s, expires %s)\n", report.Nonce, report.Expiry.Format(time.RFC3339))
		for _, tx := range report.Transactions {
			fmt.Fprintf(w, "  %-8s %s %s\n", tx.Action, tx.Hash.Hex(), tx.URL)
		}
	})
}

// reporter writes step summaries to stdout in json mode and to stderr otherwise, so text
// output stays readable.
func reporter(rootOpts *RootOptions, cmd *cobra.Command) *agent.Reporter {
	if rootOpts.Format == "json" {
		return agent.NewReporter(cmd.OutOrStdout())
	}
	return agent.NewReporter(cmd.ErrOrStderr())
}

func makerPublishers(cfg *config.Config, network *config.NetworkConfig, opts *makerOptions, tokens []agent.Token, now time.Time, logger *logrus.Logger, stdout io.Writer) (publish.Publisher, func(), error) {
	var pubs []publish.Publisher
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	file := opts.out != ""
	for _, ch := range opts.publish {
		switch ch {
		case publish.ChannelStdout:
			pubs = append(pubs, publish.NewLinePublisher(stdout))
		case publish.ChannelFile:
			file = true
		case publish.ChannelNATS:
			if cfg.NATS.URL == "" {
				closeAll()
				return nil, nil, NewExitError(ExitCommandError, "--publish nats needs nats.url or NATS_URL")
			}
			client, err := publish.ConnectNATS(cfg.NATS, logger)
			if err != nil {
				closeAll()
				return nil, nil, WrapExitError(ExitCommandError, "failed to connect to NATS", err)
			}
			closers = append(closers, client.Close)
			pubs = append(pubs, client)
		}
	}
	if file {
		pubs = append(pubs, &publish.FilePublisher{
			Path: opts.out,
			Meta: func(o *order.Order) publish.Metadata {
				return payloadMetadata(network, o, tokens, now)
			},
		})
	}
	repo, closeRepo, err := openLedger(cfg, logger)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, closeRepo)
	if repo != nil {
		pubs = append(pubs, &store.Recorder{Repo: repo, Source: "maker"})
	}
	return publish.NewMulti(logger, pubs...), closeAll, nil
}

func payloadMetadata(network *config.NetworkConfig, o *order.Order, tokens []agent.Token, now time.Time) publish.Metadata {
	leg := func(p order.Party, tok agent.Token) publish.Leg {
		return publish.Leg{
			Token:       p.Token,
			Symbol:      tok.Symbol,
			Decimals:    tok.Decimals,
			Kind:        p.Kind.String(),
			Description: fees.Describe(p, tok.Symbol, tok.Decimals),
		}
	}
	meta := publish.Metadata{
		Network:   network.Name,
		ChainID:   o.ChainID,
		CreatedAt: now.UTC(),
		ExpiresAt: time.Unix(int64(o.Expiry), 0).UTC(),
		Explorer:  strings.TrimRight(network.Explorer, "/"),
	}
	if len(tokens) == 2 {
		meta.Signer = leg(o.Signer, tokens[0])
		meta.Sender = leg(o.Sender, tokens[1])
	} else {
		meta.Signer = leg(o.Signer, agent.Token{Address: o.Signer.Token})
		meta.Sender = leg(o.Sender, agent.Token{Address: o.Sender.Token})
	}
	return meta
}
