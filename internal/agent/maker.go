package agent

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"castswap/internal/config"
	"castswap/internal/order"
	"castswap/internal/swap"
)

// MakerReport is the maker agent's final summary.
type MakerReport struct {
	State        swap.State `json:"state"`
	Compressed   string     `json:"compressed,omitempty"`
	Line         string     `json:"line,omitempty"`
	Nonce        string     `json:"nonce,omitempty"`
	Expiry       time.Time  `json:"expiry"`
	ProtocolFee  uint64     `json:"protocolFee"`
	Transactions []TxLink   `json:"transactions"`
	Error        string     `json:"error,omitempty"`
}

// MakerAgent prepares, signs and publishes one order without supervision.
type MakerAgent struct {
	Network   *config.NetworkConfig
	Checker   swap.Checker
	Writer    swap.ChainWriter
	Signer    order.HashSigner
	Publisher swap.Publisher
	Report    *Reporter
	Options   swap.Options
}

// Make drives Idle to Published and reports every confirmed step.
func (a *MakerAgent) Make(ctx context.Context, params swap.MakerParams) (*MakerReport, error) {
	opts := a.Options
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	log := opts.Logger.WithFields(logrus.Fields{"component": "agent", "role": "maker"})
	maker := swap.NewMaker(params, a.Checker, a.Writer, a.Signer, a.Publisher, opts)

	a.Report.Emit("maker.start", map[string]interface{}{
		"wallet":     a.Writer.Address(),
		"chainId":    params.ChainID,
		"settlement": params.Settlement,
		"expiry":     params.Expiry.UTC(),
	})

	err := maker.Run(ctx)
	report := &MakerReport{
		State:        maker.Machine().State(),
		Expiry:       params.Expiry.UTC(),
		Transactions: links(a.Network, maker.Transactions()),
	}
	for _, tx := range report.Transactions {
		a.Report.Emit("maker."+tx.Action, tx)
	}
	if o, compressed := maker.Order(); o != nil {
		report.Compressed = compressed
		report.Line = order.PayloadLine(compressed)
		report.Nonce = order.Int(o.Nonce).String()
		report.ProtocolFee = o.ProtocolFee
	}
	if err != nil {
		report.Error = err.Error()
		log.WithError(err).WithField("state", report.State).Error("❌ maker flow stopped")
		a.Report.Emit("maker.error", report)
		return report, err
	}
	log.WithField("nonce", report.Nonce).Info("✅ order published")
	a.Report.Emit("maker.published", report)
	return report, nil
}
