package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"castswap/internal/chain"
	"castswap/internal/check"
	"castswap/internal/config"
	"castswap/internal/fees"
	"castswap/internal/order"
	"castswap/internal/publish"
	"castswap/internal/rpc"
	"castswap/internal/store"
	"castswap/internal/swap"
)

const (
	defaultAttempts   = 3
	defaultRetryDelay = 5 * time.Second
	seenCacheSize     = 4096
)

// Balance is a post-settlement holding.
type Balance struct {
	Wallet  common.Address `json:"wallet"`
	Token   common.Address `json:"token"`
	Symbol  string         `json:"symbol"`
	Amount  string         `json:"amount"`
	Raw     *big.Int       `json:"raw"`
	TokenID *big.Int       `json:"tokenId,omitempty"`
}

// TakerReport is the taker agent's final summary.
type TakerReport struct {
	State        swap.State `json:"state"`
	Nonce        string     `json:"nonce"`
	Signer       string     `json:"signer"`
	Transactions []TxLink   `json:"transactions"`
	Balances     []Balance  `json:"balances,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// TakerAgent verifies and settles orders without supervision.
type TakerAgent struct {
	Network *config.NetworkConfig
	Checker swap.Checker
	Writer  swap.ChainWriter
	// Repo records settlement attempts when set.
	Repo      store.Repository
	Report    *Reporter
	Options   swap.Options
	Recipient common.Address
	// Attempts bounds runs per order when a run ends on a recoverable error.
	Attempts   int
	RetryDelay time.Duration
}

func (a *TakerAgent) log() *logrus.Entry {
	logger := a.Options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{"component": "agent", "role": "taker"})
}

// Take settles o. Orders for another chain or an unconfigured settlement contract are refused
// before any read.
func (a *TakerAgent) Take(ctx context.Context, o *order.Order) (*TakerReport, error) {
	if err := Bind(a.Network, o); err != nil {
		return nil, err
	}
	log := a.log().WithField("nonce", order.Int(o.Nonce).String())
	taker := swap.NewTaker(o, a.Checker, a.Writer, a.Recipient, a.Options)
	orderID := a.recordOrder(ctx, o)

	attempts, delay := a.Attempts, a.RetryDelay
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = taker.Run(ctx)
		if err == nil || !recoverable(err) || attempt == attempts {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Warn("🔄 recoverable failure, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = attempts
		}
	}

	report := &TakerReport{
		State:        taker.Machine().State(),
		Nonce:        order.Int(o.Nonce).String(),
		Signer:       o.Signer.Wallet.Hex(),
		Transactions: links(a.Network, taker.Transactions()),
	}
	for _, tx := range report.Transactions {
		a.Report.Emit("taker."+tx.Action, tx)
	}
	a.recordSettlement(ctx, orderID, o, taker.Transactions(), report.State, err)

	if err != nil {
		report.Error = err.Error()
		log.WithError(err).WithField("state", report.State).Error("❌ taker flow stopped")
		a.Report.Emit("taker.error", report)
		return report, err
	}
	report.Balances = a.balances(ctx, o)
	log.Info("✅ order settled")
	a.Report.Emit("taker.settled", report)
	return report, nil
}

// recoverable errors leave the flow in place: a later run can still succeed.
func recoverable(err error) bool {
	return errors.Is(err, chain.ErrConfirmationTimeout) ||
		errors.Is(err, swap.ErrIncompleteRead) ||
		errors.Is(err, rpc.ErrChainUnavailable)
}

func (a *TakerAgent) balances(ctx context.Context, o *order.Order) []Balance {
	recipient := a.Recipient
	if recipient == (common.Address{}) {
		recipient = a.Writer.Address()
	}
	var out []Balance
	for _, leg := range []struct {
		party order.Party
		owner common.Address
	}{{o.Signer, recipient}, {o.Sender, a.Writer.Address()}} {
		status, err := a.Checker.Leg(ctx, leg.party, leg.owner, o.Settlement, new(big.Int))
		if err != nil {
			a.log().WithError(err).Warn("⚠️ failed to read final balance")
			continue
		}
		b := Balance{
			Wallet: leg.owner,
			Token:  leg.party.Token,
			Symbol: status.Symbol,
			Amount: fees.FormatUnits(status.Balance, status.Decimals),
			Raw:    status.Balance,
		}
		if leg.party.Kind.IsNFT() {
			b.TokenID = order.Int(leg.party.ID)
		}
		out = append(out, b)
	}
	return out
}

func (a *TakerAgent) recordOrder(ctx context.Context, o *order.Order) string {
	if a.Repo == nil {
		return ""
	}
	compressed, err := order.Encode(o)
	if err != nil {
		return ""
	}
	rec := store.NewOrderRecord(o, compressed, "taker")
	if err := a.Repo.SaveOrder(ctx, rec); err != nil {
		a.log().WithError(err).Warn("⚠️ failed to record order")
		return ""
	}
	if existing, err := a.Repo.FindOrder(ctx, o.ChainID, rec.Signer, rec.Nonce); err == nil {
		return existing.ID
	}
	return rec.ID
}

func (a *TakerAgent) recordSettlement(ctx context.Context, orderID string, o *order.Order, txs []swap.TxRecord, state swap.State, runErr error) {
	if a.Repo == nil || orderID == "" {
		return
	}
	for _, tx := range txs {
		rec := store.NewSettlementRecord(orderID, o.ChainID, a.Writer.Address(), tx.Action, tx.Hash, tx.Block, "confirmed", nil)
		if err := a.Repo.RecordSettlement(ctx, rec); err != nil {
			a.log().WithError(err).WithField("tx", tx.Hash.Hex()).Warn("⚠️ failed to record settlement")
		}
	}
	status := ""
	switch {
	case state == swap.StateSettled:
		status = store.StatusSettled
	case errors.Is(runErr, check.ErrAlreadyTaken):
		status = store.StatusTaken
	case errors.Is(runErr, check.ErrExpired):
		status = store.StatusExpired
	}
	if status != "" {
		if err := a.Repo.UpdateStatus(ctx, orderID, status); err != nil {
			a.log().WithError(err).Warn("⚠️ failed to update order status")
		}
	}
}

// Watch settles orders arriving on received until ctx ends or the channel closes. Orders
// restricted to another wallet, bound to another deployment or already seen are skipped.
// Losing a race to another taker is logged and the watch continues.
func (a *TakerAgent) Watch(ctx context.Context, received <-chan *publish.Received) error {
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create seen cache: %w", err)
	}
	me := a.Writer.Address()
	log := a.log()
	log.WithField("wallet", me.Hex()).Info("👀 watching for orders")
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-received:
			if !ok {
				return nil
			}
			o := r.Order
			key := fmt.Sprintf("%d:%s:%s", o.ChainID, o.Signer.Wallet.Hex(), order.Int(o.Nonce))
			if seen.Contains(key) {
				continue
			}
			seen.Add(key, struct{}{})
			if !o.IsOpen() && o.Sender.Wallet != me {
				log.WithField("nonce", order.Int(o.Nonce).String()).Debug("skipping order for another wallet")
				continue
			}
			if err := Bind(a.Network, o); err != nil {
				log.WithError(err).Warn("⚠️ skipping order")
				continue
			}
			a.Report.Emit("taker.received", map[string]interface{}{"subject": r.Subject, "nonce": order.Int(o.Nonce).String(), "signer": o.Signer.Wallet})
			if _, err := a.Take(ctx, o); err != nil && ctx.Err() == nil {
				log.WithError(err).Info("order not settled, continuing to watch")
			}
		}
	}
}
