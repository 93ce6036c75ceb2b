package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"castswap/internal/config"
	"castswap/internal/metrics"
	"castswap/internal/order"
)

const defaultConnectTimeout = 10 * time.Second

// Announcement is the NATS message carrying one order.
type Announcement struct {
	ID          string         `json:"id"`
	ChainID     uint64         `json:"chainId"`
	Settlement  common.Address `json:"settlement"`
	Signer      common.Address `json:"signer"`
	Nonce       string         `json:"nonce"`
	Compressed  string         `json:"compressed"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// Received is an announcement whose order decoded successfully.
type Received struct {
	Subject      string
	Announcement *Announcement
	Order        *order.Order
}

// NATSClient publishes and subscribes to order announcements on "<subject>.<chainId>".
type NATSClient struct {
	conn    *nats.Conn
	subject string
	log     *logrus.Entry
}

// ConnectNATS dials the configured server and keeps reconnecting for the life of the process.
func ConnectNATS(cfg config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	log := logger.WithField("component", "nats")
	connectTimeout := defaultConnectTimeout
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	log.WithField("timeout", connectTimeout).Info("🔌 connecting to NATS")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("castswap"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("⚠️ NATS disconnected")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("✅ NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)
	return NewNATSClient(conn, cfg.Subject, logger), nil
}

// NewNATSClient wraps an existing connection.
func NewNATSClient(conn *nats.Conn, subject string, logger *logrus.Logger) *NATSClient {
	if subject == "" {
		subject = "castswap.orders"
	}
	return &NATSClient{conn: conn, subject: subject, log: logger.WithField("component", "nats")}
}

// SubjectFor is the subject orders of chainID are announced on.
func (c *NATSClient) SubjectFor(chainID uint64) string {
	return fmt.Sprintf("%s.%d", c.subject, chainID)
}

// Publish announces o and flushes so the caller knows the server accepted it.
func (c *NATSClient) Publish(ctx context.Context, o *order.Order, compressed string) error {
	msg := &Announcement{
		ID:          uuid.NewString(),
		ChainID:     o.ChainID,
		Settlement:  o.Settlement,
		Signer:      o.Signer.Wallet,
		Nonce:       order.Int(o.Nonce).String(),
		Compressed:  compressed,
		PublishedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}
	subject := c.SubjectFor(o.ChainID)
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish order: %w", err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush order: %w", err)
	}
	metrics.PublishedOrders.WithLabelValues(ChannelNATS).Inc()
	c.log.WithFields(logrus.Fields{"subject": subject, "id": msg.ID}).Info("📤 order announced")
	return nil
}

// Subscribe delivers every decodable order announced for chainID. Undecodable messages are
// logged and dropped.
func (c *NATSClient) Subscribe(chainID uint64, handler func(*Received)) (*nats.Subscription, error) {
	subject := c.SubjectFor(chainID)
	sub, err := c.conn.Subscribe(subject, c.handle(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.log.WithField("subject", subject).Info("✅ subscribed to order announcements")
	return sub, nil
}

func (c *NATSClient) handle(handler func(*Received)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		received, err := DecodeMessage(msg.Subject, msg.Data)
		if err != nil {
			c.log.WithError(err).WithField("subject", msg.Subject).Warn("⚠️ dropping undecodable announcement")
			return
		}
		handler(received)
	}
}

// DecodeMessage accepts a JSON announcement or, from simpler producers, plain text carrying a
// payload line.
func DecodeMessage(subject string, data []byte) (*Received, error) {
	var msg Announcement
	if err := json.Unmarshal(data, &msg); err == nil && msg.Compressed != "" {
		o, err := order.Decode(msg.Compressed)
		if err != nil {
			return nil, err
		}
		if msg.ChainID != 0 && msg.ChainID != o.ChainID {
			return nil, fmt.Errorf("%w: announced for chain %d, order is for chain %d", order.ErrMalformedPayload, msg.ChainID, o.ChainID)
		}
		return &Received{Subject: subject, Announcement: &msg, Order: o}, nil
	}

	token, err := order.Extract(string(data))
	if err != nil {
		if errors.Is(err, order.ErrNoPayloadLine) {
			token = strings.TrimSpace(string(data))
		} else {
			return nil, err
		}
	}
	o, err := order.Decode(token)
	if err != nil {
		return nil, err
	}
	return &Received{
		Subject:      subject,
		Announcement: &Announcement{ChainID: o.ChainID, Settlement: o.Settlement, Signer: o.Signer.Wallet, Nonce: order.Int(o.Nonce).String(), Compressed: token},
		Order:        o,
	}, nil
}

func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
