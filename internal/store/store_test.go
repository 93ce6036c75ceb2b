package store

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"castswap/internal/chain/chaintest"
	"castswap/internal/config"
	"castswap/internal/order"
)

// sqlCapture records the statements gorm builds. Combined with DryRun nothing reaches a server.
type sqlCapture struct {
	mu  sync.Mutex
	sql []string
}

func (c *sqlCapture) LogMode(logger.LogLevel) logger.Interface       { return c }
func (c *sqlCapture) Info(context.Context, string, ...interface{})  {}
func (c *sqlCapture) Warn(context.Context, string, ...interface{})  {}
func (c *sqlCapture) Error(context.Context, string, ...interface{}) {}
func (c *sqlCapture) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	sql, _ := fc()
	c.mu.Lock()
	c.sql = append(c.sql, sql)
	c.mu.Unlock()
}

func (c *sqlCapture) last(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sql, "no statement was built")
	return c.sql[len(c.sql)-1]
}

func dryRunRepo(t *testing.T) (Repository, *sqlCapture) {
	t.Helper()
	capture := &sqlCapture{}
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=castswap dbname=castswap sslmode=disable",
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               capture,
	})
	require.NoError(t, err)
	return NewRepository(db), capture
}

func TestNewOrderRecord(t *testing.T) {
	f := chaintest.NewFixture(t)
	o := f.Order(t)
	compressed, err := order.Encode(o)
	require.NoError(t, err)

	rec := NewOrderRecord(o, compressed, "nats")
	assert.Len(t, rec.ID, 36)
	assert.Equal(t, strings.ToLower(f.Maker.Address().Hex()), rec.Signer)
	assert.Equal(t, o.Nonce.String(), rec.Nonce)
	assert.Equal(t, "ERC20", rec.SignerKind)
	assert.Equal(t, "1500000000000000000", rec.SignerAmount)
	assert.Equal(t, strings.ToLower(common.Address{}.Hex()), rec.SenderWallet)
	assert.Equal(t, int64(o.Expiry), rec.Expiry.Unix())
	assert.Equal(t, StatusOpen, rec.Status)

	decoded, err := rec.Order()
	require.NoError(t, err)
	assert.True(t, decoded.Equal(o))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0x000000000000000000000000000000000000a0a0", NormalizeAddress(" 0x000000000000000000000000000000000000A0A0 "))
	assert.Equal(t, "not-an-address", NormalizeAddress("not-an-address"))
}

func TestSaveOrderIgnoresRepublish(t *testing.T) {
	repo, capture := dryRunRepo(t)
	f := chaintest.NewFixture(t)
	o := f.Order(t)
	compressed, err := order.Encode(o)
	require.NoError(t, err)

	require.NoError(t, repo.SaveOrder(context.Background(), NewOrderRecord(o, compressed, "stdout")))
	sql := capture.last(t)
	assert.Contains(t, sql, `INSERT INTO "castswap_orders"`)
	assert.Contains(t, sql, `ON CONFLICT ("chain_id","signer","nonce") DO NOTHING`)
}

func TestQueriesNormalizeSigner(t *testing.T) {
	repo, capture := dryRunRepo(t)
	ctx := context.Background()
	mixed := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	lower := strings.ToLower(mixed)

	_, err := repo.ListBySigner(ctx, mixed, 0)
	require.NoError(t, err)
	sql := capture.last(t)
	assert.Contains(t, sql, "signer = '"+lower+"'")
	assert.Contains(t, sql, "ORDER BY created_at DESC")
	assert.Contains(t, sql, "LIMIT 200")

	_, err = repo.FindOrder(ctx, 8453, mixed, "42")
	require.NoError(t, err)
	assert.Contains(t, capture.last(t), "chain_id = 8453 AND signer = '"+lower+"' AND nonce = '42'")
}

func TestListOpenFiltersStatus(t *testing.T) {
	repo, capture := dryRunRepo(t)
	_, err := repo.ListOpen(context.Background(), 8453, time.Unix(1_718_000_000, 0), 25)
	require.NoError(t, err)
	sql := capture.last(t)
	assert.Contains(t, sql, "status = 'open'")
	assert.Contains(t, sql, "ORDER BY expiry ASC")
	assert.Contains(t, sql, "LIMIT 25")
}

func TestUpdateStatusAndSettlements(t *testing.T) {
	repo, capture := dryRunRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpdateStatus(ctx, "order-1", StatusSettled))
	sql := capture.last(t)
	assert.Contains(t, sql, `UPDATE "castswap_orders" SET "status"='settled'`)
	assert.Contains(t, sql, "id = 'order-1'")

	rec := NewSettlementRecord("order-1", 8453, common.HexToAddress("0x01"), "swap", common.HexToHash("0xabc"), 7, "confirmed", nil)
	require.NoError(t, repo.RecordSettlement(ctx, rec))
	assert.Contains(t, capture.last(t), `INSERT INTO "castswap_settlements"`)
	assert.Empty(t, rec.Error)

	_, err := repo.Settlements(ctx, "order-1")
	require.NoError(t, err)
	assert.Contains(t, capture.last(t), "order_id = 'order-1'")
}

func TestNewSettlementRecordKeepsError(t *testing.T) {
	rec := NewSettlementRecord("o", 1, common.Address{}, "swap", common.Hash{}, 0, "failed", errors.New("reverted"))
	assert.Equal(t, "reverted", rec.Error)
	assert.Equal(t, "failed", rec.State)
}

func TestOpenRequiresDSN(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	_, err := Open(config.DatabaseConfig{}, log)
	assert.Error(t, err)
}

func TestGormLoggerLevels(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	l := NewGormLogger(log, 50*time.Millisecond)
	query := func() (string, int64) { return "SELECT 1", 1 }
	ctx := context.Background()

	l.Trace(ctx, time.Now(), query, errors.New("boom"))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	hook.Reset()

	l.Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)
	assert.Nil(t, hook.LastEntry(), "missing rows are not errors")

	l.Trace(ctx, time.Now().Add(-time.Second), query, nil)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	hook.Reset()

	l.LogMode(logger.Info).Trace(ctx, time.Now(), query, nil)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
	hook.Reset()

	l.LogMode(logger.Silent).Trace(ctx, time.Now(), query, errors.New("boom"))
	assert.Nil(t, hook.LastEntry())
}

type memRepo struct {
	Repository
	saved []*OrderRecord
	err   error
}

func (m *memRepo) SaveOrder(_ context.Context, rec *OrderRecord) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, rec)
	return nil
}

func TestRecorderPublishes(t *testing.T) {
	f := chaintest.NewFixture(t)
	o := f.Order(t)
	compressed, err := order.Encode(o)
	require.NoError(t, err)

	repo := &memRepo{}
	rec := &Recorder{Repo: repo, Source: "maker"}
	require.NoError(t, rec.Publish(context.Background(), o, compressed))
	require.Len(t, repo.saved, 1)
	assert.Equal(t, "maker", repo.saved[0].Source)
	assert.Equal(t, compressed, repo.saved[0].Compressed)

	repo.err = errors.New("db down")
	assert.ErrorIs(t, rec.Publish(context.Background(), o, compressed), repo.err)
}
