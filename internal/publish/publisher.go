package publish

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"castswap/internal/metrics"
	"castswap/internal/order"
)

const (
	ChannelStdout = "stdout"
	ChannelFile   = "file"
	ChannelNATS   = "nats"
)

// Publisher hands a signed order to one distribution channel.
type Publisher interface {
	Publish(ctx context.Context, o *order.Order, compressed string) error
}

// LinePublisher writes the payload line to w, e.g. stdout for piping into a chat message.
type LinePublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLinePublisher(w io.Writer) *LinePublisher {
	return &LinePublisher{w: w}
}

func (p *LinePublisher) Publish(_ context.Context, _ *order.Order, compressed string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintln(p.w, order.PayloadLine(compressed)); err != nil {
		return fmt.Errorf("failed to write payload line: %w", err)
	}
	metrics.PublishedOrders.WithLabelValues(ChannelStdout).Inc()
	return nil
}

// FilePublisher writes a payload file. Meta is called per order to build the metadata block.
type FilePublisher struct {
	Path string
	Meta func(o *order.Order) Metadata
}

func (p *FilePublisher) Publish(_ context.Context, o *order.Order, compressed string) error {
	var meta Metadata
	if p.Meta != nil {
		meta = p.Meta(o)
	}
	if err := WriteFile(p.Path, NewPayload(o, compressed, meta)); err != nil {
		return err
	}
	metrics.PublishedOrders.WithLabelValues(ChannelFile).Inc()
	return nil
}

// Multi publishes to every channel and reports all failures together.
type Multi struct {
	publishers []Publisher
	log        *logrus.Entry
}

func NewMulti(logger *logrus.Logger, publishers ...Publisher) *Multi {
	return &Multi{publishers: publishers, log: logger.WithField("component", "publish")}
}

func (m *Multi) Publish(ctx context.Context, o *order.Order, compressed string) error {
	var result *multierror.Error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, o, compressed); err != nil {
			m.log.WithError(err).WithField("publisher", fmt.Sprintf("%T", p)).Warn("⚠️ publish failed")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
