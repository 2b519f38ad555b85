package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	obs "github.com/mohammed-shakir/cartodb-layer/internal/core/observability"
	"github.com/mohammed-shakir/cartodb-layer/internal/invalidation"
	mylog "github.com/mohammed-shakir/cartodb-layer/internal/logger"
)

// Forgetter drops whatever is cached for a table; *bounds.Cached satisfies it.
type Forgetter interface {
	Forget(ctx context.Context, account, table string) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	zlog   *zerolog.Logger
	target Forgetter
	dedupe *versionDedupe
}

func New(cfg Config, logger *slog.Logger, zl *zerolog.Logger, target Forgetter) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		zlog:   zl,
		target: target,
		dedupe: newVersionDedupe(cfg.DedupeSize),
	}
}

// Start consumes table-change events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.target == nil {
		return errors.New("kafkaconsumer: missing extent cache")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := c.handler()

	c.logger.Info("extent invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("extent invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				obs.IncKafkaConsumerError("consume")
				c.logger.Error("consumer error", "err", err)
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// ProcessOne applies a single table-change message. Malformed messages are
// logged and skipped so they do not block the partition.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ctx = mylog.WithComponent(ctx, "extent_invalidation")

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncKafkaConsumerError("decode")
		c.logMessageError(ctx, msg, "decode", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncKafkaConsumerError("invalid")
		c.logMessageError(ctx, msg, "invalid", err)
		return nil
	}

	if ev.Seq > 0 && !c.dedupe.shouldApply(ev.Key(), ev.Seq) {
		c.logger.Debug("stale table-change event skipped", "table", ev.Key(), "seq", ev.Seq)
		return nil
	}

	ctx = mylog.WithTable(mylog.WithAccount(ctx, ev.Account), ev.Table)
	err := c.target.Forget(ctx, ev.Account, ev.Table)
	obs.IncInvalidation(ev.Op, err)
	if err != nil {
		obs.IncKafkaConsumerError("forget")
		c.logMessageError(ctx, msg, "forget", err)
		return fmt.Errorf("forget extent: %w", err)
	}
	if ev.Seq > 0 {
		c.dedupe.applied(ev.Key(), ev.Seq)
	}

	mylog.FromContext(ctx, c.zlog).Info().
		Str("event", "invalidation").
		Str("op", ev.Op).
		Uint64("seq", ev.Seq).
		Msg("extent invalidated")
	return nil
}

func (c *Consumer) logMessageError(ctx context.Context, msg *sarama.ConsumerMessage, kind string, err error) {
	mylog.FromContext(ctx, c.zlog).Error().
		Err(err).
		Str("kind", kind).
		Str("topic", msg.Topic).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("kafka error")
}
