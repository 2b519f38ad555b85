package kafkaconsumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

type messageProcessor func(context.Context, *sarama.ConsumerMessage) error

// groupHandler feeds the table-change messages of each claimed partition to
// the extent cache in offset order. An offset is marked only after the
// table's extent was forgotten; a failed Forget ends the claim unmarked so
// the change is redelivered rather than leaving a stale extent cached.
type groupHandler struct {
	process messageProcessor
	logger  *slog.Logger
}

func (c *Consumer) handler() *groupHandler {
	return &groupHandler{process: c.ProcessOne, logger: c.logger}
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info("extent invalidation partitions assigned",
		"member", sess.MemberID(), "generation", sess.GenerationID(), "claims", sess.Claims())
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info("extent invalidation partitions released", "generation", sess.GenerationID())
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	applied := 0
	defer func() {
		h.logger.Debug("extent invalidation claim ended",
			"topic", claim.Topic(), "partition", claim.Partition(), "applied", applied)
	}()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return fmt.Errorf("table change not applied (topic=%s, part=%d, off=%d): %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
			applied++
		}
	}
}
