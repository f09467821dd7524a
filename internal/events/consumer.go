package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DepositCommand is a confirmed on-chain deposit to credit.
type DepositCommand struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	TxHash  string          `json:"txHash"`
}

// ResolutionCommand asks the ledger to resolve a round.
type ResolutionCommand struct {
	RoundID     int64  `json:"roundId"`
	WinningSide string `json:"winningSide"`
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer reads commands from one topic and hands each to handle. A
// message is committed after handle succeeds or fails permanently; a
// retryable failure is retried with backoff and never skipped.
type Consumer struct {
	reader    MessageReader
	handle    func(ctx context.Context, value []byte) error
	retryable func(error) bool
	log       *zap.Logger
	backoff   time.Duration
}

// NewDepositConsumer decodes DepositCommand messages.
func NewDepositConsumer(r MessageReader, handle func(context.Context, DepositCommand) error, retryable func(error) bool, log *zap.Logger) *Consumer {
	return newConsumer(r, decodeInto(handle), retryable, log.With(zap.String("consumer", "deposits")))
}

// NewResolutionConsumer decodes ResolutionCommand messages.
func NewResolutionConsumer(r MessageReader, handle func(context.Context, ResolutionCommand) error, retryable func(error) bool, log *zap.Logger) *Consumer {
	return newConsumer(r, decodeInto(handle), retryable, log.With(zap.String("consumer", "resolutions")))
}

func newConsumer(r MessageReader, handle func(context.Context, []byte) error, retryable func(error) bool, log *zap.Logger) *Consumer {
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return &Consumer{reader: r, handle: handle, retryable: retryable, log: log, backoff: 500 * time.Millisecond}
}

// WithBackoff sets the base delay between retries.
func (c *Consumer) WithBackoff(d time.Duration) *Consumer {
	c.backoff = d
	return c
}

// errMalformed marks a message that can never be processed.
var errMalformed = errors.New("events: malformed message")

func decodeInto[T any](handle func(context.Context, T) error) func(context.Context, []byte) error {
	return func(ctx context.Context, value []byte) error {
		var cmd T
		if err := json.Unmarshal(value, &cmd); err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		return handle(ctx, cmd)
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka fetch", zap.Error(err))
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		if !c.process(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn("kafka commit", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// process handles one message, retrying transient failures. It returns
// false only when ctx is cancelled before the message is done.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, msg.Value)
		if err == nil {
			return true
		}
		if errors.Is(err, errMalformed) || !c.retryable(err) {
			c.log.Error("dropping command",
				zap.Int64("offset", msg.Offset),
				zap.ByteString("value", msg.Value),
				zap.Error(err),
			)
			return true
		}
		c.log.Warn("command failed, retrying",
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !sleep(ctx, c.backoff*time.Duration(min(attempt, 10))) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
