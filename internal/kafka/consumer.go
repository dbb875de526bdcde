package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/metrics"
)

// Message statuses reported to metrics
const (
	statusProcessed = "processed"
	statusInvalid   = "invalid"
	statusFailed    = "failed"
)

// PlayRecorder applies play results
type PlayRecorder interface {
	RecordPlayResult(ctx context.Context, caller domain.Caller, result domain.PlayResult) (*domain.PlayOutcome, error)
}

// PlayResultMessage is the message format on the play results topic. Game
// servers publish one message per finished round.
type PlayResultMessage struct {
	UserID         string    `json:"user_id"`
	GameID         string    `json:"game_id"`
	Level          int       `json:"level"`
	Difficulty     string    `json:"difficulty"`
	Won            bool      `json:"won"`
	PointsOverride *int64    `json:"points_override,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// DecodePlayResult parses and validates a message value
func DecodePlayResult(value []byte) (domain.Caller, domain.PlayResult, error) {
	var msg PlayResultMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return domain.Caller{}, domain.PlayResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if msg.UserID == "" {
		return domain.Caller{}, domain.PlayResult{}, fmt.Errorf("%w: missing user_id", domain.ErrInvalidRequest)
	}

	difficulty, err := domain.ParseDifficulty(msg.Difficulty)
	if err != nil {
		return domain.Caller{}, domain.PlayResult{}, err
	}
	result := domain.PlayResult{
		GameID:         msg.GameID,
		Level:          msg.Level,
		Difficulty:     difficulty,
		Won:            msg.Won,
		PointsOverride: msg.PointsOverride,
	}
	if err := result.Validate(); err != nil {
		return domain.Caller{}, domain.PlayResult{}, err
	}
	return domain.Caller{UserID: msg.UserID}, result, nil
}

// Consumer consumes play results from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	recorder      PlayRecorder
	metrics       *metrics.Metrics
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, recorder PlayRecorder, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	return newConsumer(cfg, recorder, consumerGroup, logger), nil
}

func newConsumer(cfg *config.KafkaConfig, recorder PlayRecorder, group sarama.ConsumerGroup, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		recorder:      recorder,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}
}

// SetMetrics enables message counters
func (c *Consumer) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("Kafka consumer ready")

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// handle applies one message value and returns its status. Transient failures
// are retried; a message that cannot be applied is logged and skipped so one
// bad record does not stall the partition.
func (c *Consumer) handle(ctx context.Context, value []byte) string {
	caller, result, err := DecodePlayResult(value)
	if err != nil {
		c.logger.Warn("invalid play result message", "error", err)
		return statusInvalid
	}

	for attempt := 1; ; attempt++ {
		outcome, err := c.recorder.RecordPlayResult(ctx, caller, result)
		if err == nil {
			c.logger.Debug("play result applied",
				"user_id", caller.UserID,
				"game_id", result.GameID,
				"points_earned", outcome.PointsEarned,
			)
			return statusProcessed
		}
		if domain.IsValidationError(err) || errors.Is(err, domain.ErrUnauthenticated) {
			c.logger.Warn("rejected play result", "user_id", caller.UserID, "error", err)
			return statusInvalid
		}
		if attempt >= c.config.RetryAttempts {
			c.logger.Error("failed to apply play result",
				"user_id", caller.UserID,
				"game_id", result.GameID,
				"attempts", attempt,
				"error", err,
			)
			return statusFailed
		}

		select {
		case <-ctx.Done():
			return statusFailed
		case <-time.After(c.config.RetryDelay):
		}
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Messages are
// buffered into batches and marked only after they were applied.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.consumer
	batch := make([]*sarama.ConsumerMessage, 0, c.config.BatchSize)
	batchTimer := time.NewTimer(c.config.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batch) == 0 {
			return
		}

		for _, message := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			status := c.handle(ctx, message.Value)
			cancel()

			c.metrics.MessageConsumed(status)
			session.MarkMessage(message, "")
		}
		c.logger.Debug("processed batch", "batch_size", len(batch))

		batch = batch[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			// Process remaining batch before exit
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(c.config.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}

			batch = append(batch, message)
			if len(batch) >= c.config.BatchSize {
				processBatch()
				batchTimer.Reset(c.config.BatchTimeout)
			}
		}
	}
}
