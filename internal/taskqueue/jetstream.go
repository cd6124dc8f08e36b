package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/basket/go-triage/internal/model"
)

// JetStreamConfig names the stream and durable consumer backing the queue.
type JetStreamConfig struct {
	Stream     string
	Subject    string
	Durable    string
	PopTimeout time.Duration
	AckWait    time.Duration
	Logger     *slog.Logger
}

// JetStreamQueue is a distributed queue over a work-queue stream. Ordering is
// approximately FIFO across consumers. A fetched task that is not yet due is
// negatively acknowledged with the remaining delay so the server redelivers
// it later instead of a consumer spinning on it.
type JetStreamQueue struct {
	js         jetstream.JetStream
	stream     jetstream.Stream
	consumer   jetstream.Consumer
	subject    string
	popTimeout time.Duration
	logger     *slog.Logger
}

func NewJetStreamQueue(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) (*JetStreamQueue, error) {
	if js == nil {
		return nil, errors.New("jetstream context required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "TRIAGE_TASKS"
	}
	if cfg.Subject == "" {
		cfg.Subject = "triage.tasks"
	}
	if cfg.Durable == "" {
		cfg.Durable = "triage-engine"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	return &JetStreamQueue{
		js:         js,
		stream:     stream,
		consumer:   consumer,
		subject:    cfg.Subject,
		popTimeout: popTimeoutOrDefault(cfg.PopTimeout),
		logger:     cfg.Logger,
	}, nil
}

func (q *JetStreamQueue) Push(ctx context.Context, task model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if _, err := q.js.Publish(ctx, q.subject, data); err != nil {
		return fmt.Errorf("publish task %s: %w", task.TaskID, err)
	}
	return nil
}

func (q *JetStreamQueue) Pop(ctx context.Context) (model.Task, bool, error) {
	deadline := time.Now().Add(q.popTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return model.Task{}, false, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return model.Task{}, false, nil
		}
		if remaining < 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}

		msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(remaining))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return model.Task{}, false, fmt.Errorf("fetch task: %w", err)
		}
		for msg := range msgs.Messages() {
			var task model.Task
			if err := json.Unmarshal(msg.Data(), &task); err != nil {
				q.logger.Error("dropping undecodable task message", "error", err)
				_ = msg.Term()
				continue
			}
			now := time.Now()
			if !task.ReadyAt(now) {
				if err := msg.NakWithDelay(task.RetryAt().Sub(now)); err != nil {
					q.logger.Warn("nak delayed task failed", "task_id", task.TaskID, "error", err)
				}
				continue
			}
			if err := msg.Ack(); err != nil {
				return model.Task{}, false, fmt.Errorf("ack task %s: %w", task.TaskID, err)
			}
			return task, true, nil
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return model.Task{}, false, fmt.Errorf("fetch task: %w", err)
		}
	}
}

func (q *JetStreamQueue) Len(ctx context.Context) (int, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}
	return int(info.State.Msgs), nil
}

func (q *JetStreamQueue) Close() error { return nil }
