package task

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "agent-matrix/internal/errors"
	"agent-matrix/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
	// RedeliverDelay 是处理失败的消息被 Nack 回队列前的等待时间。
	RedeliverDelay time.Duration
}

// amqpChannel 是 RabbitMQQueue 用到的 channel 操作，*amqp.Channel 满足该接口。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQQueue 使用 RabbitMQ 实现任务队列。消息在处理成功后确认，
// 处理失败时延迟 Nack 并重新入队。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	ch      amqpChannel
	queue   string
	backoff time.Duration
}

// NewRabbitMQQueue 连接 RabbitMQ、声明队列并创建实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentmatrix.commands"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	q := newRabbitMQQueue(ch, queue, cfg.RedeliverDelay)
	q.conn = conn
	return q, nil
}

func newRabbitMQQueue(ch amqpChannel, queue string, backoff time.Duration) *RabbitMQQueue {
	if backoff <= 0 {
		backoff = defaultRedeliverDelay
	}
	return &RabbitMQQueue{ch: ch, queue: queue, backoff: backoff}
}

// Publish 将任务投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(taskID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

// Consume 使用手动确认模式消费队列，直到 ctx 取消或 broker 关闭投递通道。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						cancel(xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭"))
						return
					}
					q.deliver(ctx, msg, handler)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return context.Cause(ctx)
}

func (q *RabbitMQQueue) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	taskID := string(msg.Body)
	handlerErr := handler(ctx, taskID)
	if handlerErr == nil {
		if err := msg.Ack(false); err != nil {
			logger.Named("queue").Error("RabbitMQ 确认消息失败", "task_id", taskID, "error", err)
		}
		return
	}

	// 任务仍可被领取，延迟后交还 broker 重新投递。
	timer := time.NewTimer(q.backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := msg.Nack(false, true); err != nil {
		logger.Named("queue").Error("RabbitMQ 退回消息失败",
			"task_id", taskID, "error", err, "cause", handlerErr)
		return
	}
	logger.Named("queue").Warn("RabbitMQ 任务处理失败，已退回队列", "task_id", taskID, "error", handlerErr)
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
