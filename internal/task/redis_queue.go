package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "agent-matrix/internal/errors"
	"agent-matrix/pkg/logger"
)

const (
	defaultRedisQueueKey  = "agentmatrix:commands"
	defaultRedeliverDelay = time.Second
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
	// RedeliverDelay 是处理失败的任务重新入队前的等待时间。
	RedeliverDelay time.Duration
}

// redisListClient 是 RedisQueue 用到的列表命令子集，*redis.Client 满足该接口。
type redisListClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// RedisQueue 使用 Redis list 实现任务队列，LPUSH 入队、BRPOP 出队，
// 多个守护进程可共享同一队列。
type RedisQueue struct {
	client  redisListClient
	key     string
	wait    time.Duration
	backoff time.Duration
}

// NewRedisQueue 连接 Redis 并创建队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client redisListClient, cfg RedisQueueConfig) *RedisQueue {
	q := &RedisQueue{client: client, key: cfg.Queue, wait: cfg.BlockWait, backoff: cfg.RedeliverDelay}
	if q.key == "" {
		q.key = defaultRedisQueueKey
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	if q.backoff <= 0 {
		q.backoff = defaultRedeliverDelay
	}
	return q
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个协程通过 BRPOP 取任务，直到 ctx 取消或
// Redis 返回不可恢复的错误。返回前等待所有协程退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil {
				cancel(err)
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return context.Cause(ctx)
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		default:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		}
		if len(values) != 2 {
			continue
		}
		taskID := values[1]
		if err := handler(ctx, taskID); err != nil {
			q.redeliver(ctx, taskID, err)
		}
	}
	return nil
}

// redeliver 在等待 backoff 后把任务放回队尾。Handler 只在任务仍可被领取时
// 返回错误，因此重新投递不会重复执行已打开的信封。
func (q *RedisQueue) redeliver(ctx context.Context, taskID string, cause error) {
	timer := time.NewTimer(q.backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.client.RPush(pushCtx, q.key, taskID).Err(); err != nil {
		logger.Named("queue").Error("Redis 重新投递任务失败",
			"task_id", taskID, "error", err, "cause", cause)
		return
	}
	logger.Named("queue").Warn("Redis 任务处理失败，已重新投递", "task_id", taskID, "error", cause)
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
