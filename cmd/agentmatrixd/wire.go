package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"agent-matrix/internal/agent"
	"agent-matrix/internal/auth"
	"agent-matrix/internal/compute"
	"agent-matrix/internal/config"
	"agent-matrix/internal/dispatch"
	"agent-matrix/internal/envelope"
	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/observability/alerting"
	"agent-matrix/internal/observability/metrics"
	"agent-matrix/internal/pipeline"
	"agent-matrix/internal/policy"
	"agent-matrix/internal/runner"
	"agent-matrix/internal/scorer"
	"agent-matrix/internal/scorer/lexicon"
	"agent-matrix/internal/scorer/openai"
	"agent-matrix/internal/scorer/pythonbridge"
	mysqlstore "agent-matrix/internal/storage/mysql"
	"agent-matrix/internal/task"
	"agent-matrix/pkg/logger"
)

// core 是所有子命令共享的流水线组件。
type core struct {
	cfg      *config.Config
	key      *envelope.Key
	codec    *envelope.Codec
	gate     *policy.Gate
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	closers  []func() error
}

// daemon 在 core 之上增加存储、队列与任务处理。
type daemon struct {
	*core
	service   *task.Service
	processor *task.Processor
	alerts    alerting.Dispatcher
	auth      *auth.Service
}

func (c *core) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close 逆序释放资源并销毁密钥。
func (c *core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.key.Destroy()
	return stdErrors.Join(errs...)
}

// buildCore 依据配置组装网关、信封编解码器、Agent、分发器与 Runner。
func buildCore(ctx context.Context, cfg *config.Config, runnerOverride string) (*core, error) {
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, xerrors.New(envelope.CodeInvalidKey, fmt.Sprintf("未设置 %s", config.EnvKey))
	}
	key, err := envelope.ParseKey(cfg.Key)
	cfg.Key = ""
	if err != nil {
		return nil, err
	}
	c := &core{cfg: cfg, key: key}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	if cfg.Telemetry.MetricsEnabled {
		c.metrics = metrics.New()
	}

	c.codec, err = buildCodec(cfg.Envelope, key, c)
	if err != nil {
		return nil, err
	}

	var constraints []string
	if cfg.Policy.Constraints != nil {
		constraints = cfg.Policy.Constraints
	}
	c.gate = policy.NewGate(constraints)

	agents, err := buildAgents(cfg.Agents, c.gate)
	if err != nil {
		return nil, err
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithConcurrencyLimit(cfg.Dispatch.ConcurrencyLimit),
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
	}
	pipeOpts := []pipeline.Option{}
	if c.metrics != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(c.metrics))
		pipeOpts = append(pipeOpts, pipeline.WithObserver(c.metrics))
	}

	runCfg := cfg.Runner
	if runnerOverride != "" {
		runCfg.Driver = runnerOverride
	}
	run, err := runner.New(ctx, runCfg)
	if err != nil {
		return nil, err
	}
	if closer, isCloser := run.(io.Closer); isCloser {
		c.onClose(closer.Close)
	}
	pipeOpts = append(pipeOpts, pipeline.WithRunner(run))

	c.pipeline = pipeline.New(c.gate, c.codec, dispatch.New(dispatchOpts...), agents, pipeOpts...)
	logger.L().Info("流水线已就绪",
		slog.String("key_id", key.ID()),
		slog.String("digest", c.codec.Digest().Name()),
		slog.Any("agents", c.pipeline.Agents()),
		slog.String("runner", runCfg.Driver),
	)
	ok = true
	return c, nil
}

func buildCodec(cfg config.EnvelopeConfig, key *envelope.Key, c *core) (*envelope.Codec, error) {
	digest, err := envelope.DigestByName(cfg.Digest)
	if err != nil {
		return nil, err
	}
	opts := []envelope.Option{envelope.WithDigest(digest)}
	switch cfg.Ledger.Driver {
	case "", "memory":
		opts = append(opts, envelope.WithLedger(envelope.NewMemoryLedger(cfg.Ledger.Retention)))
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Ledger.Redis.Address,
			Password: cfg.Ledger.Redis.Password,
			DB:       cfg.Ledger.Redis.DB,
		})
		c.onClose(client.Close)
		ledger, err := envelope.NewRedisLedger(client, envelope.RedisLedgerConfig{
			Prefix:    cfg.Ledger.Prefix,
			Retention: cfg.Ledger.Retention,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, envelope.WithLedger(ledger))
	}
	return envelope.NewCodec(key, opts...)
}

func buildScorer(cfg config.ScorerConfig) (scorer.Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "lexicon":
		if cfg.Lexicon == "" {
			return lexicon.New(lexicon.DefaultEntries())
		}
		return lexicon.Load(cfg.Lexicon)
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.Script)
		return pythonbridge.NewClient(cfg.Python.Executable, script, cfg.Python.WorkingDir)
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout,
		})
	default:
		return nil, fmt.Errorf("未知的评分驱动: %s", cfg.Driver)
	}
}

func buildAgents(cfg config.AgentsConfig, gate *policy.Gate) ([]agent.Agent, error) {
	agents := make([]agent.Agent, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ethics":
			sc, err := buildScorer(cfg.Scorer)
			if err != nil {
				return nil, err
			}
			agents = append(agents, agent.NewEthicsAgent(gate, sc, agent.WithScoreTimeout(cfg.ScoreTimeout)))
		case "compute":
			acc, err := compute.Detect(compute.PluginLoader{}, cfg.AcceleratorPlugin)
			if err != nil {
				logger.L().Warn("加载加速器插件失败，使用 CPU 回退", slog.Any("error", err))
				acc = nil
			}
			agents = append(agents, agent.NewComputeAgent(acc))
		default:
			return nil, fmt.Errorf("未知的 Agent: %s", name)
		}
	}
	if len(agents) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "至少需要启用一个 Agent")
	}
	return agents, nil
}

// buildDaemon 组装完整的守护进程依赖。
func buildDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, err
	}
	c, err := buildCore(ctx, cfg, "")
	if err != nil {
		return nil, err
	}
	d := &daemon{core: c}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	d.auth, err = auth.NewService(auth.Config{
		Mode:     auth.Mode(cfg.Auth.Mode),
		Issuer:   cfg.Auth.Issuer,
		Secret:   cfg.Auth.Secret,
		TokenTTL: cfg.Auth.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	queue, err := buildQueue(cfg.Queue)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	d.service = task.NewService(c.pipeline, store, queue, cfg.Queue.MaxRetries, task.WithKeyID(c.key.ID()))
	c.onClose(d.service.Close)

	if cfg.Alerting.Enabled {
		notifiers := []alerting.Notifier{alerting.LogNotifier{}}
		for _, wh := range cfg.Alerting.Webhooks {
			notifiers = append(notifiers, &alerting.WebhookNotifier{
				URL:    wh.URL,
				Format: alerting.Channel(strings.ToLower(wh.Format)),
			})
		}
		d.alerts = alerting.NewFanout(notifiers...)
	}

	procOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
	}
	if d.alerts != nil {
		procOpts = append(procOpts, task.WithAlertDispatcher(d.alerts))
	}
	if c.metrics != nil {
		procOpts = append(procOpts, task.WithTaskObserver(c.metrics))
	}
	d.processor = task.NewProcessor(c.pipeline, store, queue, queue, procOpts...)
	ok = true
	return d, nil
}

func buildStore(ctx context.Context, cfg config.StorageConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return mysqlstore.NewCommandStore(ctx, mysqlstore.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func buildQueue(cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:        cfg.Redis.Address,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			Queue:          cfg.Redis.Key,
			BlockWait:      cfg.Redis.BlockTime,
			RedeliverDelay: cfg.RedeliverDelay,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:            cfg.RabbitMQ.URL,
			Queue:          cfg.RabbitMQ.Queue,
			Prefetch:       cfg.RabbitMQ.Prefetch,
			Durable:        true,
			RedeliverDelay: cfg.RedeliverDelay,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
