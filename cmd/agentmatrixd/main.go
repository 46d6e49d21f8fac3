package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agent-matrix/internal/api"
	"agent-matrix/internal/config"
	"agent-matrix/internal/observability/tracing"
	"agent-matrix/pkg/logger"
)

const serviceName = "agent-matrix"

var configPath string

// main 是 agent-matrix 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentmatrixd",
		Short:         "策略网关 + 加密信封 + 多 Agent 并发分发",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（默认读取 "+config.EnvConfigPath+"）")
	root.AddCommand(
		newServeCommand(),
		newExecCommand(),
		newSealCommand(),
		newOpenCommand(),
		newTokenCommand(),
		newKeygenCommand(),
	)
	return root
}

// loadConfig 加载配置并初始化日志。
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 API 服务与任务处理器",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("初始化链路追踪失败: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	d, err := buildDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.L().Error("释放资源失败", slog.Any("error", err))
		}
	}()

	processorCtx, processorCancel := context.WithCancel(ctx)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := d.processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()
	defer func() {
		processorCancel()
		<-processorDone
	}()

	opts := []api.Option{
		api.WithAuth(d.auth),
		api.WithWaitTimeout(cfg.Server.WaitTimeout),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	}
	if d.metrics != nil {
		opts = append(opts, api.WithMetrics(d.metrics))
		if addr := cfg.Telemetry.MetricsAddress; addr != "" && addr != cfg.Server.Address {
			go func() {
				if err := d.metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
					logger.L().Error("指标服务异常退出", slog.Any("error", err))
				}
			}()
		}
	}

	server := api.NewServer(cfg.Server.Address, d.service, d.gate, opts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("agent-matrix 已停止")
	return nil
}
