// Package runner 实现流水线最后一步的执行协作方。只有策略、信封校验和全部
// Agent 都成功后才会调用 Runner；非零退出码记录在结果中，不视为错误。
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Result 描述一次命令执行的输出。
type Result struct {
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitStatus int           `json:"exit_status"`
	Duration   time.Duration `json:"duration"`
	Truncated  bool          `json:"truncated,omitempty"`
}

// Runner 执行已经通过全部检查的命令。
type Runner interface {
	Run(ctx context.Context, command string) (*Result, error)
}

// Config 描述 Runner 的驱动与参数。
type Config struct {
	Driver         string        `yaml:"driver" env:"DRIVER"`
	Shell          string        `yaml:"shell" env:"SHELL"`
	WorkDir        string        `yaml:"work_dir" env:"WORK_DIR"`
	Image          string        `yaml:"image" env:"IMAGE"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

const (
	DriverDry    = "dry"
	DriverShell  = "shell"
	DriverDagger = "dagger"

	defaultTimeout        = 60 * time.Second
	defaultMaxOutputBytes = 1 << 20
	defaultImage          = "alpine:3.20"
)

// New 根据配置创建 Runner。dagger 驱动会连接 Dagger 引擎，调用方负责 Close。
func New(ctx context.Context, cfg Config) (Runner, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverDry:
		return NewDry(), nil
	case "", DriverShell:
		return NewShell(cfg), nil
	case DriverDagger:
		r, err := NewDagger(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("不支持的 runner 驱动: %s", cfg.Driver)
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c Config) maxOutput() int {
	if c.MaxOutputBytes <= 0 {
		return defaultMaxOutputBytes
	}
	return c.MaxOutputBytes
}
