package runner

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"time"

	"dagger.io/dagger"
)

// DaggerRunner 在一次性的 Dagger 容器中执行命令，与宿主机隔离。
type DaggerRunner struct {
	client  *dagger.Client
	image   string
	workDir string
	timeout time.Duration
}

// NewDagger 连接 Dagger 引擎并创建 Runner。
func NewDagger(ctx context.Context, cfg Config) (*DaggerRunner, error) {
	client, err := dagger.Connect(ctx, dagger.WithLogOutput(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("连接 Dagger 引擎失败: %w", err)
	}
	image := cfg.Image
	if image == "" {
		image = defaultImage
	}
	return &DaggerRunner{
		client:  client,
		image:   image,
		workDir: cfg.WorkDir,
		timeout: cfg.timeout(),
	}, nil
}

// Run 实现 Runner。
func (r *DaggerRunner) Run(ctx context.Context, command string) (*Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	container := r.client.Container().From(r.image)
	if r.workDir != "" {
		container = container.WithWorkdir(r.workDir)
	}
	ctr := container.WithExec([]string{"sh", "-c", command})

	start := time.Now()
	stdout, err := ctr.Stdout(execCtx)
	if err != nil {
		var execErr *dagger.ExecError
		if stdErrors.As(err, &execErr) {
			return &Result{
				Stdout:     execErr.Stdout,
				Stderr:     execErr.Stderr,
				ExitStatus: execErr.ExitCode,
				Duration:   time.Since(start),
			}, nil
		}
		return &Result{ExitStatus: -1, Duration: time.Since(start)}, fmt.Errorf("容器执行失败: %w", err)
	}
	stderr, _ := ctr.Stderr(execCtx)
	return &Result{
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
	}, nil
}

// Close 断开与 Dagger 引擎的连接。
func (r *DaggerRunner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
