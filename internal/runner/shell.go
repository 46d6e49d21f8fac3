package runner

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// ShellRunner 通过 `sh -c` 在宿主机上执行命令。
type ShellRunner struct {
	shell     string
	workDir   string
	timeout   time.Duration
	maxOutput int
}

// NewShell 创建 ShellRunner。
func NewShell(cfg Config) *ShellRunner {
	shell := cfg.Shell
	if shell == "" {
		shell = "sh"
	}
	return &ShellRunner{
		shell:     shell,
		workDir:   cfg.WorkDir,
		timeout:   cfg.timeout(),
		maxOutput: cfg.maxOutput(),
	}
}

// Run 实现 Runner。命令以非零状态退出时返回结果而不是错误。
func (r *ShellRunner) Run(ctx context.Context, command string) (*Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.shell, "-c", command)
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}
	// 子进程可能继承输出管道，超时后最多再等待 WaitDelay。
	cmd.WaitDelay = time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: r.maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if err != nil {
		if ctxErr := execCtx.Err(); ctxErr != nil {
			result.ExitStatus = -1
			return result, fmt.Errorf("命令执行被终止: %w", ctxErr)
		}
		var exitErr *exec.ExitError
		if stdErrors.As(err, &exitErr) {
			result.ExitStatus = exitErr.ExitCode()
			return result, nil
		}
		result.ExitStatus = -1
		return result, fmt.Errorf("启动命令失败: %w", err)
	}
	return result, nil
}

// limitedWriter 超过上限后丢弃后续输出。
type limitedWriter struct {
	w         io.Writer
	max       int
	written   int
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	remaining := l.max - l.written
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	chunk := p
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
		l.truncated = true
	}
	n, err := l.w.Write(chunk)
	l.written += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
