package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agent-matrix/internal/auth"
	"agent-matrix/internal/envelope"
	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/pipeline"
	"agent-matrix/internal/runner"
	"agent-matrix/pkg/logger"
)

func newExecCommand() *cobra.Command {
	var (
		runnerDriver string
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "exec <command...>",
		Short: "在进程内完成网关、封装、解封、分发与执行",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			c, err := buildCore(cmd.Context(), cfg, runnerDriver)
			if err != nil {
				return err
			}
			defer c.Close()

			outcome, err := c.pipeline.Execute(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return describe(err)
			}
			return printOutcome(cmd.OutOrStdout(), outcome, asJSON)
		},
	}
	cmd.Flags().StringVar(&runnerDriver, "runner", "", "覆盖 runner 驱动（dry、shell、dagger）")
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出结果")
	return cmd
}

func newSealCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <command...>",
		Short: "通过策略网关后把命令封装为十六进制信封",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			c, err := buildCore(cmd.Context(), cfg, runner.DriverDry)
			if err != nil {
				return err
			}
			defer c.Close()

			env, err := c.pipeline.Seal(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return describe(err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), env.Hex())
			return err
		},
	}
}

const openLongHelp = `校验并解封由 seal 生成的十六进制信封。

默认的 memory nonce 账本只在当前进程内记录已打开的信封，每次 open 调用
都会得到一个新的账本，因此同一信封可以在两次调用中分别被打开。需要跨
调用的重放保护时，设置 envelope.ledger.driver=redis
（或 AGENTMATRIX_ENVELOPE_LEDGER_DRIVER=redis），使 seal、open 与守护进程
共享同一 Redis 账本。`

// sharedLedger 表示账本是否在多个进程之间共享。
func sharedLedger(driver string) bool {
	return driver == "redis"
}

func newOpenCommand() *cobra.Command {
	var (
		process      bool
		runnerDriver string
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "open <hex>",
		Short: "校验并解封十六进制信封，--process 时继续分发与执行",
		Long:  openLongHelp,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envelope.ParseHex(args[0])
			if err != nil {
				return describe(err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			driver := runner.DriverDry
			if process {
				driver = runnerDriver
			}
			if !sharedLedger(cfg.Envelope.Ledger.Driver) {
				logger.L().Warn("nonce 账本仅存在于本进程，重放保护不跨越多次 open 调用",
					"ledger_driver", cfg.Envelope.Ledger.Driver)
			}
			c, err := buildCore(cmd.Context(), cfg, driver)
			if err != nil {
				return err
			}
			defer c.Close()

			if !process {
				command, err := c.pipeline.Open(cmd.Context(), env)
				if err != nil {
					return describe(err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), command)
				return err
			}
			outcome, err := c.pipeline.Process(cmd.Context(), env)
			if err != nil {
				return describe(err)
			}
			return printOutcome(cmd.OutOrStdout(), outcome, asJSON)
		},
	}
	cmd.Flags().BoolVar(&process, "process", false, "解封后分发给 Agent 并执行")
	cmd.Flags().StringVar(&runnerDriver, "runner", "", "覆盖 runner 驱动（dry、shell、dagger）")
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出结果")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		username    string
		permissions []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "签发 API 访问令牌（需要 auth.mode=jwt）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := auth.NewService(auth.Config{
				Mode:     auth.Mode(cfg.Auth.Mode),
				Issuer:   cfg.Auth.Issuer,
				Secret:   cfg.Auth.Secret,
				TokenTTL: cfg.Auth.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expires, err := svc.Issue(username, permissions, ttl)
			if err != nil {
				return describe(err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_at":   expires.UTC().Format(time.RFC3339),
				"permissions":  permissions,
			})
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "operator", "令牌主体")
	cmd.Flags().StringSliceVarP(&permissions, "perm", "p", auth.AllPermissions(), "授予的权限")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "有效期，0 表示使用配置值")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "生成一个可用于 AGENTMATRIX_KEY 的随机密钥",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := make([]byte, envelope.KeySize)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(raw))
			return err
		},
	}
}

type outcomeView struct {
	AgentOutput string `json:"agent_output"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	ExitStatus  int    `json:"exit_status"`
	RunError    string `json:"run_error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

func printOutcome(w io.Writer, outcome *pipeline.Outcome, asJSON bool) error {
	view := outcomeView{
		AgentOutput: outcome.AgentOutput,
		RunError:    outcome.RunError,
		DurationMS:  outcome.Duration.Milliseconds(),
	}
	if outcome.Run != nil {
		view.Stdout = outcome.Run.Stdout
		view.Stderr = outcome.Run.Stderr
		view.ExitStatus = outcome.Run.ExitStatus
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	fmt.Fprintln(w, view.AgentOutput)
	if view.Stdout != "" {
		fmt.Fprint(w, view.Stdout)
	}
	if view.Stderr != "" {
		fmt.Fprint(w, view.Stderr)
	}
	if view.RunError != "" {
		fmt.Fprintf(w, "runner: %s\n", view.RunError)
	}
	return nil
}

// describe 在错误信息前附加错误码与类别，便于脚本区分拒绝原因。
func describe(err error) error {
	return fmt.Errorf("[%s/%s] %w", xerrors.KindOf(err), xerrors.CodeOf(err), err)
}
