// Package policy 实现命令在加密与分发之前必须通过的策略网关。
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "agent-matrix/internal/errors"
	"agent-matrix/pkg/logger"
)

// CodeViolation 表示命令被策略网关拒绝。
const CodeViolation xerrors.Code = "POLICY_VIOLATION"

func init() {
	xerrors.Register(CodeViolation, xerrors.Attributes{
		Message:  "command rejected by policy",
		Kind:     xerrors.KindPolicy,
		Severity: xerrors.SeverityInfo,
	})
}

// RuleForbiddenTerm 是拒绝列表命中时报告的规则名。
const RuleForbiddenTerm = "forbidden_term"

// Gate 在共享的约束集合上评估命令，可被并发调用。
type Gate struct {
	mu          sync.RWMutex
	constraints *constraintSet
	rules       map[string]Rule
}

// Option 定义网关的可选配置。
type Option func(*Gate)

// WithRule 为指定约束注册规则，约束只有在集合中存在时才会执行该规则。
func WithRule(constraint string, rule Rule) Option {
	return func(g *Gate) {
		if constraint != "" && rule != nil {
			g.rules[constraint] = rule
		}
	}
}

// NewGate 使用初始约束创建网关，nil 表示使用默认约束。
func NewGate(initial []string, opts ...Option) *Gate {
	if initial == nil {
		initial = DefaultConstraints()
	}
	g := &Gate{
		constraints: newConstraintSet(initial),
		rules: map[string]Rule{
			ConstraintDisparityAnalysis: disparityRule,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Check 先检查不可配置的拒绝列表，再在一次读锁内按集合顺序评估约束，
// 返回遇到的第一个违规。
func (g *Gate) Check(ctx context.Context, command string) error {
	for _, term := range forbiddenTerms {
		if strings.Contains(command, term) {
			return g.reject(RuleForbiddenTerm, fmt.Sprintf("command contains forbidden term %q", term))
		}
	}

	name, err := g.evaluate(ctx, command)
	if err != nil {
		return g.reject(name, err.Error())
	}
	return nil
}

func (g *Gate) evaluate(ctx context.Context, command string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, name := range g.constraints.order {
		rule, ok := g.rules[name]
		if !ok {
			continue
		}
		if err := rule(ctx, command, g.constraints); err != nil {
			return name, err
		}
	}
	return "", nil
}

func (g *Gate) reject(rule, reason string) error {
	logger.Audit().Info("策略网关拒绝命令", "rule", rule, "reason", reason)
	return xerrors.New(CodeViolation, reason, xerrors.WithMetadata("rule", rule))
}

// Add 追加约束，已存在时返回 false。
func (g *Gate) Add(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.constraints.add(name)
}

// Remove 删除约束，不存在时返回 false。
func (g *Gate) Remove(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.constraints.remove(name)
}

// Apply 在一次写锁内应用全部修改，任何 Check 只能看到修改前或修改后的集合。
func (g *Gate) Apply(batch ...Mutation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range batch {
		if m.Remove {
			g.constraints.remove(m.Name)
		} else {
			g.constraints.add(m.Name)
		}
	}
}

// Replace 用新的约束列表整体替换当前集合。
func (g *Gate) Replace(names []string) {
	next := newConstraintSet(names)
	g.mu.Lock()
	g.constraints = next
	g.mu.Unlock()
}

// Snapshot 返回当前约束集合的副本。
func (g *Gate) Snapshot() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.constraints.snapshot()
}

// RuleOf 返回策略违规对应的规则名。
func RuleOf(err error) string {
	for e, ok := xerrors.From(err); ok; e, ok = xerrors.From(e.Unwrap()) {
		if e.Code() == CodeViolation {
			return e.Metadata()["rule"]
		}
	}
	return ""
}
