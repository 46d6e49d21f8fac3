package policy

import (
	"context"
	"fmt"
)

// 初始约束集合。
const (
	ConstraintBiasCheck         = "bias_check"
	ConstraintDisparityAnalysis = "disparity_analysis"
	ConstraintToxicityFilter    = "toxicity_filter"
)

// DefaultConstraints 返回网关默认启用的约束，顺序即评估顺序。
func DefaultConstraints() []string {
	return []string{ConstraintBiasCheck, ConstraintDisparityAnalysis, ConstraintToxicityFilter}
}

// MaxDisparityCommandLength 是 disparity_analysis 约束允许的最大命令字节数。
const MaxDisparityCommandLength = 50

// forbiddenTerms 是不可配置的拒绝列表，任何约束配置下都会生效。
var forbiddenTerms = []string{"bias_inducing_term"}

// Rule 对命令做单项检查，返回非 nil 表示违规原因。
// Rule 在网关读锁内执行，不能回调网关的修改方法。
type Rule func(ctx context.Context, command string, view ConstraintView) error

// ConstraintView 是规则执行期间可见的只读约束集合。
type ConstraintView interface {
	Has(name string) bool
}

func disparityRule(_ context.Context, command string, _ ConstraintView) error {
	if len(command) > MaxDisparityCommandLength {
		return fmt.Errorf("command length %d exceeds %d bytes", len(command), MaxDisparityCommandLength)
	}
	return nil
}

// Mutation 描述批量修改中的一步。
type Mutation struct {
	Name   string
	Remove bool
}

// Enable 返回添加约束的修改。
func Enable(name string) Mutation { return Mutation{Name: name} }

// Disable 返回删除约束的修改。
func Disable(name string) Mutation { return Mutation{Name: name, Remove: true} }

// constraintSet 保持插入顺序，同名约束只出现一次。
type constraintSet struct {
	order []string
	index map[string]int
}

func newConstraintSet(names []string) *constraintSet {
	s := &constraintSet{index: make(map[string]int)}
	for _, name := range names {
		s.add(name)
	}
	return s
}

func (s *constraintSet) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

func (s *constraintSet) add(name string) bool {
	if name == "" || s.Has(name) {
		return false
	}
	s.index[name] = len(s.order)
	s.order = append(s.order, name)
	return true
}

func (s *constraintSet) remove(name string) bool {
	pos, ok := s.index[name]
	if !ok {
		return false
	}
	s.order = append(s.order[:pos], s.order[pos+1:]...)
	delete(s.index, name)
	for i := pos; i < len(s.order); i++ {
		s.index[s.order[i]] = i
	}
	return true
}

func (s *constraintSet) snapshot() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
