// Package scorer 定义伦理评分协作方的接口。评分模型本身对流水线是不透明的，
// 这里只约定输入文本、输出 [0,1] 区间的分值。
package scorer

import (
	"context"
	"fmt"
	"math"
)

// Scorer 返回文本的风险评分，越接近 1 风险越高。实现不得修改共享状态。
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// Func 允许用普通函数实现 Scorer。
type Func func(ctx context.Context, text string) (float64, error)

// Score 实现 Scorer。
func (f Func) Score(ctx context.Context, text string) (float64, error) {
	return f(ctx, text)
}

// Validate 检查分值是否为 [0,1] 区间内的有限数。
func Validate(score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return fmt.Errorf("score %v is not finite", score)
	}
	if score < 0 || score > 1 {
		return fmt.Errorf("score %v outside [0,1]", score)
	}
	return nil
}
