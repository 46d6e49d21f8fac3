// Package compute 描述计算 Agent 使用的变换协作方：可选的加速器插件，
// 以及加速器缺失时的 CPU 回退路径。
package compute

import "context"

// Transformer 对命令文本做一次变换，可能阻塞等待外部设备。
type Transformer interface {
	Transform(ctx context.Context, text string) (string, error)
}

// Accelerator 是由插件提供的硬件加速变换。
type Accelerator interface {
	Transformer
	Name() string
}

// TransformFunc 允许用普通函数实现 Transformer。
type TransformFunc func(ctx context.Context, text string) (string, error)

// Transform 实现 Transformer。
func (f TransformFunc) Transform(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// Identity 是 CPU 回退变换，原样返回输入。
var Identity Transformer = TransformFunc(func(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, nil
})
