package compute

import (
	"errors"
	"fmt"
	goplugin "plugin"
	"strings"
)

// SymbolName 是加速器插件必须导出的符号名。
const SymbolName = "Accelerator"

// Loader 把插件文件解析为 Accelerator。
type Loader interface {
	Load(path string) (Accelerator, error)
}

// PluginLoader 使用标准库 plugin 机制加载 .so 加速器。
type PluginLoader struct{}

// Load 打开共享对象并查找实现 Accelerator 的导出符号。
func (PluginLoader) Load(path string) (Accelerator, error) {
	if path == "" {
		return nil, errors.New("加速器插件路径不能为空")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开加速器插件失败: %w", err)
	}
	symbol, err := so.Lookup(SymbolName)
	if err != nil {
		return nil, fmt.Errorf("加速器插件缺少 %s 符号: %w", SymbolName, err)
	}
	return resolveSymbol(symbol)
}

func resolveSymbol(symbol any) (Accelerator, error) {
	switch p := symbol.(type) {
	case Accelerator:
		return p, nil
	case *Accelerator:
		if p == nil || *p == nil {
			return nil, errors.New("加速器符号为空")
		}
		return *p, nil
	case func() Accelerator:
		acc := p()
		if acc == nil {
			return nil, errors.New("加速器构造函数返回 nil")
		}
		return acc, nil
	default:
		return nil, fmt.Errorf("符号 %s 的类型 %T 未实现 compute.Accelerator", SymbolName, symbol)
	}
}

// Detect 在配置了插件路径时加载加速器；未配置时返回 nil，调用方走 CPU 回退。
func Detect(loader Loader, path string) (Accelerator, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	if loader == nil {
		loader = PluginLoader{}
	}
	return loader.Load(path)
}
