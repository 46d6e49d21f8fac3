// Package config 加载 agent-matrix 守护进程的配置：YAML 文件提供基础值，
// 相对路径按配置文件所在目录解析，AGENTMATRIX_* 环境变量覆盖文件中的值。
// 信封密钥只允许来自 AGENTMATRIX_KEY。
package config
