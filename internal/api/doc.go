// Package api 暴露命令提交、任务查询与策略约束管理的 HTTP 接口。
// 错误统一以 {code, message, kind} 的 JSON 形式返回。
package api
