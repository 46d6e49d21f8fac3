// Package mysql 提供基于 MySQL 的命令任务存储：连接池管理、内嵌 SQL 迁移，
// 以及 task.Store 的实现。表中只保存封装后的信封字节，从不保存明文命令。
package mysql
