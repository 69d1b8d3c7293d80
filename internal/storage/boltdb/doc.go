// Package boltdb 基于 BoltDB 单文件数据库实现采购会话的审计存储，无需外部数据库进程。
package boltdb
