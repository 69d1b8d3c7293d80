// Package mysql 提供基于 MySQL 的持久化实现：采购会话审计存储、分账账本与信誉计数。
// 表结构通过内嵌的迁移文件管理。
package mysql
