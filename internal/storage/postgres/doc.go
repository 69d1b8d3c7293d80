// Package postgres 提供基于 PostgreSQL（pgx 连接池）的分账账本。
package postgres
