// Package redis 提供基于 Redis 的共享状态：跨实例的重放 nonce 窗口与信誉计数。
package redis
