// Package cache 提供按档位缓存的付费载荷，保证同一档位同一时刻最多一次计算。
package cache
