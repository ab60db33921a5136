// Package redis 提供基于 Redis 的注资幂等账本，使多个进程共享同一份
// (epoch, agent, asset) 注资记录。
package redis
