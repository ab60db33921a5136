// Package config 加载舰队进程的 YAML 配置：RPC 节点、Hyperdrive 市场、
// 注资、执行、调度、审计与代理列表。缺省字段由 applyDefaults 补齐，
// 任何不足以开始调度的配置都会以 CONFIGURATION_ERROR 返回。
package config
