// Package metrics 以 Prometheus 格式暴露交易、注资、RPC 与调度指标。
package metrics
