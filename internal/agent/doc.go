// Package agent 定义舰队的核心记录：代理本身、预算、交易意图、交易记录、
// 注资请求以及代理在运行期间累积的持仓状态。这里只有数据与状态迁移，
// 不做任何 I/O。
package agent
