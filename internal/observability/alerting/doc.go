// Package alerting 将代理失败与运行中止事件派发到日志与 Webhook 渠道。
package alerting
