// Package api 暴露舰队的运维状态接口：健康检查、代理视图、交易审计查询与指标。
package api
