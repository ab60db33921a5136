// Package mysql 将交易记录与注资请求持久化到 MySQL，
// 内含嵌入式迁移与按条件分页的查询。
package mysql
