// Package api 暴露 HTTP 接口：公开价目、付费情报、出站采购与会话查询、
// 信誉信号以及 Prometheus 指标。
package api
