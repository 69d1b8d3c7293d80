// Package market 串联入站付费请求：校验付款凭证、按档位读取或生成载荷、
// 交付后拆分收入并累加信誉计数。
package market
