// Package intel 按档位类型生成付费情报载荷。
//
// sensor 档位直接输出读数快照；oracle 档位把快照交给补全服务做判断；
// digest 档位让补全服务生成摘要。补全服务返回空文本时视为失败，
// 失败的载荷不会被缓存，也不会被计费。
package intel
