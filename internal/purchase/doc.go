// Package purchase 负责出站采购的异步调度：提交时写入意图并把会话 ID 投递到队列，
// 后台 Processor 消费会话 ID 并把会话推进到终态。
package purchase
