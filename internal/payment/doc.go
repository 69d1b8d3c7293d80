// Package payment 实现付费请求的凭证校验与出站凭证签名。
//
// 入站凭证通过 X-PAYMENT 头传递，内容为 base64 编码的 JSON Proof。校验由一组
// 有序策略完成，每个策略返回接受、拒绝或不确定，遇到第一个确定结果即停止。
package payment
