// Package llm 定义文本补全服务的窄接口，供情报生成器调用。
package llm
