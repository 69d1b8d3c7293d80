// Package sensor 提供情报档位依赖的原始读数来源：静态 JSON 文件、函数以及链上状态。
package sensor
