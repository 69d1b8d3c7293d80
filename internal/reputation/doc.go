// Package reputation 将付款活动累积为单调不减的计数器，并投影为可对外发布的信任信号。
package reputation
