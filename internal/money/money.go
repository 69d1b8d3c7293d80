// Package money 提供以最小货币单位计价的金额类型。
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount 是以币种最小单位表示的金额，例如 USDC 的 1 = 0.000001。
type Amount int64

// Parse 将十进制字符串解析为最小单位金额，小数位超过 decimals 时报错而不是舍入。
func Parse(text string, decimals int32) (Amount, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("金额不能为空")
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return 0, fmt.Errorf("解析金额 %q 失败: %w", text, err)
	}
	scaled := value.Shift(decimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("金额 %q 超出 %d 位小数精度", text, decimals)
	}
	if scaled.Cmp(decimal.NewFromInt(maxAmount)) > 0 || scaled.Cmp(decimal.NewFromInt(-maxAmount)) < 0 {
		return 0, fmt.Errorf("金额 %q 超出可表示范围", text)
	}
	return Amount(scaled.IntPart()), nil
}

const maxAmount = int64(^uint64(0) >> 1)

// Format 按币种精度输出规范化的十进制字符串。
func (a Amount) Format(decimals int32) string {
	return decimal.New(int64(a), -decimals).String()
}

// Add 返回两个金额之和。
func (a Amount) Add(b Amount) Amount { return a + b }

// IsPositive 判断金额是否大于零。
func (a Amount) IsPositive() bool { return a > 0 }
