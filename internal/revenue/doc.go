// Package revenue 将已结算的收入按固定基点比例拆分到各资金桶，并通过账本原子落库。
package revenue
